package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/soar"
)

const (
	redisClaimPrefix  = "sentinel:claim:"
	redisExecPrefix   = "sentinel:exec:"
	redisCursorPrefix = "sentinel:cursor:"
	redisUnknownSet   = "sentinel:unknown"
)

// RedisLedger is the alternative ledger backend for deployments that
// run several engine replicas against one store. SET NX makes the
// claim race safe across processes; record retention rides on key
// TTLs, so Prune is a no-op.
type RedisLedger struct {
	client    redis.UniversalClient
	retention time.Duration
	logger    *zap.SugaredLogger
}

func NewRedisLedger(client redis.UniversalClient, retention time.Duration, logger *zap.SugaredLogger) *RedisLedger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &RedisLedger{client: client, retention: retention, logger: logger}
}

func claimKey(playbookID, fingerprint string) string {
	return redisClaimPrefix + playbookID + ":" + fingerprint
}

func (l *RedisLedger) TryClaim(ctx context.Context, playbookID, fingerprint string, event *core.Event, cooldown time.Duration, simulated bool) (*soar.ExecutionRecord, error) {
	rec := &soar.ExecutionRecord{
		ID:               uuid.NewString(),
		PlaybookID:       playbookID,
		EventFingerprint: fingerprint,
		Event:            event,
		ClaimedAt:        time.Now(),
		Outcome:          soar.OutcomeUnknown,
	}
	if event != nil {
		rec.EventID = event.ID
	}
	// A dry-run claim is simulated from birth so an in-flight one never
	// blocks a real claim and never shows up in crash recovery.
	if simulated {
		rec.Outcome = soar.OutcomeSimulated
	}

	if !simulated {
		// Zero cooldown means the key has no TTL and is released when
		// the record finalizes; otherwise the TTL is the cooldown.
		ok, err := l.client.SetNX(ctx, claimKey(playbookID, fingerprint), rec.ID, cooldown).Result()
		if err != nil {
			metrics.LedgerWriteFailures.Inc()
			return nil, &WriteError{Op: "claim setnx", Err: err}
		}
		if !ok {
			return nil, ErrAlreadyHandled
		}
	}

	if err := l.storeRecord(ctx, rec); err != nil {
		return nil, err
	}
	if !simulated {
		if err := l.client.SAdd(ctx, redisUnknownSet, rec.ID).Err(); err != nil {
			metrics.LedgerWriteFailures.Inc()
			return nil, &WriteError{Op: "claim unknown-set", Err: err}
		}
	}
	return rec, nil
}

func (l *RedisLedger) storeRecord(ctx context.Context, rec *soar.ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &WriteError{Op: "record encode", Err: err}
	}
	if err := l.client.Set(ctx, redisExecPrefix+rec.ID, data, l.retention).Err(); err != nil {
		metrics.LedgerWriteFailures.Inc()
		return &WriteError{Op: "record set", Err: err}
	}
	return nil
}

func (l *RedisLedger) AppendAction(ctx context.Context, recordID string, outcome soar.ActionOutcome) error {
	data, err := l.client.Get(ctx, redisExecPrefix+recordID).Bytes()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
	}
	if err != nil {
		metrics.LedgerWriteFailures.Inc()
		return &WriteError{Op: "action lookup", Err: err}
	}
	var rec soar.ExecutionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return &WriteError{Op: "action decode", Err: err}
	}
	rec.Actions = append(rec.Actions, outcome)
	return l.storeRecord(ctx, &rec)
}

func (l *RedisLedger) Record(ctx context.Context, rec *soar.ExecutionRecord) error {
	if err := l.storeRecord(ctx, rec); err != nil {
		return err
	}
	if err := l.client.SRem(ctx, redisUnknownSet, rec.ID).Err(); err != nil {
		metrics.LedgerWriteFailures.Inc()
		return &WriteError{Op: "record unknown-set", Err: err}
	}

	// A claim key with no TTL belongs to a zero-cooldown playbook and
	// is released once the execution finalizes.
	if rec.Outcome != soar.OutcomeSimulated {
		key := claimKey(rec.PlaybookID, rec.EventFingerprint)
		ttl, err := l.client.TTL(ctx, key).Result()
		if err == nil && ttl == -1 {
			if err := l.client.Del(ctx, key).Err(); err != nil {
				l.logger.Warnf("Failed to release claim key %s: %v", key, err)
			}
		}
	}
	metrics.ExecutionOutcomes.WithLabelValues(string(rec.Outcome)).Inc()
	return nil
}

func (l *RedisLedger) PendingUnknown(ctx context.Context) ([]*soar.ExecutionRecord, error) {
	ids, err := l.client.SMembers(ctx, redisUnknownSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list unknown records: %w", err)
	}

	var records []*soar.ExecutionRecord
	for _, id := range ids {
		data, err := l.client.Get(ctx, redisExecPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			// Record expired out from under the set; clean up.
			_ = l.client.SRem(ctx, redisUnknownSet, id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %s: %w", id, err)
		}
		var rec soar.ExecutionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
		}
		records = append(records, &rec)
	}
	return records, nil
}

func (l *RedisLedger) Cursor(ctx context.Context, source string) (int64, error) {
	val, err := l.client.Get(ctx, redisCursorPrefix+source).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor for %s: %w", source, err)
	}
	position, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt cursor for %s: %w", source, err)
	}
	return position, nil
}

func (l *RedisLedger) SetCursor(ctx context.Context, source string, position int64) error {
	if err := l.client.Set(ctx, redisCursorPrefix+source, position, 0).Err(); err != nil {
		metrics.LedgerWriteFailures.Inc()
		return &WriteError{Op: "cursor set", Err: err}
	}
	return nil
}

// Prune is a no-op: record keys expire via their retention TTL.
func (l *RedisLedger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return 0, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
