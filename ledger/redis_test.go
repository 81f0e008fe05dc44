package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sentinel/soar"
)

func newTestRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLedger(client, time.Hour, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisClaimThenDeny(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	rec, err := l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-1"), time.Hour, false)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	_, err = l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-2"), time.Hour, false)
	assert.ErrorIs(t, err, ErrAlreadyHandled)
}

func TestRedisCooldownExpiry(t *testing.T) {
	l, mr := newTestRedisLedger(t)
	ctx := context.Background()

	rec, err := l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-1"), time.Minute, false)
	require.NoError(t, err)
	rec.Outcome = soar.OutcomeSucceeded
	require.NoError(t, l.Record(ctx, rec))

	_, err = l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-2"), time.Minute, false)
	assert.ErrorIs(t, err, ErrAlreadyHandled)

	mr.FastForward(2 * time.Minute)

	_, err = l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-3"), time.Minute, false)
	assert.NoError(t, err, "claim allowed after the cooldown TTL expires")
}

func TestRedisZeroCooldownReleasesOnRecord(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	rec, err := l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-1"), 0, false)
	require.NoError(t, err)

	// Still in flight: blocked.
	_, err = l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-2"), 0, false)
	assert.ErrorIs(t, err, ErrAlreadyHandled)

	rec.Outcome = soar.OutcomeSucceeded
	require.NoError(t, l.Record(ctx, rec))

	_, err = l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-3"), 0, false)
	assert.NoError(t, err, "zero-cooldown claim releases once finalized")
}

func TestRedisSimulatedClaimsBypass(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	sim, err := l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-1"), time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, soar.OutcomeSimulated, sim.Outcome)

	// The simulated claim left no claim key behind.
	_, err = l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-2"), time.Hour, false)
	require.NoError(t, err)

	// And a held real claim does not stop a simulated one.
	_, err = l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-3"), time.Hour, true)
	assert.NoError(t, err)
}

func TestRedisAppendActionPersistsProgress(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	rec, err := l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-1"), time.Hour, false)
	require.NoError(t, err)

	require.NoError(t, l.AppendAction(ctx, rec.ID, soar.ActionOutcome{
		Type: "notify", Status: soar.ActionSucceeded, Attempts: 1,
	}))

	pending, err := l.PendingUnknown(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Len(t, pending[0].Actions, 1)
	assert.Equal(t, "notify", pending[0].Actions[0].Type)
	require.NotNil(t, pending[0].Event)
	assert.Equal(t, "evt-1", pending[0].Event.ID)
}

func TestRedisPendingUnknown(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	inflight, err := l.TryClaim(ctx, "pb-1", "fp-1", claimEvent("evt-1"), time.Hour, false)
	require.NoError(t, err)
	finished, err := l.TryClaim(ctx, "pb-2", "fp-2", claimEvent("evt-2"), time.Hour, false)
	require.NoError(t, err)

	finished.Outcome = soar.OutcomeFailed
	require.NoError(t, l.Record(ctx, finished))

	pending, err := l.PendingUnknown(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, inflight.ID, pending[0].ID)
	assert.Equal(t, soar.OutcomeUnknown, pending[0].Outcome)
}

func TestRedisCursorRoundTrip(t *testing.T) {
	l, _ := newTestRedisLedger(t)
	ctx := context.Background()

	pos, err := l.Cursor(ctx, "loki")
	require.NoError(t, err)
	assert.Zero(t, pos)

	require.NoError(t, l.SetCursor(ctx, "loki", 987654321))
	pos, err = l.Cursor(ctx, "loki")
	require.NoError(t, err)
	assert.Equal(t, int64(987654321), pos)
}

func TestRedisWriteFailureIsWriteError(t *testing.T) {
	l, mr := newTestRedisLedger(t)
	mr.Close()

	_, err := l.TryClaim(context.Background(), "pb-1", "fp-1", claimEvent("evt-1"), time.Hour, false)
	assert.True(t, IsWriteError(err), "claim against a dead backend must be a *WriteError, got %v", err)
}
