package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"sentinel/core"
	"sentinel/metrics"
	"sentinel/soar"
)

// SQLiteLedger is the default durable ledger. WAL mode gives crash
// recovery; the write pool is pinned to a single connection so every
// claim is serialized through one writer and the check-then-insert in
// TryClaim is atomic.
type SQLiteLedger struct {
	writeDB *sql.DB
	readDB  *sql.DB
	path    string
	logger  *zap.SugaredLogger
}

const executionsSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	playbook_id TEXT NOT NULL,
	event_fingerprint TEXT NOT NULL,
	event_id TEXT NOT NULL,
	event TEXT NOT NULL DEFAULT 'null',
	cooldown_ns INTEGER NOT NULL DEFAULT 0,
	claimed_at INTEGER NOT NULL,
	outcome TEXT NOT NULL,
	actions TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_executions_claim
	ON executions(playbook_id, event_fingerprint, claimed_at DESC);
CREATE INDEX IF NOT EXISTS idx_executions_outcome
	ON executions(outcome);
CREATE TABLE IF NOT EXISTS cursors (
	source TEXT PRIMARY KEY,
	position INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

func configureConnection(db *sql.DB, dbPath string) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to query journal mode: %w", err)
	}
	if dbPath != ":memory:" && journalMode != "wal" {
		return fmt.Errorf("WAL mode not enabled (got %q)", journalMode)
	}
	return nil
}

// NewSQLiteLedger opens (or creates) the ledger database at dbPath.
func NewSQLiteLedger(dbPath string, logger *zap.SugaredLogger) (*SQLiteLedger, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	// Shared cache so both pools see the same in-memory database.
	actualPath := dbPath
	if dbPath == ":memory:" {
		actualPath = "file::memory:?cache=shared"
	}

	writeDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger write pool: %w", err)
	}
	if err := configureConnection(writeDB, dbPath); err != nil {
		_ = writeDB.Close()
		return nil, err
	}
	// Single writer keeps WAL happy and makes claims serialize.
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDB, err := sql.Open("sqlite", actualPath)
	if err != nil {
		_ = writeDB.Close()
		return nil, fmt.Errorf("failed to open ledger read pool: %w", err)
	}
	if err := configureConnection(readDB, dbPath); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, err
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)

	l := &SQLiteLedger{
		writeDB: writeDB,
		readDB:  readDB,
		path:    dbPath,
		logger:  logger,
	}
	if _, err := writeDB.Exec(executionsSchema); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	logger.Infof("Execution ledger initialized at %s", dbPath)
	return l, nil
}

// withTransaction runs fn inside a write transaction with rollback on
// error or panic.
func (l *SQLiteLedger) withTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			l.logger.Warnf("Rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) TryClaim(ctx context.Context, playbookID, fingerprint string, event *core.Event, cooldown time.Duration, simulated bool) (*soar.ExecutionRecord, error) {
	now := time.Now()
	rec := &soar.ExecutionRecord{
		ID:               uuid.NewString(),
		PlaybookID:       playbookID,
		EventFingerprint: fingerprint,
		Event:            event,
		ClaimedAt:        now,
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
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return nil, &WriteError{Op: "claim encode", Err: err}
	}

	err = l.withTransaction(ctx, func(tx *sql.Tx) error {
		if !simulated {
			var claimedAtNs int64
			var outcome string
			err := tx.QueryRowContext(ctx, `
				SELECT claimed_at, outcome FROM executions
				WHERE playbook_id = ? AND event_fingerprint = ? AND outcome != ?
				ORDER BY claimed_at DESC LIMIT 1`,
				playbookID, fingerprint, string(soar.OutcomeSimulated),
			).Scan(&claimedAtNs, &outcome)
			switch {
			case err == nil:
				// An unfinalized claim always blocks; a finalized one
				// blocks inside its cooldown window.
				if outcome == string(soar.OutcomeUnknown) {
					return ErrAlreadyHandled
				}
				if cooldown > 0 && now.Sub(time.Unix(0, claimedAtNs)) < cooldown {
					return ErrAlreadyHandled
				}
			case errors.Is(err, sql.ErrNoRows):
				// First claim for this pair.
			default:
				return &WriteError{Op: "claim lookup", Err: err}
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO executions (id, playbook_id, event_fingerprint, event_id, event, cooldown_ns, claimed_at, outcome, actions)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]')`,
			rec.ID, rec.PlaybookID, rec.EventFingerprint, rec.EventID,
			string(eventJSON), cooldown.Nanoseconds(), now.UnixNano(), string(rec.Outcome),
		); err != nil {
			return &WriteError{Op: "claim insert", Err: err}
		}
		return nil
	})
	if err != nil {
		if IsWriteError(err) {
			metrics.LedgerWriteFailures.Inc()
		}
		if errors.Is(err, ErrAlreadyHandled) || IsWriteError(err) {
			return nil, err
		}
		return nil, &WriteError{Op: "claim", Err: err}
	}
	return rec, nil
}

func (l *SQLiteLedger) AppendAction(ctx context.Context, recordID string, outcome soar.ActionOutcome) error {
	err := l.withTransaction(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT actions FROM executions WHERE id = ?`, recordID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, recordID)
		}
		if err != nil {
			return &WriteError{Op: "action lookup", Err: err}
		}

		var actions []soar.ActionOutcome
		if err := json.Unmarshal([]byte(current), &actions); err != nil {
			return &WriteError{Op: "action decode", Err: err}
		}
		actions = append(actions, outcome)
		updated, err := json.Marshal(actions)
		if err != nil {
			return &WriteError{Op: "action encode", Err: err}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE executions SET actions = ? WHERE id = ?`,
			string(updated), recordID,
		); err != nil {
			return &WriteError{Op: "action update", Err: err}
		}
		return nil
	})
	if err != nil {
		if IsWriteError(err) {
			metrics.LedgerWriteFailures.Inc()
		}
		return err
	}
	return nil
}

func (l *SQLiteLedger) Record(ctx context.Context, rec *soar.ExecutionRecord) error {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return &WriteError{Op: "record encode", Err: err}
	}

	res, err := l.writeDB.ExecContext(ctx, `
		UPDATE executions SET outcome = ?, actions = ? WHERE id = ?`,
		string(rec.Outcome), string(actions), rec.ID,
	)
	if err != nil {
		metrics.LedgerWriteFailures.Inc()
		return &WriteError{Op: "record update", Err: err}
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, rec.ID)
	}
	metrics.ExecutionOutcomes.WithLabelValues(string(rec.Outcome)).Inc()
	return nil
}

func (l *SQLiteLedger) PendingUnknown(ctx context.Context) ([]*soar.ExecutionRecord, error) {
	rows, err := l.readDB.QueryContext(ctx, `
		SELECT id, playbook_id, event_fingerprint, event_id, event, claimed_at, outcome, actions
		FROM executions WHERE outcome = ? ORDER BY claimed_at ASC`,
		string(soar.OutcomeUnknown),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unknown records: %w", err)
	}
	defer rows.Close()

	var records []*soar.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Record lookup, used by tests and the validate CLI.
func (l *SQLiteLedger) Get(ctx context.Context, id string) (*soar.ExecutionRecord, error) {
	row := l.readDB.QueryRowContext(ctx, `
		SELECT id, playbook_id, event_fingerprint, event_id, event, claimed_at, outcome, actions
		FROM executions WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*soar.ExecutionRecord, error) {
	var rec soar.ExecutionRecord
	var claimedAtNs int64
	var outcome, event, actions string
	if err := row.Scan(&rec.ID, &rec.PlaybookID, &rec.EventFingerprint, &rec.EventID,
		&event, &claimedAtNs, &outcome, &actions); err != nil {
		return nil, err
	}
	rec.ClaimedAt = time.Unix(0, claimedAtNs)
	rec.Outcome = soar.Outcome(outcome)
	if err := json.Unmarshal([]byte(event), &rec.Event); err != nil {
		return nil, fmt.Errorf("failed to decode event for record %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(actions), &rec.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode actions for record %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (l *SQLiteLedger) Cursor(ctx context.Context, source string) (int64, error) {
	var position int64
	err := l.readDB.QueryRowContext(ctx,
		`SELECT position FROM cursors WHERE source = ?`, source,
	).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor for %s: %w", source, err)
	}
	return position, nil
}

func (l *SQLiteLedger) SetCursor(ctx context.Context, source string, position int64) error {
	_, err := l.writeDB.ExecContext(ctx, `
		INSERT INTO cursors (source, position, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET position = excluded.position, updated_at = excluded.updated_at`,
		source, position, time.Now().UnixNano(),
	)
	if err != nil {
		metrics.LedgerWriteFailures.Inc()
		return &WriteError{Op: "cursor update", Err: err}
	}
	return nil
}

func (l *SQLiteLedger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	now := time.Now().UnixNano()
	cutoff := now - retention.Nanoseconds()
	// A record inside its cooldown window is still suppressing claims
	// and must survive even when it is older than the retention.
	res, err := l.writeDB.ExecContext(ctx, `
		DELETE FROM executions
		WHERE claimed_at < ? AND outcome != ? AND claimed_at + cooldown_ns < ?`,
		cutoff, string(soar.OutcomeUnknown), now,
	)
	if err != nil {
		return 0, &WriteError{Op: "prune", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Infof("Pruned %d execution records older than %s", n, retention)
	}
	return n, nil
}

func (l *SQLiteLedger) Close() error {
	var firstErr error
	if err := l.writeDB.Close(); err != nil {
		firstErr = err
	}
	if err := l.readDB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
