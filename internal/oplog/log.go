package oplog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Log is the SQLite-backed pending/applied/cursor bookkeeping for one
// namespace's operation log (spec.md §4.7).
type Log struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (creating if absent) the operation log database at path.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("oplog: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention across conns

	l := &Log{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS pending_ops (
			op_id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS applied_ops (
			op_id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS remote_cursor (
			machine_id TEXT PRIMARY KEY,
			cursor TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_applied_ops_applied_at ON applied_ops(applied_at);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("oplog: initialize schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// Enqueue appends a locally-produced, signed operation to pending_ops.
func (l *Log) Enqueue(so SignedOperation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload, err := Marshal(so)
	if err != nil {
		return fmt.Errorf("oplog: marshal operation: %w", err)
	}
	_, err = l.db.Exec(
		`INSERT OR REPLACE INTO pending_ops (op_id, payload, created_at) VALUES (?, ?, ?)`,
		so.Operation.OpID.String(), payload, time.Now(),
	)
	return err
}

// DrainPending returns every operation awaiting upload, oldest first.
func (l *Log) DrainPending() ([]SignedOperation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(`SELECT payload FROM pending_ops ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("oplog: query pending_ops: %w", err)
	}
	defer rows.Close()

	var out []SignedOperation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("oplog: scan pending_ops: %w", err)
		}
		so, err := Unmarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("oplog: unmarshal pending operation: %w", err)
		}
		out = append(out, so)
	}
	return out, rows.Err()
}

// RemovePending deletes an uploaded operation from pending_ops.
func (l *Log) RemovePending(opID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`DELETE FROM pending_ops WHERE op_id = ?`, opID.String())
	return err
}

// PendingCount reports the current pending_ops backlog size, for health
// checks and metrics.
func (l *Log) PendingCount() (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM pending_ops`).Scan(&n)
	return n, err
}

// MarkApplied records op_id in applied_ops — the idempotency gate that
// keeps a re-delivered operation from applying twice.
func (l *Log) MarkApplied(opID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO applied_ops (op_id, applied_at) VALUES (?, ?)`,
		opID.String(), time.Now(),
	)
	return err
}

// IsApplied reports whether op_id has already been applied.
func (l *Log) IsApplied(opID uuid.UUID) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var exists int
	err := l.db.QueryRow(`SELECT 1 FROM applied_ops WHERE op_id = ?`, opID.String()).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PruneApplied deletes applied_ops entries older than retention, per
// spec.md §3's default 7-day operation retention.
func (l *Log) PruneApplied(retention time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-retention)
	res, err := l.db.Exec(`DELETE FROM applied_ops WHERE applied_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SetCursor advances the high-water mark recorded for peerMachine.
func (l *Log) SetCursor(peerMachine uuid.UUID, cursor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO remote_cursor (machine_id, cursor) VALUES (?, ?)`,
		peerMachine.String(), cursor,
	)
	return err
}

// GetCursor returns the recorded high-water mark for peerMachine, or "" if
// none has been recorded yet.
func (l *Log) GetCursor(peerMachine uuid.UUID) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var cursor string
	err := l.db.QueryRow(`SELECT cursor FROM remote_cursor WHERE machine_id = ?`, peerMachine.String()).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cursor, err
}
