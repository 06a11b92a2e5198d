// Package queue implements the appliance's durable outbound journal.
// Evidence bundles, escalations, pattern reports and heartbeats are
// enqueued here before upload, so nothing is lost while the control
// plane is unreachable or the appliance loses power mid-cycle.
//
// Backing store is a single SQLite database in WAL mode with full
// synchronous commits: Enqueue returns only after the transaction is
// fsynced. A torn tail after power loss is dropped by SQLite's own WAL
// recovery; a database corrupt beyond that is moved aside and the
// journal restarts empty, with the event logged.
//
// The executed-order set and the chain head pointer share the same
// database so that evidence position and order idempotency survive
// crashes together.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Kind selects one of the per-destination FIFO queues.
type Kind string

const (
	KindEvidence   Kind = "evidence"
	KindIncidents  Kind = "incidents"
	KindPatterns   Kind = "patterns"
	KindHeartbeats Kind = "heartbeats"
)

// Kinds lists every queue in flush order. Evidence first: incidents and
// patterns reference bundles that must already be on the plane.
var Kinds = []Kind{KindEvidence, KindIncidents, KindPatterns, KindHeartbeats}

// ErrQueueFull is returned when the journal is at its hard cap and no
// item is old enough to evict. Callers divert to the overflow path.
var ErrQueueFull = errors.New("queue full: nothing evictable under retain floor")

// Item is one queued payload with its journal sequence number.
type Item struct {
	Seq       int64
	Kind      Kind
	Payload   []byte
	CreatedAt time.Time
}

// Queue is the durable journal. Single-writer: all mutations take the
// internal lock; the upload task reads through the same lock.
type Queue struct {
	mu sync.Mutex
	db *sql.DB

	hardCapBytes int64
	retainFloor  time.Duration

	backoff map[Kind]*backoffState
}

const schema = `
CREATE TABLE IF NOT EXISTS queue_items (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload BLOB NOT NULL,
	size_bytes INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_kind_seq ON queue_items(kind, seq);
CREATE INDEX IF NOT EXISTS idx_queue_created ON queue_items(created_at);

CREATE TABLE IF NOT EXISTS executed_orders (
	order_id TEXT PRIMARY KEY,
	executed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chain_head (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	prev_hash TEXT NOT NULL,
	last_bundle_id TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Open opens or creates the journal under dir. hardCapMB bounds the
// total payload footprint; retainDays is the eviction floor (items
// younger than this are never evicted, even above the cap).
func Open(dir string, hardCapMB, retainDays int) (*Queue, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	dbPath := filepath.Join(dir, "journal.db")

	db, err := openVerified(dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &Queue{
		db:           db,
		hardCapBytes: int64(hardCapMB) * 1024 * 1024,
		retainFloor:  time.Duration(retainDays) * 24 * time.Hour,
		backoff:      make(map[Kind]*backoffState),
	}, nil
}

// openVerified opens the database and runs an integrity check. WAL
// recovery already truncated any torn tail; if the main file is corrupt
// beyond that, the database is moved aside and recreated empty.
func openVerified(dbPath string) (*sql.DB, error) {
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	var status string
	err = db.QueryRow("PRAGMA quick_check(1)").Scan(&status)
	if err == nil && status == "ok" {
		return db, nil
	}

	db.Close()
	aside := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	log.Printf("[queue] journal failed integrity check (%v, %q), moving aside to %s", err, status, aside)
	if renameErr := os.Rename(dbPath, aside); renameErr != nil && !os.IsNotExist(renameErr) {
		return nil, fmt.Errorf("move corrupt journal aside: %w", renameErr)
	}
	os.Remove(dbPath + "-wal")
	os.Remove(dbPath + "-shm")

	db, err = sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("reopen journal: %w", err)
	}
	return db, nil
}

// Enqueue appends one payload to the given queue. It returns only after
// the insert has committed, which with synchronous=FULL means the data
// is on disk. Above the hard cap it evicts oldest-first down to the
// retain floor; if that cannot make room it returns ErrQueueFull
// without inserting.
func (q *Queue) Enqueue(kind Kind, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	total, err := q.bytesLocked()
	if err != nil {
		return err
	}
	if total+int64(len(payload)) > q.hardCapBytes {
		if err := q.evictLocked(total + int64(len(payload))); err != nil {
			return err
		}
	}

	_, err = q.db.Exec(
		"INSERT INTO queue_items (kind, payload, size_bytes, created_at) VALUES (?, ?, ?, ?)",
		string(kind), payload, len(payload), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// evictLocked deletes oldest items (any kind) older than the retain
// floor until the footprint plus the pending insert fits under the cap.
func (q *Queue) evictLocked(needed int64) error {
	cutoff := time.Now().Add(-q.retainFloor).Unix()
	for needed > q.hardCapBytes {
		var seq, size int64
		err := q.db.QueryRow(
			"SELECT seq, size_bytes FROM queue_items WHERE created_at < ? ORDER BY seq ASC LIMIT 1",
			cutoff,
		).Scan(&seq, &size)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrQueueFull
		}
		if err != nil {
			return fmt.Errorf("find evictable: %w", err)
		}
		if _, err := q.db.Exec("DELETE FROM queue_items WHERE seq = ?", seq); err != nil {
			return fmt.Errorf("evict seq %d: %w", seq, err)
		}
		log.Printf("[queue] evicted item seq=%d size=%d (over hard cap)", seq, size)
		needed -= size
	}
	return nil
}

// Head returns up to n oldest items of a kind without removing them.
func (q *Queue) Head(kind Kind, n int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.Query(
		"SELECT seq, payload, created_at FROM queue_items WHERE kind = ? ORDER BY seq ASC LIMIT ?",
		string(kind), n,
	)
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", kind, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var created int64
		if err := rows.Scan(&it.Seq, &it.Payload, &created); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		it.Kind = kind
		it.CreatedAt = time.Unix(created, 0)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Ack removes every item of the kind with sequence <= seq in one
// atomic statement.
func (q *Queue) Ack(kind Kind, seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.db.Exec(
		"DELETE FROM queue_items WHERE kind = ? AND seq <= ?",
		string(kind), seq,
	); err != nil {
		return fmt.Errorf("ack %s up to %d: %w", kind, seq, err)
	}
	return nil
}

// Size returns the item count for one kind.
func (q *Queue) Size(kind Kind) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int
	err := q.db.QueryRow(
		"SELECT COUNT(*) FROM queue_items WHERE kind = ?", string(kind),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", kind, err)
	}
	return n, nil
}

// Bytes returns the total payload footprint across all kinds.
func (q *Queue) Bytes() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytesLocked()
}

func (q *Queue) bytesLocked() (int64, error) {
	var total sql.NullInt64
	err := q.db.QueryRow("SELECT SUM(size_bytes) FROM queue_items").Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum bytes: %w", err)
	}
	return total.Int64, nil
}

// MarkExecuted records an order as executed. Idempotent.
func (q *Queue) MarkExecuted(orderID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(
		"INSERT OR IGNORE INTO executed_orders (order_id, executed_at) VALUES (?, ?)",
		orderID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("mark executed %s: %w", orderID, err)
	}
	return nil
}

// WasExecuted reports whether an order id is in the executed set.
func (q *Queue) WasExecuted(orderID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var one int
	err := q.db.QueryRow(
		"SELECT 1 FROM executed_orders WHERE order_id = ?", orderID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup executed %s: %w", orderID, err)
	}
	return true, nil
}

// PruneExecuted drops executed-order records older than maxAge. Callers
// pass at least twice the maximum order TTL so replays stay detectable
// for the full window an order could still be presented.
func (q *Queue) PruneExecuted(maxAge time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	res, err := q.db.Exec(
		"DELETE FROM executed_orders WHERE executed_at < ?",
		time.Now().Add(-maxAge).Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune executed: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ChainHead returns the persisted chain head pointer. ok is false when
// no bundle has ever been appended (genesis state).
func (q *Queue) ChainHead() (prevHash, lastBundleID string, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	err = q.db.QueryRow(
		"SELECT prev_hash, last_bundle_id FROM chain_head WHERE id = 1",
	).Scan(&prevHash, &lastBundleID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("read chain head: %w", err)
	}
	return prevHash, lastBundleID, true, nil
}

// SetChainHead persists the chain head after a local append. The upsert
// commits synchronously like every other write here.
func (q *Queue) SetChainHead(prevHash, lastBundleID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.db.Exec(`
		INSERT INTO chain_head (id, prev_hash, last_bundle_id, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prev_hash = excluded.prev_hash,
			last_bundle_id = excluded.last_bundle_id,
			updated_at = excluded.updated_at
	`, prevHash, lastBundleID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set chain head: %w", err)
	}
	return nil
}

// Close checkpoints and closes the journal.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return q.db.Close()
}
