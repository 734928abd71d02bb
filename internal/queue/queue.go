// Package queue implements MessageQueue: a durable, per-recipient FIFO of
// (packetType, payload) pairs. It is file-per-recipient SQLite, the same
// pattern the teacher's internal/store used for context-aware, slog-logged
// persistence, applied here one database file per recipient the way the
// teacher's blob store puts one file per blob.
package queue

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Packet is a stored (type, payload) pair, in FIFO order.
type Packet struct {
	Type    byte
	Payload []byte
}

// Queue manages the set of per-recipient offline-message databases under
// one directory.
type Queue struct {
	dir string

	mu   sync.Mutex
	open map[string]*sql.DB
}

// Open prepares the message directory. Individual per-recipient databases
// are opened lazily on first use.
func Open(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: create message dir: %w", err)
	}
	return &Queue{dir: dir, open: make(map[string]*sql.DB)}, nil
}

// Close closes every per-recipient database opened during this process's
// lifetime.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var first error
	for _, db := range q.open {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (q *Queue) dbFor(recipientHex string) (*sql.DB, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if db, ok := q.open[recipientHex]; ok {
		return db, nil
	}

	path := filepath.Join(q.dir, recipientHex+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("queue: busy_timeout pragma failed", "recipient", recipientHex, "err", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS msg (
		id      INTEGER PRIMARY KEY AUTOINCREMENT,
		type    INTEGER NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create msg table for %s: %w", recipientHex, err)
	}

	q.open[recipientHex] = db
	slog.Debug("queue: opened recipient store", "recipient", recipientHex)
	return db, nil
}

// Store appends one packet to a recipient's queue. recipientID is an
// 8-byte opaque user id, hex-encoded to name the backing database.
func (q *Queue) Store(ctx context.Context, recipientID [8]byte, typ byte, payload []byte) error {
	recipientHex := hex.EncodeToString(recipientID[:])
	db, err := q.dbFor(recipientHex)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO msg(type, payload) VALUES (?, ?)`, typ, payload); err != nil {
		return fmt.Errorf("queue: store for %s: %w", recipientHex, err)
	}
	slog.Debug("queue: stored offline message", "recipient", recipientHex, "type", typ, "bytes", len(payload))
	return nil
}

// Drain returns all queued packets for recipientID in FIFO order and
// deletes them, atomically, in a single transaction.
func (q *Queue) Drain(ctx context.Context, recipientID [8]byte) ([]Packet, error) {
	recipientHex := hex.EncodeToString(recipientID[:])
	db, err := q.dbFor(recipientHex)
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin drain tx for %s: %w", recipientHex, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id, type, payload FROM msg ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("queue: select for drain %s: %w", recipientHex, err)
	}

	var packets []Packet
	var ids []int64
	for rows.Next() {
		var id int64
		var p Packet
		if err := rows.Scan(&id, &p.Type, &p.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan drain row for %s: %w", recipientHex, err)
		}
		packets = append(packets, p)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM msg`); err != nil {
			return nil, fmt.Errorf("queue: delete drained rows for %s: %w", recipientHex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit drain for %s: %w", recipientHex, err)
	}

	slog.Debug("queue: drained", "recipient", recipientHex, "count", len(packets))
	return packets, nil
}
