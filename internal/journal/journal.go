// Package journal persists every raw message the platform sends, so the
// order ledger can be rebuilt offline and sessions can be audited after the
// fact. A small kv table rides along for durable bridge state such as the
// SIM balance baseline.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tp-bridge/internal/protocol"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Entry is one journaled message with its assigned sequence number.
type Entry struct {
	Seq        int64
	ReceivedAt time.Time
	Raw        protocol.Raw
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (key TEXT PRIMARY KEY, value TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS journal (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			received_at INTEGER NOT NULL,
			msg_type INTEGER NOT NULL,
			payload BLOB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Append journals one raw message. The write happens on the receive
// goroutine before normalization, so even messages the normalizer rejects
// are preserved.
func (s *Store) Append(ctx context.Context, receivedAt time.Time, raw protocol.Raw) error {
	payload, err := msgpack.Marshal(raw.Fields)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO journal (received_at, msg_type, payload) VALUES (?, ?, ?)`,
		receivedAt.UnixNano(), raw.Type, payload)
	return err
}

// Replay streams journaled entries in sequence order. fn returning an error
// stops the replay and surfaces that error.
func (s *Store) Replay(ctx context.Context, fn func(Entry) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, received_at, msg_type, payload FROM journal ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			seq     int64
			recvNS  int64
			msgType int
			payload []byte
		)
		if err := rows.Scan(&seq, &recvNS, &msgType, &payload); err != nil {
			return err
		}
		fields := make(map[string]any)
		if err := msgpack.Unmarshal(payload, &fields); err != nil {
			return fmt.Errorf("decode payload seq %d: %w", seq, err)
		}
		entry := Entry{
			Seq:        seq,
			ReceivedAt: time.Unix(0, recvNS),
			Raw:        protocol.Raw{Type: msgType, Fields: fields},
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count reports how many messages the journal holds.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM journal`).Scan(&n)
	return n, err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
