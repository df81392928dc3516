package hook

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zsiec/usbtrace/internal/relay"
	"github.com/zsiec/usbtrace/internal/tic"
)

const schema = `
CREATE TABLE IF NOT EXISTS payloads (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	capture   TEXT NOT NULL,
	tic       INTEGER NOT NULL,
	name      TEXT NOT NULL,
	address   INTEGER NOT NULL,
	endpoint  INTEGER NOT NULL,
	data      BLOB,
	createdAt REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS payloads_pipe ON payloads (capture, address, endpoint);
`

// SQLite records payloads in a database table. It also stores records
// received by the relay receiver.
type SQLite struct {
	db      *sql.DB
	capture string
}

// OpenSQLite opens or creates the database at path. capture labels rows
// inserted through Push.
func OpenSQLite(path, capture string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, capture: capture}, nil
}

// Push inserts a row without a timestamp.
func (s *SQLite) Push(name string, endpoint, address uint8, data []byte) error {
	return s.PushAt(0, name, endpoint, address, data)
}

// PushAt inserts one row.
func (s *SQLite) PushAt(at tic.Tic, name string, endpoint, address uint8, data []byte) error {
	return s.Insert(relay.Record{
		Capture:  s.capture,
		Tic:      uint64(at),
		Name:     name,
		Address:  address,
		Endpoint: endpoint,
		Data:     data,
	})
}

// Insert stores rec as is.
func (s *SQLite) Insert(rec relay.Record) error {
	_, err := s.db.Exec(`
		INSERT INTO payloads (capture, tic, name, address, endpoint, data, createdAt)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.Capture, int64(rec.Tic), rec.Name, int64(rec.Address), int64(rec.Endpoint), rec.Data,
		float64(time.Now().UnixNano())/1e9)
	if err != nil {
		return fmt.Errorf("insert payload: %w", err)
	}
	return nil
}

// Records returns the stored rows for capture in insertion order. An empty
// capture selects every row.
func (s *SQLite) Records(ctx context.Context, capture string) ([]relay.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capture, tic, name, address, endpoint, data
		FROM payloads
		WHERE ? = '' OR capture = ?
		ORDER BY id ASC
	`, capture, capture)
	if err != nil {
		return nil, fmt.Errorf("query payloads: %w", err)
	}
	defer rows.Close()

	var out []relay.Record
	for rows.Next() {
		var r relay.Record
		var t int64
		if err := rows.Scan(&r.Capture, &t, &r.Name, &r.Address, &r.Endpoint, &r.Data); err != nil {
			return nil, fmt.Errorf("scan payload: %w", err)
		}
		r.Tic = uint64(t)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stop closes the database.
func (s *SQLite) Stop() error {
	return s.db.Close()
}
