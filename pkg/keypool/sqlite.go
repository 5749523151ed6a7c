package keypool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	value TEXT PRIMARY KEY,
	profile TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credentials_expires_at ON credentials (expires_at);
`

// SQLiteStore persists credentials across restarts. It keeps a single-writer
// connection alongside a small reader pool, with WAL mode and a busy timeout
// so overlapping request flows do not trip "database is locked".
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		path,
	)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open credential db writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	if _, err := writer.Exec(credentialsSchema); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ensure credentials schema: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open credential db reader: %w", err)
	}
	reader.SetMaxOpenConns(4)
	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping credential db reader: %w", err)
	}

	return &SQLiteStore{writer: writer, reader: reader}, nil
}

// ListValid purges expired rows, then returns the remaining live
// credentials. A failed purge is ignored; the SELECT filter alone guarantees
// no expired credential escapes.
func (s *SQLiteStore) ListValid(ctx context.Context, now time.Time) ([]Credential, error) {
	_, _ = s.writer.ExecContext(ctx, `DELETE FROM credentials WHERE expires_at <= ?`, now.Unix())

	rows, err := s.reader.QueryContext(ctx,
		`SELECT value, profile, created_at, expires_at FROM credentials WHERE expires_at > ? ORDER BY created_at`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		var c Credential
		var createdAt, expiresAt int64
		if err := rows.Scan(&c.Value, &c.Profile, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.CreatedAt = time.Unix(createdAt, 0).UTC()
		c.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, cred Credential) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials (value, profile, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		cred.Value, cred.Profile, cred.CreatedAt.Unix(), cred.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	var firstErr error
	if err := s.reader.Close(); err != nil {
		firstErr = fmt.Errorf("close credential db reader: %w", err)
	}
	if err := s.writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close credential db writer: %w", err)
	}
	return firstErr
}
