package rawstore

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid table name %q", ErrInvalid, name)
	}
	return nil
}

// Clock supplies uploaded_at timestamps; overridable for deterministic
// tests, mirroring the teacher's database/sql object-store idiom.
type Clock func() time.Time

// PostgresOptions configures PostgresStore.
type PostgresOptions struct {
	TableName string
	Clock     Clock
}

// PostgresStore is the default RawStore backend (store.backend "postgres"):
// content-addressed blobs kept in a single Postgres table, accessed via
// database/sql only — the driver is registered elsewhere via a blank
// import at the process entrypoint.
type PostgresStore struct {
	db    *sql.DB
	table string
	clock Clock
}

func NewPostgresStore(db *sql.DB, opts PostgresOptions) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: db is nil", ErrInvalid)
	}
	table := strings.TrimSpace(opts.TableName)
	if table == "" {
		table = "xrayiot_raw_blobs"
	}
	if err := validateTableName(table); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &PostgresStore{db: db, table: table, clock: clock}, nil
}

// EnsureSchema creates the backing table if absent. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  hash            TEXT PRIMARY KEY,
  original_size   BIGINT NOT NULL,
  compressed_size BIGINT NOT NULL,
  content_type    TEXT NOT NULL,
  body            BYTEA NOT NULL,
  uploaded_at     TIMESTAMPTZ NOT NULL
);`, s.table)
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("rawstore: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, raw []byte) (Handle, error) {
	compressed, hash, err := compress(raw)
	if err != nil {
		return "", err
	}

	q := fmt.Sprintf(`
INSERT INTO %s (hash, original_size, compressed_size, content_type, body, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (hash) DO NOTHING;`, s.table)

	if _, err := s.db.ExecContext(ctx, q, string(hash), int64(len(raw)), int64(len(compressed)), "application/gzip", compressed, s.clock()); err != nil {
		return "", fmt.Errorf("rawstore: put: %w", err)
	}
	return hash, nil
}

func (s *PostgresStore) OpenRead(ctx context.Context, h Handle) (io.ReadCloser, error) {
	if err := validateHandle(h); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT body FROM %s WHERE hash = $1;`, s.table)
	var body []byte
	if err := s.db.QueryRowContext(ctx, q, string(h)).Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return nil, fmt.Errorf("rawstore: open read: %w", err)
	}
	return newLazyGunzipReader(io.NopCloser(bytes.NewReader(body))), nil
}

func (s *PostgresStore) Metadata(ctx context.Context, h Handle) (Metadata, error) {
	if err := validateHandle(h); err != nil {
		return Metadata{}, err
	}
	q := fmt.Sprintf(`SELECT original_size, compressed_size, content_type, uploaded_at FROM %s WHERE hash = $1;`, s.table)
	var m Metadata
	m.Hash = h
	var uploadedAt time.Time
	if err := s.db.QueryRowContext(ctx, q, string(h)).Scan(&m.OriginalSize, &m.CompressedSize, &m.ContentType, &uploadedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, h)
		}
		return Metadata{}, fmt.Errorf("rawstore: metadata: %w", err)
	}
	m.UploadedAt = uploadedAt.UTC()
	return m, nil
}

func (s *PostgresStore) Delete(ctx context.Context, h Handle) (bool, error) {
	if err := validateHandle(h); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE hash = $1;`, s.table)
	res, err := s.db.ExecContext(ctx, q, string(h))
	if err != nil {
		return false, fmt.Errorf("rawstore: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rawstore: delete rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) Exists(ctx context.Context, h Handle) (bool, error) {
	if err := validateHandle(h); err != nil {
		return false, err
	}
	q := fmt.Sprintf(`SELECT 1 FROM %s WHERE hash = $1;`, s.table)
	var one int
	err := s.db.QueryRowContext(ctx, q, string(h)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("rawstore: exists: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	q := fmt.Sprintf(`SELECT COUNT(*), COALESCE(SUM(compressed_size),0) FROM %s;`, s.table)
	var count, total int64
	if err := s.db.QueryRowContext(ctx, q).Scan(&count, &total); err != nil {
		return Stats{}, fmt.Errorf("rawstore: stats: %w", err)
	}
	var avg int64
	if count > 0 {
		avg = total / count
	}
	return Stats{TotalBlobs: count, TotalBytes: total, AvgBlobBytes: avg}, nil
}
