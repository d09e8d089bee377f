package blobstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/hazyhaar/mailkit/dbopen"
	"github.com/hazyhaar/mailkit/horosafe"
)

// Schema is the DDL for the blobs table.
const Schema = `
CREATE TABLE IF NOT EXISTS blobs (
	id           TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	data         BLOB NOT NULL,
	size         INTEGER NOT NULL,
	keyed        INTEGER NOT NULL DEFAULT 0,
	source_url   TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blobs_source ON blobs(source_url) WHERE source_url != '';
`

// SQLStore is the SQLite-backed Store.
type SQLStore struct {
	db     *sql.DB
	fetch  *fetcher
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLStore wraps db. The caller applies Schema (dbopen.WithSchema).
func NewSQLStore(db *sql.DB, cfg FetchConfig, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:     db,
		fetch:  newFetcher(cfg),
		logger: logger,
		now:    time.Now,
	}
}

// ContentID returns the content-addressed id for data.
func ContentID(data []byte) string {
	sum := blake2b.Sum256(data)
	return "c_" + hex.EncodeToString(sum[:16])
}

// ValidateKey checks every slash-separated segment of a caller-chosen key.
func ValidateKey(key string) error {
	for _, seg := range strings.Split(key, "/") {
		if err := horosafe.ValidateIdentifier(seg); err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidKey, key, err)
		}
	}
	return nil
}

// Import downloads url, checks it decodes as an image, and stores it
// content-addressed. Importing the same bytes twice yields the same id.
func (s *SQLStore) Import(ctx context.Context, url string) (string, error) {
	data, contentType, err := s.fetch.fetchImage(ctx, url)
	if err != nil {
		return "", err
	}
	id := ContentID(data)
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO blobs (id, content_type, data, size, keyed, source_url, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?, ?)`,
			id, contentType, data, len(data), url, s.now().UnixMilli())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: import %s: %w", url, err)
	}
	s.logger.Debug("blobstore: imported", "url", url, "id", id, "size", len(data))
	return id, nil
}

// Upload stores data. With a key the previous blob under that key is
// replaced and the key is returned as id.
func (s *SQLStore) Upload(ctx context.Context, data []byte, contentType, key string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	now := s.now().UnixMilli()

	if key == "" {
		id := ContentID(data)
		err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO blobs (id, content_type, data, size, keyed, updated_at)
				 VALUES (?, ?, ?, ?, 0, ?)`,
				id, contentType, data, len(data), now)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("blobstore: upload: %w", err)
		}
		return id, nil
	}

	if err := ValidateKey(key); err != nil {
		return "", err
	}
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO blobs (id, content_type, data, size, keyed, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   content_type = excluded.content_type,
			   data         = excluded.data,
			   size         = excluded.size,
			   updated_at   = excluded.updated_at`,
			key, contentType, data, len(data), now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("blobstore: upload %s: %w", key, err)
	}
	s.logger.Debug("blobstore: keyed upload", "key", key, "size", len(data))
	return key, nil
}

// Fetch reads a blob by id.
func (s *SQLStore) Fetch(ctx context.Context, id string) (*Blob, error) {
	var (
		b       Blob
		keyed   int
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content_type, data, size, keyed, source_url, updated_at FROM blobs WHERE id = ?`, id,
	).Scan(&b.ID, &b.ContentType, &b.Data, &b.Size, &keyed, &b.SourceURL, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blobstore: fetch %s: %w", id, err)
	}
	b.Keyed = keyed == 1
	b.UpdatedAt = time.UnixMilli(updated)
	return &b, nil
}
