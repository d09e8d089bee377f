// Package blobstore is the owned image storage the rest of mailkit talks to.
//
// Store is the collaborator contract: Import rehosts a foreign URL, Upload
// stores bytes either content-addressed (no key, used for ordinary inline
// editor images) or under a caller-chosen key that is overwritten on every
// upload (used for snapshot artifacts), and Fetch reads a blob back.
// SQLStore is the reference implementation on SQLite.
package blobstore

import (
	"context"
	"errors"
	"time"
)

// Store is the blob store collaborator.
type Store interface {
	// Import downloads url and stores it content-addressed. It returns the
	// owned blob id.
	Import(ctx context.Context, url string) (string, error)
	// Upload stores data. An empty key stores content-addressed; a non-empty
	// key overwrites whatever exists under it and returns the key as id.
	Upload(ctx context.Context, data []byte, contentType, key string) (string, error)
	// Fetch returns the blob with id.
	Fetch(ctx context.Context, id string) (*Blob, error)
}

// Blob is one stored object.
type Blob struct {
	ID          string    `json:"id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Keyed       bool      `json:"keyed"`
	SourceURL   string    `json:"source_url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	Data        []byte    `json:"-"`
}

var (
	// ErrNotFound is returned by Fetch for unknown ids.
	ErrNotFound = errors.New("blobstore: blob not found")
	// ErrNotImage is returned by Import when the body is not a supported image.
	ErrNotImage = errors.New("blobstore: not a supported image")
	// ErrInvalidKey is returned by Upload for keys with unsafe segments.
	ErrInvalidKey = errors.New("blobstore: invalid key")
	// ErrEmpty is returned by Upload for empty payloads.
	ErrEmpty = errors.New("blobstore: empty payload")
)
