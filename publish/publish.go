// Package publish uploads snapshot rasters under a key derived only from
// (owner, slot). Re-publishing overwrites the same blob, so consumers hold
// one permanently stable URL per slot and storage stays bounded by the
// number of owners times slots.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/mailkit/blobstore"
	"github.com/hazyhaar/mailkit/horosafe"
	"github.com/hazyhaar/mailkit/richdoc"
)

// KeyPrefix namespaces snapshot artifacts in the blob store.
const KeyPrefix = "snapshots"

// ErrEmptyArtifact is returned for zero-length rasters.
var ErrEmptyArtifact = errors.New("publish: empty artifact")

// Key returns the artifact key for (owner, slot). It never depends on
// content.
func Key(owner string, slot richdoc.Slot) (string, error) {
	if err := horosafe.ValidateIdentifier(owner); err != nil {
		return "", fmt.Errorf("publish: owner: %w", err)
	}
	if _, err := richdoc.ParseSlot(string(slot)); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return KeyPrefix + "/" + owner + "/" + string(slot), nil
}

// Artifact is a published snapshot.
type Artifact struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	Slot        string    `json:"slot"`
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Publisher uploads artifacts to a blob store.
type Publisher struct {
	store  blobstore.Store
	logger *slog.Logger
	now    func() time.Time
}

func New(store blobstore.Store, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{store: store, logger: logger, now: time.Now}
}

// Publish uploads data under Key(owner, slot), replacing any previous
// artifact. A retry after an unknown outcome is safe: it lands on the same
// key.
func (p *Publisher) Publish(ctx context.Context, owner string, slot richdoc.Slot, data []byte, contentType string) (*Artifact, error) {
	key, err := Key(owner, slot)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyArtifact
	}
	id, err := p.store.Upload(ctx, data, contentType, key)
	if err != nil {
		return nil, fmt.Errorf("publish: upload %s: %w", key, err)
	}
	p.logger.Info("publish: artifact uploaded", "owner", owner, "slot", slot, "id", id, "size", len(data))
	return &Artifact{
		ID:          id,
		Owner:       owner,
		Slot:        string(slot),
		ContentType: contentType,
		Size:        len(data),
		UpdatedAt:   p.now(),
	}, nil
}
