package publish_test

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/mailkit/blobstore"
	"github.com/hazyhaar/mailkit/dbopen"
	"github.com/hazyhaar/mailkit/publish"
	"github.com/hazyhaar/mailkit/richdoc"
)

func TestKey_Deterministic(t *testing.T) {
	k1, err := publish.Key("owner-1", richdoc.SlotSignature)
	if err != nil {
		t.Fatal(err)
	}
	k2, _ := publish.Key("owner-1", richdoc.SlotSignature)
	if k1 != k2 || k1 != "snapshots/owner-1/signature" {
		t.Fatalf("keys = %q, %q", k1, k2)
	}
}

func TestKey_RejectsUnsafeInput(t *testing.T) {
	if _, err := publish.Key("../etc", richdoc.SlotHeader); err == nil {
		t.Error("expected error for traversal owner")
	}
	if _, err := publish.Key("o1", richdoc.Slot("banner")); !errors.Is(err, richdoc.ErrUnknownSlot) {
		t.Errorf("err = %v, want ErrUnknownSlot", err)
	}
}

func TestPublish_OverwritesSameKey(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(blobstore.Schema))
	store := blobstore.NewSQLStore(db, blobstore.FetchConfig{}, nil)
	p := publish.New(store, nil)
	ctx := context.Background()

	a1, err := p.Publish(ctx, "o1", richdoc.SlotHeader, []byte("v1"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	a2, err := p.Publish(ctx, "o1", richdoc.SlotHeader, []byte("v2-longer"), "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if a1.ID != a2.ID {
		t.Fatalf("ids differ: %q vs %q", a1.ID, a2.ID)
	}
	b, err := store.Fetch(ctx, a2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(b.Data) != "v2-longer" {
		t.Errorf("blob = %q, want latest publish", b.Data)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&n)
	if n != 1 {
		t.Errorf("blob count = %d, want 1", n)
	}
}

func TestPublish_Empty(t *testing.T) {
	p := publish.New(nil, nil)
	if _, err := p.Publish(context.Background(), "o1", richdoc.SlotFooter, nil, "image/png"); !errors.Is(err, publish.ErrEmptyArtifact) {
		t.Fatalf("err = %v", err)
	}
}
