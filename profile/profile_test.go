package profile_test

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/mailkit/dbopen"
	"github.com/hazyhaar/mailkit/profile"
)

func newStore(t *testing.T) *profile.Store {
	t.Helper()
	return profile.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(profile.Schema)))
}

func ptr(s string) *string { return &s }

func TestLoad_NotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.Load(context.Background(), "o1", "header"); !errors.Is(err, profile.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

// WHAT: a save without a snapshot id keeps the previously published one.
// WHY: a failed re-render must never clear an existing artifact reference.
func TestSave_NilSnapshotKeepsPrevious(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	rec, err := s.Save(ctx, profile.Update{Owner: "o1", Slot: "signature", Markup: "<p>v1</p>",
		SnapshotID: ptr("snapshots/o1/signature")})
	if err != nil {
		t.Fatal(err)
	}
	if rec.SnapshotID == nil || rec.SnapshotUpdatedAt == nil {
		t.Fatalf("snapshot not stored: %+v", rec)
	}
	firstAt := *rec.SnapshotUpdatedAt

	rec, err = s.Save(ctx, profile.Update{Owner: "o1", Slot: "signature", Markup: "<p>v2</p>", PlainText: "v2"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Markup != "<p>v2</p>" || rec.PlainText != "v2" {
		t.Errorf("markup not updated: %+v", rec)
	}
	if rec.SnapshotID == nil || *rec.SnapshotID != "snapshots/o1/signature" {
		t.Errorf("snapshot id = %v, want preserved", rec.SnapshotID)
	}
	if !rec.SnapshotUpdatedAt.Equal(firstAt) {
		t.Errorf("snapshot_updated_at moved: %v -> %v", firstAt, rec.SnapshotUpdatedAt)
	}
}

func TestSave_FirstWithoutSnapshot(t *testing.T) {
	s := newStore(t)
	rec, err := s.Save(context.Background(), profile.Update{Owner: "o1", Slot: "footer", Markup: "<p>f</p>"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.SnapshotID != nil {
		t.Errorf("snapshot id = %q, want nil", *rec.SnapshotID)
	}
}

func TestList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, slot := range []string{"signature", "footer", "header"} {
		if _, err := s.Save(ctx, profile.Update{Owner: "o1", Slot: slot, Markup: slot}); err != nil {
			t.Fatal(err)
		}
	}
	s.Save(ctx, profile.Update{Owner: "o2", Slot: "header"})

	recs, err := s.List(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 || recs[0].Slot != "footer" || recs[2].Slot != "signature" {
		t.Fatalf("recs = %+v", recs)
	}
}
