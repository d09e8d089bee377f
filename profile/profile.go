// Package profile persists each owner's templates: final markup, its
// plain-text alternative and the id of the last successfully published
// snapshot.
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/mailkit/dbopen"
)

// Schema is the DDL for the templates table.
const Schema = `
CREATE TABLE IF NOT EXISTS templates (
	owner_id            TEXT NOT NULL,
	slot                TEXT NOT NULL,
	markup              TEXT NOT NULL DEFAULT '',
	plain_text          TEXT NOT NULL DEFAULT '',
	snapshot_id         TEXT,
	snapshot_updated_at INTEGER,
	updated_at          INTEGER NOT NULL,
	PRIMARY KEY (owner_id, slot)
);
`

// ErrNotFound is returned by Load when the owner has no template in slot.
var ErrNotFound = errors.New("profile: template not found")

// Record is one stored template.
type Record struct {
	Owner             string     `json:"owner"`
	Slot              string     `json:"slot"`
	Markup            string     `json:"markup"`
	PlainText         string     `json:"plain_text"`
	SnapshotID        *string    `json:"snapshot_id"`
	SnapshotUpdatedAt *time.Time `json:"snapshot_updated_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Update is a save request. A nil SnapshotID leaves the stored snapshot
// reference untouched.
type Update struct {
	Owner      string
	Slot       string
	Markup     string
	PlainText  string
	SnapshotID *string
}

// Store reads and writes templates.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, now: time.Now}
}

// Load returns the template for (owner, slot).
func (s *Store) Load(ctx context.Context, owner, slot string) (*Record, error) {
	return loadRecord(ctx, s.DB, owner, slot)
}

// List returns every template of owner ordered by slot.
func (s *Store) List(ctx context.Context, owner string) ([]Record, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT owner_id, slot, markup, plain_text, snapshot_id, snapshot_updated_at, updated_at
		 FROM templates WHERE owner_id = ? ORDER BY slot`, owner)
	if err != nil {
		return nil, fmt.Errorf("profile: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("profile: list: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Save upserts u and returns the stored record, read back inside the same
// transaction.
func (s *Store) Save(ctx context.Context, u Update) (*Record, error) {
	now := s.now().UnixMilli()
	var rec *Record
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		var err error
		if u.SnapshotID != nil {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO templates (owner_id, slot, markup, plain_text, snapshot_id, snapshot_updated_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(owner_id, slot) DO UPDATE SET
				   markup = excluded.markup,
				   plain_text = excluded.plain_text,
				   snapshot_id = excluded.snapshot_id,
				   snapshot_updated_at = excluded.snapshot_updated_at,
				   updated_at = excluded.updated_at`,
				u.Owner, u.Slot, u.Markup, u.PlainText, *u.SnapshotID, now, now)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO templates (owner_id, slot, markup, plain_text, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT(owner_id, slot) DO UPDATE SET
				   markup = excluded.markup,
				   plain_text = excluded.plain_text,
				   updated_at = excluded.updated_at`,
				u.Owner, u.Slot, u.Markup, u.PlainText, now)
		}
		if err != nil {
			return err
		}
		rec, err = loadRecord(ctx, tx, u.Owner, u.Slot)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("profile: save %s/%s: %w", u.Owner, u.Slot, err)
	}
	return rec, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func loadRecord(ctx context.Context, q queryer, owner, slot string) (*Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx,
		`SELECT owner_id, slot, markup, plain_text, snapshot_id, snapshot_updated_at, updated_at
		 FROM templates WHERE owner_id = ? AND slot = ?`, owner, slot))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: load %s/%s: %w", owner, slot, err)
	}
	return rec, nil
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		r         Record
		snapID    sql.NullString
		snapAt    sql.NullInt64
		updatedAt int64
	)
	if err := sc.Scan(&r.Owner, &r.Slot, &r.Markup, &r.PlainText, &snapID, &snapAt, &updatedAt); err != nil {
		return nil, err
	}
	if snapID.Valid {
		r.SnapshotID = &snapID.String
	}
	if snapAt.Valid {
		t := time.UnixMilli(snapAt.Int64)
		r.SnapshotUpdatedAt = &t
	}
	r.UpdatedAt = time.UnixMilli(updatedAt)
	return &r, nil
}
