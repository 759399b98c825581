package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/noteriver/tagvault/internal/opaque"
)

// OpaqueRecords adapts the Store to the protocol's RecordStore interface.
type OpaqueRecords struct{ s *Store }

func (s *Store) OpaqueRecords() *OpaqueRecords { return &OpaqueRecords{s} }

var _ opaque.RecordStore = (*OpaqueRecords)(nil)

// SaveRecord upserts a finalized user-level registration record.
func (r *OpaqueRecords) SaveRecord(ctx context.Context, rec *opaque.Record) error {
	return upsertOpaqueRecord(ctx, r.s.db, rec)
}

// execer is satisfied by *sql.DB and *sql.Tx, so the record upsert can
// run standalone or inside a caller's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertOpaqueRecord(ctx context.Context, e execer, rec *opaque.Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := e.ExecContext(ctx,
		`INSERT INTO opaque_records (user_id, envelope, verifier, oprf_seed, salt, server_public_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   envelope = excluded.envelope,
		   verifier = excluded.verifier,
		   oprf_seed = excluded.oprf_seed,
		   salt = excluded.salt,
		   server_public_key = excluded.server_public_key,
		   created_at = excluded.created_at`,
		rec.UserID, rec.Envelope, rec.Verifier, rec.OprfSeed, rec.Salt, rec.ServerPublicKey, createdAt,
	)
	if err != nil {
		return fmt.Errorf("save opaque record: %w", err)
	}
	return nil
}

// GetRecord returns (nil, nil) for unknown users.
func (r *OpaqueRecords) GetRecord(ctx context.Context, userID string) (*opaque.Record, error) {
	rec := &opaque.Record{}
	err := r.s.db.QueryRowContext(ctx,
		`SELECT user_id, envelope, verifier, oprf_seed, salt, server_public_key, created_at
		 FROM opaque_records WHERE user_id = ?`, userID,
	).Scan(&rec.UserID, &rec.Envelope, &rec.Verifier, &rec.OprfSeed, &rec.Salt, &rec.ServerPublicKey, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get opaque record: %w", err)
	}
	return rec, nil
}
