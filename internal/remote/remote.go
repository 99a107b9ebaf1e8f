// Package remote defines the sync authority the reconciler pushes local
// mutations to and pulls other devices' mutations from.
//
// Records travel in the schema.Record envelope. The authority keeps one row
// per (kind, id) with its last_modified, and keeps deletes as tombstones so
// that other devices can pull them. Writes are idempotent: a push that is
// retried after a crash leaves the same remote row behind.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platemate/platemate/internal/store/schema"
)

// ErrUnavailable is returned when the authority cannot be reached or fails
// on its side. The reconciler treats it as "offline" and retries on the
// next pass.
var ErrUnavailable = errors.New("remote unavailable")

// Remote is the sync authority.
type Remote interface {
	// Ping checks reachability. It returns an error wrapping ErrUnavailable
	// when the authority is offline.
	Ping(ctx context.Context) error

	// Create stores a record the authority has not seen. Creating a record
	// that already exists updates it, so a retried push is harmless.
	Create(ctx context.Context, rec schema.Record) error

	// Update replaces a record. A record older than the stored one is
	// ignored.
	Update(ctx context.Context, rec schema.Record) error

	// Delete replaces a record with a tombstone carrying rec.LastModified.
	// Deleting an unknown record succeeds.
	Delete(ctx context.Context, rec schema.Record) error

	// ListSince returns records of kind, tombstones included, whose
	// last_modified is at or after since, oldest first.
	//
	// Example:
	//
	//	recs, err := r.ListSince(ctx, schema.KindFoodLog, highWater)
	ListSince(ctx context.Context, kind schema.Kind, since time.Time) ([]schema.Record, error)
}

// IsUnavailable reports whether err means the authority is offline.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// accepts reports whether an incoming write with lastModified replaces
// stored. Equal timestamps are accepted so retries converge.
func accepts(stored, incoming time.Time) bool {
	return !stored.After(incoming)
}

func validate(rec schema.Record) error {
	if _, err := schema.ParseKind(string(rec.Kind)); err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if rec.LastModified.IsZero() {
		return fmt.Errorf("record %s %s has no last_modified", rec.Kind, rec.ID)
	}
	if !rec.Deleted && len(rec.Payload) == 0 {
		return fmt.Errorf("record %s %s has no payload", rec.Kind, rec.ID)
	}
	return nil
}
