// Package store contains the durable sinks for canonical trade events. The
// Postgres store is the source of truth: writes are idempotent upserts keyed
// on the event content hash, so retried batches never produce duplicate rows.
package store

import (
	"context"

	"feedhub/internal/models"
)

// Store persists batches of canonical records. SaveBatch must be idempotent
// with respect to ContentHash: re-writing a record that is already stored is
// a silent no-op, not an error. It returns the number of newly stored rows.
type Store interface {
	SaveBatch(ctx context.Context, events []models.TradeEvent) (int, error)
	Close() error
}

// Discard accepts and forgets every batch. It stands in for Postgres when
// durable persistence is disabled, keeping the write pipeline live end to
// end.
type Discard struct{}

func (Discard) SaveBatch(ctx context.Context, events []models.TradeEvent) (int, error) {
	return len(events), nil
}

func (Discard) Close() error { return nil }
