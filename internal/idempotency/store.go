// Package idempotency implements the consumed-identifier ledgers each
// component keeps to make at-least-once delivery safe. Identifiers are
// only ever added, never removed.
package idempotency

import "context"

// Store records consumed signal/instruction identifiers.
type Store interface {
	// MarkConsumed atomically records id as consumed. It returns false
	// if the id was already present, in which case nothing changed.
	MarkConsumed(ctx context.Context, id string) (bool, error)

	// Seen reports whether id has been consumed.
	Seen(ctx context.Context, id string) (bool, error)
}
