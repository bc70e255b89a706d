package model

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateKey is surfaced by RecordStore.Create when a record with
// the same (channel, context, session) already exists. The engine
// resolves it by regenerating the session id, never by overwriting.
var ErrDuplicateKey = errors.New("duplicate session key")

// RecordStore is the persistence boundary for code attempt records.
// Lookups return (nil, nil) when no record matches; errors are reserved
// for transport/storage failures.
type RecordStore interface {
	// Create persists a new record, surfacing ErrDuplicateKey on a
	// (channel, context, session) collision.
	Create(ctx context.Context, rec *CodeAttempt) (*CodeAttempt, error)

	// FindBySessionKey returns the record for the full session key.
	FindBySessionKey(ctx context.Context, destination, otpContext, session string, ch Channel) (*CodeAttempt, error)

	// FindActive returns the most recently created non-terminal record
	// for (destination, context, channel), or nil.
	FindActive(ctx context.Context, destination, otpContext string, ch Channel) (*CodeAttempt, error)

	// Update applies a partial update and returns the updated record.
	Update(ctx context.Context, id string, upd RecordUpdate) (*CodeAttempt, error)

	// Delete removes a record by id.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes all records past their expiry and reports
	// how many were removed.
	DeleteExpired(ctx context.Context) (int, error)

	// ReconcileDuplicates removes all but the newest active record for
	// the key, restoring the one-active-record invariant after a
	// creation race. Terminal records are left alone so their answers
	// (AlreadyUsed, Locked) survive. Best-effort.
	ReconcileDuplicates(ctx context.Context, destination, otpContext string, ch Channel) error

	// HealthCheck verifies the store is reachable without mutating state.
	HealthCheck(ctx context.Context) error
}

// Message is the payload handed to a Notifier.
type Message struct {
	To      string
	From    string
	Subject string
	HTML    string
	Text    string
}

// Notifier delivers a rendered message to the user out-of-band.
type Notifier interface {
	Send(ctx context.Context, msg Message) error

	// HealthCheck must be read-only; it never sends a real message.
	HealthCheck(ctx context.Context) error
}

// RateGovernor answers whether a new code may be requested for a key
// and records issuance events inside a time window.
type RateGovernor interface {
	// CheckLimit reports whether the key is still under max for the
	// window. It does not mutate any counter.
	CheckLimit(ctx context.Context, key string, max int, window time.Duration) (bool, error)

	// Increment records one issuance event against the key's window.
	Increment(ctx context.Context, key string, window time.Duration) error

	HealthCheck(ctx context.Context) error
}
