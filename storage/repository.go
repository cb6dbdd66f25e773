// Package storage provides the persistence abstraction for device
// certificate records. Backends are interchangeable and selected at
// startup; the CA engine is the only writer of new records and the mTLS
// middleware is a read-only consumer.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jmcleod/certgate/certs"
)

var (
	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("certificate record not found")

	// ErrDuplicateSerial is returned by Put when a record with the same
	// serial number already exists. Serials are globally unique and never
	// reused.
	ErrDuplicateSerial = errors.New("duplicate certificate serial")
)

// Repository is the store for device certificate records.
//
// All methods take a context because the mTLS validation path calls
// IsWhitelisted on every protected request under a tight deadline, and
// backends may be remote. Implementations must support concurrent reads
// and occasional concurrent writes.
type Repository interface {
	// Put inserts a new record. It fails with ErrDuplicateSerial if the
	// serial number already exists.
	Put(ctx context.Context, rec *certs.Record) error

	// GetByDevice returns all records for a device, most recently issued
	// first. A device with no records yields an empty slice, not an error.
	GetByDevice(ctx context.Context, deviceID string) ([]*certs.Record, error)

	// GetBySerial returns the record with the given serial number, or
	// ErrNotFound. Backed by a dedicated index: this is the hot-path
	// lookup during request validation.
	GetBySerial(ctx context.Context, serial string) (*certs.Record, error)

	// ListExpiring returns non-revoked records expiring at or before the
	// given instant, soonest first. Intended for renewal-reminder batch
	// jobs; it need not be transactionally consistent with concurrent
	// writes.
	ListExpiring(ctx context.Context, before time.Time) ([]*certs.Record, error)

	// Revoke sets the revoked flag on the record with the given serial.
	// It is atomic with respect to concurrent revocations and idempotent:
	// revoking an already-revoked serial succeeds and preserves the
	// original revocation time. Returns ErrNotFound for unknown serials.
	Revoke(ctx context.Context, serial string) error

	// IsWhitelisted reports whether the serial identifies a record that
	// exists, is not revoked, and is inside its validity window at the
	// given instant. The check is a single consistent read: a revocation
	// that has returned success is visible to every subsequent call.
	IsWhitelisted(ctx context.Context, serial string, now time.Time) (bool, error)
}
