// Package memory provides a thread-safe in-memory implementation of
// storage.Repository. Suitable for testing, demos, and single-process use.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/storage"
)

// Repository is a thread-safe in-memory implementation of
// storage.Repository with the same secondary lookups the durable
// backends index: by serial and by expiry.
type Repository struct {
	mu       sync.RWMutex
	bySerial map[string]*certs.Record
	byDevice map[string][]string // deviceID -> serials, insertion order
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		bySerial: make(map[string]*certs.Record),
		byDevice: make(map[string][]string),
	}
}

func normalizeSerial(serial string) string {
	return strings.ToUpper(strings.TrimSpace(serial))
}

func (r *Repository) Put(_ context.Context, rec *certs.Record) error {
	serial := normalizeSerial(rec.Serial)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySerial[serial]; exists {
		return storage.ErrDuplicateSerial
	}
	cp := rec.Clone()
	cp.Serial = serial
	r.bySerial[serial] = cp
	r.byDevice[cp.DeviceID] = append(r.byDevice[cp.DeviceID], serial)
	return nil
}

func (r *Repository) GetByDevice(_ context.Context, deviceID string) ([]*certs.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	serials := r.byDevice[deviceID]
	recs := make([]*certs.Record, 0, len(serials))
	for _, s := range serials {
		recs = append(recs, r.bySerial[s].Clone())
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].IssuedAt.After(recs[j].IssuedAt)
	})
	return recs, nil
}

func (r *Repository) GetBySerial(_ context.Context, serial string) (*certs.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.bySerial[normalizeSerial(serial)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *Repository) ListExpiring(_ context.Context, before time.Time) ([]*certs.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var recs []*certs.Record
	for _, rec := range r.bySerial {
		if !rec.Revoked && !rec.ExpiresAt.After(before) {
			recs = append(recs, rec.Clone())
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ExpiresAt.Before(recs[j].ExpiresAt)
	})
	return recs, nil
}

func (r *Repository) Revoke(_ context.Context, serial string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.bySerial[normalizeSerial(serial)]
	if !ok {
		return storage.ErrNotFound
	}
	if !rec.Revoked {
		rec.Revoked = true
		now := time.Now().UTC()
		rec.RevokedAt = &now
	}
	return nil
}

func (r *Repository) IsWhitelisted(_ context.Context, serial string, now time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.bySerial[normalizeSerial(serial)]
	if !ok {
		return false, nil
	}
	return rec.Active(now), nil
}
