// Package bbolt provides a BBolt-backed certificate record store.
//
// Layout: the records bucket is keyed by "deviceID/serial" so per-device
// scans are a cursor prefix walk. Two index buckets serve the secondary
// access patterns: the serial index maps serial -> record key for the
// hot-path whitelist lookup, and the expiry index maps
// "RFC3339 expiry/serial" -> record key for ordered expiry scans.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/storage"
)

var (
	bucketRecords = []byte("records")
	bucketSerials = []byte("serial_index")
	bucketExpiry  = []byte("expiry_index")
)

// expiryKeyFormat sorts lexicographically in time order at second
// precision, which is all the expiry scan needs.
const expiryKeyFormat = "2006-01-02T15:04:05Z"

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketRecords, bucketSerials, bucketExpiry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreFromFile opens a BBolt database at the given path and returns a
// new Store.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func normalizeSerial(serial string) string {
	return strings.ToUpper(strings.TrimSpace(serial))
}

func recordKey(deviceID, serial string) []byte {
	return []byte(deviceID + "/" + serial)
}

func expiryKey(expiresAt time.Time, serial string) []byte {
	return []byte(expiresAt.UTC().Format(expiryKeyFormat) + "/" + serial)
}

func (s *Store) Put(_ context.Context, rec *certs.Record) error {
	serial := normalizeSerial(rec.Serial)
	cp := rec.Clone()
	cp.Serial = serial

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		serials := tx.Bucket(bucketSerials)
		if serials.Get([]byte(serial)) != nil {
			return storage.ErrDuplicateSerial
		}
		key := recordKey(cp.DeviceID, serial)
		if err := tx.Bucket(bucketRecords).Put(key, data); err != nil {
			return err
		}
		if err := serials.Put([]byte(serial), key); err != nil {
			return err
		}
		return tx.Bucket(bucketExpiry).Put(expiryKey(cp.ExpiresAt, serial), key)
	})
}

func (s *Store) GetByDevice(_ context.Context, deviceID string) ([]*certs.Record, error) {
	var recs []*certs.Record
	prefix := []byte(deviceID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec certs.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding record %s: %w", k, err)
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].IssuedAt.After(recs[j].IssuedAt)
	})
	if recs == nil {
		recs = []*certs.Record{}
	}
	return recs, nil
}

// getBySerialTx resolves a serial through the index within an open
// transaction, so callers get a single consistent read.
func getBySerialTx(tx *bbolt.Tx, serial string) (*certs.Record, error) {
	key := tx.Bucket(bucketSerials).Get([]byte(serial))
	if key == nil {
		return nil, fmt.Errorf("serial %s: %w", serial, storage.ErrNotFound)
	}
	data := tx.Bucket(bucketRecords).Get(key)
	if data == nil {
		return nil, fmt.Errorf("serial %s: %w", serial, storage.ErrNotFound)
	}
	var rec certs.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &rec, nil
}

func (s *Store) GetBySerial(_ context.Context, serial string) (*certs.Record, error) {
	var rec *certs.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		r, err := getBySerialTx(tx, normalizeSerial(serial))
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListExpiring(_ context.Context, before time.Time) ([]*certs.Record, error) {
	recs := []*certs.Record{}
	// The cursor stops strictly after the cutoff key; the per-record
	// check below handles records sharing the cutoff second.
	max := []byte(before.UTC().Format(expiryKeyFormat) + "/\xff")
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		c := tx.Bucket(bucketExpiry).Cursor()
		for k, key := c.First(); k != nil && bytes.Compare(k, max) <= 0; k, key = c.Next() {
			data := records.Get(key)
			if data == nil {
				continue
			}
			var rec certs.Record
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decoding record %s: %w", key, err)
			}
			if rec.Revoked || rec.ExpiresAt.After(before) {
				continue
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) Revoke(_ context.Context, serial string) error {
	norm := normalizeSerial(serial)
	return s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getBySerialTx(tx, norm)
		if err != nil {
			return err
		}
		if rec.Revoked {
			return nil
		}
		now := time.Now().UTC()
		rec.Revoked = true
		rec.RevokedAt = &now

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding record: %w", err)
		}
		return tx.Bucket(bucketRecords).Put(recordKey(rec.DeviceID, rec.Serial), data)
	})
}

func (s *Store) IsWhitelisted(_ context.Context, serial string, now time.Time) (bool, error) {
	var active bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		rec, err := getBySerialTx(tx, normalizeSerial(serial))
		if err != nil {
			return err
		}
		active = rec.Active(now)
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return active, nil
}
