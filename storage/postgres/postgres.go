// Package postgres provides a PostgreSQL-backed certificate record store
// using pgx connection pooling. The schema is embedded and applied on
// startup, so a fresh database needs no out-of-band migration step.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/storage"
)

const pgUniqueViolation = "23505"

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewStore connects to PostgreSQL with the given connection string and
// applies the embedded schema.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func normalizeSerial(serial string) string {
	return strings.ToUpper(strings.TrimSpace(serial))
}

func (s *Store) Put(ctx context.Context, rec *certs.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_certificates
			(device_id, serial_number, platform, issued_at, expires_at,
			 revoked, revoked_at, fingerprint, certificate_pem)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.DeviceID, normalizeSerial(rec.Serial), string(rec.Platform),
		rec.IssuedAt, rec.ExpiresAt, rec.Revoked, rec.RevokedAt,
		rec.Fingerprint, rec.CertificatePEM,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return storage.ErrDuplicateSerial
		}
		return fmt.Errorf("inserting record: %w", err)
	}
	return nil
}

const recordColumns = `device_id, serial_number, platform, issued_at,
	expires_at, revoked, revoked_at, fingerprint, certificate_pem`

func scanRecord(row pgx.Row) (*certs.Record, error) {
	var (
		rec      certs.Record
		platform string
	)
	err := row.Scan(&rec.DeviceID, &rec.Serial, &platform, &rec.IssuedAt,
		&rec.ExpiresAt, &rec.Revoked, &rec.RevokedAt, &rec.Fingerprint,
		&rec.CertificatePEM)
	if err != nil {
		return nil, err
	}
	rec.Platform = certs.Platform(platform)
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]*certs.Record, error) {
	defer rows.Close()
	recs := []*certs.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) GetByDevice(ctx context.Context, deviceID string) ([]*certs.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM device_certificates
		WHERE device_id = $1
		ORDER BY issued_at DESC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying device records: %w", err)
	}
	return collectRecords(rows)
}

func (s *Store) GetBySerial(ctx context.Context, serial string) (*certs.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM device_certificates
		WHERE serial_number = $1`, normalizeSerial(serial))
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("querying record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListExpiring(ctx context.Context, before time.Time) ([]*certs.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM device_certificates
		WHERE NOT revoked AND expires_at <= $1
		ORDER BY expires_at ASC`, before)
	if err != nil {
		return nil, fmt.Errorf("querying expiring records: %w", err)
	}
	return collectRecords(rows)
}

func (s *Store) Revoke(ctx context.Context, serial string) error {
	// COALESCE keeps the first revocation timestamp on repeat calls.
	tag, err := s.pool.Exec(ctx, `
		UPDATE device_certificates
		SET revoked = TRUE, revoked_at = COALESCE(revoked_at, now())
		WHERE serial_number = $1`, normalizeSerial(serial))
	if err != nil {
		return fmt.Errorf("revoking record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) IsWhitelisted(ctx context.Context, serial string, now time.Time) (bool, error) {
	var active bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM device_certificates
			WHERE serial_number = $1
			  AND NOT revoked
			  AND issued_at <= $2
			  AND expires_at > $2
		)`, normalizeSerial(serial), now).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("checking whitelist: %w", err)
	}
	return active, nil
}
