package bbolt

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certgate.db")
	s, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRecord(deviceID, serial string, issued time.Time, validity time.Duration) *certs.Record {
	return &certs.Record{
		DeviceID:  deviceID,
		Serial:    serial,
		Platform:  certs.PlatformAndroid,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(validity),
	}
}

func TestPutAndGetBySerial(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Second)

	rec := testRecord("dev-1", "00AA", now, 24*time.Hour)
	require.NoError(t, s.Put(ctx, rec))

	got, err := s.GetBySerial(ctx, "00aa")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", got.DeviceID)
	assert.Equal(t, "00AA", got.Serial)
	assert.False(t, got.Revoked)

	_, err = s.GetBySerial(ctx, "FFFF")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPutDuplicateSerial(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, testRecord("dev-1", "0001", now, time.Hour)))
	err := s.Put(ctx, testRecord("dev-2", "0001", now, time.Hour))
	assert.ErrorIs(t, err, storage.ErrDuplicateSerial)
}

func TestGetByDeviceOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.Put(ctx, testRecord("dev-1", "0001", now.Add(-2*time.Hour), time.Hour)))
	require.NoError(t, s.Put(ctx, testRecord("dev-1", "0002", now, time.Hour)))
	require.NoError(t, s.Put(ctx, testRecord("dev-2", "0003", now, time.Hour)))

	recs, err := s.GetByDevice(ctx, "dev-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "0002", recs[0].Serial)
	assert.Equal(t, "0001", recs[1].Serial)

	recs, err = s.GetByDevice(ctx, "dev-none")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRevokeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC()

	require.NoError(t, s.Put(ctx, testRecord("dev-1", "0001", now, time.Hour)))
	require.NoError(t, s.Revoke(ctx, "0001"))

	got, err := s.GetBySerial(ctx, "0001")
	require.NoError(t, err)
	require.True(t, got.Revoked)
	require.NotNil(t, got.RevokedAt)
	first := *got.RevokedAt

	// Second revoke succeeds and preserves the original timestamp.
	require.NoError(t, s.Revoke(ctx, "0001"))
	got, err = s.GetBySerial(ctx, "0001")
	require.NoError(t, err)
	assert.True(t, got.RevokedAt.Equal(first))

	assert.ErrorIs(t, s.Revoke(ctx, "FFFF"), storage.ErrNotFound)
}

func TestIsWhitelisted(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.Put(ctx, testRecord("dev-1", "0001", now.Add(-time.Hour), 2*time.Hour)))
	require.NoError(t, s.Put(ctx, testRecord("dev-1", "0002", now.Add(-3*time.Hour), time.Hour)))

	ok, err := s.IsWhitelisted(ctx, "0001", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Expired.
	ok, err = s.IsWhitelisted(ctx, "0002", now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown serial is not an error, just not whitelisted.
	ok, err = s.IsWhitelisted(ctx, "FFFF", now)
	require.NoError(t, err)
	assert.False(t, ok)

	// Revocation is visible to the next check.
	require.NoError(t, s.Revoke(ctx, "0001"))
	ok, err = s.IsWhitelisted(ctx, "0001", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListExpiring(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.Put(ctx, testRecord("dev-1", "0001", now, time.Hour)))
	require.NoError(t, s.Put(ctx, testRecord("dev-2", "0002", now, 48*time.Hour)))
	require.NoError(t, s.Put(ctx, testRecord("dev-3", "0003", now, 30*time.Minute)))
	require.NoError(t, s.Put(ctx, testRecord("dev-4", "0004", now, 45*time.Minute)))
	require.NoError(t, s.Revoke(ctx, "0004"))

	recs, err := s.ListExpiring(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "0003", recs[0].Serial)
	assert.Equal(t, "0001", recs[1].Serial)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certgate.db")
	ctx := t.Context()
	now := time.Now().UTC()

	s, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, testRecord("dev-1", "0001", now, time.Hour)))
	require.NoError(t, s.Close())

	s, err = NewStoreFromFile(path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetBySerial(ctx, "0001")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", got.DeviceID)
}
