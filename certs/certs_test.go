package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Platform
	}{
		{"android", PlatformAndroid},
		{" Android ", PlatformAndroid},
		{"IOS", PlatformIOS},
		{"desktop", PlatformDesktop},
	} {
		got, err := ParsePlatform(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParsePlatform("windows-phone")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
	_, err = ParsePlatform("")
	assert.ErrorIs(t, err, ErrUnknownPlatform)
}

func TestRecordActive(t *testing.T) {
	now := time.Now().UTC()
	rec := &Record{
		IssuedAt:  now.Add(-time.Hour),
		ExpiresAt: now.Add(time.Hour),
	}

	assert.True(t, rec.Active(now))
	assert.False(t, rec.Active(now.Add(-2*time.Hour)), "before issuance")
	assert.False(t, rec.Active(now.Add(time.Hour)), "expiry instant is exclusive")
	assert.True(t, rec.Active(rec.IssuedAt), "issuance instant is inclusive")

	rec.Revoked = true
	assert.False(t, rec.Active(now))
}

func TestRecordClone(t *testing.T) {
	now := time.Now().UTC()
	rec := &Record{DeviceID: "dev-1", Revoked: true, RevokedAt: &now}
	cp := rec.Clone()

	later := now.Add(time.Hour)
	cp.RevokedAt = &later
	cp.DeviceID = "dev-2"

	assert.Equal(t, "dev-1", rec.DeviceID)
	assert.True(t, rec.RevokedAt.Equal(now))
}

func TestNewSerial(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		n, s, err := NewSerial()
		require.NoError(t, err)
		assert.Len(t, s, 32)
		assert.Equal(t, SerialString(n), s)
		assert.Positive(t, n.Sign())
		assert.False(t, seen[s], "serial repeated")
		seen[s] = true
	}
}

func TestSerialString(t *testing.T) {
	assert.Equal(t, "0000000000000000000000000000000F", SerialString(big.NewInt(15)))
	assert.Equal(t, "000000000000000000000000000000FF", SerialString(big.NewInt(255)))
}

func newTestCSR(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "ignored"},
	}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func TestParseCSRPEM(t *testing.T) {
	csr, err := ParseCSRPEM(newTestCSR(t))
	require.NoError(t, err)
	assert.Equal(t, "ignored", csr.Subject.CommonName)

	_, err = ParseCSRPEM([]byte("not pem at all"))
	assert.ErrorIs(t, err, ErrInvalidPEM)

	_, err = ParseCSRPEM(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: []byte{0x01, 0x02}}))
	assert.ErrorIs(t, err, ErrInvalidPEM)

	// Wrong block type.
	_, err = ParseCSRPEM(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x01}}))
	assert.ErrorIs(t, err, ErrInvalidPEM)
}

func TestPublicKeyFingerprint(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	fp1, err := PublicKeyFingerprint(&key.PublicKey)
	require.NoError(t, err)
	assert.Len(t, fp1, 64)

	fp2, err := PublicKeyFingerprint(&key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	other, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	fp3, err := PublicKeyFingerprint(&other.PublicKey)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}
