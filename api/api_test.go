package api

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certgate/attest"
	"github.com/jmcleod/certgate/ca"
	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/storage/memory"
)

const testAdminToken = "test-admin-token"

type testEnv struct {
	api       *API
	router    chi.Router
	store     *memory.Repository
	authority *ca.Authority
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Certgate Test Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	store := memory.NewRepository()
	authority, err := ca.New(key, caCert, certs.EncodeCertificatePEM(der), store,
		ca.WithGate(certs.PlatformAndroid, attest.Disabled{}),
		ca.WithGate(certs.PlatformIOS, attest.Disabled{}),
		ca.WithGate(certs.PlatformDesktop, attest.Disabled{}),
	)
	require.NoError(t, err)

	base := []Option{WithAdminToken(testAdminToken)}
	a := New(authority, store, append(base, opts...)...)
	return &testEnv{api: a, router: a.Router(), store: store, authority: authority}
}

func newCSRPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: "device"},
	}, key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{adminTokenHeader: testAdminToken}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestCACertificate(t *testing.T) {
	env := newTestEnv(t)
	rec := doJSON(t, env.router, http.MethodGet, "/ca-certificate", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CACertificateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "PEM", resp.Format)

	cert, err := certs.ParseCertificatePEM([]byte(resp.Certificate))
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
}

func TestEnroll(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/enroll", EnrollRequest{
		CSR:      newCSRPEM(t),
		DeviceID: "dev-1",
		Platform: "android",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp EnrollResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "dev-1", resp.DeviceID)
	assert.Len(t, resp.Serial, 32)
	assert.WithinDuration(t, resp.IssuedAt.Add(30*24*time.Hour), resp.ExpiresAt, 10*time.Minute)

	cert, err := certs.ParseCertificatePEM([]byte(resp.Certificate))
	require.NoError(t, err)
	assert.Equal(t, "dev-1", cert.Subject.CommonName)

	got, err := env.store.GetBySerial(t.Context(), resp.Serial)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", got.DeviceID)
}

func TestEnrollRejections(t *testing.T) {
	env := newTestEnv(t)
	csr := newCSRPEM(t)

	cases := []struct {
		name       string
		req        EnrollRequest
		wantStatus int
		wantKind   string
	}{
		{"missing device id", EnrollRequest{CSR: csr, Platform: "ios"}, http.StatusBadRequest, errKindBadRequest},
		{"unknown platform", EnrollRequest{CSR: csr, DeviceID: "d", Platform: "tv"}, http.StatusBadRequest, errKindBadRequest},
		{"garbage csr", EnrollRequest{CSR: "nope", DeviceID: "d", Platform: "ios"}, http.StatusBadRequest, errKindMalformedCSR},
		{"empty csr", EnrollRequest{DeviceID: "d", Platform: "ios"}, http.StatusBadRequest, errKindMalformedCSR},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, env.router, http.MethodPost, "/enroll", tc.req, nil)
			assert.Equal(t, tc.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tc.wantKind, resp.Error)
		})
	}
}

func TestEnrollAttestationFailure(t *testing.T) {
	// SafetyNet gate with no token supplied rejects every enrollment.
	gateOpt := ca.WithGate(certs.PlatformAndroid, &attest.SafetyNet{})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	store := memory.NewRepository()
	auth, err := ca.New(key, caCert, certs.EncodeCertificatePEM(der), store, gateOpt)
	require.NoError(t, err)
	router := New(auth, store).Router()

	rec := doJSON(t, router, http.MethodPost, "/enroll", EnrollRequest{
		CSR:      newCSRPEM(t),
		DeviceID: "dev-1",
		Platform: "android",
	}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, errKindAttestationFailed, resp.Error)

	recs, err := store.GetByDevice(t.Context(), "dev-1")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestAdminAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := doJSON(t, env.router, http.MethodPost, "/admin/revoke", RevokeRequest{Serial: "00"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "missing token")

	rec = doJSON(t, env.router, http.MethodPost, "/admin/revoke", RevokeRequest{Serial: "00"},
		map[string]string{adminTokenHeader: "wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code, "wrong token")

	t.Run("disabled without a configured token", func(t *testing.T) {
		bare := newTestEnv(t)
		bare.api.adminAuth = nil
		rec := doJSON(t, bare.api.Router(), http.MethodGet, "/admin/certificates/expiring", nil, adminHeaders())
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRevoke(t *testing.T) {
	env := newTestEnv(t)

	enroll := doJSON(t, env.router, http.MethodPost, "/enroll", EnrollRequest{
		CSR: newCSRPEM(t), DeviceID: "dev-1", Platform: "desktop",
	}, nil)
	require.Equal(t, http.StatusCreated, enroll.Code)
	var issued EnrollResponse
	require.NoError(t, json.NewDecoder(enroll.Body).Decode(&issued))

	rec := doJSON(t, env.router, http.MethodPost, "/admin/revoke",
		RevokeRequest{Serial: issued.Serial, Reason: "device lost"}, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := env.store.GetBySerial(t.Context(), issued.Serial)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	// Idempotent.
	rec = doJSON(t, env.router, http.MethodPost, "/admin/revoke",
		RevokeRequest{Serial: issued.Serial}, adminHeaders())
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, env.router, http.MethodPost, "/admin/revoke",
		RevokeRequest{Serial: "FFFF"}, adminHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, env.router, http.MethodPost, "/admin/revoke",
		RevokeRequest{}, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListDeviceCertificates(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 2; i++ {
		rec := doJSON(t, env.router, http.MethodPost, "/enroll", EnrollRequest{
			CSR: newCSRPEM(t), DeviceID: "dev-1", Platform: "ios",
		}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, env.router, http.MethodGet, "/admin/devices/dev-1/certificates", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CertificateListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)
	for _, c := range resp.Certificates {
		assert.Equal(t, "dev-1", c.DeviceID)
	}

	rec = doJSON(t, env.router, http.MethodGet, "/admin/devices/nobody/certificates", nil, adminHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Count)
}

func TestListExpiring(t *testing.T) {
	env := newTestEnv(t)

	// Desktop certs live 7 days; the default horizon is 7 days, so a
	// fresh desktop cert shows up while a 30-day mobile cert does not.
	rec := doJSON(t, env.router, http.MethodPost, "/enroll", EnrollRequest{
		CSR: newCSRPEM(t), DeviceID: "ws-1", Platform: "desktop",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, env.router, http.MethodPost, "/enroll", EnrollRequest{
		CSR: newCSRPEM(t), DeviceID: "phone-1", Platform: "android",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	list := doJSON(t, env.router, http.MethodGet, "/admin/certificates/expiring", nil, adminHeaders())
	require.Equal(t, http.StatusOK, list.Code)
	var resp CertificateListResponse
	require.NoError(t, json.NewDecoder(list.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "ws-1", resp.Certificates[0].DeviceID)

	list = doJSON(t, env.router, http.MethodGet, "/admin/certificates/expiring?within=720h", nil, adminHeaders())
	require.Equal(t, http.StatusOK, list.Code)
	require.NoError(t, json.NewDecoder(list.Body).Decode(&resp))
	assert.Equal(t, 2, resp.Count)

	list = doJSON(t, env.router, http.MethodGet, "/admin/certificates/expiring?within=bogus", nil, adminHeaders())
	assert.Equal(t, http.StatusBadRequest, list.Code)
}

func TestEnrollRateLimit(t *testing.T) {
	env := newTestEnv(t)

	var lastCode int
	for i := 0; i < enrollIPMaxRequests+1; i++ {
		rec := doJSON(t, env.router, http.MethodPost, "/enroll", EnrollRequest{
			CSR: newCSRPEM(t), DeviceID: "dev-1", Platform: "ios",
		}, nil)
		lastCode = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, lastCode)
}
