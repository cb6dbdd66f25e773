package attest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func safetyNetToken(t *testing.T, payload safetyNetPayload) string {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	encode := base64.RawURLEncoding.EncodeToString
	return encode([]byte(`{"alg":"RS256"}`)) + "." + encode(body) + "." + encode([]byte("sig"))
}

func TestSafetyNetAccepts(t *testing.T) {
	g := &SafetyNet{RequireCTS: true}
	token := safetyNetToken(t, safetyNetPayload{
		Nonce:           base64.StdEncoding.EncodeToString([]byte("nonce-1")),
		CTSProfileMatch: true,
		BasicIntegrity:  true,
	})
	err := g.Verify(t.Context(), Evidence{DeviceID: "dev-1", Nonce: "nonce-1", Token: token})
	assert.NoError(t, err)
}

func TestSafetyNetRejects(t *testing.T) {
	ctx := t.Context()
	goodNonce := base64.StdEncoding.EncodeToString([]byte("nonce-1"))

	cases := []struct {
		name  string
		gate  SafetyNet
		token string
	}{
		{"empty token", SafetyNet{}, ""},
		{"not a JWS", SafetyNet{}, "one.two"},
		{"garbage payload", SafetyNet{}, "a.!!!.c"},
		{"nonce mismatch", SafetyNet{}, safetyNetToken(t, safetyNetPayload{
			Nonce: base64.StdEncoding.EncodeToString([]byte("other")), BasicIntegrity: true,
		})},
		{"basic integrity failed", SafetyNet{}, safetyNetToken(t, safetyNetPayload{
			Nonce: goodNonce, BasicIntegrity: false,
		})},
		{"cts required", SafetyNet{RequireCTS: true}, safetyNetToken(t, safetyNetPayload{
			Nonce: goodNonce, BasicIntegrity: true, CTSProfileMatch: false,
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.gate.Verify(ctx, Evidence{Nonce: "nonce-1", Token: tc.token})
			assert.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestDeviceCheckUnconfigured(t *testing.T) {
	g := &DeviceCheck{}
	err := g.Verify(t.Context(), Evidence{Token: "tok"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDeviceCheckVerify(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		assert.True(t, strings.HasPrefix(auth, "Bearer "))
		assert.Len(t, strings.Split(strings.TrimPrefix(auth, "Bearer "), "."), 3)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	g := &DeviceCheck{
		TeamID:     "TEAM123",
		KeyID:      "KEY456",
		PrivateKey: key,
		Endpoint:   srv.URL,
		HTTPClient: srv.Client(),
	}

	status = http.StatusOK
	assert.NoError(t, g.Verify(t.Context(), Evidence{Token: "device-token"}))

	status = http.StatusBadRequest
	assert.ErrorIs(t, g.Verify(t.Context(), Evidence{Token: "device-token"}), ErrRejected)

	assert.ErrorIs(t, g.Verify(t.Context(), Evidence{}), ErrRejected)

	g.Endpoint = "http://127.0.0.1:1"
	assert.ErrorIs(t, g.Verify(t.Context(), Evidence{Token: "device-token"}), ErrUnavailable)
}

func TestDesktopFingerprint(t *testing.T) {
	g := NewDesktop()
	ctx := t.Context()
	good := strings.Repeat("ab", 32)

	assert.NoError(t, g.Verify(ctx, Evidence{DeviceID: "dev-1", Fingerprint: good}))
	assert.ErrorIs(t, g.Verify(ctx, Evidence{DeviceID: "dev-1", Fingerprint: "short"}), ErrRejected)
	assert.ErrorIs(t, g.Verify(ctx, Evidence{DeviceID: "dev-1", Fingerprint: strings.Repeat("zz", 32)}), ErrRejected)
}

func TestDesktopThrottling(t *testing.T) {
	g := NewDesktop()
	ctx := t.Context()
	good := strings.Repeat("0f", 32)

	for i := 0; i < desktopMaxAttempts; i++ {
		assert.ErrorIs(t, g.Verify(ctx, Evidence{DeviceID: "dev-1", Fingerprint: "bad"}), ErrRejected)
	}
	// Valid evidence is now refused until the window passes.
	assert.ErrorIs(t, g.Verify(ctx, Evidence{DeviceID: "dev-1", Fingerprint: good}), ErrRejected)
	// Other devices are unaffected.
	assert.NoError(t, g.Verify(ctx, Evidence{DeviceID: "dev-2", Fingerprint: good}))
}

type countingGate struct {
	calls   int
	verdict error
}

func (g *countingGate) Verify(context.Context, Evidence) error {
	g.calls++
	return g.verdict
}

func TestCachedGate(t *testing.T) {
	ctx := t.Context()

	inner := &countingGate{}
	c := NewCachedGate(inner, time.Minute)
	require.NoError(t, c.Verify(ctx, Evidence{DeviceID: "dev-1"}))
	require.NoError(t, c.Verify(ctx, Evidence{DeviceID: "dev-1"}))
	assert.Equal(t, 1, inner.calls, "success verdict cached")

	inner = &countingGate{verdict: ErrRejected}
	c = NewCachedGate(inner, time.Minute)
	assert.ErrorIs(t, c.Verify(ctx, Evidence{DeviceID: "dev-1"}), ErrRejected)
	assert.ErrorIs(t, c.Verify(ctx, Evidence{DeviceID: "dev-1"}), ErrRejected)
	assert.Equal(t, 1, inner.calls, "rejection cached")

	inner = &countingGate{verdict: errors.Join(ErrUnavailable)}
	c = NewCachedGate(inner, time.Minute)
	assert.ErrorIs(t, c.Verify(ctx, Evidence{DeviceID: "dev-1"}), ErrUnavailable)
	assert.ErrorIs(t, c.Verify(ctx, Evidence{DeviceID: "dev-1"}), ErrUnavailable)
	assert.Equal(t, 2, inner.calls, "unavailability never cached")
}
