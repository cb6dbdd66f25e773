package attest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jmcleod/certgate/internal/uuid"
)

// defaultDeviceCheckEndpoint is Apple's production validation endpoint.
const defaultDeviceCheckEndpoint = "https://api.devicecheck.apple.com/v1/validate_device_token"

// DeviceCheck verifies iOS device tokens against Apple's DeviceCheck
// service. Requests to Apple are authenticated with an ES256 JWT signed
// by the developer key.
type DeviceCheck struct {
	// TeamID and KeyID identify the Apple developer key.
	TeamID string
	KeyID  string

	// PrivateKey is the P-256 key downloaded from the developer portal.
	PrivateKey *ecdsa.PrivateKey

	// Endpoint overrides the Apple API URL, for tests.
	Endpoint string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (g *DeviceCheck) configured() bool {
	return g.TeamID != "" && g.KeyID != "" && g.PrivateKey != nil
}

func (g *DeviceCheck) Verify(ctx context.Context, ev Evidence) error {
	if !g.configured() {
		return fmt.Errorf("%w: DeviceCheck credentials not configured", ErrUnavailable)
	}
	if ev.Token == "" {
		return fmt.Errorf("%w: missing device token", ErrRejected)
	}

	auth, err := g.authToken(time.Now())
	if err != nil {
		return fmt.Errorf("%w: signing API token: %v", ErrUnavailable, err)
	}

	body, err := json.Marshal(map[string]any{
		"device_token":   ev.Token,
		"transaction_id": uuid.New(),
		"timestamp":      time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = defaultDeviceCheckEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+auth)
	req.Header.Set("Content-Type", "application/json")

	client := g.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: validation returned %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

// authToken builds the minimal ES256 JWT Apple's API requires. The
// signature is the raw R||S form, not ASN.1.
func (g *DeviceCheck) authToken(now time.Time) (string, error) {
	header, err := json.Marshal(map[string]string{
		"alg": "ES256",
		"kid": g.KeyID,
	})
	if err != nil {
		return "", err
	}
	claims, err := json.Marshal(map[string]any{
		"iss": g.TeamID,
		"iat": now.Unix(),
	})
	if err != nil {
		return "", err
	}

	signing := base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(claims)
	digest := sha256.Sum256([]byte(signing))

	r, s, err := ecdsa.Sign(rand.Reader, g.PrivateKey, digest[:])
	if err != nil {
		return "", err
	}
	size := (g.PrivateKey.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])

	return signing + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
