package attest

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// SafetyNet verifies Android SafetyNet attestation statements. The
// statement is a JWS whose payload embeds the server nonce and the
// integrity verdict for the device.
type SafetyNet struct {
	// RequireCTS additionally demands ctsProfileMatch, rejecting rooted
	// or uncertified devices that still pass basicIntegrity.
	RequireCTS bool
}

// safetyNetPayload is the subset of the JWS payload the gate evaluates.
type safetyNetPayload struct {
	Nonce           string `json:"nonce"`
	CTSProfileMatch bool   `json:"ctsProfileMatch"`
	BasicIntegrity  bool   `json:"basicIntegrity"`
	APKPackageName  string `json:"apkPackageName"`
}

func (g *SafetyNet) Verify(_ context.Context, ev Evidence) error {
	if ev.Token == "" {
		return fmt.Errorf("%w: missing statement", ErrRejected)
	}

	parts := strings.Split(ev.Token, ".")
	if len(parts) != 3 {
		return fmt.Errorf("%w: malformed JWS", ErrRejected)
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return fmt.Errorf("%w: undecodable payload", ErrRejected)
	}

	var stmt safetyNetPayload
	if err := json.Unmarshal(payload, &stmt); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", ErrRejected, err)
	}

	// The statement echoes the base64 of the nonce the server issued.
	want := base64.StdEncoding.EncodeToString([]byte(ev.Nonce))
	if subtle.ConstantTimeCompare([]byte(stmt.Nonce), []byte(want)) != 1 {
		return fmt.Errorf("%w: nonce mismatch", ErrRejected)
	}

	if !stmt.BasicIntegrity {
		return fmt.Errorf("%w: basic integrity check failed", ErrRejected)
	}
	if g.RequireCTS && !stmt.CTSProfileMatch {
		return fmt.Errorf("%w: CTS profile mismatch", ErrRejected)
	}
	return nil
}
