package attest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// desktopMaxAttempts bounds failed fingerprint submissions per device
// within the attempt window, slowing down fingerprint guessing.
const (
	desktopMaxAttempts   = 5
	desktopAttemptWindow = 15 * time.Minute
)

// Desktop verifies desktop hardware fingerprints. The fingerprint is a
// 64-hex-char digest computed by the client from stable hardware
// identifiers; the gate checks well-formedness and throttles devices that
// keep submitting bad values.
type Desktop struct {
	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

type attemptRecord struct {
	count       int
	windowStart time.Time
}

// NewDesktop creates a Desktop gate.
func NewDesktop() *Desktop {
	return &Desktop{attempts: make(map[string]*attemptRecord)}
}

func (g *Desktop) Verify(_ context.Context, ev Evidence) error {
	if g.throttled(ev.DeviceID) {
		return fmt.Errorf("%w: too many failed attempts", ErrRejected)
	}
	if !validFingerprint(ev.Fingerprint) {
		g.recordFailure(ev.DeviceID)
		return fmt.Errorf("%w: malformed hardware fingerprint", ErrRejected)
	}
	g.clear(ev.DeviceID)
	return nil
}

func validFingerprint(fp string) bool {
	if len(fp) != 64 {
		return false
	}
	for _, r := range fp {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func (g *Desktop) throttled(deviceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.attempts[deviceID]
	if !ok {
		return false
	}
	if time.Since(rec.windowStart) > desktopAttemptWindow {
		delete(g.attempts, deviceID)
		return false
	}
	return rec.count >= desktopMaxAttempts
}

func (g *Desktop) recordFailure(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.attempts[deviceID]
	if !ok || time.Since(rec.windowStart) > desktopAttemptWindow {
		g.attempts[deviceID] = &attemptRecord{count: 1, windowStart: time.Now()}
		return
	}
	rec.count++
}

func (g *Desktop) clear(deviceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, deviceID)
}
