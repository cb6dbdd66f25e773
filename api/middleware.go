package api

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/storage"
)

type contextKey int

const deviceIDKey contextKey = iota

// Client certificate headers set by TLS-terminating proxies. Honored only
// when the direct peer is a trusted proxy.
const (
	headerClientCert    = "X-Client-Cert"
	headerSSLClientCert = "X-SSL-Client-Cert"
	headerXFCC          = "X-Forwarded-Client-Cert"
)

// DeviceIdentity returns the validated device ID attached by
// MTLSMiddleware, or "" when the request did not pass through it.
func DeviceIdentity(ctx context.Context) string {
	id, _ := ctx.Value(deviceIDKey).(string)
	return id
}

// MTLSMiddleware validates the client certificate on every request:
// presence, chain of trust to the service CA, and whitelist status in the
// store. A request without a certificate gets 401; every other rejection
// is a uniform 403 so callers cannot distinguish revoked from unknown.
// Store errors and timeouts reject the request, never wave it through.
func (a *API) MTLSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cert := a.peerCertificate(r)
		if cert == nil {
			a.audit.logRejection(AuditMTLSRejected, r, "no_certificate")
			writeError(w, http.StatusUnauthorized, errKindCredentialRequired, "client certificate required")
			return
		}

		now := a.now()
		pool := x509.NewCertPool()
		pool.AddCert(a.authority.CACertificate())
		if _, err := cert.Verify(x509.VerifyOptions{
			Roots:       pool,
			CurrentTime: now,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}); err != nil {
			a.audit.logRejection(AuditMTLSRejected, r, "chain_invalid",
				slog.String("subject", cert.Subject.CommonName))
			a.writeForbidden(w)
			return
		}

		serial := certs.SerialString(cert.SerialNumber)

		ctx, cancel := context.WithTimeout(r.Context(), a.storeTimeout)
		whitelisted, err := a.store.IsWhitelisted(ctx, serial, now)
		cancel()
		if err != nil {
			a.audit.logRejection(AuditMTLSRejected, r, "store_error",
				slog.String("serial", serial), slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, errKindStorageFailure, "certificate validation unavailable")
			return
		}
		if !whitelisted {
			a.audit.logRejection(AuditMTLSRejected, r, a.rejectionReason(r.Context(), serial, cert),
				slog.String("serial", serial),
				slog.String("device_id", cert.Subject.CommonName))
			a.writeForbidden(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), deviceIDKey, cert.Subject.CommonName)))
	})
}

// writeForbidden sends the uniform rejection body used for every refused
// credential.
func (a *API) writeForbidden(w http.ResponseWriter) {
	writeError(w, http.StatusForbidden, errKindForbidden, "certificate not accepted")
}

// rejectionReason classifies a refused serial for the audit log. Best
// effort: the response to the client stays uniform regardless.
func (a *API) rejectionReason(ctx context.Context, serial string, cert *x509.Certificate) string {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	rec, err := a.store.GetBySerial(ctx, serial)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "unknown_serial"
	case err != nil:
		return "store_error"
	case rec.Revoked:
		return "revoked"
	case !a.now().Before(rec.ExpiresAt):
		return "expired"
	case rec.DeviceID != cert.Subject.CommonName:
		return "identity_mismatch"
	default:
		return "not_whitelisted"
	}
}

// peerCertificate returns the client certificate for the request: the TLS
// handshake certificate when the connection terminates here, otherwise a
// certificate forwarded in a proxy header, but only when the direct peer
// is inside a trusted proxy range.
func (a *API) peerCertificate(r *http.Request) *x509.Certificate {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return r.TLS.PeerCertificates[0]
	}

	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !peerIsTrustedProxy(remoteIP, a.trustedProxies) {
		return nil
	}

	for _, header := range []string{headerClientCert, headerSSLClientCert} {
		if v := r.Header.Get(header); v != "" {
			if cert := parseForwardedCert(v); cert != nil {
				return cert
			}
		}
	}
	if v := r.Header.Get(headerXFCC); v != "" {
		if cert := parseXFCC(v); cert != nil {
			return cert
		}
	}
	return nil
}

// parseForwardedCert decodes a certificate forwarded as URL-encoded PEM
// (nginx style) or raw base64 DER.
func parseForwardedCert(value string) *x509.Certificate {
	if unescaped, err := url.QueryUnescape(value); err == nil {
		value = unescaped
	}
	value = strings.TrimSpace(value)

	if strings.Contains(value, "BEGIN CERTIFICATE") {
		cert, err := certs.ParseCertificatePEM([]byte(value))
		if err != nil {
			return nil
		}
		return cert
	}

	der, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil
	}
	return cert
}

// parseXFCC extracts the leaf certificate from an Envoy
// X-Forwarded-Client-Cert element: semicolon-separated key=value pairs
// where Cert="<url-encoded PEM>". Only the first element (nearest client)
// is consulted.
func parseXFCC(value string) *x509.Certificate {
	element := value
	if i := strings.IndexByte(element, ','); i >= 0 {
		element = element[:i]
	}
	for _, pair := range strings.Split(element, ";") {
		key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(key, "Cert") {
			continue
		}
		val = strings.Trim(val, "\"")
		return parseForwardedCert(val)
	}
	return nil
}
