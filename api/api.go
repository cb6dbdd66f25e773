// Package api exposes the enrollment and certificate management REST
// surface and the mTLS validation middleware that protects it.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/certgate/ca"
	"github.com/jmcleod/certgate/storage"
)

// defaultStoreTimeout bounds the whitelist lookup on the mTLS hot path.
// When it expires the request is rejected, never waved through.
const defaultStoreTimeout = 500 * time.Millisecond

// API holds the dependencies needed by the REST handlers.
type API struct {
	authority *ca.Authority
	store     storage.Repository
	audit     *auditLogger

	enrollLimiter       *enrollmentIPLimiter
	enrollGlobalLimiter *enrollmentGlobalLimiter

	trustedProxies []netip.Prefix
	adminAuth      *adminTokenAuth
	storeTimeout   time.Duration
	now            func() time.Time
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc installs a callback fired on anomaly spikes (enrollment
// failures, mTLS rejections).
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		if a.audit == nil {
			a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
		}
		a.audit.metrics = newMetricsCollector(fn)
	}
}

// WithTrustedProxies configures the CIDR ranges whose forwarded headers
// (client IP and client certificate) are honored. Empty means none.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAdminToken configures the admin token that protects management
// endpoints. The token is compared via an Argon2id-derived key.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminAuth = newAdminTokenAuth(token) }
}

// WithStoreTimeout overrides the whitelist lookup deadline.
func WithStoreTimeout(d time.Duration) Option {
	return func(a *API) { a.storeTimeout = d }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates a new API instance.
func New(authority *ca.Authority, store storage.Repository, opts ...Option) *API {
	a := &API{
		authority:           authority,
		store:               store,
		enrollLimiter:       newEnrollmentIPLimiter(),
		enrollGlobalLimiter: newEnrollmentGlobalLimiter(),
		storeTimeout:        defaultStoreTimeout,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(SecurityHeaders)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Get("/health", a.Health)
	r.Get("/ca-certificate", a.CACertificate)
	r.Post("/enroll", a.Enroll)

	// Renewal proves possession of the current certificate over mTLS.
	r.With(a.MTLSMiddleware).Post("/renew", a.Renew)

	// Management endpoints require the admin token.
	r.Route("/admin", func(r chi.Router) {
		r.Use(a.AdminMiddleware)
		r.Post("/revoke", a.Revoke)
		r.Get("/certificates/expiring", a.ListExpiring)
		r.Get("/devices/{deviceID}/certificates", a.ListDeviceCertificates)
	})

	return r
}
