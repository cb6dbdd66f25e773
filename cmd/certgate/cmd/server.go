package cmd

import (
	"context"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certgate/api"
	"github.com/jmcleod/certgate/attest"
	"github.com/jmcleod/certgate/ca"
	"github.com/jmcleod/certgate/certs"
	"github.com/jmcleod/certgate/internal/util"
	"github.com/jmcleod/certgate/storage"
	bboltstorage "github.com/jmcleod/certgate/storage/bbolt"
	"github.com/jmcleod/certgate/storage/memory"
	"github.com/jmcleod/certgate/storage/postgres"
)

var (
	port        int
	dataDir     string
	storeKind   string
	postgresDSN string

	caCertPath string
	caKeyPath  string

	pkcs11Module string
	pkcs11Token  string
	pkcs11PIN    string

	tlsCert string
	tlsKey  string

	trustedProxyFlags  []string
	adminTokenFile     string
	disableAttestation []string
	requireCTS         bool
	attestCacheTTL     time.Duration

	deviceCheckTeamID  string
	deviceCheckKeyID   string
	deviceCheckKeyFile string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		ks, closeKS, err := openKeyStore()
		if err != nil {
			return err
		}
		defer closeKS()

		signer, caCert, caPEM, err := ca.LoadSigner(ks, ca.FileSource{
			KeyPath:  caKeyPath,
			CertPath: caCertPath,
		})
		if err != nil {
			return fmt.Errorf("failed to load CA key pair: %w", err)
		}

		caOpts := []ca.Option{ca.WithLogger(logger)}
		gates, err := buildGates()
		if err != nil {
			return err
		}
		for platform, gate := range gates {
			caOpts = append(caOpts, ca.WithGate(platform, gate))
		}
		authority, err := ca.New(signer, caCert, caPEM, store, caOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialise authority: %w", err)
		}

		apiOpts := []api.Option{api.WithLogger(logger)}
		if len(trustedProxyFlags) > 0 {
			prefixes, err := parsePrefixes(trustedProxyFlags)
			if err != nil {
				return err
			}
			apiOpts = append(apiOpts, api.WithTrustedProxies(prefixes))
		}
		if adminTokenFile != "" {
			token, err := os.ReadFile(adminTokenFile)
			if err != nil {
				return fmt.Errorf("failed to read admin token: %w", err)
			}
			apiOpts = append(apiOpts, api.WithAdminToken(strings.TrimSpace(string(token))))
		}

		a := api.New(authority, store, apiOpts...)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Mount("/api/v1", a.Router())

		tlsConfig, err := serverTLSConfig(caCert)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (store: %s, data: %s)...\n", port, storeKind, dataDir)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// openStore selects the record store backend.
func openStore(ctx context.Context) (storage.Repository, func(), error) {
	switch storeKind {
	case "bbolt":
		s, err := bboltstorage.NewStoreFromFile(dataDir+"/certgate.db", nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		return s, func() { s.Close() }, nil
	case "postgres":
		if postgresDSN == "" {
			return nil, nil, fmt.Errorf("--postgres-dsn is required with --store postgres")
		}
		s, err := postgres.NewStore(ctx, postgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, s.Close, nil
	case "memory":
		// Records vanish on restart. Demo and test use only.
		return memory.NewRepository(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", storeKind)
	}
}

// openKeyStore selects the CA key backend: software by default, PKCS#11
// when a module path is configured.
func openKeyStore() (ca.KeyStore, func(), error) {
	if pkcs11Module == "" {
		return ca.NewSoftwareKeyStore(), func() {}, nil
	}
	ks, err := ca.NewPKCS11KeyStore(ca.PKCS11Config{
		ModulePath: pkcs11Module,
		TokenLabel: pkcs11Token,
		PIN:        pkcs11PIN,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open PKCS#11 keystore: %w", err)
	}
	return ks, func() { ks.Close() }, nil
}

// buildGates assembles the per-platform attestation gates from flags.
func buildGates() (map[certs.Platform]attest.Gate, error) {
	disabled := make(map[certs.Platform]bool)
	for _, p := range disableAttestation {
		platform, err := certs.ParsePlatform(p)
		if err != nil {
			return nil, fmt.Errorf("--disable-attestation: %w", err)
		}
		disabled[platform] = true
	}

	gates := make(map[certs.Platform]attest.Gate)

	if disabled[certs.PlatformAndroid] {
		gates[certs.PlatformAndroid] = attest.Disabled{}
	} else {
		gates[certs.PlatformAndroid] = &attest.SafetyNet{RequireCTS: requireCTS}
	}

	if disabled[certs.PlatformIOS] {
		gates[certs.PlatformIOS] = attest.Disabled{}
	} else {
		dc := &attest.DeviceCheck{TeamID: deviceCheckTeamID, KeyID: deviceCheckKeyID}
		if deviceCheckKeyFile != "" {
			key, err := loadDeviceCheckKey(deviceCheckKeyFile)
			if err != nil {
				return nil, err
			}
			dc.PrivateKey = key
		}
		gates[certs.PlatformIOS] = dc
	}

	if disabled[certs.PlatformDesktop] {
		gates[certs.PlatformDesktop] = attest.Disabled{}
	} else {
		gates[certs.PlatformDesktop] = attest.NewDesktop()
	}

	if attestCacheTTL > 0 {
		for platform, gate := range gates {
			if _, ok := gate.(attest.Disabled); ok {
				continue
			}
			gates[platform] = attest.NewCachedGate(gate, attestCacheTTL)
		}
	}
	return gates, nil
}

func loadDeviceCheckKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read DeviceCheck key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("DeviceCheck key: no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("DeviceCheck key: %w", err)
	}
	ec, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("DeviceCheck key must be ECDSA P-256")
	}
	return ec, nil
}

func parsePrefixes(flags []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(flags))
	for _, s := range flags {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("--trusted-proxies: %w", err)
		}
		prefixes = append(prefixes, p)
	}
	return prefixes, nil
}

// serverTLSConfig builds the listener TLS config. Client certificates are
// requested but verified by the validation middleware, not the handshake,
// so enrollment requests without a certificate still connect.
func serverTLSConfig(caCert *x509.Certificate) (*tls.Config, error) {
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	var cert tls.Certificate
	var err error
	if tlsCert != "" && tlsKey != "" {
		cert, err = tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Println("Using self-signed runtime generated certificate for TLS")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequestClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8443, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().StringVar(&storeKind, "store", "bbolt", "Record store backend (bbolt, postgres, memory)")
	serverCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	serverCmd.Flags().StringVar(&caCertPath, "ca-cert", "./data/ca.crt", "Path to the CA certificate")
	serverCmd.Flags().StringVar(&caKeyPath, "ca-key", "./data/ca.key", "Path to the CA private key")
	serverCmd.Flags().StringVar(&pkcs11Module, "pkcs11-module", "", "Path to a PKCS#11 module for the CA key")
	serverCmd.Flags().StringVar(&pkcs11Token, "pkcs11-token", "", "PKCS#11 token label")
	serverCmd.Flags().StringVar(&pkcs11PIN, "pkcs11-pin", "", "PKCS#11 user PIN")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringSliceVar(&trustedProxyFlags, "trusted-proxies", nil, "CIDR ranges whose forwarded headers are trusted")
	serverCmd.Flags().StringVar(&adminTokenFile, "admin-token-file", "", "File containing the management API token")
	serverCmd.Flags().StringSliceVar(&disableAttestation, "disable-attestation", nil, "Platforms to enroll without attestation")
	serverCmd.Flags().BoolVar(&requireCTS, "safetynet-require-cts", true, "Require CTS profile match in SafetyNet statements")
	serverCmd.Flags().DurationVar(&attestCacheTTL, "attestation-cache-ttl", time.Hour, "Cache attestation verdicts per device (0 disables)")
	serverCmd.Flags().StringVar(&deviceCheckTeamID, "devicecheck-team-id", "", "Apple developer team ID")
	serverCmd.Flags().StringVar(&deviceCheckKeyID, "devicecheck-key-id", "", "Apple DeviceCheck key ID")
	serverCmd.Flags().StringVar(&deviceCheckKeyFile, "devicecheck-key-file", "", "Path to the Apple DeviceCheck private key (PKCS#8 PEM)")
}
