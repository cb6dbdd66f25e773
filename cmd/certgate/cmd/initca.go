package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certgate/ca"
)

var (
	initCACommonName string
	initCAValidYears int
	initCAForce      bool
)

var initCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Generate a new self-signed root CA key pair",
	Long: `Generates the root CA key and certificate used to sign device
certificates. The key is written with mode 0600; keep it out of backups
that leave the host. Run once before starting the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		keyPath := dataDir + "/ca.key"
		certPath := dataDir + "/ca.crt"
		if !initCAForce {
			for _, p := range []string{keyPath, certPath} {
				if _, err := os.Stat(p); err == nil {
					return fmt.Errorf("%s already exists; use --force to overwrite", p)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
		}

		ks, closeKS, err := openKeyStore()
		if err != nil {
			return err
		}
		defer closeKS()

		fmt.Println("Generating root CA key, this can take a moment...")
		root, err := ca.GenerateRoot(ks, initCACommonName, time.Duration(initCAValidYears)*365*24*time.Hour)
		if err != nil {
			return fmt.Errorf("failed to generate root CA: %w", err)
		}

		keyPEM, err := ks.ExportPEM(root.KeyID)
		if err != nil {
			return fmt.Errorf("failed to export CA key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(keyPEM), 0o600); err != nil {
			return fmt.Errorf("failed to write CA key: %w", err)
		}
		if err := os.WriteFile(certPath, root.CertificatePEM, 0o644); err != nil {
			return fmt.Errorf("failed to write CA certificate: %w", err)
		}

		fmt.Printf("Root CA written:\n  key:  %s\n  cert: %s\n", keyPath, certPath)
		fmt.Printf("  subject: CN=%s\n  expires: %s\n",
			initCACommonName, root.Certificate.NotAfter.Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCACmd)
	initCACmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	initCACmd.Flags().StringVar(&initCACommonName, "cn", "Certgate Root CA", "Common name of the root certificate")
	initCACmd.Flags().IntVar(&initCAValidYears, "years", 10, "Root certificate validity in years")
	initCACmd.Flags().BoolVar(&initCAForce, "force", false, "Overwrite an existing CA key pair")
	initCACmd.Flags().StringVar(&pkcs11Module, "pkcs11-module", "", "Path to a PKCS#11 module for the CA key")
	initCACmd.Flags().StringVar(&pkcs11Token, "pkcs11-token", "", "PKCS#11 token label")
	initCACmd.Flags().StringVar(&pkcs11PIN, "pkcs11-pin", "", "PKCS#11 user PIN")
}
