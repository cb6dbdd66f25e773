package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/certgate/storage"
)

var revokeCmd = &cobra.Command{
	Use:   "revoke <serial>",
	Short: "Revoke an issued certificate by serial number",
	Long: `Marks the certificate as revoked directly in the record store.
Useful when the server is down or the admin token is unavailable.
Revocation is permanent and idempotent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		serial := args[0]
		if err := store.Revoke(cmd.Context(), serial); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no certificate with serial %s", serial)
			}
			return fmt.Errorf("failed to revoke: %w", err)
		}
		fmt.Printf("Certificate %s revoked\n", serial)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(revokeCmd)
	revokeCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data")
	revokeCmd.Flags().StringVar(&storeKind, "store", "bbolt", "Record store backend (bbolt, postgres, memory)")
	revokeCmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
}
