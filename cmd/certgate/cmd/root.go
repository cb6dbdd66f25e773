package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is the service version reported in the startup banner.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "certgate",
	Short: "Certgate is a device certificate authority",
	Long: `A self-managed certificate authority that enrolls devices, issues
short-lived mTLS client certificates, and validates them on every request.
Complete documentation is available at https://github.com/jmcleod/certgate`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
