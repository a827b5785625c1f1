// Package main is the entry point for the hotspot billing backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configDir string

func main() {
	root := &cobra.Command{
		Use:   "backend",
		Short: "Payment-gated WiFi hotspot backend",
		Long: `Backend for paybill-funded WiFi hotspots: serves the captive portal API,
drives mobile-money STK push payments, and provisions network access on
confirmation.`,
	}
	root.PersistentFlags().StringVarP(&configDir, "config", "c", "", "directory containing config.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(stationCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
