package main

import (
	"fmt"
	"os"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"github.com/alvn-cpu/mikrotikv2/internal/config"
	"github.com/alvn-cpu/mikrotikv2/internal/db"
	"github.com/alvn-cpu/mikrotikv2/internal/portal"
	"github.com/alvn-cpu/mikrotikv2/internal/station"
)

func stationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "station",
		Short: "Manage hotspot stations",
	}
	cmd.AddCommand(stationRegisterCmd())
	cmd.AddCommand(stationListCmd())
	cmd.AddCommand(stationQRCmd())
	return cmd
}

// loadRegistry opens the database and rebuilds the station registry from it.
func loadRegistry() (*station.Registry, *db.DB, *config.Config, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, nil, err
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	registry := station.NewRegistry(cfg.StationPool(), database, nil)
	persisted, err := database.LoadStations()
	if err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("failed to load stations: %w", err)
	}
	quarantine, err := database.LoadQuarantine()
	if err != nil {
		database.Close()
		return nil, nil, nil, fmt.Errorf("failed to load quarantine: %w", err)
	}
	registry.Restore(persisted, quarantine)
	return registry, database, cfg, nil
}

func stationRegisterCmd() *cobra.Command {
	var (
		name        string
		host        string
		destType    string
		destAccount string
		destName    string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a new station and print its router script",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, database, cfg, err := loadRegistry()
			if err != nil {
				return err
			}
			defer database.Close()

			st, err := registry.Register(station.RegisterInput{
				Name: name,
				Host: host,
				Destination: station.PaymentDestination{
					Type:          station.DestinationType(destType),
					AccountNumber: destAccount,
					AccountName:   destName,
				},
			})
			if err != nil {
				return err
			}

			baseURL := portal.ResolveBaseURL(cfg.PortalContext())

			fmt.Printf("Station registered\n")
			fmt.Printf("  ID:      %s\n", st.ID)
			fmt.Printf("  Network: %s\n", st.NetworkCIDR)
			fmt.Printf("  Secret:  %s\n", st.SharedSecret)
			fmt.Printf("  Portal:  %s\n\n", station.LoginRedirect(st, baseURL))
			fmt.Println(station.RouterConfigScript(st, baseURL))
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "station name (required)")
	cmd.Flags().StringVar(&host, "host", "", "router SSH address")
	cmd.Flags().StringVar(&destType, "dest-type", "paybill", "payment destination type: paybill, till or bank")
	cmd.Flags().StringVar(&destAccount, "dest-account", "", "payment destination number (required)")
	cmd.Flags().StringVar(&destName, "dest-name", "", "payment destination display name")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("dest-account")
	return cmd
}

func stationListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered stations",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, database, _, err := loadRegistry()
			if err != nil {
				return err
			}
			defer database.Close()

			for _, st := range registry.List() {
				state := "enabled"
				if !st.Enabled {
					state = "disabled"
				}
				fmt.Printf("%s  %-20s %-18s %s\n", st.ID, st.Name, st.NetworkCIDR, state)
			}
			return nil
		},
	}
}

func stationQRCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "qr <station-id>",
		Short: "Print the portal URL for a station as a terminal QR code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, database, cfg, err := loadRegistry()
			if err != nil {
				return err
			}
			defer database.Close()

			st, err := registry.Lookup(args[0])
			if err != nil {
				return err
			}

			baseURL := portal.ResolveBaseURL(cfg.PortalContext())
			url := fmt.Sprintf("%s/portal/connect?station=%s", baseURL, st.ID)

			fmt.Printf("%s (%s)\n%s\n\n", st.Name, st.ID, url)
			qrterminal.GenerateWithConfig(url, qrterminal.Config{
				Level:     qrterminal.M,
				Writer:    os.Stdout,
				BlackChar: qrterminal.BLACK,
				WhiteChar: qrterminal.WHITE,
				QuietZone: 1,
			})
			return nil
		},
	}
}
