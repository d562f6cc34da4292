package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcormc/sensornode/event"
	"github.com/marcormc/sensornode/store"
)

var creds event.Credentials

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Store Wi-Fi and broker credentials",
	Long: `Provision writes the credential record to the configured store, so the
next run skips the setup access point.`,
	Example: `  sensornode provision --ssid lab --psk secret --host broker.local:1883 --user node --password pw`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := creds.Validate(); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		s, closeStore, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		defer closeStore()

		if err := store.SaveCredentials(cmd.Context(), s, creds); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "credentials for %q stored in %s\n", creds.WiFiSSID, cfg.Store.Path)
		return nil
	},
}

func init() {
	f := provisionCmd.Flags()
	f.StringVar(&creds.WiFiSSID, "ssid", "", "Wi-Fi network name")
	f.StringVar(&creds.WiFiPSK, "psk", "", "Wi-Fi passphrase")
	f.StringVar(&creds.BrokerHost, "host", "", "broker host, optionally with port")
	f.StringVar(&creds.BrokerUser, "user", "", "broker user name")
	f.StringVar(&creds.BrokerPassword, "password", "", "broker password")
	_ = provisionCmd.MarkFlagRequired("ssid")
	_ = provisionCmd.MarkFlagRequired("host")

	rootCmd.AddCommand(provisionCmd)
}
