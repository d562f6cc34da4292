package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/marcormc/sensornode/config"
	"github.com/marcormc/sensornode/logging"
	"github.com/marcormc/sensornode/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sensornode",
	Short: "Sensor node publishing climate and motion samples over MQTT",
	Long: `sensornode provisions Wi-Fi and broker credentials, keeps a broker
session alive and publishes sensor samples to their topics.

Settings come from the YAML file given with --config, overridden by
SENSORNODE_* environment variables.

Examples:
  # Store credentials, then run
  sensornode provision --ssid lab --psk secret --host broker.local
  sensornode run --config /etc/sensornode.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func newLogger(cfg *config.Config) logging.Logger {
	return logging.NewSlogLogger(os.Stderr, cfg.Logging.Format, logging.ParseLevel(cfg.Logging.Level),
		slog.String("service", "sensornode"))
}

// openStore opens the configured credential store. The returned close
// function releases the database.
func openStore(cfg *config.Config) (store.Store, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
		return nil, nil, err
	}
	db, err := store.OpenSQLite(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}

	var s store.Store = db
	if cfg.Store.Passphrase != "" {
		s = store.NewSealed(db, cfg.Store.Passphrase)
	}
	return s, db.Close, nil
}
