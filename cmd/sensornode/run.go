package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcormc/sensornode/logging"
	"github.com/marcormc/sensornode/metrics"
	"github.com/marcormc/sensornode/node"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sensor node until interrupted",
	Long: `Run starts the node. Without stored credentials it opens the setup
access point and waits for a POST on the provisioning endpoint; with
credentials it joins the network and keeps a broker session open.`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runNode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	stats := metrics.NewMemory()

	r, err := node.New(cfg, node.WithLogger(log), node.WithMetrics(stats))
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Warn("closing node", logging.Fields{logging.FieldError: err})
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = r.Run(ctx)
	log.Info("final counters", toFields(stats.Snapshot()))
	return err
}

func toFields(m map[string]float64) logging.Fields {
	f := make(logging.Fields, len(m))
	for k, v := range m {
		f[k] = v
	}
	return f
}
