package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/marcormc/sensornode/mqtt"
)

// Set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "sensornode version %s\n", version)
		fmt.Fprintf(out, "  MQTT protocol: 3.1.1 (level %d)\n", mqtt.ProtocolLevel)
		fmt.Fprintf(out, "  Go version:    %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "  Git commit:    %s\n", commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
