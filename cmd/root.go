package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgPath  string
	simulate bool
)

var rootCmd = &cobra.Command{
	Use:   "doord",
	Short: "Safety-aware door controller daemon",
	Long: `doord drives a motorized door or gate through a GRBL-compatible motion
controller, reachable over a serial port or a TCP socket.

It owns the door state machine (homing, graceful stop and reversal, alarm
and link-fault recovery), validates the configured stop delay against the
controller's own acceleration before allowing motion, and exposes the whole
thing over an authenticated HTTP API with a live WebSocket status stream.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to the config file (default configs/config.yml)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Use the in-process controller simulator instead of real hardware")
}
