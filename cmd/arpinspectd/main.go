// arpinspectd is the ARP inspection daemon for a stackable switch.
//
// It validates ARP frames captured on untrusted ports against static and
// DHCP-learned bindings and forwards only the ones that match.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/psaab/arpinspect/pkg/config"
	"github.com/psaab/arpinspect/pkg/daemon"
	"github.com/psaab/arpinspect/pkg/logging"
)

var (
	configFile string
	debug      bool
	noPortIO   bool
)

var rootCmd = &cobra.Command{
	Use:          "arpinspectd",
	Short:        "ARP inspection daemon",
	SilenceUsage: true,
	RunE:         run,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		fmt.Printf("VALID: unit %d, %d port(s), %d peer(s)\n",
			cfg.Unit, len(cfg.Ports), len(cfg.Stack.Peers))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/arpinspect/arpinspect.yaml",
		"configuration file path")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&noPortIO, "no-port-io", false, "run without raw sockets (nothing is captured)")
	rootCmd.AddCommand(validateCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logOpts := cfg.Log.LoggingOptions()
	if debug {
		logOpts.Level = "debug"
	}
	closeLog, err := logging.Setup(logOpts)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer closeLog()

	d, err := daemon.New(daemon.Options{Config: cfg, NoPortIO: noPortIO})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	return d.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arpinspectd: %v\n", err)
		os.Exit(1)
	}
}
