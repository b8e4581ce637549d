// Command relaydesk-agent runs the host side of a RelayDesk session: it
// registers with the signaling fabric (C6/C7), answers inbound connection
// offers with a peer session (C8) carrying a captured/encoded video track
// (C1/C2/C3/C5), and gates the controller's mouse/keyboard/clipboard/file
// traffic through the permission gate (C10) into input injection (C4),
// clipboard sync, and file transfer (C9). It also runs the LAN discovery
// beacon (C12) when enabled.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaydesk/agent/internal/config"
	"github.com/relaydesk/agent/internal/identity"
	"github.com/relaydesk/agent/internal/logging"
)

var (
	version    = "0.1.0"
	cfgFile    string
	logLevel   string
	logFormat  string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "relaydesk-agent",
	Short: "RelayDesk host agent",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the host agent",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runAgent(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print this device's connection ID",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		ident, err := identity.NewStore(config.GetDataDir()).Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_ = cfg
		fmt.Println(identity.FormatDashed(ident.ID))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relaydesk-agent v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to agent.yaml (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(idCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent() error {
	logging.Init(logFormat, logLevel, os.Stdout)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ident, err := identity.NewStore(config.GetDataDir()).Load()
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.Info("starting host agent", "deviceId", ident.ID, "deviceName", cfg.DeviceName)

	agent := newHostAgent(cfg, ident)
	if err := agent.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	defer agent.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	return nil
}
