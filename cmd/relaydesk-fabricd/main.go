// Command relaydesk-fabricd runs the signaling fabric (C7): the durable
// process peer agents connect to in order to find each other and exchange
// SDP/ICE envelopes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaydesk/agent/internal/fabric"
	"github.com/relaydesk/agent/internal/logging"
)

var (
	version    = "0.1.0"
	listenAddr string
	logLevel   string
	logFormat  string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "relaydesk-fabricd",
	Short: "RelayDesk signaling fabric",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the signaling fabric server",
	Run: func(cmd *cobra.Command, args []string) {
		runFabric()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relaydesk-fabricd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&listenAddr, "listen", ":8080", "address to listen on")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFabric() {
	logging.Init(logFormat, logLevel, os.Stdout)

	hub := fabric.NewHub()
	go hub.Run()
	defer hub.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", fabric.Handler(hub))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	go func() {
		log.Info("fabric listening", "addr", listenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("fabric server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
