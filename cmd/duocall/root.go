package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tariel-x/duocall/internal/config"
)

const version = "1.0.0"

var (
	flagServer   string
	flagInsecure bool
)

var rootCmd = &cobra.Command{
	Use:     "duocall",
	Short:   "Two-person rooms with chat and video calls",
	Long:    `duocall joins a two-person room on a duocall server, shows who is present, relays chat and sets up a peer-to-peer call with the other occupant.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "server base URL (default $DUOCALL_SERVER or http://localhost:8080)")
	rootCmd.PersistentFlags().BoolVar(&flagInsecure, "insecure", false, "accept a self-signed server certificate (default $DUOCALL_INSECURE_TLS)")
	rootCmd.AddCommand(joinCmd, roomCmd)
}

func clientConfig() *config.ClientConfig {
	cfg := config.LoadClient()
	if flagServer != "" {
		cfg.ServerURL = flagServer
	}
	if flagInsecure {
		cfg.InsecureTLS = true
	}
	return cfg
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}
