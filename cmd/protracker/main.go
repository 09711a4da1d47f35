package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"protracker/config"
)

var rootCmd = &cobra.Command{
	Use:   "protracker",
	Short: "Task board gateway with optimistic status transitions",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = loadConfig(cmd); err != nil {
			return err
		}
		if cfg.Debug {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	},
	SilenceUsage: true,
}

var (
	debugFlag   bool
	backendFlag string

	// cfg is loaded before any subcommand runs.
	cfg config.Config
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging (DEBUG)")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "Task backend: rest, sqlite or tables (BACKEND)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(transitionCmd)
	rootCmd.AddCommand(storageInitCmd)
}

// loadConfig reads the environment and lets flags that were set override it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	c, err := config.ParseEnv()
	if err != nil {
		return c, err
	}
	flags := cmd.Flags()
	if flags.Changed("debug") {
		c.Debug = debugFlag
	}
	if flags.Changed("backend") {
		c.Backend = backendFlag
	}
	if flags.Changed("listen") {
		c.ListenAddr = listenFlag
	}
	if flags.Changed("db") {
		c.SQLitePath = dbFlag
	}
	return c, c.Validate()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
