package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"projecthub/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "projecthub",
		Short:         "Projects, members and tasks with live dashboards",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initStorageCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and applies the log level.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	log.SetFormatter(&log.JSONFormatter{})
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	return cfg, nil
}
