package main

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"projecthub/config"
	"projecthub/storage"
)

func initStorageCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "init-storage",
		Short: "Create the tables, queue and photo container if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Backend != config.BackendAzure {
				return errors.New("init-storage needs BACKEND=azure")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res := resourcesFor(cfg)
			if err := storage.Provision(ctx, cfg.StorageConnectionString, res); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"tables":     res.Tables,
				"queues":     res.Queues,
				"containers": res.Containers,
			}).Info("storage ready")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall provisioning timeout")
	return cmd
}

func resourcesFor(cfg config.Config) storage.Resources {
	return storage.Resources{
		Tables:     []string{cfg.Tables.Users, cfg.Tables.Projects, cfg.Tables.Tasks},
		Queues:     []string{cfg.CascadeQueue},
		Containers: []string{cfg.PhotosContainer},
	}
}
