package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"protracker/config"
	"protracker/storage"
)

var storageInitCmd = &cobra.Command{
	Use:   "storage-init",
	Short: "Create the tasks and projects tables and the activity queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StorageConnString == "" {
			return fmt.Errorf("%w: missing STORAGE_CONNECTION_STRING", config.ErrInvalid)
		}
		log.Info("storage init starting")
		tables := []string{cfg.TasksTable, cfg.ProjectsTable}
		if err := storage.Provision(cmd.Context(), cfg.StorageConnString, tables, []string{cfg.ActivityQueue}); err != nil {
			return fmt.Errorf("provision: %w", err)
		}
		log.Info("storage init complete")
		return nil
	},
}
