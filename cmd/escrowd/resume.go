package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskpay/escrowd/internal/config"
)

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Replay unfinished settlement intents and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := setupLogger(cfg)

			service, db, err := buildService(cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := service.ResumePending(context.Background()); err != nil {
				return fmt.Errorf("replay settlement intents: %w", err)
			}
			fmt.Println("all settlement intents replayed")
			return nil
		},
	}
}
