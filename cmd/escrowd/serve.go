package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taskpay/escrowd/internal/arbiter"
	"github.com/taskpay/escrowd/internal/config"
	"github.com/taskpay/escrowd/internal/escrow"
	"github.com/taskpay/escrowd/internal/settlement"
	"github.com/taskpay/escrowd/internal/store"
	"github.com/taskpay/escrowd/internal/task"
	"github.com/taskpay/escrowd/internal/web"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Replay unfinished settlements, then run the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.ListenAddr = addr
			}

			log := setupLogger(cfg)
			log.WithField("env", cfg.Env).Info("escrowd starting")

			service, db, err := buildService(cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := service.ResumePending(context.Background()); err != nil {
				log.WithError(err).Error("some settlement intents could not be replayed")
			}

			server := web.NewServer(service, log)
			return server.Run(cfg.Server.ListenAddr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func buildService(cfg *config.Config, log *logrus.Logger) (*task.Service, *store.Store, error) {
	db, err := store.New(cfg.Store.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}

	node := settlement.NewClient(cfg.Escrow.NodeURL)
	signers := settlement.NewAgentSignerProvider(cfg.Escrow.SigningAgentURL)
	orchestrator := escrow.New(node, signers, db, cfg.Escrow.OperatorID, log)

	var oracle arbiter.Oracle
	if cfg.Oracle.APIKey != "" {
		oracle = arbiter.NewAnthropicClient(cfg.Oracle.APIKey, arbiter.WithModel(cfg.Oracle.Model))
	}
	resolver := arbiter.NewResolver(oracle, log)

	return task.NewService(db, orchestrator, resolver, log), db, nil
}
