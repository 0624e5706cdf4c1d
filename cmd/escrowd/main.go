package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/taskpay/escrowd/internal/config"
)

var Version = "dev"

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "escrowd",
		Short:   "escrowd - paid-task escrow orchestration service",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()

	switch cfg.Env {
	case envLocal:
		log.SetOutput(os.Stdout)
		log.SetLevel(logrus.DebugLevel)
		return log
	case envDev:
		log.SetLevel(logrus.InfoLevel)
	case envProd:
		log.SetLevel(logrus.WarnLevel)
	default:
		log.SetLevel(logrus.WarnLevel)
	}

	logFile, err := os.OpenFile(cfg.LogsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		panic(err)
	}
	log.SetOutput(logFile)
	log.SetFormatter(&logrus.TextFormatter{
		DisableColors: true,
		FullTimestamp: true,
	})
	return log
}
