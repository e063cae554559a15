package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stewardflow/stewardflow/internal/application"
	"github.com/stewardflow/stewardflow/internal/infrastructure/config"
	"github.com/stewardflow/stewardflow/internal/infrastructure/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	appName    = "stewardflow"
	appVersion = "0.1.0"
)

func main() {
	root := &cobra.Command{
		Use:   appName,
		Short: "Agent orchestration engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP + WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}

	root.AddCommand(serveCmd, versionCmd, configCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logOutput := cfg.Log.Output
	if logOutput == "" {
		logOutput = "stdout"
	}
	log, logLevel, err := logger.NewLoggerWithLevel(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: logOutput,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting StewardFlow",
		zap.String("name", appName),
		zap.String("version", appVersion),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := application.NewApp(cfg, log, logLevel)
	if err != nil {
		log.Error("Failed to initialize application", zap.Error(err))
		return err
	}

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start application", zap.Error(err))
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Application stopped successfully")
	return nil
}
