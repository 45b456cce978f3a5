// Package cli implements bankctl, the operator command line for the ingestion
// and query pipelines.
package cli

import (
	"context"
	"errors"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/bank-rag/backend/internal/app"
	"github.com/bank-rag/backend/pkg/config"
	"github.com/bank-rag/backend/pkg/logger"
)

var (
	configPath string
	tenant     string
	logLevel   string

	application *app.App
)

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	warnColor = color.New(color.FgYellow).SprintFunc()
	errColor  = color.New(color.FgRed).SprintFunc()
	dimColor  = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "bankctl",
	Short: "Operate the banking document RAG pipelines",
	Long: `bankctl ingests banking API documents and answers questions about them
against the same stores the API server uses.`,
	SilenceUsage:      true,
	PersistentPreRunE: openApp,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml when present)")
	rootCmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", "", "tenant id")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
}

// Execute runs the root command and releases the stores it opened.
func Execute() error {
	err := rootCmd.Execute()
	if closeErr := closeApp(); err == nil {
		err = closeErr
	}
	return err
}

func openApp(cmd *cobra.Command, args []string) error {
	if err := closeApp(); err != nil {
		return err
	}
	if tenant == "" {
		return errors.New("--tenant is required")
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logLevel, "console", "stderr"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), time.Minute)
	defer cancel()
	application, err = app.New(ctx, cfg)
	return err
}

func closeApp() error {
	if application == nil {
		return nil
	}
	err := application.Close()
	application = nil
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
