package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"answercore/internal/config"
	"answercore/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "answerd",
	Short: "answercore - retrieval-augmented support answering service",
	Long: `answerd runs the answercore service: a retrieval-augmented
conversational answering engine for customer support. Questions flow
through a staged pipeline (guardrails, dialog analysis, hybrid
retrieval, rerank, state machine, generation) backed by SQLite, Redis
and pluggable model providers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		if err := logging.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return err
		}
		logger = logging.L()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults apply when unset)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (json|console)")
}

func main() {
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
