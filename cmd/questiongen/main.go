package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sqe-prep/backend/internal/config"
	"github.com/sqe-prep/backend/internal/database"
	"github.com/sqe-prep/backend/internal/logger"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "questiongen",
	Short: "Generate exam-style multiple-choice questions from indexed study material",
	Long: `questiongen drives the generation scheduler from the command line.

Typical flow:
  questiongen migrate
  questiongen vectorize ./materials/contract --subject Contract
  questiongen generate Contract --count 40`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		log, err = logger.New(cfg.Log.Mode, verbose || cfg.Log.Verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(generateCmd, topicsCmd, vectorizeCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// openDB connects and applies pending migrations.
func openDB() (*sql.DB, error) {
	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db, log); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
