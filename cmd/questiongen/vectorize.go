package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqe-prep/backend/internal/bootstrap"
	"github.com/sqe-prep/backend/internal/database"
)

var (
	vecSubject string
	vecForce   bool
)

var vectorizeCmd = &cobra.Command{
	Use:   "vectorize DIR",
	Short: "Chunk, embed and index the study material under DIR",
	Long: `Walks DIR for .pdf, .txt and .md files and indexes them under --subject.
Files whose checksum is unchanged since the last run are skipped unless
--force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dir := args[0]
		if strings.TrimSpace(vecSubject) == "" {
			return fmt.Errorf("--subject is required")
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}

		ret, err := bootstrap.NewRetrieval(ctx, cfg.Retrieval, log)
		if err != nil {
			return err
		}
		defer ret.Close()

		stats, err := ret.Ingestor(cfg.Retrieval, vecForce, log).IngestDir(ctx, strings.TrimSpace(vecSubject), dir)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d files (%d unchanged), %d chunks\n",
			stats.Files, stats.Skipped, stats.Chunks)
		return nil
	},
}

func init() {
	vectorizeCmd.Flags().StringVarP(&vecSubject, "subject", "s", "", "subject the material belongs to")
	vectorizeCmd.Flags().BoolVar(&vecForce, "force", false, "re-index unchanged files")
}

var migrateDown int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations (or roll back with --down)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.Connect(cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		if migrateDown > 0 {
			return database.MigrateDown(db, migrateDown, log)
		}
		return database.Migrate(db, log)
	},
}

func init() {
	migrateCmd.Flags().IntVar(&migrateDown, "down", 0, "roll back this many migrations")
}
