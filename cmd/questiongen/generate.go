package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqe-prep/backend/internal/bootstrap"
	"github.com/sqe-prep/backend/internal/models"
	"github.com/sqe-prep/backend/internal/questions"
	"github.com/sqe-prep/backend/internal/scheduler"
)

var (
	genCount int
	genTopic string
	genQueue bool
)

var generateCmd = &cobra.Command{
	Use:   "generate SUBJECT",
	Short: "Run the generation scheduler for a subject",
	Long: `Generates --count questions for SUBJECT and stores them.

Without --topic the topics are discovered from the model and the existing
question bank. The run report is printed as JSON. A shortfall exits 0;
a service failure exits non-zero after printing the partial report.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req := models.CreateRunRequest{Subject: args[0], Topic: genTopic, Count: genCount}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ret, err := bootstrap.NewRetrieval(ctx, cfg.Retrieval, log)
		if err != nil {
			return err
		}
		defer ret.Close()

		gen, verifier, err := bootstrap.NewGeneration(cfg.Generator, cfg.Scheduler.Exam, log)
		if err != nil {
			return err
		}

		svc := questions.NewService(questions.NewStore(db, cfg.Scheduler.Exam), ret.Searcher, gen, verifier, cfg, log)

		if genQueue {
			run, err := svc.QueueRun(ctx, req, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued run %s\n", run.ID)
			return nil
		}

		report, runErr := svc.RunNow(ctx, req)
		if report != nil {
			if err := printReport(cmd, report); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	generateCmd.Flags().IntVarP(&genCount, "count", "n", 20, "number of questions to generate")
	generateCmd.Flags().StringVarP(&genTopic, "topic", "t", "", "restrict the run to one topic")
	generateCmd.Flags().BoolVar(&genQueue, "queue", false, "queue the run for the server worker instead of running it")
}

func printReport(cmd *cobra.Command, report *scheduler.Report) error {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if !report.Complete {
		fmt.Fprintf(cmd.ErrOrStderr(), "made %d of %d questions in %d attempts\n", report.Made, report.Target, report.Attempts)
	}
	return nil
}

var topicsMax int

var topicsCmd = &cobra.Command{
	Use:   "topics SUBJECT",
	Short: "Show the topics a run for SUBJECT would cover",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		gen, _, err := bootstrap.NewGeneration(cfg.Generator, cfg.Scheduler.Exam, log)
		if err != nil {
			return err
		}

		limit := cfg.Scheduler.MaxTopics
		if topicsMax > 0 {
			limit = topicsMax
		}
		store := questions.NewStore(db, cfg.Scheduler.Exam)
		selector := scheduler.NewTopicSelector(gen, store, limit, cfg.Scheduler.FallbackTopic, log)
		topics, fallback, err := selector.Select(ctx, strings.TrimSpace(args[0]), "")
		if err != nil {
			return err
		}
		for _, t := range topics {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
		if fallback {
			fmt.Fprintln(cmd.ErrOrStderr(), "no topics discovered; items will be labelled by the model")
		}
		return nil
	},
}

func init() {
	topicsCmd.Flags().IntVar(&topicsMax, "max", 0, "maximum number of topics (default from config)")
}
