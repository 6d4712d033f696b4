package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ekidata-stamp-crawler/internal/id/uuid"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.Logger().Info("migrations applied")
			return nil
		},
	}
}

type discoverOutput struct {
	IndexURL string   `json:"index_url"`
	Found    int      `json:"found"`
	URLs     []string `json:"urls"`
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover [index-url...]",
		Short: "Enqueue every station page linked from the index pages",
		Long: `Fetches each index page and enqueues its station detail links. With no
arguments the crawler.index_urls from config are used.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			indexURLs := args
			if len(indexURLs) == 0 {
				indexURLs = a.Config().Crawler.IndexURLs
			}
			if len(indexURLs) == 0 {
				return errors.New("no index URLs given and crawler.index_urls is empty")
			}
			out := make([]discoverOutput, 0, len(indexURLs))
			for _, indexURL := range indexURLs {
				urls, err := a.Runner().DiscoverURLs(cmd.Context(), indexURL)
				if err != nil {
					return err
				}
				out = append(out, discoverOutput{IndexURL: indexURL, Found: len(urls), URLs: urls})
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
}

func newRunCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process eligible jobs until none remain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			r := a.Runner()
			if once {
				result, err := r.RunBatch(cmd.Context(), a.Config().Crawler.BatchSize)
				if err != nil && !interrupted(err) {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			}
			completed, err := r.RunUntilEmpty(cmd.Context())
			if interrupted(err) {
				a.Logger().Info("run interrupted", zap.Int("completed", completed))
				return nil
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int{"completed": completed})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process a single batch and exit")
	cmd.Flags().Int("batch-size", 0, "jobs leased per batch (overrides crawler.batch_size)")
	return cmd
}

func newScheduleCmd() *cobra.Command {
	var expr string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run a crawl cycle now and then on a cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Runner().RunWithSchedule(cmd.Context(), expr); err != nil {
				return fmt.Errorf("schedule: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expr, "cron", "", "cron expression (overrides crawler.schedule)")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Jobs().Stats(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <job-id>...",
		Short: "Return jobs to pending with a clean attempt history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range args {
				if !uuid.Valid(id) {
					return fmt.Errorf("job id %q is not a UUID", id)
				}
			}
			for _, id := range args {
				if err := a.Jobs().Reset(cmd.Context(), id); err != nil {
					return err
				}
				a.Logger().Info("job reset", zap.String("job_id", id))
			}
			return nil
		},
	}
}

func newMatchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Match completed pages to stations and store their stamps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := a.Ingester().IngestCompleted(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum pages to ingest (0 means all)")
	return cmd
}
