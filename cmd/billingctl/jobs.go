package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/PortNumber53/classifieds/backend/internal/store"
)

var (
	failedLimit    int
	cleanupOlderBy time.Duration
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the background job queue",
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := store.NewJobStore(current.db)
		if err != nil {
			return err
		}
		stats, err := jobs.GetStats(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("pending %d, processing %d, completed %d, failed %d, total %d\n",
			stats.Pending, stats.Processing, stats.Completed, stats.Failed, stats.Total)
		return nil
	},
}

var jobsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List jobs that exhausted their attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := store.NewJobStore(current.db)
		if err != nil {
			return err
		}
		failed, err := jobs.ListFailedJobs(cmd.Context(), failedLimit)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTYPE\tATTEMPTS\tUPDATED\tERROR")
		for _, j := range failed {
			lastErr := ""
			if j.LastError != nil {
				lastErr = *j.LastError
			}
			fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%s\t%s\n",
				j.ID, j.JobType, j.Attempts, j.MaxAttempts, j.UpdatedAt.Format(time.RFC3339), lastErr)
		}
		return tw.Flush()
	},
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished jobs older than --older-than",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobs, err := store.NewJobStore(current.db)
		if err != nil {
			return err
		}
		removed, err := jobs.CleanupOldJobs(cmd.Context(), cleanupOlderBy)
		if err != nil {
			return err
		}
		cmd.Printf("removed %d jobs\n", removed)
		return nil
	},
}

func init() {
	jobsFailedCmd.Flags().IntVar(&failedLimit, "limit", 50, "maximum jobs to list")
	jobsCleanupCmd.Flags().DurationVar(&cleanupOlderBy, "older-than", 30*24*time.Hour, "minimum age of removed jobs")
	jobsCmd.AddCommand(jobsStatsCmd, jobsFailedCmd, jobsCleanupCmd)
}
