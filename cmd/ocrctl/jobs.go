package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adverant/nexus/ocr-server/internal/storage"
)

var (
	jobsDatabaseURL string
	jobsStatus      []string
	jobsLimit       int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs [task-id]",
	Short: "List recent tasks from the PostgreSQL history, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobs,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsDatabaseURL, "database", envOr("DATABASE_URL", ""), "PostgreSQL URL")
	jobsCmd.Flags().StringSliceVar(&jobsStatus, "status", nil, "Filter by status (processing, completed, failed)")
	jobsCmd.Flags().IntVar(&jobsLimit, "limit", 20, "Maximum rows")
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command, args []string) error {
	if jobsDatabaseURL == "" {
		return fmt.Errorf("--database or DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	db, err := storage.NewPostgresClient(jobsDatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		rec, err := db.GetJobByID(ctx, storage.TaskUUID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "id:          %s\n", rec.ID)
		fmt.Fprintf(out, "status:      %s\n", rec.Status)
		fmt.Fprintf(out, "engine/lang: %s/%s\n", rec.Engine, rec.Language)
		fmt.Fprintf(out, "char_level:  %t  preprocess: %t\n", rec.CharLevel, rec.Preprocess)
		fmt.Fprintf(out, "results:     %d\n", rec.ResultCount)
		if rec.Confidence.Valid {
			fmt.Fprintf(out, "confidence:  %.4f\n", rec.Confidence.Float64)
		}
		if rec.ProcessingTimeMs.Valid {
			fmt.Fprintf(out, "duration:    %dms\n", rec.ProcessingTimeMs.Int64)
		}
		if rec.ErrorMessage.Valid {
			fmt.Fprintf(out, "error:       %s (%s)\n", rec.ErrorMessage.String, rec.ErrorCode.String)
		}
		fmt.Fprintf(out, "updated:     %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
		return nil
	}

	recs, err := db.ListJobs(ctx, jobsStatus, jobsLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tENGINE\tLANG\tRESULTS\tDURATION\tUPDATED")
	for _, r := range recs {
		duration := "-"
		if r.ProcessingTimeMs.Valid {
			duration = fmt.Sprintf("%dms", r.ProcessingTimeMs.Int64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.Status, r.Engine, r.Language, r.ResultCount, duration, r.UpdatedAt.Format("15:04:05"))
	}
	return tw.Flush()
}
