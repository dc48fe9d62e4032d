package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/xbrlflow/internal/local"
)

var jobsLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List local pipeline runs, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := local.OpenDB(ctx, appConfig.Local.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		store, err := local.NewDuckDBJobStore(ctx, db)
		if err != nil {
			return err
		}
		all, err := store.List(ctx)
		if err != nil {
			return err
		}
		if jobsLimit > 0 && len(all) > jobsLimit {
			all = all[:jobsLimit]
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATE\tTABLE\tDOCUMENTS\tRETRIES\tUPDATED\tERROR")
		for _, job := range all {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\t%s\n",
				job.RunID, job.State, job.Table, job.ProcessedCount, job.ExpectedFileCount,
				job.RetryCount, humanize.RelTime(job.UpdatedAt, time.Now(), "ago", "from now"), job.LastError)
		}
		return w.Flush()
	},
}

func init() {
	jobsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Maximum number of runs to list")
}
