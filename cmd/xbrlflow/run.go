package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Lllllllleong/xbrlflow/internal/batch"
	"github.com/Lllllllleong/xbrlflow/internal/local"
	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

var (
	runDir       string
	runZip       string
	runTable     string
	runTimeScale float64
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline over a directory or zip archive under --data-dir",
	Long: `Runs discovery, unpacking, parsing, verification and export on this machine.
Pass --dir for a directory of filings or --zip for a release archive; both are
paths relative to --data-dir. The export lands in <data-dir>/<export prefix>/.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (runDir == "") == (runZip == "") {
			return errors.New("exactly one of --dir or --zip is required")
		}
		if cmd.Flags().Changed("time-scale") {
			appConfig.Local.TimeScale = runTimeScale
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runLocal(ctx)
	},
}

func runLocal(ctx context.Context) error {
	logger := rootLogger
	cfg := appConfig

	store, err := local.NewFSStore(cfg.Local.DataDir)
	if err != nil {
		return err
	}
	db, err := local.OpenDB(ctx, cfg.Local.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close DuckDB connection cleanly", "error", err)
		}
	}()
	jobs, err := local.NewDuckDBJobStore(ctx, db)
	if err != nil {
		return err
	}

	bus := local.NewBus(logger)
	bus.TimeScale = cfg.Local.TimeScale
	ctl, err := pipeline.New(cfg.PipelineConfig(), pipeline.Deps{
		Objects:   store,
		Sink:      local.NewDuckDBSink(db, store, logger),
		Publisher: bus,
		Scheduler: bus,
		Jobs:      jobs,
		Memory:    batch.SystemMemory{},
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	local.Attach(bus, ctl)

	msg := models.Message{ID: uuid.NewString(), Attributes: map[string]string{}}
	topic := local.TopicDiscoverDirectory
	if runZip != "" {
		topic = local.TopicDiscoverArchive
		msg.Attributes[models.AttrZipPath] = strings.TrimPrefix(runZip, "/")
	} else {
		msg.Attributes[models.AttrDirectory] = strings.TrimPrefix(runDir, "/")
	}
	if runTable != "" {
		msg.Attributes[models.AttrTable] = runTable
	}
	if err := bus.Publish(ctx, topic, msg); err != nil {
		return err
	}

	logger.Info("Starting local run.", "dataDir", cfg.Local.DataDir, "topic", topic, "timeScale", cfg.Local.TimeScale)
	runErr := bus.Run(ctx)

	job, err := jobs.Get(context.WithoutCancel(ctx), pipeline.RunID(msg))
	if err != nil {
		return errors.Join(runErr, err)
	}
	fmt.Printf("run %s: %s, table %s, %d of %d documents, %d retries\n",
		job.RunID, job.State, job.Table, job.ProcessedCount, job.ExpectedFileCount, job.RetryCount)
	if job.LastError != "" {
		fmt.Printf("  %s\n", job.LastError)
	}
	return runErr
}

func init() {
	runCmd.Flags().StringVar(&runDir, "dir", "", "Directory of filings, relative to --data-dir")
	runCmd.Flags().StringVar(&runZip, "zip", "", "Zip archive of filings, relative to --data-dir")
	runCmd.Flags().StringVar(&runTable, "table", "", "Destination table (derived from the directory name by default)")
	runCmd.Flags().Float64Var(&runTimeScale, "time-scale", 0, "Multiplier applied to verification delays (e.g. 0.001)")
}
