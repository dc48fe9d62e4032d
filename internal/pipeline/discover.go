package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/xbrlflow/internal/batch"
	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// DiscoverDirectory starts a run over every file already present in a directory.
// The message carries the directory and optionally the destination table.
func (c *Controller) DiscoverDirectory(ctx context.Context, msg models.Message) error {
	dir, err := msg.Attr(models.AttrDirectory)
	if err != nil {
		return err
	}
	dir = strings.TrimSuffix(dir, "/")
	logCtx := c.log.With("directory", dir, "messageId", msg.ID)
	if !c.fresh(logCtx, msg) {
		return nil
	}

	job, started, err := c.startJob(ctx, logCtx, msg, dir, "")
	if err != nil || !started {
		return err
	}
	logCtx = logCtx.With("runId", job.RunID, "table", job.Table)

	files, err := c.objects.List(ctx, dir+"/")
	if err != nil {
		return fmt.Errorf("failed to list files in %s: %w", dir, err)
	}
	logCtx.Info("Discovered files to parse.", "fileCount", len(files))

	return c.dispatch(ctx, logCtx, job, files, StateParsing, c.cfg.Topics.Parse, c.cfg.BatchSize, nil)
}

// DiscoverArchive starts a run over the entries of a zip archive. The entries
// are unpacked next to the archive, into a directory that must not yet exist.
func (c *Controller) DiscoverArchive(ctx context.Context, msg models.Message) error {
	zipPath, err := msg.Attr(models.AttrZipPath)
	if err != nil {
		return err
	}
	dir := strings.TrimSuffix(msg.Attributes[models.AttrDirectory], "/")
	if dir == "" {
		dir = UnpackDirectory(zipPath)
	}
	logCtx := c.log.With("zipPath", zipPath, "directory", dir, "messageId", msg.ID)
	if !c.fresh(logCtx, msg) {
		return nil
	}

	job, started, err := c.startJob(ctx, logCtx, msg, dir, zipPath)
	if err != nil || !started {
		return err
	}
	logCtx = logCtx.With("runId", job.RunID, "table", job.Table)

	if !job.TableCreated {
		existing, err := c.objects.List(ctx, dir+"/")
		if err != nil {
			return fmt.Errorf("failed to check unpack destination %s: %w", dir, err)
		}
		if len(existing) > 0 {
			return c.fail(ctx, job, StateDiscovering,
				fmt.Sprintf("directory %s already holds %d files, remove it and retry", dir, len(existing)),
				ErrDestinationExists)
		}
	}

	archive, err := c.openArchive(ctx, zipPath)
	if err != nil {
		return err
	}
	var entries []string
	for _, f := range archive.File {
		if !f.FileInfo().IsDir() {
			entries = append(entries, f.Name)
		}
	}
	logCtx.Info("Discovered archive entries to unpack.", "entryCount", len(entries))

	extra := map[string]string{models.AttrZipPath: zipPath}
	return c.dispatch(ctx, logCtx, job, entries, StateUnpacking, c.cfg.Topics.Unpack, c.cfg.UnpackBatchSize, extra)
}

// startJob creates the job for a discovery message. started is false when a
// redelivery of the message finds its run already past discovery.
func (c *Controller) startJob(ctx context.Context, logCtx *slog.Logger, msg models.Message, dir, zipPath string) (*models.PipelineJob, bool, error) {
	id := RunID(msg)
	job, err := c.jobs.Get(ctx, id)
	switch {
	case err == nil && State(job.State) != StateDiscovering:
		logCtx.Info("Discovery already handled for this message, skipping.", "runId", id, "state", job.State)
		return nil, false, nil
	case err == nil:
		return job, true, nil
	case !errors.Is(err, ErrJobNotFound):
		return nil, false, fmt.Errorf("failed to look up job %s: %w", id, err)
	}

	table := msg.Attributes[models.AttrTable]
	if table == "" {
		table = TableName(c.cfg.Project, c.cfg.Dataset, dir)
	}
	now := c.clock.Now()
	job = &models.PipelineJob{
		RunID:          id,
		Table:          table,
		Directory:      dir,
		ArchivePath:    zipPath,
		State:          string(StateDiscovering),
		MaxRetries:     c.cfg.MaxRetries,
		ErrorTolerance: c.cfg.ErrorTolerance,
		StartTime:      now,
		DiscoveredAt:   now,
		UpdatedAt:      now,
	}
	if t, err := msg.TimeAttr(models.AttrStartTime); err == nil {
		job.StartTime = t
	}
	if err := c.jobs.Save(ctx, job); err != nil {
		return nil, false, fmt.Errorf("failed to create job %s: %w", id, err)
	}
	return job, true, nil
}

// dispatch creates the destination table, fans the entries out as batches and
// schedules the first verification.
func (c *Controller) dispatch(ctx context.Context, logCtx *slog.Logger, job *models.PipelineJob, entries []string, next State, topic string, size int, extra map[string]string) error {
	job.ExpectedFileCount = len(entries)
	if len(entries) == 0 {
		logCtx.Warn("Nothing to process, the run will export an empty table.")
	}

	if !job.TableCreated {
		if err := c.sink.CreateTable(ctx, job.Table); err != nil {
			if errors.Is(err, ErrTableExists) {
				return c.fail(ctx, job, StateDiscovering, "destination table was created by an earlier run", err)
			}
			return fmt.Errorf("failed to create table %s: %w", job.Table, err)
		}
		job.TableCreated = true
		if err := c.jobs.Save(ctx, job); err != nil {
			return fmt.Errorf("failed to record table creation for %s: %w", job.Table, err)
		}
		logCtx.Info("Created destination table.")
	}

	batches, err := batch.Partition(entries, size, job.Table, job.Directory)
	if err != nil {
		return err
	}
	if err := c.publishBatches(ctx, topic, job, batches, extra); err != nil {
		return err
	}
	if err := c.advance(ctx, job, next); err != nil {
		return err
	}
	if err := c.scheduleVerify(ctx, job, 0, c.cfg.VerifyDelay); err != nil {
		return err
	}
	logCtx.Info("Dispatched batches.", "batchCount", len(batches), "topic", topic, "expectedFiles", job.ExpectedFileCount)
	return nil
}
