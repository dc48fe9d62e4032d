package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// Export writes the run's table as a single tab separated artifact with a
// header line, then removes the intermediate shards.
func (c *Controller) Export(ctx context.Context, msg models.Message) error {
	logCtx := c.log.With("runId", msg.Attributes[models.AttrRunID], "table", msg.Attributes[models.AttrTable], "messageId", msg.ID)
	if !c.fresh(logCtx, msg) {
		return nil
	}
	job, err := c.loadJob(ctx, msg, StateExporting)
	if err != nil {
		return err
	}
	if err := Transition(State(job.State), StateDone); err != nil {
		logCtx.Info("Run is not awaiting export, skipping.", "state", job.State)
		return nil
	}
	if err := c.checkStaleness(ctx, job, StateExporting); err != nil {
		return err
	}

	location := msg.Attributes[models.AttrGCSLocation]
	if location == "" {
		location = c.cfg.ExportPrefix
	}
	fileName := msg.Attributes[models.AttrFileName]
	if fileName == "" {
		fileName = ExportFileName(job.Table)
	}
	names := newExportNames(location, fileName)
	logCtx = logCtx.With("artifact", names.artifact)

	exists, err := c.exports.Exists(ctx, names.artifact)
	if err != nil {
		return fmt.Errorf("failed to check for %s: %w", names.artifact, err)
	}
	if exists {
		return c.fail(ctx, job, StateExporting,
			fmt.Sprintf("%s already exists, remove it and retry", names.artifact), ErrArtifactExists)
	}

	logCtx.Info("Extracting table to shards.", "prefix", names.shardPrefix)
	if err := c.sink.ExtractToShards(ctx, job.Table, names.shardPrefix); err != nil {
		return fmt.Errorf("failed to extract %s: %w", job.Table, err)
	}
	if err := c.exports.Write(ctx, names.header, headerLine()); err != nil {
		return fmt.Errorf("failed to write header %s: %w", names.header, err)
	}

	listed, err := c.exports.List(ctx, names.shardPrefix)
	if err != nil {
		return fmt.Errorf("failed to list shards of %s: %w", names.shardPrefix, err)
	}
	shards := names.shards(listed)
	srcs := append([]string{names.header}, shards...)
	if err := c.exports.Compose(ctx, names.artifact, srcs); err != nil {
		return fmt.Errorf("failed to compose %s from %d shards: %w", names.artifact, len(shards), err)
	}

	if err := c.exports.Remove(ctx, srcs...); err != nil {
		logCtx.Warn("Failed to remove intermediate shards.", "error", err)
	}

	if err := c.advance(ctx, job, StateDone); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}
	logCtx.Info("Export complete.", "shards", len(shards))
	return nil
}
