package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// Verified reports whether enough documents were processed for the run to pass.
// The comparison is inclusive.
func Verified(processed int64, expected int, tolerance float64) bool {
	return float64(processed) >= float64(expected)*(1-tolerance)
}

// Verify checks a run for completion. A passing run is handed to export; a
// short run waits and is checked again until its retries are exhausted.
func (c *Controller) Verify(ctx context.Context, msg models.Message) error {
	logCtx := c.log.With("runId", msg.Attributes[models.AttrRunID], "table", msg.Attributes[models.AttrTable], "messageId", msg.ID)
	if !c.fresh(logCtx, msg) {
		return nil
	}
	job, err := c.loadJob(ctx, msg, StateParsing)
	if err != nil {
		return err
	}
	retry, err := msg.IntAttr(models.AttrRetryCount, 0)
	if err != nil {
		return err
	}
	// Each check schedules at most one successor, so an older retry number is a redelivery.
	if retry < job.RetryCount {
		logCtx.Info("Verification already superseded, skipping duplicate.", "retry", retry, "jobRetries", job.RetryCount, "state", job.State)
		return nil
	}

	if State(job.State) == StateUnpacking {
		if err := c.advance(ctx, job, StateParsing); err != nil {
			return err
		}
	}
	if err := c.advance(ctx, job, StateVerifying); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			logCtx.Info("Run is not awaiting verification, skipping.", "state", job.State)
			return nil
		}
		return err
	}

	if err := c.checkStaleness(ctx, job, StateVerifying); err != nil {
		return err
	}

	processed, err := c.sink.CountProcessed(ctx, job.Table)
	if err != nil {
		return fmt.Errorf("failed to count processed documents in %s: %w", job.Table, err)
	}
	job.ProcessedCount = processed
	job.RetryCount = retry

	if Verified(processed, job.ExpectedFileCount, job.ErrorTolerance) {
		logCtx.Info("Verification passed.", "processed", processed, "expected", job.ExpectedFileCount, "retries", retry)
		return c.requestExport(ctx, job)
	}

	retry++
	job.RetryCount = retry
	if retry > job.MaxRetries {
		reason := fmt.Sprintf("processed %d of %d documents (ratio %.4f, tolerance %.4f) after %d retries",
			processed, job.ExpectedFileCount, ratio(processed, job.ExpectedFileCount), job.ErrorTolerance, job.MaxRetries)
		return c.fail(ctx, job, StateVerifying, reason, ErrRetriesExhausted)
	}

	logCtx.Warn("Verification short, waiting before the next check.",
		"processed", processed,
		"expected", job.ExpectedFileCount,
		"retry", retry,
		"maxRetries", job.MaxRetries,
		"backoff", c.cfg.RetryBackoff.String())
	if err := c.advance(ctx, job, StateRetryWait); err != nil {
		return err
	}
	return c.scheduleVerify(ctx, job, retry, c.cfg.RetryBackoff)
}

// checkStaleness fails the run once the time since discovery exceeds the window.
func (c *Controller) checkStaleness(ctx context.Context, job *models.PipelineJob, stage State) error {
	if c.cfg.StalenessWindow <= 0 || job.DiscoveredAt.IsZero() {
		return nil
	}
	age := c.clock.Now().Sub(job.DiscoveredAt)
	if age <= c.cfg.StalenessWindow {
		return nil
	}
	reason := fmt.Sprintf("discovered %s ago, beyond the %s window", age.Round(time.Second), c.cfg.StalenessWindow)
	return c.fail(ctx, job, stage, reason, ErrStale)
}

func (c *Controller) requestExport(ctx context.Context, job *models.PipelineJob) error {
	attrs := jobAttributes(job)
	attrs[models.AttrGCSLocation] = c.cfg.ExportPrefix
	attrs[models.AttrFileName] = ExportFileName(job.Table)
	attrs[models.AttrStage] = string(StateExporting)

	if err := c.advance(ctx, job, StateExporting); err != nil {
		return err
	}
	msg := models.Message{Data: []byte("[]"), Attributes: attrs}
	if err := c.pub.Publish(ctx, c.cfg.Topics.Export, msg); err != nil {
		return fmt.Errorf("failed to request export of %s to %s: %w", job.Table, path.Join(c.cfg.ExportPrefix, attrs[models.AttrFileName]), err)
	}
	return nil
}

func ratio(processed int64, expected int) float64 {
	if expected == 0 {
		return 1
	}
	return float64(processed) / float64(expected)
}
