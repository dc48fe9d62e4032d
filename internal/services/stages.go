package services

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/xbrlflow/internal/config"
	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

// Handler runs one pipeline stage for a message.
type Handler func(ctx context.Context, msg models.Message) error

// StageFunction is a Cloud Function running one pipeline stage.
type StageFunction struct {
	name   string
	handle Handler
}

// NewStageFunction returns a function delegating to handle.
func NewStageFunction(name string, handle Handler) *StageFunction {
	return &StageFunction{name: name, handle: handle}
}

func newStage(ctx context.Context, name string, pick func(*pipeline.Controller) Handler) (*StageFunction, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	ctl, err := newController(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Stage function initialized.", "function", name, "projectId", cfg.ProjectID, "dataset", cfg.Dataset)
	return NewStageFunction(name, pick(ctl)), nil
}

// NewArchiveLister starts runs for zip archives landing in the source bucket.
func NewArchiveLister(ctx context.Context) (*StageFunction, error) {
	return newStage(ctx, "archive-lister", func(ctl *pipeline.Controller) Handler {
		return archivesOnly(ctl.DiscoverArchive)
	})
}

// NewBatchFiles starts runs over directories named in Pub/Sub messages.
func NewBatchFiles(ctx context.Context) (*StageFunction, error) {
	return newStage(ctx, "batch-files", func(ctl *pipeline.Controller) Handler { return ctl.DiscoverDirectory })
}

// NewUnpacker unpacks batches of archive entries.
func NewUnpacker(ctx context.Context) (*StageFunction, error) {
	return newStage(ctx, "xbrl-unpacker", func(ctl *pipeline.Controller) Handler { return ctl.Unpack })
}

// NewParser parses batches of documents into the run's table.
func NewParser(ctx context.Context) (*StageFunction, error) {
	return newStage(ctx, "xbrl-parser", func(ctl *pipeline.Controller) Handler { return ctl.Parse })
}

// NewVerifier checks runs for completion.
func NewVerifier(ctx context.Context) (*StageFunction, error) {
	return newStage(ctx, "pipeline-verifier", func(ctl *pipeline.Controller) Handler { return ctl.Verify })
}

// NewExporter writes a verified run's table to the export bucket.
func NewExporter(ctx context.Context) (*StageFunction, error) {
	return newStage(ctx, "table-exporter", func(ctl *pipeline.Controller) Handler { return ctl.Export })
}

// archivesOnly ignores notifications for objects that are not zip archives.
func archivesOnly(next Handler) Handler {
	return func(ctx context.Context, msg models.Message) error {
		name := msg.Attributes[models.AttrZipPath]
		if !strings.EqualFold(path.Ext(name), ".zip") {
			slog.Info("Object is not a zip archive, skipping.", "object", name)
			return nil
		}
		return next(ctx, msg)
	}
}

// Process decodes the event and runs the stage. Fatal pipeline errors are
// logged and acknowledged: the run is already marked FAILED and a redelivery
// would only fail again.
func (f *StageFunction) Process(ctx context.Context, e cloudevents.Event) error {
	msg, err := decodeMessage(e)
	if err != nil {
		slog.Error("Failed to unmarshal event data", "function", f.name, "error", err, "data", string(e.Data()))
		return err
	}
	logCtx := slog.With("function", f.name, "eventId", e.ID(), "messageId", msg.ID)

	if err := f.handle(ctx, msg); err != nil {
		if pipeline.IsFatal(err) {
			logCtx.Error("Pipeline run failed, acknowledging event.", "error", err)
			return nil
		}
		logCtx.Error("Stage failed, event will be redelivered.", "error", err)
		return err
	}
	return nil
}
