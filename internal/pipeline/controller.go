package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Lllllllleong/xbrlflow/internal/batch"
	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/xbrl"
)

// Topics names the message channels between the stages.
type Topics struct {
	Unpack string
	Parse  string
	Verify string
	Export string
}

// Config holds every tunable of a pipeline run.
type Config struct {
	Project string
	Dataset string
	Topics  Topics

	BatchSize         int
	UnpackBatchSize   int
	UnpackConcurrency int

	MaxRetries      int
	ErrorTolerance  float64
	VerifyDelay     time.Duration
	RetryBackoff    time.Duration
	StalenessWindow time.Duration
	MaxEventAge     time.Duration

	ExportPrefix string

	MinFacts        int
	FlushThreshold  int
	Workers         int
	MemoryHighWater float64
	MemoryBackoff   time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Topics: Topics{
			Unpack: "xbrl-unpack",
			Parse:  "xbrl-parse",
			Verify: "xbrl-verify",
			Export: "xbrl-export",
		},
		BatchSize:         batch.DefaultBatchSize,
		UnpackBatchSize:   batch.DefaultBatchSize,
		UnpackConcurrency: 8,
		MaxRetries:        3,
		ErrorTolerance:    0.01,
		VerifyDelay:       10 * time.Minute,
		RetryBackoff:      5 * time.Minute,
		StalenessWindow:   30 * time.Minute,
		MaxEventAge:       900 * time.Second,
		ExportPrefix:      "exports",
		MinFacts:          xbrl.DefaultMinFacts,
		FlushThreshold:    batch.DefaultFlushThreshold,
		MemoryHighWater:   85,
		MemoryBackoff:     30 * time.Second,
	}
}

// Deps are the collaborators a Controller drives.
type Deps struct {
	Objects   ObjectStore
	Exports   ObjectStore
	Sink      TableSink
	Publisher Publisher
	Scheduler Scheduler
	Jobs      JobStore
	Clock     Clock
	Memory    batch.MemoryMonitor
	Logger    *slog.Logger
}

// Controller moves pipeline runs through their states. Every operation is
// triggered by one inbound message and is safe to invoke more than once for
// the same message.
type Controller struct {
	cfg     Config
	objects ObjectStore
	exports ObjectStore
	sink    TableSink
	pub     Publisher
	sched   Scheduler
	jobs    JobStore
	clock   Clock
	memory  batch.MemoryMonitor
	parser  *xbrl.Parser
	pool    batch.Pool
	log     *slog.Logger
}

// New returns a Controller. Exports defaults to Objects and Clock to the wall clock.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Objects == nil || deps.Sink == nil || deps.Publisher == nil || deps.Scheduler == nil || deps.Jobs == nil {
		return nil, errors.New("pipeline requires an object store, table sink, publisher, scheduler and job store")
	}
	if cfg.BatchSize <= 0 || cfg.UnpackBatchSize <= 0 {
		return nil, fmt.Errorf("batch sizes must be positive, got %d and %d", cfg.BatchSize, cfg.UnpackBatchSize)
	}
	if cfg.ErrorTolerance < 0 || cfg.ErrorTolerance >= 1 {
		return nil, fmt.Errorf("error tolerance must be in [0, 1), got %v", cfg.ErrorTolerance)
	}
	if deps.Exports == nil {
		deps.Exports = deps.Objects
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.UnpackConcurrency <= 0 {
		cfg.UnpackConcurrency = 1
	}
	return &Controller{
		cfg:     cfg,
		objects: deps.Objects,
		exports: deps.Exports,
		sink:    deps.Sink,
		pub:     deps.Publisher,
		sched:   deps.Scheduler,
		jobs:    deps.Jobs,
		clock:   deps.Clock,
		memory:  deps.Memory,
		parser:  xbrl.NewParser(cfg.MinFacts),
		pool:    batch.NewPool(cfg.Workers),
		log:     deps.Logger,
	}, nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config { return c.cfg }

// fresh reports whether msg is young enough to act on. Messages without a
// publish time are treated as fresh.
func (c *Controller) fresh(logCtx *slog.Logger, msg models.Message) bool {
	if msg.PublishTime.IsZero() || c.cfg.MaxEventAge <= 0 {
		return true
	}
	age := c.clock.Now().Sub(msg.PublishTime)
	if age > c.cfg.MaxEventAge {
		logCtx.Warn("Dropping message older than the maximum event age.",
			"messageId", msg.ID, "age", age.String(), "maxAge", c.cfg.MaxEventAge.String())
		return false
	}
	return true
}

// RunID is the run started by a discovery message. It is stable across
// redeliveries of the message.
func RunID(msg models.Message) string {
	if msg.ID != "" {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(msg.ID)).String()
	}
	return uuid.NewString()
}

// loadJob returns the job a message belongs to. When the store has no record
// the job is rebuilt from the message attributes in the given state.
func (c *Controller) loadJob(ctx context.Context, msg models.Message, state State) (*models.PipelineJob, error) {
	id, err := msg.Attr(models.AttrRunID)
	if err != nil {
		return nil, err
	}
	job, err := c.jobs.Get(ctx, id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrJobNotFound) {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	job = &models.PipelineJob{
		RunID:          id,
		Table:          msg.Attributes[models.AttrTable],
		Directory:      msg.Attributes[models.AttrDirectory],
		ArchivePath:    msg.Attributes[models.AttrZipPath],
		State:          string(state),
		MaxRetries:     c.cfg.MaxRetries,
		ErrorTolerance: c.cfg.ErrorTolerance,
	}
	if job.ExpectedFileCount, err = msg.IntAttr(models.AttrExpectedCount, 0); err != nil {
		return nil, err
	}
	if t, err := msg.TimeAttr(models.AttrDiscoveredAt); err == nil {
		job.DiscoveredAt = t
	}
	if t, err := msg.TimeAttr(models.AttrStartTime); err == nil {
		job.StartTime = t
	}
	return job, nil
}

// advance moves job to the given state and persists it.
func (c *Controller) advance(ctx context.Context, job *models.PipelineJob, to State) error {
	if err := Transition(State(job.State), to); err != nil {
		return err
	}
	job.State = string(to)
	job.UpdatedAt = c.clock.Now()
	if err := c.jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("failed to save job %s in state %s: %w", job.RunID, to, err)
	}
	return nil
}

// fail marks the job FAILED and returns the fatal error describing why.
func (c *Controller) fail(ctx context.Context, job *models.PipelineJob, stage State, reason string, cause error) error {
	fe := &FatalError{Stage: stage, Table: job.Table, Reason: reason, Err: cause}
	c.log.Error("Pipeline run failed.", "runId", job.RunID, "table", job.Table, "stage", stage, "error", fe)

	job.State = string(StateFailed)
	job.LastError = fe.Error()
	job.UpdatedAt = c.clock.Now()
	if err := c.jobs.Save(ctx, job); err != nil {
		c.log.Error("CRITICAL: failed to record FAILED state.", "runId", job.RunID, "error", err)
	}
	return fe
}

// jobAttributes are carried on every message of a run.
func jobAttributes(job *models.PipelineJob) map[string]string {
	attrs := map[string]string{
		models.AttrRunID:         job.RunID,
		models.AttrTable:         job.Table,
		models.AttrDirectory:     job.Directory,
		models.AttrStartTime:     models.FormatTime(job.StartTime),
		models.AttrDiscoveredAt:  models.FormatTime(job.DiscoveredAt),
		models.AttrExpectedCount: strconv.Itoa(job.ExpectedFileCount),
	}
	if job.ArchivePath != "" {
		attrs[models.AttrZipPath] = job.ArchivePath
	}
	return attrs
}

// publishBatches sends every batch as its own message on topic.
func (c *Controller) publishBatches(ctx context.Context, topic string, job *models.PipelineJob, batches []models.Batch, extra map[string]string) error {
	for _, b := range batches {
		data, err := models.EncodeEntries(b.Entries)
		if err != nil {
			return err
		}
		attrs := jobAttributes(job)
		for k, v := range extra {
			attrs[k] = v
		}
		if err := c.pub.Publish(ctx, topic, models.Message{Data: data, Attributes: attrs}); err != nil {
			return fmt.Errorf("failed to publish batch %d to %s: %w", b.Index, topic, err)
		}
	}
	return nil
}

// scheduleVerify arranges the next completion check for a run.
func (c *Controller) scheduleVerify(ctx context.Context, job *models.PipelineJob, retry int, delay time.Duration) error {
	attrs := jobAttributes(job)
	attrs[models.AttrRetryCount] = strconv.Itoa(retry)
	msg := models.Message{Data: []byte("[]"), Attributes: attrs}
	if err := c.sched.Schedule(ctx, c.cfg.Topics.Verify, msg, delay); err != nil {
		return fmt.Errorf("failed to schedule verification for %s: %w", job.Table, err)
	}
	return nil
}
