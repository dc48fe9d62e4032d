package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// ObjectStore holds source documents, unpacked files and export artifacts.
// Names are slash-separated keys relative to the store's root.
type ObjectStore interface {
	List(ctx context.Context, prefix string) ([]string, error)
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Write(ctx context.Context, name string, data []byte) error
	Exists(ctx context.Context, name string) (bool, error)
	Remove(ctx context.Context, names ...string) error
	// Compose concatenates srcs, in order, into dst.
	Compose(ctx context.Context, dst string, srcs []string) error
}

// TableSink is the persistent table the pipeline writes into.
type TableSink interface {
	// CreateTable creates the table with the canonical schema. It returns an
	// error wrapping ErrTableExists when the table is already present.
	CreateTable(ctx context.Context, table string) error
	AppendRows(ctx context.Context, table string, rows []models.FlatRow) error
	// CountProcessed returns the number of distinct documents written to the table.
	CountProcessed(ctx context.Context, table string) (int64, error)
	// ExtractToShards writes the table, tab separated and without a header,
	// to objects named prefix followed by a zero-padded ordinal and ".csv".
	ExtractToShards(ctx context.Context, table, prefix string) error
}

// Publisher delivers a message to a topic at least once.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg models.Message) error
}

// Scheduler delivers a message to a topic after a delay.
type Scheduler interface {
	Schedule(ctx context.Context, topic string, msg models.Message, delay time.Duration) error
}

// JobStore persists PipelineJob records by run id.
type JobStore interface {
	Save(ctx context.Context, job *models.PipelineJob) error
	// Get returns an error wrapping ErrJobNotFound for unknown run ids.
	Get(ctx context.Context, runID string) (*models.PipelineJob, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
