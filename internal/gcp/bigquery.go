package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

// BigQuerySink writes filing rows to BigQuery tables named project.dataset.table
// and exports them to a GCS bucket.
type BigQuerySink struct {
	client       *bigquery.Client
	exportBucket string
	schema       bigquery.Schema
}

// NewBigQuerySink returns a sink that exports into exportBucket.
func NewBigQuerySink(client *bigquery.Client, exportBucket string) (*BigQuerySink, error) {
	schema, err := bigquery.InferSchema(models.FlatRow{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer row schema: %w", err)
	}
	return &BigQuerySink{client: client, exportBucket: exportBucket, schema: schema}, nil
}

func (s *BigQuerySink) table(name string) (*bigquery.Table, error) {
	parts := strings.Split(name, ".")
	switch len(parts) {
	case 3:
		return s.client.DatasetInProject(parts[0], parts[1]).Table(parts[2]), nil
	case 2:
		return s.client.Dataset(parts[0]).Table(parts[1]), nil
	default:
		return nil, fmt.Errorf("table name %q is not of the form [project.]dataset.table", name)
	}
}

// CreateTable creates the table. An existing table is reported as pipeline.ErrTableExists.
func (s *BigQuerySink) CreateTable(ctx context.Context, name string) error {
	t, err := s.table(name)
	if err != nil {
		return err
	}
	err = t.Create(ctx, &bigquery.TableMetadata{Schema: s.schema})
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
		return fmt.Errorf("table %s: %w", name, pipeline.ErrTableExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", name, err)
	}
	return nil
}

// AppendRows loads rows with a single load job so they are visible to
// extract jobs as soon as it completes.
func (s *BigQuerySink) AppendRows(ctx context.Context, name string, rows []models.FlatRow) error {
	if len(rows) == 0 {
		return nil
	}
	t, err := s.table(name)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range rows {
		record := make(map[string]any, len(models.Columns))
		for i, v := range r.Values() {
			if ts, ok := v.(time.Time); ok {
				v = ts.UTC().Format(time.RFC3339Nano)
			}
			record[models.Columns[i]] = v
		}
		if err := enc.Encode(record); err != nil {
			return fmt.Errorf("failed to encode row for %s: %w", name, err)
		}
	}

	source := bigquery.NewReaderSource(&buf)
	source.SourceFormat = bigquery.JSON
	source.Schema = s.schema
	loader := t.LoaderFrom(source)
	loader.WriteDisposition = bigquery.WriteAppend
	loader.CreateDisposition = bigquery.CreateNever

	return runJob(ctx, loader, fmt.Sprintf("load %d rows into %s", len(rows), name))
}

// CountProcessed counts the distinct documents in the table.
func (s *BigQuerySink) CountProcessed(ctx context.Context, name string) (int64, error) {
	t, err := s.table(name)
	if err != nil {
		return 0, err
	}
	q := s.client.Query(fmt.Sprintf("SELECT COUNT(DISTINCT doc_name) FROM `%s.%s.%s`", t.ProjectID, t.DatasetID, t.TableID))
	it, err := q.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents in %s: %w", name, err)
	}
	var row []bigquery.Value
	if err := it.Next(&row); err != nil {
		if errors.Is(err, iterator.Done) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read document count for %s: %w", name, err)
	}
	n, ok := row[0].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected count type %T for %s", row[0], name)
	}
	return n, nil
}

// ExtractToShards exports the table as tab separated shards without a header,
// named gs://<bucket>/<prefix>NNNNNNNNNNNN.csv.
func (s *BigQuerySink) ExtractToShards(ctx context.Context, name, prefix string) error {
	t, err := s.table(name)
	if err != nil {
		return err
	}
	ref := bigquery.NewGCSReference(fmt.Sprintf("gs://%s/%s*.csv", s.exportBucket, prefix))
	ref.DestinationFormat = bigquery.CSV
	ref.FieldDelimiter = "\t"
	extractor := t.ExtractorTo(ref)
	extractor.DisableHeader = true

	return runJob(ctx, extractor, fmt.Sprintf("extract %s to gs://%s/%s", name, s.exportBucket, prefix))
}

type jobRunner interface {
	Run(ctx context.Context) (*bigquery.Job, error)
}

func runJob(ctx context.Context, r jobRunner, what string) error {
	job, err := r.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to start job to %s: %w", what, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for job to %s: %w", what, err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job to %s failed: %w", what, err)
	}
	return nil
}
