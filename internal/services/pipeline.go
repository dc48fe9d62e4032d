package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/xbrlflow/internal/batch"
	"github.com/Lllllllleong/xbrlflow/internal/config"
	"github.com/Lllllllleong/xbrlflow/internal/gcp"
	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

// CloudEvent types the stage functions accept.
const (
	PubSubPublishedEvent  = "google.cloud.pubsub.topic.v1.messagePublished"
	StorageFinalizedEvent = "google.cloud.storage.object.v1.finalized"
)

// GCSEvent is the payload of a Cloud Storage object notification.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// newController wires a pipeline controller to the GCP services named by cfg.
func newController(ctx context.Context, cfg *config.Config) (*pipeline.Controller, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if cfg.SourceBucket == "" {
		return nil, fmt.Errorf("SOURCE_BUCKET environment variable must be set")
	}
	if cfg.ExportBucket == "" {
		cfg.ExportBucket = cfg.SourceBucket
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	bqClient, err := bigquery.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create BigQuery client: %w", err)
	}
	pubsubClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	executionsClient, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}

	sink, err := gcp.NewBigQuerySink(bqClient, cfg.ExportBucket)
	if err != nil {
		return nil, err
	}
	ctl, err := pipeline.New(cfg.PipelineConfig(), pipeline.Deps{
		Objects:   gcp.NewGCSStore(storageClient, cfg.SourceBucket),
		Exports:   gcp.NewGCSStore(storageClient, cfg.ExportBucket),
		Sink:      sink,
		Publisher: gcp.NewPubSubPublisher(pubsubClient),
		Scheduler: gcp.NewWorkflowScheduler(executionsClient, cfg.ProjectID, cfg.WorkflowLocation, cfg.WorkflowID),
		Jobs:      gcp.NewFirestoreJobStore(firestoreClient, cfg.JobsCollection),
		Memory:    batch.SystemMemory{},
		Logger:    slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	return ctl, nil
}

// decodeMessage turns a Pub/Sub push or a Cloud Storage notification into a
// pipeline message. A storage notification names its object in the zip_path
// attribute.
func decodeMessage(e cloudevents.Event) (models.Message, error) {
	switch e.Type() {
	case StorageFinalizedEvent:
		var obj GCSEvent
		if err := json.Unmarshal(e.Data(), &obj); err != nil {
			return models.Message{}, fmt.Errorf("json.Unmarshal: %w", err)
		}
		return models.Message{
			ID:          e.ID(),
			PublishTime: e.Time(),
			Attributes:  map[string]string{models.AttrZipPath: obj.Name},
		}, nil
	default:
		var data models.MessagePublishedData
		if err := json.Unmarshal(e.Data(), &data); err != nil {
			return models.Message{}, fmt.Errorf("json.Unmarshal: %w", err)
		}
		msg := data.ToMessage()
		if msg.ID == "" {
			msg.ID = e.ID()
		}
		if msg.PublishTime.IsZero() {
			msg.PublishTime = e.Time()
		}
		if msg.Attributes == nil {
			msg.Attributes = map[string]string{}
		}
		return msg, nil
	}
}
