package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreJobStore keeps one document per pipeline run.
type FirestoreJobStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreJobStore returns a job store writing to collection.
func NewFirestoreJobStore(client *firestore.Client, collection string) *FirestoreJobStore {
	return &FirestoreJobStore{client: client, collection: collection}
}

// Save overwrites the run's document.
func (s *FirestoreJobStore) Save(ctx context.Context, job *models.PipelineJob) error {
	if _, err := s.client.Collection(s.collection).Doc(job.RunID).Set(ctx, job); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.RunID, err)
	}
	return nil
}

// Get loads a run's document.
func (s *FirestoreJobStore) Get(ctx context.Context, runID string) (*models.PipelineJob, error) {
	snap, err := s.client.Collection(s.collection).Doc(runID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("job %s: %w", runID, pipeline.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", runID, err)
	}
	var job models.PipelineJob
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", runID, err)
	}
	return &job, nil
}
