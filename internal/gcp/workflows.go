package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// WorkflowScheduler delays messages by starting a Workflows execution that
// sleeps for the requested delay and then publishes the message. The workflow
// receives the argument documented by delayedPublish.
type WorkflowScheduler struct {
	client *executions.Client
	parent string
}

// delayedPublish is the execution argument.
type delayedPublish struct {
	Topic        string            `json:"topic"`
	DelaySeconds int64             `json:"delaySeconds"`
	Data         []byte            `json:"data"`
	Attributes   map[string]string `json:"attributes"`
}

// NewWorkflowScheduler returns a scheduler starting executions of the given workflow.
func NewWorkflowScheduler(client *executions.Client, projectID, location, workflowID string) *WorkflowScheduler {
	return &WorkflowScheduler{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}
}

// Schedule starts one execution for msg.
func (s *WorkflowScheduler) Schedule(ctx context.Context, topic string, msg models.Message, delay time.Duration) error {
	payload, err := json.Marshal(delayedPublish{
		Topic:        topic,
		DelaySeconds: int64(delay / time.Second),
		Data:         msg.Data,
		Attributes:   msg.Attributes,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: s.parent,
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	}
	if _, err := s.client.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}
