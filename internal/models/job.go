package models

import "time"

// PipelineJob is the status record for one end-to-end run over a directory.
// It is written to Firestore (or the local state DB) on every state change.
type PipelineJob struct {
	RunID             string    `firestore:"runId,omitempty"`
	Table             string    `firestore:"table,omitempty"`
	Directory         string    `firestore:"directory,omitempty"`
	ArchivePath       string    `firestore:"archivePath,omitempty"`
	State             string    `firestore:"state,omitempty"`
	RetryCount        int       `firestore:"retryCount"`
	MaxRetries        int       `firestore:"maxRetries"`
	ExpectedFileCount int       `firestore:"expectedFileCount"`
	ProcessedCount    int64     `firestore:"processedCount"`
	ErrorTolerance    float64   `firestore:"errorTolerance"`
	TableCreated      bool      `firestore:"tableCreated"`
	StartTime         time.Time `firestore:"startTime,omitempty"`
	DiscoveredAt      time.Time `firestore:"discoveredAt,omitempty"`
	UpdatedAt         time.Time `firestore:"updatedAt,omitempty"`
	LastError         string    `firestore:"lastError,omitempty"`
}
