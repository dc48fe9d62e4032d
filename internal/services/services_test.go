package services

import (
	"context"
	"errors"
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

func newEvent(t *testing.T, typ string, data any) cloudevents.Event {
	t.Helper()
	e := cloudevents.NewEvent()
	e.SetID("evt-1")
	e.SetSource("//pubsub.googleapis.com/projects/proj/topics/xbrl-parse")
	e.SetType(typ)
	e.SetTime(time.Date(2021, 4, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, data))
	return e
}

func TestDecodePubSubMessage(t *testing.T) {
	published := time.Date(2021, 4, 1, 8, 59, 0, 0, time.UTC)
	e := newEvent(t, PubSubPublishedEvent, models.MessagePublishedData{
		Message: models.PubSubMessage{
			Data:        []byte(`["a.html"]`),
			Attributes:  map[string]string{models.AttrRunID: "r1"},
			MessageID:   "m-1",
			PublishTime: published,
		},
		Subscription: "projects/proj/subscriptions/parse",
	})

	msg, err := decodeMessage(e)
	require.NoError(t, err)
	require.Equal(t, "m-1", msg.ID)
	require.True(t, published.Equal(msg.PublishTime))
	require.Equal(t, "r1", msg.Attributes[models.AttrRunID])
	entries, err := models.DecodeEntries(msg.Data)
	require.NoError(t, err)
	require.Equal(t, []string{"a.html"}, entries)
}

func TestDecodePubSubFallsBackToEventIdentity(t *testing.T) {
	e := newEvent(t, PubSubPublishedEvent, models.MessagePublishedData{})
	msg, err := decodeMessage(e)
	require.NoError(t, err)
	require.Equal(t, "evt-1", msg.ID)
	require.Equal(t, e.Time(), msg.PublishTime)
	require.NotNil(t, msg.Attributes)
}

func TestDecodeStorageEvent(t *testing.T) {
	e := newEvent(t, StorageFinalizedEvent, GCSEvent{Bucket: "filings", Name: "Accounts_Monthly_Data-March2021.zip"})
	msg, err := decodeMessage(e)
	require.NoError(t, err)
	require.Equal(t, "evt-1", msg.ID)
	require.Equal(t, "Accounts_Monthly_Data-March2021.zip", msg.Attributes[models.AttrZipPath])
}

func TestProcessAcknowledgesFatalErrors(t *testing.T) {
	e := newEvent(t, PubSubPublishedEvent, models.MessagePublishedData{})

	fatal := NewStageFunction("verify", func(context.Context, models.Message) error {
		return &pipeline.FatalError{Stage: pipeline.StateVerifying, Table: "t", Reason: "stale", Err: pipeline.ErrStale}
	})
	require.NoError(t, fatal.Process(context.Background(), e))

	transient := NewStageFunction("parse", func(context.Context, models.Message) error {
		return errors.New("backend unavailable")
	})
	require.Error(t, transient.Process(context.Background(), e))

	bad := cloudevents.NewEvent()
	bad.SetID("evt-2")
	bad.SetType(PubSubPublishedEvent)
	require.NoError(t, bad.SetData("text/plain", []byte("not json")))
	require.Error(t, transient.Process(context.Background(), bad))
}

func TestArchivesOnly(t *testing.T) {
	calls := 0
	h := archivesOnly(func(context.Context, models.Message) error {
		calls++
		return nil
	})
	ctx := context.Background()
	require.NoError(t, h(ctx, models.Message{Attributes: map[string]string{models.AttrZipPath: "a/readme.txt"}}))
	require.NoError(t, h(ctx, models.Message{Attributes: map[string]string{models.AttrZipPath: "Accounts.ZIP"}}))
	require.Equal(t, 1, calls)
}
