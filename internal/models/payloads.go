package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// These types describe the Pub/Sub messages passed between the pipeline
// functions. The payload is always a JSON list of entry names; everything
// else travels as message attributes.

// Attribute keys used on pipeline messages.
const (
	AttrDirectory     = "xbrl_directory"
	AttrZipPath       = "zip_path"
	AttrTable         = "table_export"
	AttrRunID         = "run_id"
	AttrRetryCount    = "retry_count"
	AttrStartTime     = "start_time"
	AttrDiscoveredAt  = "discovered_at"
	AttrExpectedCount = "expected_count"
	AttrTest          = "test"
	AttrGCSLocation   = "gcs_location"
	AttrFileName      = "file_name"
	AttrStage         = "stage"
)

// Message is one at-least-once delivery on the message channel.
type Message struct {
	Data        []byte
	Attributes  map[string]string
	ID          string
	PublishTime time.Time
}

// PubSubMessage is the message body of a Pub/Sub push delivered as a CloudEvent.
type PubSubMessage struct {
	Data        []byte            `json:"data"`
	Attributes  map[string]string `json:"attributes"`
	MessageID   string            `json:"messageId"`
	PublishTime time.Time         `json:"publishTime"`
}

// MessagePublishedData is the CloudEvent data for google.cloud.pubsub.topic.v1.messagePublished.
type MessagePublishedData struct {
	Message      PubSubMessage `json:"message"`
	Subscription string        `json:"subscription"`
}

// ToMessage converts the push payload into the pipeline's message type.
func (d MessagePublishedData) ToMessage() Message {
	return Message{
		Data:        d.Message.Data,
		Attributes:  d.Message.Attributes,
		ID:          d.Message.MessageID,
		PublishTime: d.Message.PublishTime,
	}
}

// EncodeEntries encodes a list of entry names as a message payload.
func EncodeEntries(entries []string) ([]byte, error) {
	if entries == nil {
		entries = []string{}
	}
	return json.Marshal(entries)
}

// DecodeEntries decodes a message payload into a list of entry names.
func DecodeEntries(data []byte) ([]string, error) {
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode entry list: %w", err)
	}
	return entries, nil
}

// Attr returns a required attribute.
func (m Message) Attr(key string) (string, error) {
	v, ok := m.Attributes[key]
	if !ok || v == "" {
		return "", fmt.Errorf("message attribute %q is missing", key)
	}
	return v, nil
}

// IntAttr returns an integer attribute, or fallback when it is absent.
func (m Message) IntAttr(key string, fallback int) (int, error) {
	v, ok := m.Attributes[key]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("message attribute %q is not an integer: %w", key, err)
	}
	return n, nil
}

// TimeAttr returns an RFC3339 timestamp attribute.
func (m Message) TimeAttr(key string) (time.Time, error) {
	v, err := m.Attr(key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("message attribute %q is not a timestamp: %w", key, err)
	}
	return t, nil
}

// FormatTime renders a timestamp for use as a message attribute.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// CloneAttributes copies an attribute map so it can be modified safely.
func CloneAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
