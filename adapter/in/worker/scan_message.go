package worker

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// JobType represents the type of a job.
type JobType = string

// Job types
const (
	JobScanChunk JobType = "scan.chunk"
)

type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	Retries   int            `json:"retries"`
}

func NewMessage(jobType string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      jobType,
		Payload:   payload,
		CreatedAt: time.Now(),
		Retries:   0,
	}
}

// ScanChunkPayload is one unit of scanning work for a session. Cursor
// is advisory; the session row holds the authoritative position.
type ScanChunkPayload struct {
	SessionID string  `json:"session_id"`
	UserID    string  `json:"user_id"`
	Cursor    *string `json:"cursor,omitempty"`
}

func ParsePayload[T any](msg *Message) (*T, error) {
	var payload T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
