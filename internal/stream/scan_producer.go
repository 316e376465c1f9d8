package stream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"scan_server/core/port/out"
)

type Producer struct {
	stream *RedisStream
}

func NewProducer(stream *RedisStream) *Producer {
	return &Producer{stream: stream}
}

type Job struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// chunkJobID derives a deterministic id so a retried enqueue of the
// same chunk is recognizable downstream.
func chunkJobID(sessionID string, cursor *string) string {
	position := "start"
	if cursor != nil && *cursor != "" {
		position = *cursor
	}
	sum := sha256.Sum256([]byte("chunk|" + sessionID + "|" + position))
	return hex.EncodeToString(sum[:8])
}

// EnqueueChunk publishes one scan chunk job.
func (p *Producer) EnqueueChunk(ctx context.Context, sessionID, userID string, cursor *string) error {
	payload := map[string]any{
		"session_id": sessionID,
		"user_id":    userID,
	}
	if cursor != nil {
		payload["cursor"] = *cursor
	}
	job := &Job{
		ID:        chunkJobID(sessionID, cursor),
		Type:      "scan.chunk",
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	_, err := p.stream.Publish(ctx, StreamScanChunks, job)
	return err
}

// PublishDead parks a job that exhausted its retries.
func (p *Producer) PublishDead(ctx context.Context, job *Job, reason string) error {
	dead := &Job{
		ID:        job.ID,
		Type:      job.Type,
		Payload:   job.Payload,
		CreatedAt: time.Now(),
	}
	if dead.Payload == nil {
		dead.Payload = map[string]any{}
	}
	dead.Payload["dead_reason"] = reason
	_, err := p.stream.Publish(ctx, StreamScanDead, dead)
	return err
}

var _ out.ChunkQueue = (*Producer)(nil)
