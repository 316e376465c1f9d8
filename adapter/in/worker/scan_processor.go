package worker

import (
	"context"
	"time"

	"scan_server/pkg/logger"
)

const defaultMaxAttempts = 3

// DeadLetterFunc parks a message that exhausted its retries.
type DeadLetterFunc func(ctx context.Context, msg *Message, reason string) error

// ChunkRunner executes one scan chunk for a session.
type ChunkRunner interface {
	ProcessChunk(ctx context.Context, sessionID string, cursor *string) error
}

// ScanProcessor executes scan chunk jobs against the orchestrator with
// bounded in-process retries.
type ScanProcessor struct {
	runner      ChunkRunner
	deadLetter  DeadLetterFunc
	maxAttempts int
}

func NewScanProcessor(runner ChunkRunner, deadLetter DeadLetterFunc, maxAttempts int) *ScanProcessor {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &ScanProcessor{
		runner:      runner,
		deadLetter:  deadLetter,
		maxAttempts: maxAttempts,
	}
}

// ProcessChunk runs one chunk. Orchestrator-level failures (bad token,
// provider errors) are terminal for the session and return nil so the
// job is acked; only infrastructure errors are retried.
func (p *ScanProcessor) ProcessChunk(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[ScanChunkPayload](msg)
	if err != nil {
		logger.WithError(err).Error("scan chunk payload unreadable, dropping job %s", msg.ID)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.runner.ProcessChunk(ctx, payload.SessionID, payload.Cursor)
		if lastErr == nil {
			return nil
		}
		logger.WithError(lastErr).Warn("scan chunk attempt %d/%d failed for session %s", attempt, p.maxAttempts, payload.SessionID)
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}

	if p.deadLetter != nil {
		if dlErr := p.deadLetter(ctx, msg, lastErr.Error()); dlErr != nil {
			logger.WithError(dlErr).Error("dead-lettering job %s failed", msg.ID)
			return lastErr
		}
	}
	logger.WithError(lastErr).Error("scan chunk job %s moved to dead letter after %d attempts", msg.ID, p.maxAttempts)
	return nil
}
