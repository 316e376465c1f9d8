package domain

import (
	"fmt"
	"time"
)

// EventType enumerates the client-visible scan event types.
type EventType string

const (
	EventHello      EventType = "hello"
	EventProgress   EventType = "progress"
	EventCandidates EventType = "candidates"
	EventDone       EventType = "done"
	EventError      EventType = "error"
	EventPing       EventType = "ping"
)

// IsTerminal reports whether the stream ends after this event.
func (t EventType) IsTerminal() bool {
	return t == EventDone || t == EventError
}

// Event is one append-only, per-session log record. IDs increase
// strictly within a session; (SessionID, DedupeKey) is unique when the
// key is set.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload"`
	DedupeKey string         `json:"dedupeKey,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Dedupe keys shared by the orchestrator and its retries. The cursor
// part keeps keys distinct across chunks of the same page count.
func HelloDedupeKey(sessionID string) string { return "hello:" + sessionID }

func ProgressDedupeKey(pages int, cursor *string) string {
	return fmt.Sprintf("progress:%d:%s", pages, cursorOrEnd(cursor))
}

func CandidatesDedupeKey(pages int, cursor *string) string {
	return fmt.Sprintf("candidates:%d:%s", pages, cursorOrEnd(cursor))
}

const DoneDedupeKey = "done"

func cursorOrEnd(cursor *string) string {
	if cursor == nil || *cursor == "" {
		return "end"
	}
	return *cursor
}
