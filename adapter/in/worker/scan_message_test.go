package worker

import "testing"

func TestParsePayload(t *testing.T) {
	cursor := "page-2"
	msg := NewMessage(JobScanChunk, map[string]any{
		"session_id": "s1",
		"user_id":    "u1",
		"cursor":     cursor,
	})

	payload, err := ParsePayload[ScanChunkPayload](msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.SessionID != "s1" || payload.UserID != "u1" {
		t.Errorf("payload = %+v", payload)
	}
	if payload.Cursor == nil || *payload.Cursor != cursor {
		t.Errorf("cursor = %v, want %q", payload.Cursor, cursor)
	}
}

func TestParsePayloadOmitsCursor(t *testing.T) {
	msg := NewMessage(JobScanChunk, map[string]any{
		"session_id": "s1",
		"user_id":    "u1",
	})

	payload, err := ParsePayload[ScanChunkPayload](msg)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.Cursor != nil {
		t.Errorf("cursor = %v, want nil", payload.Cursor)
	}
}
