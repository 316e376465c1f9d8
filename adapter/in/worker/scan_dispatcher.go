package worker

import (
	"context"

	"scan_server/pkg/logger"
)

type Handler struct {
	scanProcessor *ScanProcessor
}

func NewHandler(scanProcessor *ScanProcessor) *Handler {
	return &Handler{scanProcessor: scanProcessor}
}

func (h *Handler) Process(ctx context.Context, msg *Message) error {
	logger.Debug("Processing message: %s", msg.Type)

	switch msg.Type {
	case JobScanChunk:
		return h.scanProcessor.ProcessChunk(ctx, msg)
	default:
		logger.Warn("Unknown job type: %s", msg.Type)
		return nil
	}
}
