package bootstrap

import (
	"context"

	"scan_server/adapter/in/worker"
	"scan_server/config"
	"scan_server/internal/stream"
	"scan_server/pkg/logger"
)

// Worker consumes scan chunk jobs from the Redis stream and runs them
// through the orchestrator.
type Worker struct {
	consumer *stream.Consumer
	deps     *Dependencies
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewWorker(cfg *config.Config, deps *Dependencies) *Worker {
	deadLetter := func(ctx context.Context, msg *worker.Message, reason string) error {
		job := &stream.Job{
			ID:        msg.ID,
			Type:      msg.Type,
			Payload:   msg.Payload,
			CreatedAt: msg.CreatedAt,
		}
		return deps.Producer.PublishDead(ctx, job, reason)
	}

	processor := worker.NewScanProcessor(deps.Orchestrator, deadLetter, cfg.ConsumerMaxRetries)
	handler := worker.NewHandler(processor)

	consumer := stream.NewConsumer(deps.Stream, handler, cfg.WorkerID, cfg.ConsumerBlockMS, cfg.WorkerConcurrency)

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		consumer: consumer,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins consuming and blocks until Stop is called.
func (w *Worker) Start() {
	logger.Info("Starting scan chunk consumer...")
	w.consumer.Start(w.ctx)
	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()
}
