package stream

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/goccy/go-json"

	"scan_server/adapter/in/worker"
)

const (
	defaultBlock       = 5 * time.Second
	defaultConcurrency = 1
)

type Consumer struct {
	stream      *RedisStream
	handler     *worker.Handler
	name        string
	block       time.Duration
	concurrency int
}

func NewConsumer(stream *RedisStream, handler *worker.Handler, name string, blockMS, concurrency int) *Consumer {
	block := defaultBlock
	if blockMS > 0 {
		block = time.Duration(blockMS) * time.Millisecond
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Consumer{
		stream:      stream,
		handler:     handler,
		name:        name,
		block:       block,
		concurrency: concurrency,
	}
}

func (c *Consumer) Start(ctx context.Context) {
	if err := c.stream.CreateGroup(ctx, StreamScanChunks); err != nil {
		log.Printf("Failed to create group for %s: %v", StreamScanChunks, err)
	}

	// Each goroutine registers under its own consumer name so Redis
	// tracks pending entries per reader.
	for i := 0; i < c.concurrency; i++ {
		go c.consume(ctx, StreamScanChunks, fmt.Sprintf("%s-%d", c.name, i))
	}
}

func (c *Consumer) consume(ctx context.Context, stream, consumerName string) {
	c.stream.Consume(ctx, stream, consumerName, c.block, func(id string, data []byte) error {
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			log.Printf("Failed to unmarshal job: %v", err)
			return err
		}

		msg := &worker.Message{
			ID:        job.ID,
			Type:      job.Type,
			Payload:   job.Payload,
			CreatedAt: job.CreatedAt,
		}

		return c.handler.Process(ctx, msg)
	})
}
