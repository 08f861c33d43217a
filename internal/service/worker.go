package service

import (
	"context"
	"log"
	"time"

	"face_sync/internal/models"
)

type CommandProcessor interface {
	Process(ctx context.Context, cmd *models.QueueCommand) error
}

// Worker drains the command queue. It claims one command at a time and hands
// it to the processor; when the queue is empty the poll delay doubles up to a
// ceiling and resets on the next successful claim.
//
// A single worker preserves per-device command order. Running several workers
// is safe for durability but may reorder commands for the same device.
type Worker struct {
	queue           QueueStore
	processor       CommandProcessor
	id              string
	pollInterval    time.Duration
	maxPollInterval time.Duration
	logger          *log.Logger
}

func NewWorker(queue QueueStore, processor CommandProcessor, id string, pollInterval, maxPollInterval time.Duration, logger *log.Logger) *Worker {
	if maxPollInterval < pollInterval {
		maxPollInterval = pollInterval
	}
	return &Worker{
		queue:           queue,
		processor:       processor,
		id:              id,
		pollInterval:    pollInterval,
		maxPollInterval: maxPollInterval,
		logger:          logger,
	}
}

// Start runs the loop in a goroutine. The returned channel closes once the
// loop has fully drained after ctx cancellation, so callers can hold shutdown
// until the in-flight command has settled.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.logger.Printf("queue worker %s started (poll %s, max %s)", w.id, w.pollInterval, w.maxPollInterval)
		w.Run(ctx)
		w.logger.Printf("queue worker %s stopped", w.id)
	}()
	return done
}

// Run blocks until ctx is cancelled. Processing errors are logged, never
// propagated; the loop must survive store and device outages.
func (w *Worker) Run(ctx context.Context) {
	delay := w.pollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		cmd, err := w.queue.ClaimNext(ctx, w.id)
		if err != nil {
			w.logger.Printf("claim next command: %v", err)
			if !sleepCtx(ctx, w.pollInterval) {
				return
			}
			continue
		}
		if cmd == nil {
			if !sleepCtx(ctx, delay) {
				return
			}
			delay *= 2
			if delay > w.maxPollInterval {
				delay = w.maxPollInterval
			}
			continue
		}

		delay = w.pollInterval
		if err := w.processor.Process(ctx, cmd); err != nil {
			w.logger.Printf("process command %d: %v", cmd.ID, err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
