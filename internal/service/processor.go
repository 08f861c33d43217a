package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"face_sync/internal/device"
	"face_sync/internal/metrics"
	"face_sync/internal/models"
	"face_sync/internal/repository"
)

// QueueStore is the slice of the queue repository the processor needs to
// report an outcome for a claimed command.
type QueueStore interface {
	ClaimNext(ctx context.Context, workerID string) (*models.QueueCommand, error)
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, reason string, retryable bool) error
}

type DeviceDirectory interface {
	GetByAddress(ctx context.Context, address string) (*models.DeviceTarget, error)
}

type PersonDirectory interface {
	GetByID(ctx context.Context, personID string) (*models.Person, error)
}

type DeviceGateway interface {
	AddOrUpdateFace(ctx context.Context, target *models.DeviceTarget, person *models.Person, faceImage []byte) error
	DeleteFace(ctx context.Context, target *models.DeviceTarget, personID string) error
}

// Processor executes a single claimed queue command against a terminal and
// records the outcome. Every path ends in exactly one Complete or Fail; the
// returned error is non-nil only when that store write itself failed.
type Processor struct {
	queue   QueueStore
	devices DeviceDirectory
	persons PersonDirectory
	gateway DeviceGateway
	logger  *log.Logger
}

func NewProcessor(queue QueueStore, devices DeviceDirectory, persons PersonDirectory, gateway DeviceGateway, logger *log.Logger) *Processor {
	return &Processor{
		queue:   queue,
		devices: devices,
		persons: persons,
		gateway: gateway,
		logger:  logger,
	}
}

const outcomeWriteTimeout = 5 * time.Second

// outcomeContext detaches the outcome write from the worker context. A
// shutdown signal cancels the loop mid-command; the claimed row must still
// settle to done or failed instead of stranding as claimed until the
// staleness window reclaims it.
func outcomeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), outcomeWriteTimeout)
}

func (p *Processor) Process(ctx context.Context, cmd *models.QueueCommand) error {
	start := time.Now()
	defer func() {
		metrics.ObserveCommandProcessing(time.Since(start))
	}()

	parsed, err := models.ParseCommand(cmd.Command)
	if err != nil {
		return p.fail(ctx, cmd, fmt.Sprintf("malformed command: %v", err), false, "malformed")
	}

	target, err := p.devices.GetByAddress(ctx, parsed.DeviceAddress)
	if errors.Is(err, repository.ErrNotFound) {
		return p.skip(ctx, cmd, "device not registered")
	}
	if err != nil {
		return p.fail(ctx, cmd, fmt.Sprintf("load device %s: %v", parsed.DeviceAddress, err), true, "store")
	}
	if !target.Enabled {
		return p.skip(ctx, cmd, "device disabled")
	}

	person, err := p.persons.GetByID(ctx, parsed.PersonID)
	if errors.Is(err, repository.ErrNotFound) {
		return p.fail(ctx, cmd, fmt.Sprintf("person %s not found", parsed.PersonID), false, "person")
	}
	if err != nil {
		return p.fail(ctx, cmd, fmt.Sprintf("load person %s: %v", parsed.PersonID, err), true, "store")
	}

	callStart := time.Now()
	switch parsed.Opcode {
	case models.OpcodeAdd, models.OpcodeUpdate:
		err = p.gateway.AddOrUpdateFace(ctx, target, person, person.FaceImage)
		metrics.ObserveDeviceCall("add_or_update", time.Since(callStart))
	case models.OpcodeDelete:
		err = p.gateway.DeleteFace(ctx, target, person.ID)
		metrics.ObserveDeviceCall("delete", time.Since(callStart))
	}
	if err != nil {
		return p.fail(ctx, cmd, err.Error(), device.Retryable(err), failureClass(err))
	}

	wctx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := p.queue.Complete(wctx, cmd.ID); err != nil {
		return fmt.Errorf("complete command %d: %w", cmd.ID, err)
	}
	metrics.IncCommandProcessed()
	p.logger.Printf("command %d done: %s", cmd.ID, cmd.Command)
	return nil
}

// skip marks a command done without touching any terminal. Commands aimed at
// unknown or disabled devices succeed as no-ops so they never clog the queue.
func (p *Processor) skip(ctx context.Context, cmd *models.QueueCommand, reason string) error {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := p.queue.Complete(ctx, cmd.ID); err != nil {
		return fmt.Errorf("complete command %d: %w", cmd.ID, err)
	}
	metrics.IncCommandSkipped()
	p.logger.Printf("command %d skipped (%s): %s", cmd.ID, reason, cmd.Command)
	return nil
}

func (p *Processor) fail(ctx context.Context, cmd *models.QueueCommand, reason string, retryable bool, class string) error {
	ctx, cancel := outcomeContext(ctx)
	defer cancel()
	if err := p.queue.Fail(ctx, cmd.ID, reason, retryable); err != nil {
		return fmt.Errorf("fail command %d: %w", cmd.ID, err)
	}
	metrics.IncCommandFailed(class)
	p.logger.Printf("command %d failed (retryable=%t, attempt %d): %s: %s",
		cmd.ID, retryable, cmd.Attempts, cmd.Command, reason)
	return nil
}

func failureClass(err error) string {
	switch {
	case errors.Is(err, device.ErrAuthFailed):
		return "auth"
	case errors.Is(err, device.ErrDeviceRejected):
		return "rejected"
	case errors.Is(err, device.ErrDeviceUnreachable):
		return "unreachable"
	case errors.Is(err, device.ErrImageInvalid):
		return "image"
	default:
		return "other"
	}
}
