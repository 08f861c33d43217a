package service

import (
	"context"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"face_sync/internal/device"
	"face_sync/internal/models"
	"face_sync/internal/repository"
)

type fakeQueue struct {
	completed []int64
	failed    []failCall

	claims []*models.QueueCommand

	// ctx.Err() as seen by each Complete/Fail call, in call order
	outcomeCtxErrs []error
}

type failCall struct {
	id        int64
	reason    string
	retryable bool
}

func (q *fakeQueue) ClaimNext(ctx context.Context, workerID string) (*models.QueueCommand, error) {
	if len(q.claims) == 0 {
		return nil, nil
	}
	cmd := q.claims[0]
	q.claims = q.claims[1:]
	return cmd, nil
}

func (q *fakeQueue) Complete(ctx context.Context, id int64) error {
	q.completed = append(q.completed, id)
	q.outcomeCtxErrs = append(q.outcomeCtxErrs, ctx.Err())
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, id int64, reason string, retryable bool) error {
	q.failed = append(q.failed, failCall{id: id, reason: reason, retryable: retryable})
	q.outcomeCtxErrs = append(q.outcomeCtxErrs, ctx.Err())
	return nil
}

type fakeDevices struct {
	targets map[string]*models.DeviceTarget
}

func (d *fakeDevices) GetByAddress(ctx context.Context, address string) (*models.DeviceTarget, error) {
	t, ok := d.targets[address]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

type fakePersons struct {
	persons map[string]*models.Person
}

func (p *fakePersons) GetByID(ctx context.Context, personID string) (*models.Person, error) {
	person, ok := p.persons[personID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return person, nil
}

type fakeGateway struct {
	applied []string
	deleted []string
	err     error
}

func (g *fakeGateway) AddOrUpdateFace(ctx context.Context, target *models.DeviceTarget, person *models.Person, faceImage []byte) error {
	if g.err != nil {
		return g.err
	}
	g.applied = append(g.applied, target.Address+"/"+person.ID)
	return nil
}

func (g *fakeGateway) DeleteFace(ctx context.Context, target *models.DeviceTarget, personID string) error {
	if g.err != nil {
		return g.err
	}
	g.deleted = append(g.deleted, target.Address+"/"+personID)
	return nil
}

func testFixtures() (*fakeQueue, *fakeDevices, *fakePersons, *fakeGateway, *Processor) {
	queue := &fakeQueue{}
	devices := &fakeDevices{targets: map[string]*models.DeviceTarget{
		"10.0.0.5": {Address: "10.0.0.5", Username: "admin", HTTPPort: 80, Enabled: true},
		"10.0.0.9": {Address: "10.0.0.9", Username: "admin", HTTPPort: 80, Enabled: false},
	}}
	persons := &fakePersons{persons: map[string]*models.Person{
		"EMP001": {ID: "EMP001", FirstName: "Anna", LastName: "Lindqvist", Enabled: true},
	}}
	gateway := &fakeGateway{}
	proc := NewProcessor(queue, devices, persons, gateway, log.Default())
	return queue, devices, persons, gateway, proc
}

func cmd(id int64, raw string) *models.QueueCommand {
	return &models.QueueCommand{ID: id, Command: raw, Status: repository.QueueStatusClaimed, Attempts: 1}
}

func TestProcessorAdd(t *testing.T) {
	queue, _, _, gateway, proc := testFixtures()

	err := proc.Process(context.Background(), cmd(1, "F0ADD-10.0.0.5-EMP001"))
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.5/EMP001"}, gateway.applied)
	assert.Equal(t, []int64{1}, queue.completed)
	assert.Empty(t, queue.failed)
}

func TestProcessorDelete(t *testing.T) {
	queue, _, _, gateway, proc := testFixtures()

	err := proc.Process(context.Background(), cmd(2, "F0DEL-10.0.0.5-EMP001"))
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.5/EMP001"}, gateway.deleted)
	assert.Equal(t, []int64{2}, queue.completed)
}

func TestProcessorMalformedCommandFailsPermanently(t *testing.T) {
	queue, _, _, gateway, proc := testFixtures()

	err := proc.Process(context.Background(), cmd(3, "garbage"))
	require.NoError(t, err)

	require.Len(t, queue.failed, 1)
	assert.False(t, queue.failed[0].retryable)
	assert.Empty(t, gateway.applied)
	assert.Empty(t, queue.completed)
}

func TestProcessorUnknownDeviceIsNoOp(t *testing.T) {
	queue, _, _, gateway, proc := testFixtures()

	err := proc.Process(context.Background(), cmd(4, "F0ADD-172.16.0.1-EMP001"))
	require.NoError(t, err)

	assert.Equal(t, []int64{4}, queue.completed, "unknown device completes without device traffic")
	assert.Empty(t, gateway.applied)
	assert.Empty(t, queue.failed)
}

func TestProcessorDisabledDeviceIsNoOp(t *testing.T) {
	queue, _, _, gateway, proc := testFixtures()

	err := proc.Process(context.Background(), cmd(5, "F0ADD-10.0.0.9-EMP001"))
	require.NoError(t, err)

	assert.Equal(t, []int64{5}, queue.completed)
	assert.Empty(t, gateway.applied)
}

func TestProcessorMissingPersonFailsPermanently(t *testing.T) {
	queue, _, _, _, proc := testFixtures()

	err := proc.Process(context.Background(), cmd(6, "F0ADD-10.0.0.5-GHOST"))
	require.NoError(t, err)

	require.Len(t, queue.failed, 1)
	assert.False(t, queue.failed[0].retryable)
	assert.Contains(t, queue.failed[0].reason, "GHOST")
}

func TestProcessorUnreachableDeviceIsRetryable(t *testing.T) {
	queue, _, _, gateway, proc := testFixtures()
	gateway.err = device.ErrDeviceUnreachable

	err := proc.Process(context.Background(), cmd(7, "F0ADD-10.0.0.5-EMP001"))
	require.NoError(t, err)

	require.Len(t, queue.failed, 1)
	assert.True(t, queue.failed[0].retryable)
}

// cancellingGateway cancels the loop context from inside the device call,
// the way a shutdown signal lands while a command is in flight.
type cancellingGateway struct {
	cancel context.CancelFunc
}

func (g *cancellingGateway) AddOrUpdateFace(ctx context.Context, target *models.DeviceTarget, person *models.Person, faceImage []byte) error {
	g.cancel()
	return device.ErrDeviceUnreachable
}

func (g *cancellingGateway) DeleteFace(ctx context.Context, target *models.DeviceTarget, personID string) error {
	g.cancel()
	return device.ErrDeviceUnreachable
}

func TestProcessorOutcomeWriteSurvivesCancelledContext(t *testing.T) {
	queue, devices, persons, _, _ := testFixtures()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := NewProcessor(queue, devices, persons, &cancellingGateway{cancel: cancel}, log.Default())

	err := proc.Process(ctx, cmd(9, "F0ADD-10.0.0.5-EMP001"))
	require.NoError(t, err)

	require.Len(t, queue.failed, 1, "the interrupted command must still settle")
	assert.True(t, queue.failed[0].retryable)
	require.Len(t, queue.outcomeCtxErrs, 1)
	assert.NoError(t, queue.outcomeCtxErrs[0], "outcome write runs on a live context after cancellation")
}

func TestProcessorRejectionIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", device.ErrAuthFailed},
		{"rejected", device.ErrDeviceRejected},
		{"image", device.ErrImageInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue, _, _, gateway, proc := testFixtures()
			gateway.err = tt.err

			err := proc.Process(context.Background(), cmd(8, "F0UPD-10.0.0.5-EMP001"))
			require.NoError(t, err)

			require.Len(t, queue.failed, 1)
			assert.False(t, queue.failed[0].retryable)
		})
	}
}
