package registration_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/models"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/provider"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/queue"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/registration"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/store"
	"github.com/divyansh-dxn/rural-crowdsourcing-toolkit/internal/worker"
)

type consumerFixture struct {
	store    *store.Memory
	queue    *queue.Memory
	provider *provider.Fake
	producer *registration.Producer
	consumer *registration.Consumer
}

func newConsumerFixture(t *testing.T) *consumerFixture {
	t.Helper()
	st := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	fake := provider.NewFake()
	return &consumerFixture{
		store:    st,
		queue:    q,
		provider: fake,
		producer: registration.NewProducer(st, q, testLogger(), 5),
		consumer: registration.NewConsumer(st, q, fake, testLogger(), 10*time.Millisecond, 5),
	}
}

func (f *consumerFixture) submit(t *testing.T, workerID string) registration.SubmitResult {
	t.Helper()
	result, err := f.producer.SubmitRegistration(context.Background(), submitParams(workerID))
	require.NoError(t, err)
	return result
}

func TestHandleRegisterVerified(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	res := f.submit(t, "w1")

	require.NoError(t, f.consumer.HandleRegister(ctx, res.Job))

	rec, err := f.store.GetAccount(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountVerified, rec.Status)
	assert.True(t, rec.Active)
	assert.Equal(t, 1, f.provider.CreateCalls)
}

// flakyActivateStore fails the first ActivateAccount call so the
// verified step is interrupted between its two writes.
type flakyActivateStore struct {
	*store.Memory
	failures int
}

func (s *flakyActivateStore) ActivateAccount(ctx context.Context, id string) (bool, error) {
	if s.failures > 0 {
		s.failures--
		return false, errors.New("connection reset")
	}
	return s.Memory.ActivateAccount(ctx, id)
}

func TestHandleRegisterVerifiedActivationFailureRetries(t *testing.T) {
	ctx := context.Background()
	st := &flakyActivateStore{Memory: store.NewMemory(), failures: 1}
	q := queue.NewMemory(time.Minute)
	fake := provider.NewFake()
	producer := registration.NewProducer(st, q, testLogger(), 5)
	consumer := registration.NewConsumer(st, q, fake, testLogger(), 10*time.Millisecond, 5)

	res, err := producer.SubmitRegistration(ctx, submitParams("w1"))
	require.NoError(t, err)

	require.Error(t, consumer.HandleRegister(ctx, res.Job), "interrupted activation must surface for retry")

	rec, err := st.GetAccount(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.False(t, rec.Status.Terminal(), "record must stay retryable after a failed activation")

	// Redelivery completes the step.
	require.NoError(t, consumer.HandleRegister(ctx, res.Job))
	rec, err = st.GetAccount(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountVerified, rec.Status)
	assert.True(t, rec.Active, "a verified record with no other active record ends active")
}

func TestHandleRegisterSecondVerifiedStaysInactive(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)

	first := f.submit(t, "w1")
	require.NoError(t, f.consumer.HandleRegister(ctx, first.Job))

	params := submitParams("w1")
	params.AccountDetails["account_number"] = "99999999"
	second, err := f.producer.SubmitRegistration(ctx, params)
	require.NoError(t, err)
	require.NoError(t, f.consumer.HandleRegister(ctx, second.Job))

	rec, err := f.store.GetAccount(ctx, second.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountVerified, rec.Status)
	assert.False(t, rec.Active, "first verified account keeps the active slot")
}

func TestHandleRegisterRejected(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	f.provider.QueueCreate(provider.Result{Status: provider.StatusRejected, Reason: "name mismatch"}, nil)
	res := f.submit(t, "w1")

	require.NoError(t, f.consumer.HandleRegister(ctx, res.Job))

	rec, err := f.store.GetAccount(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountFailed, rec.Status)
	assert.False(t, rec.Active)
	assert.Equal(t, "name mismatch", rec.Meta.FailureReason)
}

func TestHandleRegisterPendingSchedulesVerify(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	f.provider.QueueCreate(provider.Result{Status: provider.StatusPending, ProviderRef: "prov-42"}, nil)
	res := f.submit(t, "w1")

	require.NoError(t, f.consumer.HandleRegister(ctx, res.Job))

	rec, err := f.store.GetAccount(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountInProgress, rec.Status)
	assert.Equal(t, "prov-42", rec.Meta.ProviderRef)

	jobs, err := f.store.JobsForRecord(ctx, res.Record.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	verify := jobs[1]
	assert.Equal(t, registration.JobVerifyAccount, verify.Name)
	assert.Equal(t, models.JobWaiting, verify.State)

	// The poll is delayed, not immediately visible.
	depth, _ := f.queue.Depth(ctx)
	assert.Equal(t, int64(1), depth)
	promoted, err := f.queue.PromoteScheduled(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)
}

func TestHandleRegisterPermanentError(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	f.provider.QueueCreate(provider.Result{}, provider.Permanent(errors.New("unsupported account type")))
	res := f.submit(t, "w1")

	require.NoError(t, f.consumer.HandleRegister(ctx, res.Job), "permanent provider failures settle the job")

	rec, err := f.store.GetAccount(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountCannotUpdate, rec.Status)
	assert.Contains(t, rec.Meta.FailureReason, "unsupported account type")
}

func TestHandleRegisterTransientErrorPropagates(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	f.provider.QueueCreate(provider.Result{}, provider.Transient(errors.New("gateway timeout")))
	res := f.submit(t, "w1")

	err := f.consumer.HandleRegister(ctx, res.Job)
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err))

	rec, _ := f.store.GetAccount(ctx, res.Record.ID)
	assert.Equal(t, models.AccountInProgress, rec.Status, "record keeps its progress across retries")
}

func TestHandleRegisterTerminalRecordNoOp(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	res := f.submit(t, "w1")

	status := models.AccountVerified
	_, err := f.store.UpdateAccount(ctx, res.Record.ID, store.AccountUpdate{Status: &status})
	require.NoError(t, err)

	require.NoError(t, f.consumer.HandleRegister(ctx, res.Job))
	assert.Equal(t, 0, f.provider.CreateCalls, "redelivery of a settled record must not hit the provider")
}

func TestHandleRegisterMissingRecordDiscards(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)

	job, err := f.store.CreateJob(ctx, store.NewJobParams{
		Name:        registration.JobRegisterAccount,
		RecordID:    "no-such-record",
		MaxAttempts: 3,
		RunAt:       time.Now(),
	})
	require.NoError(t, err)

	err = f.consumer.HandleRegister(ctx, job)
	assert.ErrorIs(t, err, worker.ErrDiscard)
}

func TestHandleVerifyStillPending(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	f.provider.QueueCreate(provider.Result{Status: provider.StatusPending, ProviderRef: "prov-7"}, nil)
	res := f.submit(t, "w1")
	require.NoError(t, f.consumer.HandleRegister(ctx, res.Job))

	jobs, _ := f.store.JobsForRecord(ctx, res.Record.ID)
	require.Len(t, jobs, 2)
	verify := jobs[1]

	f.provider.QueuePoll(provider.Result{Status: provider.StatusPending}, nil)
	err := f.consumer.HandleVerify(ctx, verify)
	require.Error(t, err)
	assert.True(t, provider.IsTransient(err), "a pending verdict retries through the queue backoff")

	f.provider.QueuePoll(provider.Result{Status: provider.StatusVerified}, nil)
	require.NoError(t, f.consumer.HandleVerify(ctx, verify))

	rec, _ := f.store.GetAccount(ctx, res.Record.ID)
	assert.Equal(t, models.AccountVerified, rec.Status)
	assert.True(t, rec.Active)
}

func TestHandleVerifyWithoutProviderRef(t *testing.T) {
	ctx := context.Background()
	f := newConsumerFixture(t)
	res := f.submit(t, "w1")

	job, err := f.store.CreateJob(ctx, store.NewJobParams{
		Name:        registration.JobVerifyAccount,
		RecordID:    res.Record.ID,
		MaxAttempts: 3,
		RunAt:       time.Now(),
	})
	require.NoError(t, err)

	err = f.consumer.HandleVerify(ctx, job)
	assert.ErrorIs(t, err, worker.ErrDiscard)
}

// A job whose provider keeps timing out exhausts its attempt budget and
// lands in the dead-letter queue; the record stays behind for operators.
func TestProcessorExhaustsTransientAttempts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory(time.Minute)
	fake := provider.NewFake()
	producer := registration.NewProducer(st, q, testLogger(), 3)
	consumer := registration.NewConsumer(st, q, fake, testLogger(), 10*time.Millisecond, 3)

	proc := worker.NewProcessor(q, st, nil, testLogger(), worker.Options{
		MaxAttempts:    3,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	})
	consumer.Register(proc)

	for i := 0; i < 3; i++ {
		fake.QueueCreate(provider.Result{}, provider.Transient(errors.New("connection reset")))
	}

	res, err := producer.SubmitRegistration(ctx, submitParams("w1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		proc.ProcessOne(ctx, res.Job.ID)
	}

	job, err := st.GetJob(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobDead, job.State)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "connection reset")

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Job.ID}, dead)

	rec, err := st.GetAccount(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountInProgress, rec.Status)

	// A further redelivery of the dead job is a plain ack.
	proc.ProcessOne(ctx, res.Job.ID)
	assert.Equal(t, 3, fake.CreateCalls)
}
