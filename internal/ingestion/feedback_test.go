package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/krishi-officer/backend/internal/storage/models"
	"github.com/krishi-officer/backend/pkg/apperrors"
)

type memoryQueue struct {
	mu       sync.Mutex
	records  []models.FeedbackRecord
	requeued int
	dead     []models.FeedbackRecord
	deadCh   chan struct{}
}

func (q *memoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*models.FeedbackRecord, error) {
	q.mu.Lock()
	if len(q.records) > 0 {
		r := q.records[0]
		q.records = q.records[1:]
		q.mu.Unlock()
		return &r, nil
	}
	q.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func (q *memoryQueue) Requeue(_ context.Context, record models.FeedbackRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, record)
	q.requeued++
	return nil
}

func (q *memoryQueue) DeadLetter(_ context.Context, record models.FeedbackRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, record)
	if q.deadCh != nil {
		close(q.deadCh)
	}
	return nil
}

type applyFunc func(ctx context.Context, record models.FeedbackRecord) error

func (f applyFunc) ApplyCorrection(ctx context.Context, record models.FeedbackRecord) error {
	return f(ctx, record)
}

type memoryRecorder struct {
	mu    sync.Mutex
	saved []string
	done  chan struct{}
	want  int
}

func (r *memoryRecorder) SaveFeedback(_ context.Context, record models.FeedbackRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, record.ID)
	if len(r.saved) == r.want {
		close(r.done)
	}
	return nil
}

func runConsumer(t *testing.T, c *FeedbackConsumer) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Run(ctx))
	}()
	return func() {
		stop()
		<-done
	}
}

func TestFeedbackConsumer_AppliesInOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := &memoryQueue{records: []models.FeedbackRecord{
		{ID: "fb-1", Correction: "a"},
		{ID: "fb-2", Correction: "b"},
	}}
	recorder := &memoryRecorder{done: make(chan struct{}), want: 2}
	c := NewFeedbackConsumer(queue, applyFunc(func(context.Context, models.FeedbackRecord) error { return nil }), recorder)
	c.poll = 10 * time.Millisecond

	stop := runConsumer(t, c)
	select {
	case <-recorder.done:
	case <-time.After(2 * time.Second):
		t.Fatal("feedback records were not applied")
	}
	stop()

	assert.Equal(t, []string{"fb-1", "fb-2"}, recorder.saved)
}

func TestFeedbackConsumer_RequeuesTransientFailures(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := &memoryQueue{records: []models.FeedbackRecord{{ID: "fb-1", Correction: "a"}}}
	recorder := &memoryRecorder{done: make(chan struct{}), want: 1}
	var calls int
	apply := applyFunc(func(context.Context, models.FeedbackRecord) error {
		calls++
		if calls == 1 {
			return apperrors.Upstream(errors.New("milvus down"), "vector store")
		}
		return nil
	})
	c := NewFeedbackConsumer(queue, apply, recorder)
	c.poll = 10 * time.Millisecond
	c.backoff = time.Millisecond

	stop := runConsumer(t, c)
	select {
	case <-recorder.done:
	case <-time.After(2 * time.Second):
		t.Fatal("feedback record was not retried")
	}
	stop()

	assert.Equal(t, 1, queue.requeued)
	assert.Equal(t, 2, calls)
}

func TestFeedbackConsumer_DropsMalformedRecords(t *testing.T) {
	queue := &memoryQueue{}
	recorder := &memoryRecorder{done: make(chan struct{}), want: 1}
	apply := applyFunc(func(context.Context, models.FeedbackRecord) error {
		return apperrors.InvalidInput("correction is empty")
	})
	c := NewFeedbackConsumer(queue, apply, recorder)

	err := c.Process(context.Background(), models.FeedbackRecord{ID: "fb-1"})

	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Empty(t, recorder.saved)
}

func TestFeedbackConsumer_DeadLettersAfterMaxAttempts(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := &memoryQueue{
		records: []models.FeedbackRecord{{ID: "fb-1", Correction: "a"}},
		deadCh:  make(chan struct{}),
	}
	recorder := &memoryRecorder{done: make(chan struct{}), want: 1}
	var mu sync.Mutex
	calls := 0
	apply := applyFunc(func(context.Context, models.FeedbackRecord) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("milvus: collection schema mismatch")
	})
	c := NewFeedbackConsumer(queue, apply, recorder)
	c.poll = 10 * time.Millisecond
	c.backoff = time.Millisecond
	c.MaxAttempts = 3

	stop := runConsumer(t, c)
	select {
	case <-queue.deadCh:
	case <-time.After(2 * time.Second):
		t.Fatal("feedback record was never dead-lettered")
	}
	// Give a runaway loop the chance to show itself.
	time.Sleep(20 * time.Millisecond)
	stop()

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Equal(t, 2, queue.requeued)
	assert.Empty(t, queue.records)
	require.Len(t, queue.dead, 1)
	assert.Equal(t, "fb-1", queue.dead[0].ID)
	assert.Equal(t, 3, queue.dead[0].Attempts)
	assert.Equal(t, 3, calls)
	assert.Empty(t, recorder.saved)
}

func TestFeedbackConsumer_DeadLettersMalformedRecords(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := &memoryQueue{
		records: []models.FeedbackRecord{{ID: "fb-1"}},
		deadCh:  make(chan struct{}),
	}
	apply := applyFunc(func(context.Context, models.FeedbackRecord) error {
		return apperrors.InvalidInput("correction is empty")
	})
	c := NewFeedbackConsumer(queue, apply, &memoryRecorder{done: make(chan struct{})})
	c.poll = 10 * time.Millisecond

	stop := runConsumer(t, c)
	select {
	case <-queue.deadCh:
	case <-time.After(2 * time.Second):
		t.Fatal("malformed record was not dead-lettered")
	}
	stop()

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Zero(t, queue.requeued)
	require.Len(t, queue.dead, 1)
	assert.Equal(t, 1, queue.dead[0].Attempts)
}

func TestFeedbackConsumer_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewFeedbackConsumer(&memoryQueue{}, applyFunc(func(context.Context, models.FeedbackRecord) error { return nil }),
		&memoryRecorder{done: make(chan struct{})})

	stop := runConsumer(t, c)
	stop()
}
