package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	Name string `json:"name"`
}

func TestMemoryQueueDeliversPayload(t *testing.T) {
	q := NewMemoryQueue(QueueConfig{})
	received := make(chan testPayload, 1)
	require.NoError(t, q.Work("docs", 1, func(ctx context.Context, job Job) error {
		var payload testPayload
		if err := job.Decode(&payload); err != nil {
			return err
		}
		received <- payload
		return nil
	}))
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	id, err := q.Send(context.Background(), "docs", testPayload{Name: "batch-1"}, SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case payload := <-received:
		assert.Equal(t, "batch-1", payload.Name)
	case <-time.After(time.Second):
		t.Fatal("job was not delivered")
	}
}

func TestMemoryQueueHonoursStartAfter(t *testing.T) {
	q := NewMemoryQueue(QueueConfig{})
	delivered := make(chan time.Time, 1)
	require.NoError(t, q.Work("docs", 1, func(ctx context.Context, job Job) error {
		delivered <- time.Now()
		return nil
	}))
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	sent := time.Now()
	_, err := q.Send(context.Background(), "docs", testPayload{}, SendOptions{StartAfter: 50 * time.Millisecond})
	require.NoError(t, err)

	select {
	case at := <-delivered:
		assert.GreaterOrEqual(t, at.Sub(sent), 50*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("delayed job was not delivered")
	}
}

func TestMemoryQueueRetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(QueueConfig{})
	var attempts int32
	done := make(chan struct{})
	require.NoError(t, q.Work("docs", 1, func(ctx context.Context, job Job) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}))
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	_, err := q.Send(context.Background(), "docs", testPayload{}, SendOptions{RetryLimit: 3, RetryDelay: 5 * time.Millisecond})
	require.NoError(t, err)

	select {
	case <-done:
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	case <-time.After(2 * time.Second):
		t.Fatal("job did not succeed after retries")
	}
}

func TestMemoryQueueStopsAfterRetryLimit(t *testing.T) {
	q := NewMemoryQueue(QueueConfig{})
	var attempts int32
	require.NoError(t, q.Work("docs", 1, func(ctx context.Context, job Job) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("permanent")
	}))
	require.NoError(t, q.Start(context.Background()))

	_, err := q.Send(context.Background(), "docs", testPayload{}, SendOptions{RetryLimit: 2, RetryDelay: 5 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	q.Stop()
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestMemoryQueueRejectsWorkAfterStart(t *testing.T) {
	q := NewMemoryQueue(QueueConfig{})
	require.NoError(t, q.Start(context.Background()))
	defer q.Stop()

	err := q.Work("late", 1, func(ctx context.Context, job Job) error { return nil })
	assert.Error(t, err)
}

func TestJobRetryInBackoff(t *testing.T) {
	job := Job{RetryDelay: time.Second, RetryBackoff: true}

	job.Attempt = 1
	assert.Equal(t, time.Second, job.RetryIn())
	job.Attempt = 2
	assert.Equal(t, 2*time.Second, job.RetryIn())
	job.Attempt = 4
	assert.Equal(t, 8*time.Second, job.RetryIn())

	job.RetryBackoff = false
	assert.Equal(t, time.Second, job.RetryIn())
}

func TestJobExhausted(t *testing.T) {
	job := Job{RetryLimit: 1}
	job.Attempt = 1
	assert.False(t, job.Exhausted())
	job.Attempt = 2
	assert.True(t, job.Exhausted())
}
