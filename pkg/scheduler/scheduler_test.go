package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsJobWithSecondsSpec(t *testing.T) {
	s := New(nil)
	ran := make(chan struct{}, 4)
	require.NoError(t, s.Add("tick", "* * * * * *", func(ctx context.Context) error {
		ran <- struct{}{}
		return nil
	}))
	s.Start()
	defer s.Stop(context.Background()) //nolint:errcheck

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestSchedulerRejectsInvalidSpec(t *testing.T) {
	s := New(nil)
	err := s.Add("bad", "not a cron", func(ctx context.Context) error { return nil })
	assert.Error(t, err)
}

func TestSchedulerRejectsDuplicateName(t *testing.T) {
	s := New(nil)
	job := func(ctx context.Context) error { return errors.New("ignored") }
	require.NoError(t, s.Add("archival", "0 2 * * *", job))
	assert.Error(t, s.Add("archival", "0 3 * * *", job))
}

func TestSchedulerEntries(t *testing.T) {
	s := New(nil)
	require.NoError(t, s.Add("archival", "0 2 * * *", func(ctx context.Context) error { return nil }))
	require.NoError(t, s.Add("reclamation", "@every 4h", func(ctx context.Context) error { return nil }))
	s.Start()
	defer s.Stop(context.Background()) //nolint:errcheck

	entries := s.Entries()
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.False(t, entry.Next.IsZero(), entry.Name)
	}
}

func TestSchedulerStopCancelsJobContext(t *testing.T) {
	s := New(nil)
	started := make(chan struct{}, 1)
	finished := make(chan error, 1)
	var once sync.Once
	require.NoError(t, s.Add("long", "* * * * * *", func(ctx context.Context) error {
		first := false
		once.Do(func() { first = true })
		if !first {
			return nil
		}
		started <- struct{}{}
		<-ctx.Done()
		finished <- ctx.Err()
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not start")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Stop(stopCtx))

	select {
	case err := <-finished:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("job context was not cancelled")
	}
}
