package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmail/internal/types"
)

func newTestRunner(store StatusStore, locker Locker, transport *mockTransport) *Runner {
	cfg := RunnerConfig{
		Orchestrator:  newTestOrchestrator(store, directResolver(), transport, nil),
		Store:         store,
		SkipCompleted: true,
	}
	if locker != nil {
		cfg.Locker = locker
	}
	return NewRunner(cfg)
}

func TestRunner_SkipsCompletedJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	env := testEnvelope("A1")
	_, err := store.Upsert(ctx, env.JobID, types.JobStatusCompleted, types.StatusFields{At: testNow})
	require.NoError(t, err)

	transport := &mockTransport{}
	res, err := newTestRunner(store, nil, transport).Run(ctx, env)
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, types.JobStatusCompleted, res.Status)
	assert.Empty(t, transport.calls())
}

func TestRunner_ReprocessesFailedJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	env := testEnvelope("A1")
	_, err := store.Upsert(ctx, env.JobID, types.JobStatusFailed, types.StatusFields{At: testNow, Error: "boom"})
	require.NoError(t, err)

	transport := &mockTransport{}
	res, err := newTestRunner(store, nil, transport).Run(ctx, env)
	require.NoError(t, err)

	assert.False(t, res.Skipped)
	assert.Len(t, transport.calls(), 1)
}

func TestRunner_StatusReadErrorFallsThrough(t *testing.T) {
	store := &mockStore{
		GetFunc: func(context.Context, string) (*types.JobRecord, error) {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "down", errors.New("dial tcp"))
		},
		UpsertFunc: func(context.Context, string, types.JobStatus, types.StatusFields) (bool, error) {
			return true, nil
		},
	}
	transport := &mockTransport{}

	res, err := newTestRunner(store, nil, transport).Run(context.Background(), testEnvelope("A1"))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, res.Status)
	assert.Len(t, transport.calls(), 1)
}

func TestRunner_SkipDisabled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	env := testEnvelope("A1")
	_, _ = store.Upsert(ctx, env.JobID, types.JobStatusCompleted, types.StatusFields{At: testNow})

	transport := &mockTransport{}
	r := NewRunner(RunnerConfig{
		Orchestrator: newTestOrchestrator(store, directResolver(), transport, nil),
		Store:        store,
	})
	_, err := r.Run(ctx, env)
	require.NoError(t, err)
	assert.Len(t, transport.calls(), 1)
}

func TestRunner_LeaseHeldElsewhere(t *testing.T) {
	locker := &mockLocker{
		AcquireFunc: func(context.Context, string) (string, bool, error) { return "", false, nil },
	}
	transport := &mockTransport{}

	res, err := newTestRunner(NewMemoryStore(), locker, transport).Run(context.Background(), testEnvelope("A1"))

	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, types.IsCode(err, types.ErrCodeConflictJobLocked))
	assert.Empty(t, transport.calls())
	assert.Empty(t, locker.released)
}

func TestRunner_LeaseAcquiredAndReleased(t *testing.T) {
	env := testEnvelope("A1")
	locker := &mockLocker{
		AcquireFunc: func(_ context.Context, jobID string) (string, bool, error) {
			assert.Equal(t, env.JobID, jobID)
			return "tok-1", true, nil
		},
	}
	transport := &mockTransport{}

	_, err := newTestRunner(NewMemoryStore(), locker, transport).Run(context.Background(), env)
	require.NoError(t, err)

	assert.Len(t, transport.calls(), 1)
	assert.Equal(t, []string{env.JobID + "/tok-1"}, locker.released)
}

func TestRunner_LeaseReleasedWhenJobFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	locker := &mockLocker{
		AcquireFunc: func(context.Context, string) (string, bool, error) { return "tok", true, nil },
	}
	r := NewRunner(RunnerConfig{
		Orchestrator: newTestOrchestrator(store, &mockResolver{
			ResolveFunc: func(context.Context, []types.RecipientRef) ([]types.Recipient, int, error) {
				return nil, 0, errors.New("down")
			},
		}, &mockTransport{}, nil),
		Store:  store,
		Locker: locker,
	})

	_, err := r.Run(ctx, testEnvelope("A1"))
	require.Error(t, err)
	assert.Len(t, locker.released, 1)
}

func TestRunner_LeaseStoreErrorContinues(t *testing.T) {
	locker := &mockLocker{
		AcquireFunc: func(context.Context, string) (string, bool, error) {
			return "", false, errors.New("redis: connection refused")
		},
	}
	transport := &mockTransport{}

	_, err := newTestRunner(NewMemoryStore(), locker, transport).Run(context.Background(), testEnvelope("A1"))
	require.NoError(t, err)
	assert.Len(t, transport.calls(), 1)
	assert.Empty(t, locker.released)
}

func TestRunner_HangingStatusReadFallsThrough(t *testing.T) {
	store := hangingStore()
	transport := deadlineAwareTransport()
	orch := NewOrchestrator(OrchestratorConfig{
		Store:         store,
		Resolver:      directResolver(),
		Dispatcher:    NewDispatcher(transport, types.SenderIdentity{Address: "noreply@example.com"}, nil),
		Clock:         fixedClock{t: testNow},
		StatusTimeout: 20 * time.Millisecond,
	})
	runner := NewRunner(RunnerConfig{
		Orchestrator:  orch,
		Store:         store,
		SkipCompleted: true,
		StatusTimeout: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := runner.Run(ctx, testEnvelope("A1"))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Summary.EmailsSent)
	assert.NoError(t, ctx.Err())
}
