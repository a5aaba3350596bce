package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bulkmail/internal/types"
)

func TestProcess_SingleRecipientCompletes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	metrics := &recordingMetrics{}
	orch := newTestOrchestrator(store, directResolver(), &mockTransport{}, metrics)

	res, err := orch.Process(ctx, testEnvelope("A1"))
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusCompleted, res.Status)
	assert.Equal(t, 1, res.Summary.EmailsSent)
	assert.Equal(t, 0, res.Summary.EmailsFailed)
	require.Len(t, res.Summary.Results, 1)
	assert.Equal(t, "msg-A1", res.Summary.Results[0].MessageID)

	rec, err := store.Get(ctx, res.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, rec.Status)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)
	assert.Nil(t, rec.FailedAt)
	require.NotNil(t, rec.TotalRecipients)
	assert.Equal(t, 1, *rec.TotalRecipients)
	assert.Equal(t, "spring", rec.CampaignID)
	assert.Equal(t, types.PriorityHigh, rec.Priority)
	require.NotNil(t, rec.Summary)
	assert.Equal(t, 1, rec.Summary.EmailsSent)

	require.Len(t, metrics.reports, 1)
	assert.Equal(t, types.JobStatusCompleted, metrics.reports[0].Status)
	assert.Equal(t, 1, metrics.reports[0].EmailsSent)
}

func TestProcess_PartialSendFailureStillCompletes(t *testing.T) {
	transport := &mockTransport{
		SendFunc: func(_ context.Context, in types.SendInput) (string, error) {
			if in.Tags[types.TagRecipientID] == "A2" {
				return "", errors.New("mailbox unavailable")
			}
			return "msg-ok", nil
		},
	}
	orch := newTestOrchestrator(NewMemoryStore(), directResolver(), transport, nil)

	res, err := orch.Process(context.Background(), testEnvelope("A1", "A2"))
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusCompleted, res.Status)
	assert.Equal(t, 1, res.Summary.EmailsSent)
	assert.Equal(t, 1, res.Summary.EmailsFailed)

	byID := map[string]types.DeliveryOutcome{}
	for _, o := range res.Summary.Results {
		byID[o.RecipientID] = o
	}
	assert.Equal(t, types.OutcomeSent, byID["A1"].Status)
	assert.Equal(t, "msg-ok", byID["A1"].MessageID)
	assert.Equal(t, types.OutcomeFailed, byID["A2"].Status)
	assert.Equal(t, "mailbox unavailable", byID["A2"].Error)
}

func TestProcess_NoResolvableRecipients(t *testing.T) {
	transport := &mockTransport{}
	orch := newTestOrchestrator(NewMemoryStore(), directResolver("A1", "A2", "A3"), transport, nil)

	res, err := orch.Process(context.Background(), testEnvelope("A1", "A2", "A3"))
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusCompleted, res.Status)
	assert.Equal(t, 0, res.Summary.EmailsSent)
	assert.Equal(t, 0, res.Summary.EmailsFailed)
	assert.Equal(t, 3, res.Summary.ResolutionFailures)
	assert.NotNil(t, res.Summary.Results)
	assert.Empty(t, transport.calls())
}

func TestProcess_ResolverFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	dbDown := errors.New("connection refused")
	resolver := &mockResolver{
		ResolveFunc: func(context.Context, []types.RecipientRef) ([]types.Recipient, int, error) {
			return nil, 0, dbDown
		},
	}
	transport := &mockTransport{}
	metrics := &recordingMetrics{}
	orch := newTestOrchestrator(store, resolver, transport, metrics)

	res, err := orch.Process(ctx, testEnvelope("A1"))

	require.Error(t, err)
	assert.ErrorIs(t, err, dbDown)
	assert.True(t, types.IsCode(err, types.ErrCodeInternalResolverFailure))
	assert.Equal(t, types.JobStatusFailed, res.Status)
	assert.Empty(t, transport.calls())

	rec, getErr := store.Get(ctx, res.JobID)
	require.NoError(t, getErr)
	assert.Equal(t, types.JobStatusFailed, rec.Status)
	require.NotNil(t, rec.FailedAt)
	assert.Nil(t, rec.CompletedAt)
	assert.Contains(t, rec.Error, "connection refused")

	require.Len(t, metrics.reports, 1)
	assert.Equal(t, types.JobStatusFailed, metrics.reports[0].Status)
}

func TestProcess_MalformedContentMarksFailed(t *testing.T) {
	env := testEnvelope("A1")
	env.EmailContent.HTMLBody = ""
	transport := &mockTransport{}
	orch := newTestOrchestrator(NewMemoryStore(), directResolver(), transport, nil)

	res, err := orch.Process(context.Background(), env)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationMissingField))
	assert.Equal(t, types.JobStatusFailed, res.Status)
	assert.Empty(t, transport.calls())
}

func TestProcess_StatusStoreOutageDoesNotBlockDelivery(t *testing.T) {
	storeDown := errors.New("store unreachable")
	store := &mockStore{
		UpsertFunc: func(context.Context, string, types.JobStatus, types.StatusFields) (bool, error) {
			return false, storeDown
		},
	}
	transport := &mockTransport{}
	orch := newTestOrchestrator(store, directResolver(), transport, nil)

	res, err := orch.Process(context.Background(), testEnvelope("A1", "A2"))
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Summary.EmailsSent)
	assert.Len(t, transport.calls(), 2)

	require.Len(t, res.StatusWrites, 2)
	for _, w := range res.StatusWrites {
		assert.False(t, w.OK())
		assert.ErrorIs(t, w.Err, storeDown)
	}
	assert.Equal(t, types.JobStatusProcessing, res.StatusWrites[0].Status)
	assert.Equal(t, types.JobStatusCompleted, res.StatusWrites[1].Status)
}

func TestProcess_HangingStatusStoreDoesNotConsumeSendDeadline(t *testing.T) {
	transport := deadlineAwareTransport()
	orch := NewOrchestrator(OrchestratorConfig{
		Store:         hangingStore(),
		Resolver:      directResolver(),
		Dispatcher:    NewDispatcher(transport, types.SenderIdentity{Address: "noreply@example.com"}, nil),
		Clock:         fixedClock{t: testNow},
		StatusTimeout: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := orch.Process(ctx, testEnvelope("A1", "A2"))
	require.NoError(t, err)

	assert.Equal(t, types.JobStatusCompleted, res.Status)
	assert.Equal(t, 2, res.Summary.EmailsSent)
	assert.Equal(t, 0, res.Summary.EmailsFailed)
	require.Len(t, res.StatusWrites, 2)
	for _, w := range res.StatusWrites {
		assert.ErrorIs(t, w.Err, context.DeadlineExceeded)
	}
	assert.NoError(t, ctx.Err(), "status writes must not use up the caller's deadline")
}

func TestProcess_NilStoreSkipsTracking(t *testing.T) {
	orch := newTestOrchestrator(nil, directResolver(), &mockTransport{}, nil)

	res, err := orch.Process(context.Background(), testEnvelope("A1"))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, res.Status)
	for _, w := range res.StatusWrites {
		assert.True(t, w.OK())
		assert.False(t, w.Applied)
	}
}

func TestProcess_RedeliveryOfCompletedJobLeavesRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	env := testEnvelope("A1")

	first := newTestOrchestrator(store, directResolver(), &mockTransport{}, nil)
	_, err := first.Process(ctx, env)
	require.NoError(t, err)
	before, err := store.Get(ctx, env.JobID)
	require.NoError(t, err)

	later := NewOrchestrator(OrchestratorConfig{
		Store:      store,
		Resolver:   directResolver(),
		Dispatcher: NewDispatcher(&mockTransport{}, types.SenderIdentity{}, nil),
		Clock:      fixedClock{t: testNow.Add(time.Hour)},
	})
	res, err := later.Process(ctx, env)
	require.NoError(t, err)

	for _, w := range res.StatusWrites {
		assert.NoError(t, w.Err)
		assert.False(t, w.Applied, "write %s should be a no-op", w.Status)
	}

	after, err := store.Get(ctx, env.JobID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestProcess_RedeliveredFailedJobStaysFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	env := testEnvelope("A1")

	failing := newTestOrchestrator(store, &mockResolver{
		ResolveFunc: func(context.Context, []types.RecipientRef) ([]types.Recipient, int, error) {
			return nil, 0, errors.New("timeout")
		},
	}, &mockTransport{}, nil)
	_, err := failing.Process(ctx, env)
	require.Error(t, err)

	retry := newTestOrchestrator(store, directResolver(), &mockTransport{}, nil)
	res, err := retry.Process(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.EmailsSent)

	rec, err := store.Get(ctx, env.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, rec.Status)
	assert.Nil(t, rec.CompletedAt)
}

func TestProcess_FanOutIsBounded(t *testing.T) {
	var inFlight, peak int32
	transport := &mockTransport{
		SendFunc: func(_ context.Context, in types.SendInput) (string, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return "ok", nil
		},
	}
	orch := NewOrchestrator(OrchestratorConfig{
		Resolver:    directResolver(),
		Dispatcher:  NewDispatcher(transport, types.SenderIdentity{}, nil),
		Concurrency: 3,
	})

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("A%d", i)
	}
	res, err := orch.Process(context.Background(), testEnvelope(ids...))
	require.NoError(t, err)

	assert.Equal(t, 20, res.Summary.EmailsSent)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestProcess_PanickingSendIsIsolated(t *testing.T) {
	transport := &mockTransport{
		SendFunc: func(_ context.Context, in types.SendInput) (string, error) {
			if in.Tags[types.TagRecipientID] == "A2" {
				panic("nil provider response")
			}
			return "ok", nil
		},
	}
	orch := newTestOrchestrator(nil, directResolver(), transport, nil)

	res, err := orch.Process(context.Background(), testEnvelope("A1", "A2", "A3"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.Summary.EmailsSent)
	assert.Equal(t, 1, res.Summary.EmailsFailed)
	for _, o := range res.Summary.Results {
		if o.RecipientID == "A2" {
			assert.Contains(t, o.Error, "panic")
		}
	}
}

func TestProcess_OutcomeCountsMatchResolvedRecipients(t *testing.T) {
	cases := []struct {
		refs    []string
		unknown []string
		failing map[string]bool
	}{
		{refs: []string{"A1"}},
		{refs: []string{"A1", "A2", "A3", "A4"}, unknown: []string{"A2"}, failing: map[string]bool{"A3": true}},
		{refs: []string{"A1", "A2"}, failing: map[string]bool{"A1": true, "A2": true}},
		{refs: []string{"A1", "A2", "A3"}, unknown: []string{"A1", "A3"}},
	}

	for i, tc := range cases {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			transport := &mockTransport{
				SendFunc: func(_ context.Context, in types.SendInput) (string, error) {
					if tc.failing[in.Tags[types.TagRecipientID]] {
						return "", errors.New("rejected")
					}
					return "ok", nil
				},
			}
			orch := newTestOrchestrator(nil, directResolver(tc.unknown...), transport, nil)

			res, err := orch.Process(context.Background(), testEnvelope(tc.refs...))
			require.NoError(t, err)

			resolved := len(tc.refs) - len(tc.unknown)
			assert.Equal(t, resolved, res.Summary.EmailsSent+res.Summary.EmailsFailed)
			assert.Len(t, res.Summary.Results, resolved)
			assert.Equal(t, len(tc.unknown), res.Summary.ResolutionFailures)
		})
	}
}

func TestProcess_RepeatedReferencesAreSentAndCountedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	var asked []types.RecipientRef
	inner := directResolver("A2")
	resolver := &mockResolver{
		ResolveFunc: func(ctx context.Context, refs []types.RecipientRef) ([]types.Recipient, int, error) {
			asked = refs
			return inner.ResolveFunc(ctx, refs)
		},
	}
	transport := &mockTransport{}
	orch := newTestOrchestrator(store, resolver, transport, nil)

	res, err := orch.Process(ctx, testEnvelope("A1", "A2", "A1", "A2", "A1"))
	require.NoError(t, err)

	assert.Len(t, asked, 2, "the resolver sees each reference once")
	assert.Len(t, transport.calls(), 1)
	assert.Equal(t, 1, res.Summary.EmailsSent)
	assert.Equal(t, 1, res.Summary.ResolutionFailures)

	rec, err := store.Get(ctx, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, rec.TotalRecipients)
	assert.Equal(t, 2, *rec.TotalRecipients)
	assert.Equal(t, *rec.TotalRecipients,
		res.Summary.EmailsSent+res.Summary.EmailsFailed+res.Summary.ResolutionFailures)
}

func TestProcess_ApplicationRecipientsArePersonalized(t *testing.T) {
	transport := &mockTransport{}
	orch := newTestOrchestrator(nil, directResolver(), transport, nil)

	env := testEnvelope()
	env.ApplicationIDs = []string{"P1"}
	_, err := orch.Process(context.Background(), env)
	require.NoError(t, err)

	calls := transport.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hello User P1", calls[0].Subject)
	assert.Equal(t, "<p>Hi User P1, you are an application</p>", calls[0].BodyHTML)
	assert.Equal(t, "application", calls[0].Tags[types.TagRecipientType])
}
