package jobs

import (
	"context"
	"sync"
	"time"

	"bulkmail/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type mockResolver struct {
	ResolveFunc func(ctx context.Context, refs []types.RecipientRef) ([]types.Recipient, int, error)
}

func (m *mockResolver) Resolve(ctx context.Context, refs []types.RecipientRef) ([]types.Recipient, int, error) {
	return m.ResolveFunc(ctx, refs)
}

// directResolver resolves every ref except the ids listed in unknown.
func directResolver(unknown ...string) *mockResolver {
	skip := make(map[string]bool, len(unknown))
	for _, id := range unknown {
		skip[id] = true
	}
	return &mockResolver{
		ResolveFunc: func(_ context.Context, refs []types.RecipientRef) ([]types.Recipient, int, error) {
			var out []types.Recipient
			missing := 0
			for _, ref := range refs {
				if skip[ref.ID] {
					missing++
					continue
				}
				out = append(out, types.Recipient{
					ID:          ref.ID,
					Kind:        ref.Kind,
					Email:       ref.ID + "@example.com",
					DisplayName: "User " + ref.ID,
				})
			}
			return out, missing, nil
		},
	}
}

type mockTransport struct {
	mu       sync.Mutex
	SendFunc func(ctx context.Context, in types.SendInput) (string, error)
	sent     []types.SendInput
}

func (m *mockTransport) Send(ctx context.Context, in types.SendInput) (string, error) {
	m.mu.Lock()
	m.sent = append(m.sent, in)
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, in)
	}
	return "msg-" + in.Tags[types.TagRecipientID], nil
}

func (m *mockTransport) calls() []types.SendInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.SendInput(nil), m.sent...)
}

type mockStore struct {
	UpsertFunc func(ctx context.Context, jobID string, status types.JobStatus, fields types.StatusFields) (bool, error)
	GetFunc    func(ctx context.Context, jobID string) (*types.JobRecord, error)
}

func (m *mockStore) Upsert(ctx context.Context, jobID string, status types.JobStatus, fields types.StatusFields) (bool, error) {
	return m.UpsertFunc(ctx, jobID, status, fields)
}

func (m *mockStore) Get(ctx context.Context, jobID string) (*types.JobRecord, error) {
	return m.GetFunc(ctx, jobID)
}

// hangingStore accepts every call and answers only when the caller gives up.
func hangingStore() *mockStore {
	return &mockStore{
		UpsertFunc: func(ctx context.Context, _ string, _ types.JobStatus, _ types.StatusFields) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		},
		GetFunc: func(ctx context.Context, _ string) (*types.JobRecord, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// deadlineAwareTransport fails sends whose context is already done.
func deadlineAwareTransport() *mockTransport {
	return &mockTransport{
		SendFunc: func(ctx context.Context, in types.SendInput) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "msg-" + in.Tags[types.TagRecipientID], nil
		},
	}
}

type mockLocker struct {
	AcquireFunc func(ctx context.Context, jobID string) (string, bool, error)
	released    []string
}

func (m *mockLocker) Acquire(ctx context.Context, jobID string) (string, bool, error) {
	return m.AcquireFunc(ctx, jobID)
}

func (m *mockLocker) Release(_ context.Context, jobID, token string) error {
	m.released = append(m.released, jobID+"/"+token)
	return nil
}

type recordingMetrics struct {
	mu      sync.Mutex
	reports []JobReport
}

func (m *recordingMetrics) RecordJob(_ context.Context, r JobReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
}

func (m *recordingMetrics) RecordQueueLag(context.Context, time.Duration) {}

func testEnvelope(artistIDs ...string) types.Envelope {
	return types.Envelope{
		JobID:     "6f1c2a9e-0d4b-4a61-9a55-1b2c3d4e5f60",
		ArtistIDs: artistIDs,
		EmailContent: types.EmailContent{
			Subject:  "Hello {{name}}",
			HTMLBody: "<p>Hi {{name}}, you are an {{type}}</p>",
			TextBody: "Hi {{name}}",
		},
		Metadata: types.Metadata{CampaignID: "spring", Priority: types.PriorityHigh},
	}
}

func newTestOrchestrator(store StatusStore, resolver Resolver, transport MailTransport, metrics Metrics) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Store:       store,
		Resolver:    resolver,
		Dispatcher:  NewDispatcher(transport, types.SenderIdentity{Address: "noreply@example.com"}, nil),
		Metrics:     metrics,
		Clock:       fixedClock{t: testNow},
		Concurrency: 4,
	})
}
