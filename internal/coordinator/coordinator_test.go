package coordinator_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/connectivity"
	"postflow/internal/coordinator"
	"postflow/internal/credential"
	"postflow/internal/dedup"
	"postflow/internal/domain"
	"postflow/internal/events"
	"postflow/internal/failure"
	"postflow/internal/guard"
	"postflow/internal/queue"
	"postflow/internal/secrets"
	"postflow/internal/store"
	"postflow/internal/worker"
)

type fakeTransport struct {
	mu           sync.Mutex
	authFails    int
	rateLimitFor time.Duration
	sent         []string
}

func (f *fakeTransport) Submit(_ context.Context, op domain.QueuedOperation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rateLimitFor > 0 {
		reset := time.Now().Add(f.rateLimitFor)
		f.rateLimitFor = 0
		return &failure.Error{Class: failure.RateLimited, Message: "429", StatusCode: 429, ResetAt: reset}
	}
	if f.authFails > 0 {
		f.authFails--
		return failure.New(failure.AuthInvalid, "401")
	}
	f.sent = append(f.sent, op.Payload)
	return nil
}

func (f *fakeTransport) setAuthFails(n int) {
	f.mu.Lock()
	f.authFails = n
	f.mu.Unlock()
}

type fakeRefresher struct {
	calls atomic.Int32
	mu    sync.Mutex
	err   error
	// once fail in order before err applies.
	once []error
}

func (f *fakeRefresher) Refresh(context.Context) (time.Time, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.once) > 0 {
		err := f.once[0]
		f.once = f.once[1:]
		return time.Time{}, err
	}
	if f.err != nil {
		return time.Time{}, f.err
	}
	return time.Now().Add(time.Hour), nil
}

type harness struct {
	c       *coordinator.Coordinator
	tr      *fakeTransport
	ref     *fakeRefresher
	monitor *connectivity.Monitor
	secrets *secrets.Memory
}

// quickRetry lets refresh retries run without the production attempt floor.
func quickRetry() credential.Option {
	cfg := credential.DefaultConfig()
	cfg.MinAttemptInterval = 20 * time.Millisecond
	return credential.WithConfig(cfg)
}

func start(t *testing.T, initial connectivity.Status, opts ...credential.Option) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(filepath.Join(t.TempDir(), "postflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	expiry := time.Now().Add(time.Hour)
	require.NoError(t, db.SaveCredentialState(ctx, domain.CredentialState{ExpiresAt: &expiry}))

	h := &harness{
		tr:      &fakeTransport{},
		ref:     &fakeRefresher{},
		monitor: connectivity.NewMonitor(initial),
		secrets: secrets.NewMemory(),
	}
	require.NoError(t, h.secrets.Save(ctx, secrets.Credentials{AccessToken: "a", RefreshToken: "r", ExpiresAt: expiry}))

	g := guard.New()
	bus := events.NewBus(64)
	q := queue.New(db, dedup.NewIndex(db), h.tr,
		queue.WithGuard(g),
		queue.WithConnectivity(h.monitor),
		queue.WithEvents(bus),
	)
	creds := credential.New(h.ref, db, h.secrets, g, append([]credential.Option{
		credential.WithEvents(bus),
		credential.WithConnectivity(h.monitor),
	}, opts...)...)
	h.c = coordinator.New(coordinator.Deps{
		Queue:       q,
		Credentials: creds,
		Secrets:     h.secrets,
		Loop:        worker.NewLoop(q, h.monitor, 10),
		Monitor:     h.monitor,
		Bus:         bus,
		Guard:       g,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.c.Run(runCtx) }()
	select {
	case <-h.c.Ready():
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	}

	t.Cleanup(func() {
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = h.c.Shutdown(sctx)
	})
	return h
}

func waitFor(t *testing.T, sub *events.Subscription, kind events.Kind) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-sub.C:
			if e.Kind == kind {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
			return events.Event{}
		}
	}
}

func TestOfflineThenOnline(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusDisconnected)
	ctx := context.Background()

	ok, err := h.c.Enqueue(ctx, "Hello world", domain.PriorityNormal)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, h.c.QueueDepth())

	res, err := h.c.DrainNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Succeeded)

	h.c.SetConnectivity(connectivity.StatusConnected)
	assert.Eventually(t, func() bool { return h.c.QueueDepth() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueDuplicateReturnsFalse(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusDisconnected)
	ctx := context.Background()

	ok, err := h.c.Enqueue(ctx, "same text", domain.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.c.Enqueue(ctx, "Same   TEXT", domain.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.c.QueueDepth())
}

func TestAuthFailureRefreshesAndResumes(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusConnected)
	h.tr.setAuthFails(1)

	sub := h.c.Events(context.Background())
	defer sub.Close()

	_, err := h.c.Enqueue(context.Background(), "needs a fresh token", domain.PriorityNormal)
	require.NoError(t, err)

	waitFor(t, sub, events.AuthFailed)
	waitFor(t, sub, events.Refreshed)
	waitFor(t, sub, events.Sent)

	assert.EqualValues(t, 1, h.ref.calls.Load())
	assert.Equal(t, 0, h.c.QueueDepth())
}

func TestReauthRequiredKeepsQueue(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusConnected)
	h.tr.setAuthFails(100)
	h.ref.mu.Lock()
	h.ref.err = failure.New(failure.AuthInvalid, "invalid_grant")
	h.ref.mu.Unlock()

	sub := h.c.Events(context.Background())
	defer sub.Close()

	ctx := context.Background()
	_, err := h.c.Enqueue(ctx, "first queued post", domain.PriorityNormal)
	require.NoError(t, err)
	_, err = h.c.Enqueue(ctx, "another entirely different one", domain.PriorityNormal)
	require.NoError(t, err)

	waitFor(t, sub, events.ReauthRequired)
	assert.Equal(t, 2, h.c.QueueDepth())

	_, err = h.secrets.Load(ctx)
	assert.ErrorIs(t, err, secrets.ErrNotFound)

	st := h.c.StatusSnapshot()
	assert.True(t, st.Credential.State.ReauthRequired)
	assert.Equal(t, queue.StateAuthBlocked, st.Queue.State)

	h.tr.setAuthFails(0)
	require.NoError(t, h.c.Authenticated(ctx, secrets.Credentials{
		AccessToken:  "new",
		RefreshToken: "new-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}))
	assert.Eventually(t, func() bool { return h.c.QueueDepth() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusDisconnected)
	ctx := context.Background()

	_, err := h.c.Enqueue(ctx, "persist me", domain.PriorityNormal)
	require.NoError(t, err)

	assert.NoError(t, h.c.Lifecycle(ctx, domain.LifecycleBackground))
	assert.NoError(t, h.c.Lifecycle(ctx, domain.LifecycleWake))
	assert.ErrorIs(t, h.c.Lifecycle(ctx, "hibernate"), coordinator.ErrInvalidSignal)
	assert.Equal(t, 1, h.c.QueueDepth())
}

func TestRefreshRetriedAfterServerErrorUnblocksQueue(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusConnected, quickRetry())
	h.tr.setAuthFails(1)
	h.ref.mu.Lock()
	h.ref.once = []error{failure.New(failure.ServerError, "503")}
	h.ref.mu.Unlock()

	sub := h.c.Events(context.Background())
	defer sub.Close()

	_, err := h.c.Enqueue(context.Background(), "survives a flaky token endpoint", domain.PriorityNormal)
	require.NoError(t, err)

	waitFor(t, sub, events.AuthFailed)
	waitFor(t, sub, events.Refreshed)
	waitFor(t, sub, events.Sent)

	assert.EqualValues(t, 2, h.ref.calls.Load())
	assert.Equal(t, 0, h.c.QueueDepth())
	assert.False(t, h.c.Queue().AuthBlocked())
}

func TestRefusedAfterRefreshRequiresReauth(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusConnected, quickRetry())
	h.tr.setAuthFails(1000)

	sub := h.c.Events(context.Background())
	defer sub.Close()

	ctx := context.Background()
	_, err := h.c.Enqueue(ctx, "scope was revoked", domain.PriorityNormal)
	require.NoError(t, err)

	waitFor(t, sub, events.Refreshed)
	waitFor(t, sub, events.ReauthRequired)

	// No further refresh and resend cycles.
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 1, h.ref.calls.Load())
	assert.Equal(t, 1, h.c.QueueDepth())
	assert.True(t, h.c.Queue().AuthBlocked())
	assert.True(t, h.c.StatusSnapshot().Credential.State.ReauthRequired)

	_, err = h.secrets.Load(ctx)
	assert.ErrorIs(t, err, secrets.ErrNotFound)
}

func TestSendRateLimitReachesCredentialScheduler(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusConnected)
	h.tr.mu.Lock()
	h.tr.rateLimitFor = 2 * time.Minute
	h.tr.mu.Unlock()
	want := time.Now().Add(2 * time.Minute)

	_, err := h.c.Enqueue(context.Background(), "too eager", domain.PriorityNormal)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return h.c.StatusSnapshot().Credential.State.RateLimitResetAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	reset := h.c.StatusSnapshot().Credential.State.RateLimitResetAt
	require.NotNil(t, reset)
	assert.WithinDuration(t, want, *reset, 2*time.Second)
	assert.Equal(t, 1, h.c.QueueDepth())
}

func TestAuthenticatedRejectsEmptyCredentials(t *testing.T) {
	t.Parallel()
	h := start(t, connectivity.StatusDisconnected)
	err := h.c.Authenticated(context.Background(), secrets.Credentials{ExpiresAt: time.Now().Add(time.Hour)})
	assert.ErrorIs(t, err, coordinator.ErrInvalidCredentials)
}
