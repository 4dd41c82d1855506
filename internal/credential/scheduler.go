// Package credential keeps the short-lived access credential fresh without
// ever refreshing underneath an in-flight send.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/backoff"
	"postflow/internal/domain"
	"postflow/internal/events"
	"postflow/internal/failure"
	"postflow/internal/guard"
	"postflow/internal/secrets"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRefreshing Phase = "refreshing"
	PhaseSuccess    Phase = "success"
	PhaseFailure    Phase = "failure"
)

// Outcome says what a Tick did.
type Outcome string

const (
	OutcomeRefreshed      Outcome = "refreshed"
	OutcomeFailed         Outcome = "failed"
	OutcomeNotDue         Outcome = "not_due"
	OutcomeDeferred       Outcome = "deferred"
	OutcomeThrottled      Outcome = "throttled"
	OutcomeInProgress     Outcome = "in_progress"
	OutcomeOffline        Outcome = "offline"
	OutcomeReauthRequired Outcome = "reauth_required"
	OutcomeStopped        Outcome = "stopped"
)

// Refresher exchanges the long-lived credential for a new access credential
// and returns its expiry.
type Refresher interface {
	Refresh(ctx context.Context) (time.Time, error)
}

type StateStore interface {
	LoadCredentialState(ctx context.Context) (domain.CredentialState, error)
	SaveCredentialState(ctx context.Context, st domain.CredentialState) error
}

type Connectivity interface {
	Online() bool
}

type Config struct {
	RefreshMargin      time.Duration `env:"REFRESH_MARGIN" envDefault:"15m"`
	MaxCheckInterval   time.Duration `env:"MAX_CHECK_INTERVAL" envDefault:"5m"`
	MinAttemptInterval time.Duration `env:"MIN_ATTEMPT_INTERVAL" envDefault:"30s"`
	RefreshTimeout     time.Duration `env:"REFRESH_TIMEOUT" envDefault:"30s"`
}

func DefaultConfig() Config {
	return Config{
		RefreshMargin:      15 * time.Minute,
		MaxCheckInterval:   5 * time.Minute,
		MinAttemptInterval: 30 * time.Second,
		RefreshTimeout:     30 * time.Second,
	}
}

// Snapshot is a copy of the scheduler's state for status reporting.
type Snapshot struct {
	Phase   Phase                  `json:"phase"`
	Pending bool                   `json:"pending"`
	State   domain.CredentialState `json:"state"`
}

type Scheduler struct {
	mu      sync.Mutex
	phase   Phase
	state   domain.CredentialState
	pending bool
	// demanded keeps the credential due until a refresh succeeds or
	// reauthentication is required, so backoff retries still run.
	demanded    bool
	onEmptyWait bool
	timer       *time.Timer
	stopped     bool

	refresher Refresher
	states    StateStore
	secrets   secrets.Store
	guard     *guard.Registry
	net       Connectivity
	bus       *events.Bus
	policy    backoff.Policy
	cfg       Config
	now       func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

type Option func(*Scheduler)

func WithConfig(c Config) Option { return func(s *Scheduler) { s.cfg = c } }

func WithPolicy(p backoff.Policy) Option { return func(s *Scheduler) { s.policy = p } }

func WithConnectivity(c Connectivity) Option { return func(s *Scheduler) { s.net = c } }

func WithEvents(b *events.Bus) Option { return func(s *Scheduler) { s.bus = b } }

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func New(refresher Refresher, states StateStore, creds secrets.Store, g *guard.Registry, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		phase:     PhaseIdle,
		refresher: refresher,
		states:    states,
		secrets:   creds,
		guard:     g,
		net:       online{},
		bus:       events.NewBus(16),
		policy:    backoff.DefaultPolicy(),
		cfg:       DefaultConfig(),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type online struct{}

func (online) Online() bool { return true }

// Start loads persisted state and runs the first tick in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	st, err := s.states.LoadCredentialState(ctx)
	if err != nil {
		return fmt.Errorf("load credential state: %w", err)
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	log.Info().
		Bool("reauth_required", st.ReauthRequired).
		Int("attempts", st.RefreshAttemptCount).
		Msg("credential scheduler started")

	go s.Tick(s.ctx)
	return nil
}

// Stop cancels timers and waits for an in-flight refresh until ctx is done,
// then persists the final state.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for refresh: %w", ctx.Err())
	}
	s.cancel()

	if err := s.Persist(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(waitErr, err)
	}
	log.Info().Msg("credential scheduler stopped")
	return waitErr
}

// Tick refreshes the credential when it is due and nothing blocks it.
// Otherwise it re-arms its own timer or waits for the guard to empty.
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	return s.tick(ctx, false)
}

// RequestRefresh treats the credential as due from now until a refresh
// succeeds, then ticks. In-flight sends and throttling still hold it back.
func (s *Scheduler) RequestRefresh(ctx context.Context, reason string) Outcome {
	s.demand()
	log.Info().Str("reason", reason).Msg("credential refresh requested")
	return s.tick(ctx, false)
}

// ForceRefresh is RequestRefresh that also ignores in-flight sends.
// Throttling still applies.
func (s *Scheduler) ForceRefresh(ctx context.Context, reason string) Outcome {
	s.demand()
	log.Info().Str("reason", reason).Msg("forced credential refresh requested")
	return s.tick(ctx, true)
}

func (s *Scheduler) demand() {
	s.mu.Lock()
	s.demanded = true
	s.mu.Unlock()
}

// RequireReauth gives up on the stored credential: it is cleared and no
// refresh runs until Authenticated. Used when the server keeps refusing a
// freshly refreshed credential.
func (s *Scheduler) RequireReauth(ctx context.Context, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ReauthRequired {
		return
	}
	s.requireReauthLocked(ctx, failure.New(failure.AuthInvalid, reason))
}

func (s *Scheduler) tick(ctx context.Context, force bool) Outcome {
	s.mu.Lock()

	switch {
	case s.stopped:
		s.mu.Unlock()
		return OutcomeStopped
	case s.phase == PhaseRefreshing:
		s.mu.Unlock()
		return OutcomeInProgress
	case s.state.ReauthRequired:
		s.mu.Unlock()
		return OutcomeReauthRequired
	}

	now := s.now()
	if !s.demanded && !s.dueLocked(now) {
		s.armLocked(s.nextCheckLocked(now))
		s.mu.Unlock()
		return OutcomeNotDue
	}

	if !s.net.Online() {
		// Connectivity restored triggers a tick; the timer is a fallback.
		s.armLocked(s.cfg.MaxCheckInterval)
		s.mu.Unlock()
		return OutcomeOffline
	}

	if !force && !s.guard.Empty() {
		s.deferLocked()
		s.mu.Unlock()
		log.Debug().Int("in_flight", s.guard.Count()).Msg("credential refresh deferred")
		return OutcomeDeferred
	}

	if earliest := s.earliestAttemptLocked(); now.Before(earliest) {
		s.armLocked(earliest.Sub(now))
		s.mu.Unlock()
		log.Debug().Time("earliest", earliest).Msg("credential refresh throttled")
		return OutcomeThrottled
	}

	s.phase = PhaseRefreshing
	s.pending = false
	s.state.LastAttemptAt = &now
	s.inflight.Add(1)
	s.mu.Unlock()

	defer s.inflight.Done()
	return s.refresh(ctx)
}

func (s *Scheduler) refresh(ctx context.Context) Outcome {
	log.Info().Msg("refreshing credential")

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	expiresAt, err := s.refresher.Refresh(rctx)
	cancel()

	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.phase = PhaseSuccess
		s.state.ExpiresAt = &expiresAt
		s.state.ResetBackoff()
		s.state.ReauthRequired = false
		s.demanded = false
		s.persistLocked(ctx)
		s.phase = PhaseIdle
		s.armLocked(s.nextCheckLocked(now))

		log.Info().Time("expires_at", expiresAt).Msg("credential refreshed")
		s.bus.Publish(events.Event{Kind: events.Refreshed})
		return OutcomeRefreshed
	}

	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		s.phase = PhaseIdle
		return OutcomeStopped
	}

	class := failure.Classify(err)
	s.phase = PhaseFailure
	s.state.LastFailureAt = &now
	s.state.LastFailureClass = class

	if class == failure.AuthInvalid {
		s.requireReauthLocked(ctx, err)
		return OutcomeReauthRequired
	}

	if class == failure.Unknown {
		log.Warn().Err(err).Msg("unclassified refresh failure, retrying as temporary")
	}

	s.state.RefreshAttemptCount++
	hint := failure.Hint(err, now)
	decision := s.policy.Next(s.state.RefreshAttemptCount, class, hint)

	if class == failure.RateLimited {
		reset := now.Add(decision.Delay)
		s.state.RateLimitResetAt = &reset
		s.bus.Publish(events.Event{Kind: events.RateLimited, Class: class, RetryAt: &reset})
	}

	if decision.Suspend {
		s.state.NextAttemptAt = nil
		if s.timer != nil {
			s.timer.Stop()
		}
	} else {
		next := now.Add(decision.Delay)
		s.state.NextAttemptAt = &next
		s.armLocked(decision.Delay)
	}
	s.persistLocked(ctx)
	s.phase = PhaseIdle

	log.Warn().
		Err(err).
		Str("class", string(class)).
		Int("attempt", s.state.RefreshAttemptCount).
		Dur("retry_in", decision.Delay).
		Bool("suspended", decision.Suspend).
		Msg("credential refresh failed")
	return OutcomeFailed
}

func (s *Scheduler) requireReauthLocked(ctx context.Context, err error) {
	if cerr := s.secrets.Clear(ctx); cerr != nil {
		log.Error().Err(cerr).Msg("failed to clear stored credentials")
	}
	now := s.now()
	s.state.ReauthRequired = true
	s.state.ExpiresAt = nil
	s.state.NextAttemptAt = nil
	s.state.LastFailureAt = &now
	s.state.LastFailureClass = failure.AuthInvalid
	s.pending = false
	s.demanded = false
	if s.timer != nil {
		s.timer.Stop()
	}
	s.persistLocked(ctx)
	s.phase = PhaseIdle

	log.Warn().Err(err).Msg("credential permanently invalid, reauthentication required")
	s.bus.Publish(events.Event{Kind: events.ReauthRequired, Class: failure.AuthInvalid, Error: err.Error(), Permanent: true})
}

// Authenticated records a credential obtained by a fresh sign-in.
func (s *Scheduler) Authenticated(ctx context.Context, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = domain.CredentialState{ExpiresAt: &expiresAt}
	s.pending = false
	s.demanded = false
	if err := s.states.SaveCredentialState(ctx, s.state); err != nil {
		return fmt.Errorf("save credential state: %w", err)
	}
	s.armLocked(s.nextCheckLocked(s.now()))

	log.Info().Time("expires_at", expiresAt).Msg("authenticated")
	return nil
}

// ReportRateLimit records a reset time learned outside the refresh call.
func (s *Scheduler) ReportRateLimit(ctx context.Context, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.RateLimitResetAt != nil && !resetAt.After(*s.state.RateLimitResetAt) {
		return
	}
	s.state.RateLimitResetAt = &resetAt
	s.persistLocked(ctx)
}

// Persist writes the current state.
func (s *Scheduler) Persist(ctx context.Context) error {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	return s.states.SaveCredentialState(ctx, st)
}

func (s *Scheduler) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Phase: s.phase, Pending: s.pending, State: s.state}
}

func (s *Scheduler) dueLocked(now time.Time) bool {
	if s.state.ExpiresAt == nil {
		return true
	}
	return s.state.ExpiresAt.Sub(now) <= s.cfg.RefreshMargin
}

func (s *Scheduler) nextCheckLocked(now time.Time) time.Duration {
	if s.state.ExpiresAt == nil {
		return s.cfg.MaxCheckInterval
	}
	d := s.state.ExpiresAt.Add(-s.cfg.RefreshMargin).Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return min(d, s.cfg.MaxCheckInterval)
}

// earliestAttemptLocked is the later of the attempt floor, the rate-limit
// reset and the backoff deadline.
func (s *Scheduler) earliestAttemptLocked() time.Time {
	var t time.Time
	if s.state.LastAttemptAt != nil {
		t = s.state.LastAttemptAt.Add(s.cfg.MinAttemptInterval)
	}
	if r := s.state.RateLimitResetAt; r != nil && r.After(t) {
		t = *r
	}
	if n := s.state.NextAttemptAt; n != nil && n.After(t) {
		t = *n
	}
	return t
}

func (s *Scheduler) deferLocked() {
	s.pending = true
	if s.onEmptyWait {
		return
	}
	s.onEmptyWait = true
	// The callback may run synchronously on this goroutine, which holds mu.
	s.guard.OnEmpty(func() { go s.fireDeferred() })
}

func (s *Scheduler) fireDeferred() {
	s.mu.Lock()
	s.onEmptyWait = false
	run := s.pending && !s.stopped
	s.mu.Unlock()

	if run {
		log.Debug().Msg("in-flight sends finished, running deferred refresh check")
		s.Tick(s.ctx)
	}
}

func (s *Scheduler) armLocked(d time.Duration) {
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() { s.Tick(s.ctx) })
}

func (s *Scheduler) persistLocked(ctx context.Context) {
	if err := s.states.SaveCredentialState(context.WithoutCancel(ctx), s.state); err != nil {
		log.Error().Err(err).Msg("failed to persist credential state")
	}
}
