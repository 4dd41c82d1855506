// Package coordinator wires the queue, the credential scheduler and the
// connectivity monitor together and reacts to lifecycle signals.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"postflow/internal/connectivity"
	"postflow/internal/credential"
	"postflow/internal/domain"
	"postflow/internal/events"
	"postflow/internal/guard"
	"postflow/internal/queue"
	"postflow/internal/scheduler"
	"postflow/internal/secrets"
	"postflow/internal/worker"
)

var (
	ErrInvalidSignal      = errors.New("invalid lifecycle signal")
	ErrInvalidCredentials = errors.New("credentials carry no token")
)

// Recovery of a send refused for credentials.
const (
	authSteady     int32 = iota
	authRefreshing       // refresh requested after a refused send
	authVerifying        // refreshed; the next send proves the credential
)

type Deps struct {
	Queue       *queue.Queue
	Credentials *credential.Scheduler
	Secrets     secrets.Store
	Loop        *worker.Loop
	Monitor     *connectivity.Monitor
	Bus         *events.Bus
	Guard       *guard.Registry
	// Optional.
	Maintenance *scheduler.Service
	Prober      *connectivity.Prober
}

type Coordinator struct {
	queue   *queue.Queue
	creds   *credential.Scheduler
	secrets secrets.Store
	loop    *worker.Loop
	monitor *connectivity.Monitor
	bus     *events.Bus
	guard   *guard.Registry
	maint   *scheduler.Service
	prober  *connectivity.Prober
	ready   chan struct{}

	auth atomic.Int32
}

func New(d Deps) *Coordinator {
	return &Coordinator{
		queue:   d.Queue,
		creds:   d.Credentials,
		secrets: d.Secrets,
		loop:    d.Loop,
		monitor: d.Monitor,
		bus:     d.Bus,
		guard:   d.Guard,
		maint:   d.Maintenance,
		prober:  d.Prober,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once Run is listening for connectivity changes and events.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// Run starts every background loop and blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	// Subscribe before anything can publish.
	changes := c.monitor.Subscribe(ctx)
	sub := c.bus.SubscribeReliable(ctx)

	if err := c.creds.Start(ctx); err != nil {
		return err
	}
	if c.maint != nil {
		c.maint.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.loop.Run(gctx) })
	g.Go(func() error {
		for ch := range changes {
			if ch.Restored() {
				c.onRestored(gctx)
			}
		}
		return nil
	})
	g.Go(func() error {
		defer sub.Close()
		for {
			select {
			case <-gctx.Done():
				return nil
			case e, ok := <-sub.C:
				if !ok {
					return nil
				}
				c.onEvent(gctx, e)
			}
		}
	})
	if c.prober != nil {
		g.Go(func() error { return c.prober.Run(gctx) })
	}

	close(c.ready)
	log.Info().Msg("coordinator running")
	return g.Wait()
}

func (c *Coordinator) onRestored(ctx context.Context) {
	if n, err := c.queue.ResumeSuspended(ctx); err != nil {
		log.Error().Err(err).Msg("failed to resume suspended operations")
	} else if n > 0 {
		log.Info().Int("resumed", n).Msg("connectivity restored")
	}
	c.loop.Wake()
	go c.creds.Tick(ctx)
}

func (c *Coordinator) onEvent(ctx context.Context, e events.Event) {
	switch e.Kind {
	case events.AuthFailed:
		if c.auth.Swap(authRefreshing) == authVerifying {
			// A credential refreshed moments ago was refused too; another
			// refresh will not help.
			c.auth.Store(authSteady)
			log.Warn().Str("operation_id", e.OperationID).Msg("refreshed credential refused, reauthentication required")
			go c.creds.RequireReauth(ctx, "send refused right after a credential refresh")
			return
		}
		go c.creds.RequestRefresh(ctx, "send refused for credentials")

	case events.Refreshed:
		c.auth.CompareAndSwap(authRefreshing, authVerifying)
		c.queue.Unblock()
		c.loop.Wake()

	case events.Sent:
		c.auth.Store(authSteady)

	case events.RateLimited:
		// Posting and refreshing share the account's rate limit.
		if e.OperationID != "" && e.RetryAt != nil {
			c.creds.ReportRateLimit(ctx, *e.RetryAt)
		}
	}
}

// Enqueue accepts a post. It returns false without error for duplicates.
func (c *Coordinator) Enqueue(ctx context.Context, text string, priority domain.Priority) (bool, error) {
	_, err := c.Submit(ctx, text, priority)
	if errors.Is(err, queue.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Submit is Enqueue returning the queued entry.
func (c *Coordinator) Submit(ctx context.Context, text string, priority domain.Priority) (domain.QueuedOperation, error) {
	op, err := c.queue.Enqueue(ctx, text, priority)
	if err != nil {
		return domain.QueuedOperation{}, err
	}
	c.loop.Wake()
	return op, nil
}

func (c *Coordinator) DrainNow(ctx context.Context) (queue.Result, error) {
	return c.queue.Drain(ctx, 0)
}

func (c *Coordinator) ForceDrainAll(ctx context.Context) (queue.Result, error) {
	return c.queue.ForceDrainAll(ctx)
}

func (c *Coordinator) QueueDepth() int { return c.queue.Depth() }

func (c *Coordinator) Queue() *queue.Queue { return c.queue }

type Status struct {
	Queue        queue.Status         `json:"queue"`
	Credential   credential.Snapshot  `json:"credential"`
	Connectivity connectivity.Status  `json:"connectivity"`
	Quality      connectivity.Quality `json:"quality"`
	InFlight     int                  `json:"in_flight"`
	Jobs         []scheduler.Job      `json:"jobs,omitempty"`
}

func (c *Coordinator) StatusSnapshot() Status {
	st := Status{
		Queue:        c.queue.Status(),
		Credential:   c.creds.State(),
		Connectivity: c.monitor.Status(),
		Quality:      c.monitor.Quality(),
		InFlight:     c.guard.Count(),
	}
	if c.maint != nil {
		st.Jobs = c.maint.Jobs()
	}
	return st
}

// Events subscribes to the event stream until ctx is done.
func (c *Coordinator) Events(ctx context.Context) *events.Subscription {
	return c.bus.Subscribe(ctx)
}

func (c *Coordinator) SetConnectivity(status connectivity.Status) {
	c.monitor.Set(status)
}

func (c *Coordinator) SetConnectivityQuality(status connectivity.Status, quality connectivity.Quality) {
	c.monitor.SetWithQuality(status, quality)
}

// DrainSoon wakes the drain loop without waiting for it.
func (c *Coordinator) DrainSoon() { c.loop.Wake() }

// RefreshCredential forces a refresh, bypassing the in-flight check.
func (c *Coordinator) RefreshCredential(ctx context.Context, reason string) credential.Outcome {
	return c.creds.ForceRefresh(ctx, reason)
}

// Authenticated stores credentials from a completed sign-in and unblocks the
// queue.
func (c *Coordinator) Authenticated(ctx context.Context, cred secrets.Credentials) error {
	if !cred.Valid() {
		return ErrInvalidCredentials
	}
	if err := c.secrets.Save(ctx, cred); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	if err := c.creds.Authenticated(ctx, cred.ExpiresAt); err != nil {
		return err
	}
	c.auth.Store(authSteady)
	c.queue.Unblock()
	c.loop.Wake()
	return nil
}

// Lifecycle persists state before the process is suspended and revalidates
// schedules when it resumes.
func (c *Coordinator) Lifecycle(ctx context.Context, sig domain.LifecycleSignal) error {
	log.Info().Str("signal", string(sig)).Msg("lifecycle signal")

	switch sig {
	case domain.LifecycleBackground, domain.LifecycleSleep:
		return errors.Join(c.queue.Persist(ctx), c.creds.Persist(ctx))

	case domain.LifecycleForeground, domain.LifecycleWake:
		_, err := c.queue.Revalidate(ctx)
		if c.prober != nil {
			go c.prober.Probe(context.WithoutCancel(ctx))
		}
		go c.creds.Tick(context.WithoutCancel(ctx))
		c.loop.Wake()
		return err
	}
	return fmt.Errorf("%w: %q", ErrInvalidSignal, sig)
}

// Shutdown stops timers, gives in-flight sends until ctx is done to finish
// and persists final state. Run's context should be cancelled first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	start := time.Now()
	if c.maint != nil {
		c.maint.Stop()
	}

	var errs []error
	if err := c.creds.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.queue.WaitIdle(ctx); err != nil {
		log.Warn().Int("in_flight", c.guard.Count()).Msg("shutdown grace period expired with sends in flight")
		errs = append(errs, fmt.Errorf("waiting for sends: %w", err))
	}
	if err := c.queue.Persist(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	c.bus.Close()

	log.Info().Dur("took", time.Since(start)).Int("depth", c.queue.Depth()).Msg("coordinator shut down")
	return errors.Join(errs...)
}
