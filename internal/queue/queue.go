// Package queue holds pending posts and drains them through the transport
// with per-class retry, priority ordering and write-through persistence.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"postflow/internal/backoff"
	"postflow/internal/dedup"
	"postflow/internal/domain"
	"postflow/internal/events"
	"postflow/internal/failure"
	"postflow/internal/guard"
)

var (
	ErrDuplicate            = errors.New("duplicate post")
	ErrInvalidPayload       = errors.New("invalid payload")
	ErrQueueFull            = errors.New("queue is full")
	ErrNotFound             = errors.New("operation not found")
	ErrConfirmationRequired = errors.New("clear requires explicit confirmation")
)

// Store persists queue entries. Every call must be durable when it returns.
type Store interface {
	Load(ctx context.Context) ([]domain.QueuedOperation, error)
	Save(ctx context.Context, op domain.QueuedOperation) error
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Replace(ctx context.Context, ops []domain.QueuedOperation) error
	Archive(ctx context.Context, op domain.QueuedOperation, reason domain.ArchiveReason, at time.Time) error
	ListArchive(ctx context.Context) ([]domain.ArchivedOperation, error)
	GetArchived(ctx context.Context, id string) (domain.ArchivedOperation, error)
	Unarchive(ctx context.Context, op domain.QueuedOperation) error
}

// Transport sends one operation. Errors should be *failure.Error where the
// transport knows the class.
type Transport interface {
	Submit(ctx context.Context, op domain.QueuedOperation) error
}

type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

type Config struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	MaxDepth        int           `env:"MAX_DEPTH" envDefault:"500"`
	MaxPayloadRunes int           `env:"MAX_PAYLOAD_RUNES" envDefault:"280"`
	SendTimeout     time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		MaxDepth:        500,
		MaxPayloadRunes: 280,
		SendTimeout:     30 * time.Second,
	}
}

// Result counts the outcomes of one drain pass.
type Result struct {
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Rescheduled int `json:"rescheduled"`
}

type State string

const (
	StateIdle        State = "idle"
	StateDraining    State = "draining"
	StateOffline     State = "offline"
	StatePaused      State = "rate_limited"
	StateAuthBlocked State = "auth_blocked"
)

type Status struct {
	State          State         `json:"processing_state"`
	Depth          int           `json:"depth"`
	NextRetryAt    *time.Time    `json:"next_retry_at,omitempty"`
	PausedUntil    *time.Time    `json:"paused_until,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	LastErrorClass failure.Class `json:"last_error_class,omitempty"`
}

type Queue struct {
	mu  sync.Mutex
	ops map[string]*domain.QueuedOperation

	store     Store
	index     *dedup.Index
	transport Transport
	policy    backoff.Policy
	guard     *guard.Registry
	net       Connectivity
	bus       *events.Bus
	cfg       Config
	now       func() time.Time

	draining    atomic.Bool
	authBlocked bool
	pausedUntil time.Time
	lastError   string
	lastClass   failure.Class
}

type Option func(*Queue)

func WithPolicy(p backoff.Policy) Option { return func(q *Queue) { q.policy = p } }

func WithGuard(g *guard.Registry) Option { return func(q *Queue) { q.guard = g } }

func WithConnectivity(c Connectivity) Option { return func(q *Queue) { q.net = c } }

func WithEvents(b *events.Bus) Option { return func(q *Queue) { q.bus = b } }

func WithConfig(c Config) Option { return func(q *Queue) { q.cfg = c } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func New(store Store, index *dedup.Index, transport Transport, opts ...Option) *Queue {
	q := &Queue{
		ops:       make(map[string]*domain.QueuedOperation),
		store:     store,
		index:     index,
		transport: transport,
		policy:    backoff.DefaultPolicy(),
		guard:     guard.New(),
		net:       alwaysOnline{},
		bus:       events.NewBus(64),
		cfg:       DefaultConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load replaces the in-memory queue with the persisted one.
func (q *Queue) Load(ctx context.Context) (int, error) {
	ops, err := q.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = make(map[string]*domain.QueuedOperation, len(ops))
	for i := range ops {
		op := ops[i]
		q.ops[op.ID] = &op
	}
	return len(ops), nil
}

// Enqueue accepts a post for delivery. It returns ErrDuplicate, without side
// effects, when the content was sent recently or is already queued.
func (q *Queue) Enqueue(ctx context.Context, payload string, priority domain.Priority) (domain.QueuedOperation, error) {
	if strings.TrimSpace(payload) == "" {
		return domain.QueuedOperation{}, fmt.Errorf("%w: empty", ErrInvalidPayload)
	}
	if n := utf8.RuneCountInString(payload); q.cfg.MaxPayloadRunes > 0 && n > q.cfg.MaxPayloadRunes {
		return domain.QueuedOperation{}, fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidPayload, n, q.cfg.MaxPayloadRunes)
	}
	if priority <= 0 {
		priority = domain.PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxDepth > 0 && len(q.ops) >= q.cfg.MaxDepth {
		return domain.QueuedOperation{}, ErrQueueFull
	}

	dup, err := q.index.IsDuplicate(ctx, payload, q.payloadsLocked())
	if err != nil {
		return domain.QueuedOperation{}, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		log.Info().Msg("duplicate post rejected")
		q.bus.Publish(events.Event{Kind: events.DuplicateRejected})
		return domain.QueuedOperation{}, ErrDuplicate
	}

	now := q.now()
	op := domain.QueuedOperation{
		ID:             "op_" + uuid.NewString(),
		Payload:        payload,
		Priority:       priority,
		NextEligibleAt: now,
		CreatedAt:      now,
	}
	if err := q.store.Save(ctx, op); err != nil {
		return domain.QueuedOperation{}, fmt.Errorf("persist operation: %w", err)
	}
	q.ops[op.ID] = &op

	log.Info().Str("operation_id", op.ID).Int("priority", int(priority)).Msg("operation enqueued")
	q.bus.Publish(events.Event{Kind: events.Enqueued, OperationID: op.ID})
	return op, nil
}

// Drain attempts every eligible entry, up to maxItems when positive. Only one
// pass runs at a time; concurrent calls return a zero Result.
func (q *Queue) Drain(ctx context.Context, maxItems int) (Result, error) {
	return q.drain(ctx, maxItems, false)
}

// ForceDrainAll attempts every entry regardless of its retry schedule.
func (q *Queue) ForceDrainAll(ctx context.Context) (Result, error) {
	return q.drain(ctx, 0, true)
}

func (q *Queue) drain(ctx context.Context, maxItems int, force bool) (Result, error) {
	var res Result

	if !q.net.Online() {
		log.Debug().Msg("drain skipped: offline")
		return res, nil
	}
	if !q.draining.CompareAndSwap(false, true) {
		log.Debug().Msg("drain skipped: already draining")
		return res, nil
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	if q.authBlocked {
		q.mu.Unlock()
		log.Debug().Msg("drain skipped: waiting for authentication")
		return res, nil
	}
	now := q.now()
	if !force && now.Before(q.pausedUntil) {
		q.mu.Unlock()
		log.Debug().Time("until", q.pausedUntil).Msg("drain skipped: rate limited")
		return res, nil
	}
	batch := q.selectLocked(now, force, maxItems)
	q.mu.Unlock()

	if len(batch) == 0 {
		return res, nil
	}

	log.Debug().Int("batch", len(batch)).Bool("force", force).Msg("drain pass started")

	var errs []error
	for _, op := range batch {
		if ctx.Err() != nil {
			break
		}
		stop, err := q.attempt(ctx, op, &res)
		if err != nil {
			errs = append(errs, err)
		}
		if stop {
			break
		}
	}

	log.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("rescheduled", res.Rescheduled).
		Msg("drain pass finished")

	return res, errors.Join(errs...)
}

// attempt sends op once and applies the outcome. stop ends the pass.
func (q *Queue) attempt(ctx context.Context, op domain.QueuedOperation, res *Result) (stop bool, err error) {
	release := q.guard.Acquire()
	defer release()

	// A send that started is allowed to finish and be recorded even when the
	// pass is cancelled; SendTimeout bounds it.
	ctx = context.WithoutCancel(ctx)

	sendCtx, cancel := context.WithTimeout(ctx, q.cfg.SendTimeout)
	sendErr := q.transport.Submit(sendCtx, op)
	cancel()

	if sendErr == nil {
		res.Succeeded++
		return false, q.onSuccess(ctx, op)
	}

	class := failure.Classify(sendErr)
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastError = sendErr.Error()
	q.lastClass = class

	cur, ok := q.ops[op.ID]
	if !ok {
		return false, nil
	}

	switch class {
	case failure.AuthInvalid:
		q.authBlocked = true
		log.Warn().Str("operation_id", op.ID).Err(sendErr).Msg("send refused for credentials; queue blocked until authenticated")
		q.bus.Publish(events.Event{Kind: events.AuthFailed, OperationID: op.ID, Class: class, Error: sendErr.Error()})
		return true, nil

	case failure.ContentRejected:
		if err := q.store.Delete(ctx, op.ID); err != nil {
			return false, fmt.Errorf("delete rejected operation %s: %w", op.ID, err)
		}
		delete(q.ops, op.ID)
		res.Failed++
		log.Warn().Str("operation_id", op.ID).Err(sendErr).Msg("operation rejected permanently")
		q.bus.Publish(events.Event{Kind: events.Failed, OperationID: op.ID, Class: class, Error: sendErr.Error(), Permanent: true})
		return false, nil
	}

	if class == failure.Unknown {
		log.Warn().Str("operation_id", op.ID).Err(sendErr).Msg("unclassified send failure, retrying as temporary")
	}

	next := *cur
	next.AttemptCount++
	next.LastAttemptAt = &now
	next.LastError = sendErr.Error()
	next.LastErrorClass = class

	if q.cfg.MaxAttempts > 0 && next.AttemptCount >= q.cfg.MaxAttempts {
		if err := q.store.Archive(ctx, next, domain.ArchiveMaxAttempts, now); err != nil {
			return false, fmt.Errorf("archive operation %s: %w", op.ID, err)
		}
		delete(q.ops, op.ID)
		res.Failed++
		log.Warn().Str("operation_id", op.ID).Int("attempts", next.AttemptCount).Msg("operation archived after max attempts")
		q.bus.Publish(events.Event{Kind: events.Archived, OperationID: op.ID, Class: class, Error: sendErr.Error(), Permanent: true})
		return false, nil
	}

	decision := q.policy.Next(next.AttemptCount, class, failure.Hint(sendErr, now))
	if decision.Suspend {
		next.Suspended = true
	} else {
		next.NextEligibleAt = now.Add(decision.Delay)
	}

	if err := q.store.Save(ctx, next); err != nil {
		return false, fmt.Errorf("reschedule operation %s: %w", op.ID, err)
	}
	*cur = next
	res.Rescheduled++

	ev := events.Event{Kind: events.Failed, OperationID: op.ID, Class: class, Error: sendErr.Error()}
	if !next.Suspended {
		retryAt := next.NextEligibleAt
		ev.RetryAt = &retryAt
	}
	q.bus.Publish(ev)

	log.Info().
		Str("operation_id", op.ID).
		Str("class", string(class)).
		Int("attempt", next.AttemptCount).
		Bool("suspended", next.Suspended).
		Time("next_eligible_at", next.NextEligibleAt).
		Msg("operation rescheduled")

	if class == failure.RateLimited {
		q.pausedUntil = next.NextEligibleAt
		retryAt := next.NextEligibleAt
		q.bus.Publish(events.Event{Kind: events.RateLimited, OperationID: op.ID, Class: class, RetryAt: &retryAt})
		return true, nil
	}
	return false, nil
}

func (q *Queue) onSuccess(ctx context.Context, op domain.QueuedOperation) error {
	var errs []error
	if err := q.index.RecordSuccess(ctx, op.Payload); err != nil {
		errs = append(errs, fmt.Errorf("record sent %s: %w", op.ID, err))
	}

	q.mu.Lock()
	if _, ok := q.ops[op.ID]; ok {
		if err := q.store.Delete(ctx, op.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete sent %s: %w", op.ID, err))
		}
		// Dropped from memory even if the delete failed: resending is worse
		// than a stale row.
		delete(q.ops, op.ID)
	}
	q.mu.Unlock()

	log.Info().Str("operation_id", op.ID).Msg("operation sent")
	q.bus.Publish(events.Event{Kind: events.Sent, OperationID: op.ID})
	return errors.Join(errs...)
}

func (q *Queue) selectLocked(now time.Time, force bool, maxItems int) []domain.QueuedOperation {
	var batch []domain.QueuedOperation
	for _, op := range q.ops {
		if force || op.Eligible(now) {
			batch = append(batch, *op)
		}
	}
	sortForDrain(batch)
	if maxItems > 0 && len(batch) > maxItems {
		batch = batch[:maxItems]
	}
	return batch
}

func sortForDrain(ops []domain.QueuedOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		if !ops[i].CreatedAt.Equal(ops[j].CreatedAt) {
			return ops[i].CreatedAt.Before(ops[j].CreatedAt)
		}
		return ops[i].ID < ops[j].ID
	})
}

func (q *Queue) payloadsLocked() []string {
	out := make([]string, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, op.Payload)
	}
	return out
}

// Remove deletes a single entry.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.ops[id]; !ok {
		return ErrNotFound
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete operation: %w", err)
	}
	delete(q.ops, id)
	log.Info().Str("operation_id", id).Msg("operation removed")
	return nil
}

// Clear deletes every entry. confirm must be true.
func (q *Queue) Clear(ctx context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, ErrConfirmationRequired
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeleteAll(ctx); err != nil {
		return 0, fmt.Errorf("clear queue: %w", err)
	}
	n := len(q.ops)
	q.ops = make(map[string]*domain.QueuedOperation)
	log.Warn().Int("removed", n).Msg("queue cleared")
	return n, nil
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Snapshot returns copies of all entries in drain order.
func (q *Queue) Snapshot() []domain.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]domain.QueuedOperation, 0, len(q.ops))
	for _, op := range q.ops {
		out = append(out, *op)
	}
	sortForDrain(out)
	return out
}

func (q *Queue) Get(id string) (domain.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op, ok := q.ops[id]
	if !ok {
		return domain.QueuedOperation{}, false
	}
	return *op, true
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	st := Status{
		State:          StateIdle,
		Depth:          len(q.ops),
		LastError:      q.lastError,
		LastErrorClass: q.lastClass,
	}
	switch {
	case !q.net.Online():
		st.State = StateOffline
	case q.authBlocked:
		st.State = StateAuthBlocked
	case q.draining.Load():
		st.State = StateDraining
	case now.Before(q.pausedUntil):
		st.State = StatePaused
	}
	if now.Before(q.pausedUntil) {
		p := q.pausedUntil
		st.PausedUntil = &p
	}
	if next, ok := q.nextWakeLocked(); ok {
		st.NextRetryAt = &next
	}
	return st
}

// NextWake is when the next drain pass can make progress. ok is false when
// nothing is waiting on time alone.
func (q *Queue) NextWake() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextWakeLocked()
}

func (q *Queue) nextWakeLocked() (time.Time, bool) {
	if q.authBlocked {
		return time.Time{}, false
	}
	var (
		next  time.Time
		found bool
	)
	for _, op := range q.ops {
		if op.Suspended {
			continue
		}
		if !found || op.NextEligibleAt.Before(next) {
			next = op.NextEligibleAt
			found = true
		}
	}
	if found && next.Before(q.pausedUntil) {
		next = q.pausedUntil
	}
	return next, found
}

// Persist writes the full in-memory queue to the store.
func (q *Queue) Persist(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops := make([]domain.QueuedOperation, 0, len(q.ops))
	for _, op := range q.ops {
		ops = append(ops, *op)
	}
	if err := q.store.Replace(ctx, ops); err != nil {
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

// Revalidate recomputes retry times against the wall clock after the process
// was suspended. Monotonic clock readings are dropped and no entry waits
// longer than its policy delay counted from its last attempt.
func (q *Queue) Revalidate(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().Round(0)
	q.pausedUntil = q.pausedUntil.Round(0)
	if limit := now.Add(q.policy.RateLimitDelay); q.pausedUntil.After(limit) {
		q.pausedUntil = limit
	}

	changed := 0
	var errs []error
	for id, op := range q.ops {
		next := *op
		next.NextEligibleAt = op.NextEligibleAt.Round(0)
		if op.LastAttemptAt != nil && !op.Suspended && op.LastErrorClass != failure.RateLimited {
			if d := q.policy.Delay(op.AttemptCount, op.LastErrorClass); d > 0 {
				expected := op.LastAttemptAt.Round(0).Add(d)
				if next.NextEligibleAt.After(expected) {
					next.NextEligibleAt = expected
				}
			}
		}
		if next.NextEligibleAt.Equal(op.NextEligibleAt) {
			*op = next
			continue
		}
		if err := q.store.Save(ctx, next); err != nil {
			errs = append(errs, fmt.Errorf("revalidate %s: %w", id, err))
			continue
		}
		*op = next
		changed++
	}
	if changed > 0 {
		log.Info().Int("changed", changed).Msg("queue schedule revalidated")
	}
	return changed, errors.Join(errs...)
}

// ResumeSuspended makes entries that were waiting for connectivity eligible now.
func (q *Queue) ResumeSuspended(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	resumed := 0
	var errs []error
	for id, op := range q.ops {
		if !op.Suspended {
			continue
		}
		next := *op
		next.Suspended = false
		next.NextEligibleAt = now
		if err := q.store.Save(ctx, next); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", id, err))
			continue
		}
		*op = next
		resumed++
	}
	if resumed > 0 {
		log.Info().Int("resumed", resumed).Msg("suspended operations resumed")
	}
	return resumed, errors.Join(errs...)
}

// Unblock lifts the authentication block after new credentials arrived.
func (q *Queue) Unblock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.authBlocked {
		q.authBlocked = false
		log.Info().Msg("queue unblocked")
	}
}

func (q *Queue) AuthBlocked() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.authBlocked
}

func (q *Queue) Archived(ctx context.Context) ([]domain.ArchivedOperation, error) {
	return q.store.ListArchive(ctx)
}

// Restore moves an archived entry back into the queue with a fresh attempt
// budget.
func (q *Queue) Restore(ctx context.Context, id string) (domain.QueuedOperation, error) {
	archived, err := q.store.GetArchived(ctx, id)
	if err != nil {
		return domain.QueuedOperation{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.MaxDepth > 0 && len(q.ops) >= q.cfg.MaxDepth {
		return domain.QueuedOperation{}, ErrQueueFull
	}
	dup, err := q.index.IsDuplicate(ctx, archived.Payload, q.payloadsLocked())
	if err != nil {
		return domain.QueuedOperation{}, fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		return domain.QueuedOperation{}, ErrDuplicate
	}

	op := archived.QueuedOperation
	op.AttemptCount = 0
	op.LastAttemptAt = nil
	op.Suspended = false
	op.NextEligibleAt = q.now()
	if err := q.store.Unarchive(ctx, op); err != nil {
		return domain.QueuedOperation{}, fmt.Errorf("restore operation: %w", err)
	}
	q.ops[op.ID] = &op

	log.Info().Str("operation_id", op.ID).Msg("operation restored from archive")
	q.bus.Publish(events.Event{Kind: events.Enqueued, OperationID: op.ID})
	return op, nil
}

// WaitIdle blocks until no send is in flight or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	return q.guard.Wait(ctx)
}
