// Package worker runs the drain loop that feeds queued posts to the
// transport.
package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"postflow/internal/queue"
)

type Drainer interface {
	Drain(ctx context.Context, maxItems int) (queue.Result, error)
	NextWake() (time.Time, bool)
}

type Connectivity interface {
	Online() bool
}

// Loop sleeps until the queue's next retry time or an explicit Wake, then
// runs one drain pass. It never polls an empty or blocked queue.
type Loop struct {
	q     Drainer
	net   Connectivity
	batch int
	wake  chan struct{}
	// floor is the shortest sleep after a pass that made no progress.
	floor        time.Duration
	errorBackoff time.Duration
	now          func() time.Time
}

func NewLoop(q Drainer, net Connectivity, batch int) *Loop {
	return &Loop{
		q:            q,
		net:          net,
		batch:        batch,
		wake:         make(chan struct{}, 1),
		floor:        250 * time.Millisecond,
		errorBackoff: 5 * time.Second,
		now:          time.Now,
	}
}

// Wake preempts the current sleep. It never blocks.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) Run(ctx context.Context) error {
	log.Info().Int("batch", l.batch).Msg("drain loop started")

	t := time.NewTimer(0)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("drain loop stopped")
			return nil
		case <-l.wake:
		case <-t.C:
		}

		res, err := l.q.Drain(ctx, l.batch)
		if ctx.Err() != nil {
			return nil
		}

		d, ok := l.nextDelay(res)
		if err != nil {
			log.Error().Err(err).Msg("drain pass failed")
			d, ok = max(d, l.errorBackoff), true
		}

		t.Stop()
		if ok {
			t.Reset(d)
			log.Debug().Dur("sleep", d).Msg("drain loop sleeping")
		} else {
			log.Debug().Msg("drain loop waiting for wake")
		}
	}
}

// nextDelay returns how long to sleep, or ok=false to wait for Wake alone.
func (l *Loop) nextDelay(res queue.Result) (time.Duration, bool) {
	if l.net != nil && !l.net.Online() {
		return 0, false
	}
	if l.batch > 0 && res.Succeeded+res.Failed+res.Rescheduled >= l.batch {
		// A full batch may have left eligible entries behind.
		return 0, true
	}
	at, ok := l.q.NextWake()
	if !ok {
		return 0, false
	}
	d := at.Sub(l.now())
	if d < l.floor && res == (queue.Result{}) {
		d = l.floor
	}
	return max(d, 0), true
}
