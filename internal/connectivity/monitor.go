// Package connectivity tracks whether the network is usable and tells
// subscribers when that changes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

type Quality string

const (
	QualityGood        Quality = "good"
	QualityConstrained Quality = "constrained"
)

// Change is emitted on every status or quality transition.
type Change struct {
	From    Status
	To      Status
	Quality Quality
	At      time.Time
}

// Restored reports whether the change brought the network back.
func (c Change) Restored() bool {
	return c.To == StatusConnected && c.From != StatusConnected
}

type Monitor struct {
	mu      sync.RWMutex
	status  Status
	quality Quality
	subs    map[chan Change]struct{}
	now     func() time.Time
}

// NewMonitor starts in the given status. Unknown is treated as online so a
// fresh process does not sit idle waiting for a first signal.
func NewMonitor(initial Status) *Monitor {
	if initial == "" {
		initial = StatusUnknown
	}
	return &Monitor{
		status:  initial,
		quality: QualityGood,
		subs:    make(map[chan Change]struct{}),
		now:     time.Now,
	}
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Monitor) Quality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

// Online reports whether sends should be attempted.
func (m *Monitor) Online() bool {
	return m.Status() != StatusDisconnected
}

func (m *Monitor) Set(status Status) {
	m.SetWithQuality(status, QualityGood)
}

func (m *Monitor) SetWithQuality(status Status, quality Quality) {
	m.mu.Lock()
	if m.status == status && m.quality == quality {
		m.mu.Unlock()
		return
	}
	change := Change{From: m.status, To: status, Quality: quality, At: m.now()}
	m.status = status
	m.quality = quality
	for ch := range m.subs {
		select {
		case ch <- change:
		default:
			log.Warn().Str("to", string(status)).Msg("connectivity change dropped for slow subscriber")
		}
	}
	m.mu.Unlock()

	log.Info().Str("from", string(change.From)).Str("to", string(status)).Str("quality", string(quality)).Msg("connectivity changed")
}

// Subscribe returns a channel of changes that is closed when ctx is done.
func (m *Monitor) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, 8)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}
