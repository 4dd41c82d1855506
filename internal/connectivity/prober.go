package connectivity

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Prober feeds a Monitor by dialing a TCP address on an interval. It stands
// in for an OS reachability hook on platforms without one.
type Prober struct {
	monitor  *Monitor
	addr     string
	interval time.Duration
	timeout  time.Duration
	// slow marks a successful dial that took longer than this as constrained.
	slow time.Duration
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewProber(monitor *Monitor, addr string, interval time.Duration) *Prober {
	d := &net.Dialer{}
	return &Prober{
		monitor:  monitor,
		addr:     addr,
		interval: interval,
		timeout:  5 * time.Second,
		slow:     2 * time.Second,
		dial:     d.DialContext,
	}
}

func (p *Prober) Run(ctx context.Context) error {
	log.Info().Str("addr", p.addr).Dur("interval", p.interval).Msg("connectivity prober started")

	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs one reachability check and updates the monitor.
func (p *Prober) Probe(ctx context.Context) {
	c, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(c, "tcp", p.addr)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Debug().Err(err).Str("addr", p.addr).Msg("probe failed")
		p.monitor.Set(StatusDisconnected)
		return
	}
	_ = conn.Close()

	quality := QualityGood
	if time.Since(start) > p.slow {
		quality = QualityConstrained
	}
	p.monitor.SetWithQuality(StatusConnected, quality)
}
