// Package scheduler runs periodic maintenance: the dedup window sweep, the
// credential watchdog and archive retention.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"postflow/internal/credential"
)

type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Ticker interface {
	Tick(ctx context.Context) credential.Outcome
}

type ArchivePurger interface {
	PurgeArchive(ctx context.Context, before time.Time) (int, error)
}

type Config struct {
	SweepSpec        string        `env:"SWEEP_SPEC" envDefault:"@every 1m"`
	WatchdogSpec     string        `env:"WATCHDOG_SPEC" envDefault:"@every 5m"`
	PurgeSpec        string        `env:"PURGE_SPEC" envDefault:"@daily"`
	ArchiveRetention time.Duration `env:"ARCHIVE_RETENTION" envDefault:"720h"`
}

func DefaultConfig() Config {
	return Config{
		SweepSpec:        "@every 1m",
		WatchdogSpec:     "@every 5m",
		PurgeSpec:        "@daily",
		ArchiveRetention: 30 * 24 * time.Hour,
	}
}

// Job describes one registered maintenance job.
type Job struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev,omitempty"`
}

type Service struct {
	cron    *cron.Cron
	cfg     Config
	sweeper Sweeper
	ticker  Ticker
	purger  ArchivePurger
	now     func() time.Time

	mu   sync.Mutex
	ctx  context.Context
	jobs map[cron.EntryID]Job
}

func NewService(sweeper Sweeper, ticker Ticker, purger ArchivePurger, cfg Config) (*Service, error) {
	logger := cronLogger{}
	s := &Service{
		cron:    cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		cfg:     cfg,
		sweeper: sweeper,
		ticker:  ticker,
		purger:  purger,
		now:     time.Now,
		ctx:     context.Background(),
		jobs:    make(map[cron.EntryID]Job),
	}

	add := func(name, spec string, fn func(context.Context)) error {
		if spec == "" {
			return nil
		}
		id, err := s.cron.AddFunc(spec, func() { fn(s.context()) })
		if err != nil {
			return fmt.Errorf("schedule %s %q: %w", name, spec, err)
		}
		s.jobs[id] = Job{Name: name, Spec: spec}
		return nil
	}

	if sweeper != nil {
		if err := add("dedup_sweep", cfg.SweepSpec, s.sweepDedup); err != nil {
			return nil, err
		}
	}
	if ticker != nil {
		if err := add("credential_watchdog", cfg.WatchdogSpec, s.watchdog); err != nil {
			return nil, err
		}
	}
	if purger != nil {
		if err := add("archive_purge", cfg.PurgeSpec, s.purgeArchive); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Int("jobs", len(s.jobs)).Msg("maintenance scheduler started")
}

// Stop halts the scheduler and waits for running jobs.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("maintenance scheduler stopped")
}

func (s *Service) Jobs() []Job {
	var out []Job
	for _, e := range s.cron.Entries() {
		j, ok := s.jobs[e.ID]
		if !ok {
			continue
		}
		j.Next = e.Next
		j.Prev = e.Prev
		out = append(out, j)
	}
	return out
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Service) sweepDedup(ctx context.Context) {
	n, err := s.sweeper.Sweep(ctx, s.now())
	if err != nil {
		log.Error().Err(err).Msg("failed to sweep dedup window")
		return
	}
	if n > 0 {
		log.Info().Int("purged", n).Msg("dedup window swept")
	}
}

// watchdog is a safety net under the scheduler's own timers.
func (s *Service) watchdog(ctx context.Context) {
	outcome := s.ticker.Tick(ctx)
	log.Debug().Str("outcome", string(outcome)).Msg("credential watchdog tick")
}

func (s *Service) purgeArchive(ctx context.Context) {
	before := s.now().Add(-s.cfg.ArchiveRetention)
	n, err := s.purger.PurgeArchive(ctx, before)
	if err != nil {
		log.Error().Err(err).Msg("failed to purge archive")
		return
	}
	log.Info().Int("purged", n).Time("before", before).Msg("archive purged")
}

// ValidateSpec checks a cron expression or descriptor.
func ValidateSpec(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
