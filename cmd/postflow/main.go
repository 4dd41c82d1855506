package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"postflow/internal/api"
	"postflow/internal/config"
	"postflow/internal/connectivity"
	"postflow/internal/coordinator"
	"postflow/internal/credential"
	"postflow/internal/dedup"
	"postflow/internal/events"
	"postflow/internal/guard"
	"postflow/internal/queue"
	"postflow/internal/scheduler"
	"postflow/internal/secrets"
	"postflow/internal/store"
	"postflow/internal/transport"
	"postflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	var (
		addr    = flag.String("addr", cfg.Addr, "HTTP bind address")
		dbPath  = flag.String("db", cfg.DBPath, "SQLite DB path")
		offline = flag.Bool("offline", false, "start disconnected and skip probing")
	)
	flag.Parse()

	setupLogging(cfg)

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var sent dedup.SentStore = db
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("parse redis url")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		sent = dedup.NewRedisStore(rdb, cfg.RedisPrefix, cfg.DedupWindow)
		log.Info().Str("addr", opts.Addr).Msg("dedup window stored in redis")
	}

	var creds secrets.Store
	if cfg.SecretKey != "" {
		key, err := cfg.SecretKeyBytes()
		if err != nil {
			log.Fatal().Err(err).Msg("secret key")
		}
		if creds, err = secrets.NewEncryptedFile(cfg.CredentialsPath, key); err != nil {
			log.Fatal().Err(err).Msg("open credentials file")
		}
	} else {
		log.Warn().Msg("POSTFLOW_SECRET_KEY not set, credentials are kept in memory only")
		creds = secrets.NewMemory()
	}

	initial := connectivity.StatusUnknown
	if *offline {
		initial = connectivity.StatusDisconnected
	}
	monitor := connectivity.NewMonitor(initial)
	bus := events.NewBus(64)
	g := guard.New()
	client := transport.New(cfg.Transport, creds)
	index := dedup.NewIndex(sent,
		dedup.WithWindow(cfg.DedupWindow),
		dedup.WithThreshold(cfg.DedupThreshold),
	)

	q := queue.New(db, index, client,
		queue.WithConfig(cfg.Queue),
		queue.WithPolicy(cfg.Backoff),
		queue.WithGuard(g),
		queue.WithConnectivity(monitor),
		queue.WithEvents(bus),
	)
	refresher := credential.New(client, db, creds, g,
		credential.WithConfig(cfg.Credential),
		credential.WithPolicy(cfg.Backoff),
		credential.WithConnectivity(monitor),
		credential.WithEvents(bus),
	)
	maint, err := scheduler.NewService(index, refresher, db, cfg.Maintenance)
	if err != nil {
		log.Fatal().Err(err).Msg("maintenance jobs")
	}

	deps := coordinator.Deps{
		Queue:       q,
		Credentials: refresher,
		Secrets:     creds,
		Loop:        worker.NewLoop(q, monitor, cfg.DrainBatch),
		Monitor:     monitor,
		Bus:         bus,
		Guard:       g,
		Maintenance: maint,
	}
	if cfg.ProbeAddr != "" && !*offline {
		deps.Prober = connectivity.NewProber(monitor, cfg.ProbeAddr, cfg.ProbeInterval)
	}
	coord := coordinator.New(deps)

	ctx, cancel := context.WithCancel(context.Background())
	if n, err := q.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("load queue")
	} else {
		log.Info().Int("depth", n).Msg("queue loaded")
	}

	runDone := make(chan error, 1)
	go func() { runDone <- coord.Run(ctx) }()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(coord)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
	case err := <-runDone:
		log.Error().Err(err).Msg("coordinator stopped")
	}
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	cancel()
	if err := coord.Shutdown(ctxTimeout); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
}
