package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"CreditLedger/internal/config"
	"CreditLedger/internal/core"
	"CreditLedger/internal/event"
	"CreditLedger/internal/ingestion"
	"CreditLedger/internal/observability"
	"CreditLedger/internal/persistence"
	"CreditLedger/internal/projection"
	"CreditLedger/internal/query"
	"CreditLedger/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	publishChanSize = 4096
	warmKeys        = 100_000
)

func main() {
	log := observability.NewLogger("creditledger")
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("creditledger stopped")
	}
	log.Info().Msg("creditledger stopped")
}

func run(log zerolog.Logger) error {
	cfg := config.DefaultService()
	if err := cfg.Validate(); err != nil {
		return err
	}
	proto, err := config.LoadProtocol(cfg.ProtocolFile)
	if err != nil {
		return err
	}
	coreCfg, err := proto.Core(cfg.IdempotencyLRUCapacity)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir, log).Up(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Core ---
	// Persist blocks (backpressure); projection drops when full.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	credit, err := core.NewDeterministicCore(
		coreCfg,
		persistChan,
		projectionChan,
		persistence.NewPostgresIdempotencyChecker(db),
		metrics,
		log,
	)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	// --- Recovery ---
	reader := persistence.NewEventLogReader(db)
	credit.SetKeeperEnabled(false)
	replayed, err := persistence.Recover(ctx, reader, credit, metrics, log)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	keys, err := reader.RecentIdempotencyKeys(ctx, warmKeys)
	if err != nil {
		log.Warn().Err(err).Msg("idempotency warm-up skipped")
	}
	credit.WarmLRU(keys)
	credit.SetKeeperEnabled(true)
	log.Info().
		Int64("replayed", replayed).
		Int64("next_sequence", credit.GetSequence()).
		Hex("state_hash", hashBytes(credit.GetStateHash())).
		Msg("state recovered")

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		return err
	}
	defer nc.Drain()
	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return err
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, log); err != nil {
		return err
	}
	healthChecker.AddCheck("nats", func(context.Context) error {
		if nc.Status() != nats.CONNECTED {
			return fmt.Errorf("nats %s", nc.Status())
		}
		return nil
	})

	// --- Workers ---
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("worker", name).Msg("worker exited")
			}
		}()
	}

	publishChan := make(chan ingestion.PublishableEvent, publishChanSize)
	onFlushed := func(envs []*event.EventEnvelope) {
		for _, env := range envs {
			select {
			case publishChan <- ingestion.FromEnvelope(env):
			default:
				metrics.PublishDrops.Inc()
			}
		}
	}
	start("publisher", ingestion.NewOutboundPublisher(js, publishChan, log).Run)
	start("persistence", persistence.NewPersistenceWorker(
		db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, onFlushed, metrics, log,
	).Run)

	var store query.Store = query.NewPostgresStore(db)
	hub := server.NewWSHub(metrics, log)
	sinks := []projection.Sink{hub}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		cached := query.NewCachedStore(store, rdb, cfg.CacheTTL, metrics)
		store = cached
		sinks = append(sinks, cached)
		healthChecker.AddCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	start("projection", projection.NewProjectionWorker(db, projectionChan, metrics, log, sinks...).Run)

	// Seed projections with the recovered state.
	credit.PublishState()

	// --- API ---
	srv, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Query:         query.NewQueryService(store, db, metrics),
		Ingest:        ingestion.NewCommandIngestService(js),
		Hub:           hub,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Log:           log,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	start("grpc", srv.StartGRPC)
	start("http", srv.StartHTTP)

	// --- Ingestion ---
	rawChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, log)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		return err
	}

	healthChecker.SetReady(true)
	srv.SetServing(true)
	log.Info().Str("http", cfg.HTTPAddr).Str("grpc", cfg.GRPCAddr).Msg("creditledger ready")

	runCore(ctx, credit, rawChan, metrics, log)

	// --- Shutdown ---
	healthChecker.SetReady(false)
	srv.SetServing(false)
	subscriber.Stop()
	close(persistChan)
	close(projectionChan)
	wg.Wait()
	return nil
}

// runCore is the only goroutine that touches the core.
func runCore(
	ctx context.Context,
	credit *core.DeterministicCore,
	rawChan <-chan ingestion.RawEvent,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-rawChan:
			metrics.SetChannelMetrics("ingest", len(rawChan), cap(rawChan))

			evt, err := ingestion.ParseRawEvent(raw)
			if err != nil {
				// Redelivery cannot fix a malformed command.
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable command")
				ack(raw)
				continue
			}
			if err := credit.ProcessEvent(evt); err != nil {
				log.Warn().Err(err).
					Str("type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("command refused, will be redelivered")
				if raw.NakFunc != nil {
					raw.NakFunc()
				}
				continue
			}
			ack(raw)
		}
	}
}

func ack(raw ingestion.RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func hashBytes(h [32]byte) []byte { return h[:] }
