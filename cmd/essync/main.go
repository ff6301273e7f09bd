package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/lying200/db-bench-order/internal/config"
	"github.com/lying200/db-bench-order/internal/index"
	"github.com/lying200/db-bench-order/internal/journal"
	"github.com/lying200/db-bench-order/internal/normalize"
	"github.com/lying200/db-bench-order/internal/pipeline"
	"github.com/lying200/db-bench-order/internal/source/nats"
	"github.com/lying200/db-bench-order/internal/source/postgres"
	"github.com/lying200/db-bench-order/internal/telemetry"
	"github.com/lying200/db-bench-order/internal/writer"
	"github.com/lying200/db-bench-order/pkg/types"
)

type source interface {
	Start(ctx context.Context) error
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// 1. Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// 2. Telemetry
	telemetry.Init(cfg.Telemetry.Address)
	slog.Info("Starting essync", "source", cfg.Source.Kind, "workers", cfg.Pipeline.WorkerCount, "index", cfg.Index.Addresses)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Synchronization stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	// 3. Checkpoint
	store, err := newCheckpointStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer store.Close()

	start, err := store.Load(ctx)
	if err != nil {
		return err
	}
	cm := pipeline.NewCheckpointManager(start)
	slog.Info("Checkpoint loaded", "position", start)

	// 4. Journal
	jsink, err := newJournalSink(ctx, cfg.Journal)
	if err != nil {
		return err
	}
	defer jsink.Close()
	recorder := journal.NewRecorder(jsink, cfg.Journal.BatchSize, cfg.Journal.Interval)

	// 5. Writers
	normalizer := normalize.New(normalize.NewKeyResolver(cfg.Normalize.PrimaryKeys, cfg.Normalize.DefaultKey))
	dial := index.ElasticsearchDialer(cfg.Index)
	writers := make([]pipeline.EventWriter, 0, cfg.Pipeline.WorkerCount)
	for i := 0; i < cfg.Pipeline.WorkerCount; i++ {
		w, err := writer.New(ctx, writer.Config{
			ID:            i,
			BulkSize:      cfg.Pipeline.BulkSize,
			FlushInterval: cfg.Pipeline.FlushInterval,
			Index: index.Options{
				ConnectRetry: cfg.Index.ConnectRetry.Policy(),
				BulkRetry:    cfg.Index.BulkRetry.Policy(),
			},
		}, normalizer, dial, writer.WithFlushHook(recorder.Record))
		if err != nil {
			for _, started := range writers {
				started.Close(context.Background())
			}
			return err
		}
		writers = append(writers, w)
	}

	// 6. Dispatcher and source
	dispatcher := pipeline.NewDispatcher(cfg.Pipeline, writers, normalizer.RoutingKey, cm)
	eventCh := make(chan *types.RawEvent, cfg.Pipeline.BufferSize)

	var src source
	switch cfg.Source.Kind {
	case config.SourceNATS:
		src = nats.NewSource(cfg.Source.NATS, cm, eventCh)
	default:
		src = postgres.NewSource(cfg.Source.Postgres, cm, eventCh)
	}

	// 7. Start components
	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(context.Background())
	defer stopAux()

	g.Go(func() error {
		return src.Start(gctx)
	})
	g.Go(func() error {
		// the dispatcher ends once the source closes the channel
		return dispatcher.Run(gctx, eventCh)
	})

	aux, _ := errgroup.WithContext(auxCtx)
	aux.Go(func() error {
		return cm.Run(auxCtx, store, cfg.Checkpoint.Interval)
	})
	aux.Go(func() error {
		return recorder.Run(auxCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// writers are closed; persist what their final flushes made safe
	stopAux()
	aux.Wait()
	if saveErr := store.Save(context.Background(), cm.GetSafePosition()); saveErr != nil {
		slog.Error("Failed to persist final checkpoint", "error", saveErr)
	}
	return err
}

func newCheckpointStore(cfg config.CheckpointConfig) (pipeline.CheckpointStore, error) {
	if cfg.RedisURL == "" {
		slog.Warn("No checkpoint store configured, positions are kept in memory")
		return &pipeline.MemoryStore{}, nil
	}
	return pipeline.NewRedisStore(cfg.RedisURL, cfg.Key)
}

func newJournalSink(ctx context.Context, cfg config.JournalConfig) (journal.Sink, error) {
	if !cfg.Enabled() {
		return journal.Nop{}, nil
	}
	ch, err := journal.NewClickHouseSink(ctx, cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Initialized flush journal", "table", cfg.Table)
	return journal.NewRetrySink("journal", ch, cfg.Retry.Policy(), nil), nil
}
