// Package populator runs the ingestion pipeline: one reader per configured
// source bucket, ticked on a cron schedule with bounded parallelism.
//
// Each reader bootstraps a complete inventory of its bucket (snapshot
// phase), then tails the bucket's record log (tail phase), publishing
// canonical events to the bus and checkpointing progress on the coordinator
// after every successful batch.
package populator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"bucketstream/internal/bucketapi"
	"bucketstream/internal/bus"
	"bucketstream/internal/config"
	"bucketstream/internal/coord"
	"bucketstream/internal/logging"
	"bucketstream/internal/secrets"
)

// ClientFactory builds a source client from connection parameters. The
// default constructs a bucketapi.Client; tests substitute fakes.
type ClientFactory func(cfg bucketapi.Config) SourceClient

// Config holds the populator's collaborators and settings.
type Config struct {
	Settings    config.QueuePopulator
	Coordinator coord.Coordinator
	Producer    bus.Producer

	// SecretKey decrypts source credentials at the reader boundary.
	SecretKey secrets.Key

	// ClientFactory is optional; the default speaks the real source API.
	ClientFactory ClientFactory

	// Extensions apply to every reader. The built-in ingestion extension
	// is used when none are given. Each reader gets its own instances via
	// the factory, so extension state never crosses buckets.
	ExtensionFactory func() []Extension

	Logger *slog.Logger
}

type readerEntry struct {
	reader    *Reader
	canonical string
}

// Populator owns the reader fleet and the tick scheduler.
type Populator struct {
	settings      config.QueuePopulator
	coordinator   coord.Coordinator
	producer      bus.Producer
	secretKey     secrets.Key
	clientFactory ClientFactory
	extFactory    func() []Extension
	logger        *slog.Logger

	mu      sync.Mutex
	readers map[string]*readerEntry // name/bucket -> entry

	scheduler gocron.Scheduler
	runCtx    context.Context
}

// New builds an empty populator; ApplyConfig installs the readers.
func New(cfg Config) (*Populator, error) {
	if cfg.Coordinator == nil || cfg.Producer == nil {
		return nil, errors.New("populator: coordinator and producer are required")
	}
	factory := cfg.ClientFactory
	if factory == nil {
		factory = func(c bucketapi.Config) SourceClient { return bucketapi.New(c) }
	}
	if cfg.Settings.MaxParallelReaders <= 0 {
		cfg.Settings.MaxParallelReaders = config.DefaultMaxParallelReaders
	}
	if cfg.Settings.CronRule == "" {
		cfg.Settings.CronRule = config.DefaultCronRule
	}

	return &Populator{
		settings:      cfg.Settings,
		coordinator:   cfg.Coordinator,
		producer:      cfg.Producer,
		secretKey:     cfg.SecretKey,
		clientFactory: factory,
		extFactory:    cfg.ExtensionFactory,
		logger:        logging.Default(cfg.Logger).With("component", "populator"),
		readers:       make(map[string]*readerEntry),
	}, nil
}

func sourceID(s config.Source) string {
	return s.Name + "/" + s.Bucket
}

// ApplyConfig reconciles the reader fleet against the given sources. New
// sources get readers, removed sources lose theirs, and sources whose
// editable connection fields changed get a rebuilt client while keeping
// their reader — and with it all durable progress.
//
// A source whose secret does not decrypt is skipped and reported; the
// remaining sources are still applied.
func (p *Populator) ApplyConfig(sources []config.Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	seen := make(map[string]bool, len(sources))

	for _, src := range sources {
		id := sourceID(src)
		seen[id] = true

		secret, err := src.DecryptSecret(p.secretKey)
		if err != nil {
			errs = append(errs, err)
			p.logger.Error("reader refused to start",
				"method", "Populator.ApplyConfig", "source", id, "error", err)
			continue
		}

		clientCfg := bucketapi.Config{
			Host:      src.Host,
			Port:      src.Port,
			UseTLS:    src.HTTPS,
			AccessKey: src.Auth.AccessKey,
			SecretKey: secret,
			Logger:    p.logger,
		}
		canonical := bucketapi.CanonicalConfig(clientCfg)

		if entry, ok := p.readers[id]; ok {
			if entry.canonical != canonical {
				entry.reader.RefreshClient(p.clientFactory(clientCfg))
				entry.canonical = canonical
				p.logger.Info("source credentials refreshed",
					"method", "Populator.ApplyConfig", "source", id)
			}
			continue
		}

		var extensions []Extension
		if p.extFactory != nil {
			extensions = p.extFactory()
		}
		reader := NewReader(ReaderConfig{
			SourceBucket:   src.Bucket,
			TargetName:     src.Name,
			Client:         p.clientFactory(clientCfg),
			Coordinator:    p.coordinator,
			Producer:       p.producer,
			Topic:          p.settings.Topic,
			Root:           p.settings.ZookeeperPath,
			Extensions:     extensions,
			BatchMaxRead:   p.settings.BatchMaxRead,
			Concurrency:    p.settings.Concurrency,
			PublishTimeout: p.settings.PublishTimeoutDuration(0),
			Logger:         p.logger,
		})
		p.readers[id] = &readerEntry{reader: reader, canonical: canonical}
		p.logger.Info("reader added", "method", "Populator.ApplyConfig", "source", id)
	}

	for id := range p.readers {
		if !seen[id] {
			delete(p.readers, id)
			p.logger.Info("reader removed", "method", "Populator.ApplyConfig", "source", id)
		}
	}

	return errors.Join(errs...)
}

// Readers returns the current reader fleet, for inspection.
func (p *Populator) Readers() []*Reader {
	p.mu.Lock()
	defer p.mu.Unlock()
	readers := make([]*Reader, 0, len(p.readers))
	for _, entry := range p.readers {
		readers = append(readers, entry.reader)
	}
	return readers
}

// ProcessAll runs one batch on every idle reader, at most
// MaxParallelReaders at a time. Errors are logged, never propagated: the
// next tick retries from durable progress.
func (p *Populator) ProcessAll(ctx context.Context) {
	readers := p.Readers()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.settings.MaxParallelReaders)
	for _, reader := range readers {
		if !reader.Idle() {
			continue
		}
		g.Go(func() error {
			if err := reader.ProcessBatch(gctx); err != nil {
				p.logger.Error("batch failed",
					"method", "Populator.ProcessAll",
					"bucket", reader.TargetBucket(),
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Start registers the cron tick and begins processing. The context bounds
// every batch the scheduler fires.
func (p *Populator) Start(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("populator: create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.CronJob(p.settings.CronRule, true),
		gocron.NewTask(p.tick),
		gocron.WithName("populator-batch"),
	)
	if err != nil {
		return fmt.Errorf("populator: schedule batch job %q: %w", p.settings.CronRule, err)
	}

	p.runCtx = ctx
	p.scheduler = scheduler
	scheduler.Start()
	p.logger.Info("populator started", "cron", p.settings.CronRule, "readers", len(p.readers))
	return nil
}

func (p *Populator) tick() {
	ctx := p.runCtx
	if ctx == nil || ctx.Err() != nil {
		return
	}
	p.ProcessAll(ctx)
}

// Stop shuts the scheduler down and waits for running batches to finish.
func (p *Populator) Stop() error {
	if p.scheduler == nil {
		return nil
	}
	if err := p.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("populator: stop scheduler: %w", err)
	}
	p.logger.Info("populator stopped")
	return nil
}
