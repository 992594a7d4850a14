// botd runs one gateway bot per roster credential: each instance gets its own
// websocket service, inbound queue, worker pool and archive flusher, while the
// command set and configuration are shared. The roster file is watched so
// instances follow edits without a restart.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"gatewaybot/botd/internal/archive"
	"gatewaybot/botd/internal/commands"
	"gatewaybot/botd/internal/config"
	"gatewaybot/botd/internal/dispatch"
	"gatewaybot/botd/internal/gateway"
	"gatewaybot/botd/internal/logging"
	"gatewaybot/botd/internal/queue"
	"gatewaybot/botd/internal/roster"
	"gatewaybot/botd/internal/transport"
	"gatewaybot/botd/internal/worker"
)

// teardownWait bounds how long shutdown waits for the final archive flush.
const teardownWait = 2 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "botd: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "botd: logging setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	creds, err := roster.FileSource{Path: cfg.RosterPath}.Load()
	if err != nil {
		logger.Fatal("roster load failed",
			logging.String("path", cfg.RosterPath),
			logging.Error(err))
	}
	if len(creds) == 0 {
		logger.Fatal("roster is empty", logging.String("path", cfg.RosterPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runner := newRunner(cfg, logger)
	runner.apply(ctx, creds)

	go func() {
		if err := roster.Watch(ctx, cfg.RosterPath, logger, func(next []roster.Credential) {
			runner.apply(ctx, next)
		}); err != nil {
			logger.Warn("roster watch unavailable", logging.Error(err))
		}
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("shutting down", logging.String("signal", sig.String()))

	cancel()
	runner.stopAll()
}

// runner supervises the live bot instances.
type runner struct {
	cfg    *config.Config
	logger *logging.Logger
	client *transport.HTTPClient

	mu        sync.Mutex
	instances map[string]*instance
	current   []roster.Credential
}

func newRunner(cfg *config.Config, logger *logging.Logger) *runner {
	return &runner{
		cfg:       cfg,
		logger:    logger,
		client:    transport.NewHTTPClient(0, logger),
		instances: make(map[string]*instance),
	}
}

// apply reconciles the running instances against a roster snapshot.
func (r *runner) apply(ctx context.Context, next []roster.Credential) {
	r.mu.Lock()
	added, removed, changed := roster.Diff(r.current, next)
	r.current = next
	r.mu.Unlock()

	for _, cred := range removed {
		r.stop(cred.Name)
	}
	for _, cred := range changed {
		r.stop(cred.Name)
	}
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = worker.PoolSize(len(next))
	}
	for _, cred := range append(added, changed...) {
		r.start(ctx, cred, workers)
	}
}

func (r *runner) start(ctx context.Context, cred roster.Credential, workers int) {
	inst, err := newInstance(ctx, r.cfg, r.logger, r.client, cred, workers)
	if err != nil {
		r.logger.Error("instance start failed",
			logging.String("bot", cred.Name),
			logging.Error(err))
		return
	}
	r.mu.Lock()
	r.instances[cred.Name] = inst
	r.mu.Unlock()
	r.logger.Info("instance started",
		logging.String("bot", cred.Name),
		logging.Int("workers", workers))
}

func (r *runner) stop(name string) {
	r.mu.Lock()
	inst, ok := r.instances[name]
	delete(r.instances, name)
	r.mu.Unlock()
	if !ok {
		return
	}
	inst.stop()
	r.logger.Info("instance stopped", logging.String("bot", name))
}

func (r *runner) stopAll() {
	r.mu.Lock()
	names := make([]string, 0, len(r.instances))
	for name := range r.instances {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		r.stop(name)
	}
}

// instance bundles everything one credential runs.
type instance struct {
	name    string
	logger  *logging.Logger
	queue   *queue.Queue
	pool    *worker.Pool
	service *gateway.Service
	flusher *archive.Flusher
	journal *archive.Journal

	svcCancel   context.CancelFunc
	flushCancel context.CancelFunc
	svcDone     chan struct{}
	flushDone   chan struct{}
}

func newInstance(ctx context.Context, cfg *config.Config, logger *logging.Logger, client *transport.HTTPClient, cred roster.Credential, workers int) (*instance, error) {
	dir := cred.Dir(cfg.DataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bot directory: %w", err)
	}

	log := logger.With(
		logging.String("bot", cred.Name),
		logging.String("run", uuid.NewString()))

	set := commands.New(commands.Config{
		BotName:   cred.Name,
		Token:     cred.Key,
		APIBase:   cfg.APIBase,
		PriceURL:  cfg.PriceURL,
		SearchURL: cfg.SearchURL,
		Dir:       dir,
		Client:    client,
		Logger:    log,
	})
	registry := dispatch.NewRegistry()
	if err := set.Register(registry); err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}
	registry.Seal()

	q := queue.New()
	journal, err := archive.OpenJournal(dir)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	inst := &instance{
		name:    cred.Name,
		logger:  log,
		queue:   q,
		pool:    worker.New(q, registry, workers, log),
		journal: journal,
		flusher: archive.NewFlusher(archive.FlusherConfig{
			Dir:       dir,
			Queue:     q,
			Interval:  cfg.FlushInterval,
			Threshold: cfg.FlushThreshold,
			Logger:    log,
			Journal:   journal,
		}),
		service: gateway.NewService(gateway.Config{
			Name:            cred.Name,
			Token:           cred.Key,
			URL:             cfg.GatewayURL,
			ConnectInterval: cfg.ConnectInterval,
			Queue:           q,
			Logger:          log,
			BackoffSeed:     time.Now().UnixNano(),
		}),
		svcDone:   make(chan struct{}),
		flushDone: make(chan struct{}),
	}

	if cfg.ShardCompress {
		if err := archive.NewCompactor(dir, cfg.ShardMaxAgeDays, nil).Run(); err != nil {
			log.Warn("shard compaction failed", logging.Error(err))
		}
	}

	var svcCtx, flushCtx context.Context
	svcCtx, inst.svcCancel = context.WithCancel(ctx)
	flushCtx, inst.flushCancel = context.WithCancel(context.Background())

	inst.pool.Start()
	go func() {
		defer close(inst.svcDone)
		inst.service.Run(svcCtx)
	}()
	go func() {
		defer close(inst.flushDone)
		inst.flusher.Run(flushCtx)
	}()
	return inst, nil
}

// stop tears the instance down in dependency order: connection first, then
// the queue and workers, then one final flush with a bounded wait.
func (i *instance) stop() {
	i.svcCancel()
	<-i.svcDone

	i.queue.Close()
	i.pool.Wait()

	i.flushCancel()
	select {
	case <-i.flushDone:
	case <-time.After(teardownWait):
		i.logger.Warn("final flush timed out")
	}
	if err := i.journal.Close(); err != nil {
		i.logger.Warn("journal close failed", logging.Error(err))
	}
}
