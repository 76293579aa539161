// Package app wires configuration into the running components shared by
// the api, cli and worker binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finance-assistant/internal/aggregator"
	"github.com/dvloznov/finance-assistant/internal/api/handlers"
	"github.com/dvloznov/finance-assistant/internal/config"
	"github.com/dvloznov/finance-assistant/internal/domain"
	"github.com/dvloznov/finance-assistant/internal/embedding"
	"github.com/dvloznov/finance-assistant/internal/gcs"
	"github.com/dvloznov/finance-assistant/internal/indexer"
	infraBQ "github.com/dvloznov/finance-assistant/internal/infra/bigquery"
	"github.com/dvloznov/finance-assistant/internal/infra/filestore"
	"github.com/dvloznov/finance-assistant/internal/intent"
	"github.com/dvloznov/finance-assistant/internal/jobs"
	"github.com/dvloznov/finance-assistant/internal/jobs/inmemory"
	"github.com/dvloznov/finance-assistant/internal/llm"
	"github.com/dvloznov/finance-assistant/internal/logger"
	"github.com/dvloznov/finance-assistant/internal/memory"
	"github.com/dvloznov/finance-assistant/internal/metrics"
	"github.com/dvloznov/finance-assistant/internal/orchestrator"
	"github.com/dvloznov/finance-assistant/internal/retrieval"
	"github.com/dvloznov/finance-assistant/internal/synth"
)

// Source is the data layer: per-user reads for queries, full scans for index builds.
type Source interface {
	aggregator.TransactionSource
	indexer.Source
}

// reloader is implemented by sources that cache their data in memory.
type reloader interface {
	Reload(ctx context.Context) error
}

// App holds the wired components.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Currency domain.Currency

	Source       Source
	Memory       memory.Store
	Embedder     embedding.Embedder
	Index        *retrieval.Index
	Retriever    *retrieval.Retriever
	Builder      *indexer.Builder
	Orchestrator *orchestrator.Orchestrator
	Metrics      *metrics.Metrics
	Jobs         *inmemory.Store
	Queue        *inmemory.Queue

	closers []func() error
}

// Option overrides a component New would otherwise build from config.
type Option func(*overrides)

type overrides struct {
	source    Source
	completer llm.Completer
	store     gcs.ObjectStore
	redis     redis.UniversalClient
	now       func() time.Time
}

// WithSource uses src instead of the configured data source.
func WithSource(src Source) Option { return func(o *overrides) { o.source = src } }

// WithCompleter uses c as the model for classification and synthesis.
func WithCompleter(c llm.Completer) Option { return func(o *overrides) { o.completer = c } }

// WithObjectStore uses s for index snapshots.
func WithObjectStore(s gcs.ObjectStore) Option { return func(o *overrides) { o.store = s } }

// WithRedis uses client for the redis memory backend.
func WithRedis(client redis.UniversalClient) Option { return func(o *overrides) { o.redis = client } }

// WithClock fixes the clock used to resolve relative dates.
func WithClock(now func() time.Time) Option { return func(o *overrides) { o.now = now } }

// New builds every component. Callers must Close the App.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (_ *App, err error) {
	var ov overrides
	for _, opt := range opts {
		opt(&ov)
	}
	if ov.now == nil {
		ov.now = time.Now
	}

	a := &App{
		Config:   cfg,
		Log:      log,
		Currency: domain.Currency{Symbol: cfg.Currency.Symbol, Exponent: cfg.Currency.Exponent},
		Metrics:  metrics.New(),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.Source, err = a.newSource(ctx, ov.source); err != nil {
		return nil, err
	}
	if a.Memory, err = a.newMemory(ctx, ov.redis); err != nil {
		return nil, err
	}
	if a.Embedder, err = a.newEmbedder(ctx); err != nil {
		return nil, err
	}
	a.Embedder = embedding.WithTimeout(a.Embedder, cfg.Embedding.Timeout)
	completer, err := a.newCompleter(ctx, ov.completer)
	if err != nil {
		return nil, err
	}

	a.Index = retrieval.NewIndex()
	cache, err := retrieval.NewRistrettoCache(cfg.Retrieval.CacheMaxEntries)
	if err != nil {
		return nil, fmt.Errorf("app.New: query cache: %w", err)
	}
	a.closers = append(a.closers, func() error { cache.Close(); return nil })
	a.Index.OnSwap(func(g *retrieval.Generation) { a.Metrics.IndexSwapped(g.ID, g.Documents) })

	a.Retriever = retrieval.NewRetriever(a.Index, a.Embedder, cache, retrieval.Options{
		DefaultTopK:   cfg.Retrieval.DefaultTopK,
		MaxTopK:       cfg.Retrieval.MaxTopK,
		CacheTTL:      cfg.Retrieval.CacheTTL,
		OnCacheLookup: a.Metrics.CacheLookup,
	}, log.With().Str("component", "retriever").Logger())

	store := ov.store
	if store == nil && cfg.Snapshot.Bucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("app.New: snapshot store: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store = client
	}
	a.Builder = indexer.NewBuilder(a.Source, a.Embedder, a.Index, store, indexer.Options{
		Concurrency: cfg.Embedding.Concurrency,
		Currency:    a.Currency,
		Bucket:      cfg.Snapshot.Bucket,
		Object:      cfg.Snapshot.Object,
		OnRebuild: func(_ *retrieval.Generation, err error) {
			a.Metrics.Rebuild(err)
		},
	}, log.With().Str("component", "indexer").Logger())

	var classifier intent.Classifier = intent.NewRuleClassifier(ov.now, a.Currency)
	var synthModel llm.Completer
	if completer != nil {
		classifier = intent.NewLLMClassifier(llm.WithTimeout(completer, cfg.LLM.ClassifyTimeout),
			ov.now, a.Currency, cfg.Memory.ContextTurns, log.With().Str("component", "classifier").Logger())
		synthModel = llm.WithTimeout(completer, cfg.LLM.SynthesisTimeout)
	}

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Memory:       a.Memory,
		Classifier:   classifier,
		Aggregator:   aggregator.New(aggregator.WithReadTimeout(a.Source, cfg.Data.ReadTimeout), cfg.Aggregation.DefaultLimit, cfg.Aggregation.MaxLimit),
		Retriever:    a.Retriever,
		Synthesizer:  synth.New(synthModel, a.Currency, cfg.LLM.MaxTokens, log.With().Str("component", "synth").Logger()),
		Recorder:     a.Metrics,
		HistoryTurns: cfg.Memory.ContextTurns,
		Now:          ov.now,
	}, log.With().Str("component", "orchestrator").Logger())

	a.Jobs = inmemory.NewStore()
	a.Queue = inmemory.NewQueue(inmemory.Options{
		BufferSize: cfg.Jobs.QueueSize,
		Workers:    cfg.Jobs.Workers,
		MaxRetries: cfg.Jobs.MaxRetries,
	}, a.Jobs, log.With().Str("component", "jobs").Logger())
	a.closers = append(a.closers, a.Queue.Close)

	return a, nil
}

func (a *App) newSource(ctx context.Context, override Source) (Source, error) {
	if override != nil {
		return override, nil
	}
	switch a.Config.Data.Source {
	case "bigquery":
		repo, err := infraBQ.NewTransactionRepository(ctx, infraBQ.Table{
			ProjectID: a.Config.BigQuery.ProjectID,
			Dataset:   a.Config.BigQuery.Dataset,
			Name:      a.Config.BigQuery.Table,
		}, a.Currency, a.Log.With().Str("component", "bigquery").Logger())
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		a.closers = append(a.closers, repo.Close)
		return repo, nil
	default:
		fs, err := filestore.Open(a.Config.Data.FilePath, a.Currency)
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		return fs, nil
	}
}

func (a *App) newMemory(ctx context.Context, client redis.UniversalClient) (memory.Store, error) {
	if a.Config.Memory.Backend != "redis" {
		return memory.NewRingStore(a.Config.Memory.Turns), nil
	}
	if client == nil {
		rc := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		a.closers = append(a.closers, rc.Close)
		client = rc
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("app.New: redis ping: %w", err)
	}
	return memory.NewRedisStore(client, a.Config.Memory.Turns, a.Config.Memory.TTL), nil
}

func (a *App) newEmbedder(ctx context.Context) (embedding.Embedder, error) {
	if a.Config.Embedding.Provider != "gemini" {
		return embedding.NewHashEmbedder(a.Config.Embedding.Dimensions), nil
	}
	key := a.Config.Embedding.APIKey
	if key == "" {
		key = a.Config.LLM.APIKey
	}
	e, err := embedding.NewGeminiEmbedder(ctx, key, a.Config.Embedding.Model, a.Config.Embedding.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}
	return e, nil
}

// newCompleter returns nil for llm.provider=none; the rule classifier and
// templates then answer everything.
func (a *App) newCompleter(ctx context.Context, override llm.Completer) (llm.Completer, error) {
	if override != nil {
		return override, nil
	}
	c := a.Config.LLM
	switch c.Provider {
	case "gemini":
		g, err := llm.NewGeminiCompleter(ctx, c.APIKey, c.Model, c.MaxTokens)
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		return g, nil
	case "anthropic":
		return llm.NewAnthropicCompleter(c.APIKey, c.Model, c.MaxTokens), nil
	default:
		return nil, nil
	}
}

// Bootstrap brings the index up: from the snapshot when one is configured,
// otherwise (or when the snapshot is unusable) by rebuilding if enabled.
func (a *App) Bootstrap(ctx context.Context) error {
	if a.Config.Snapshot.Bucket != "" {
		g, err := a.Builder.Restore(ctx)
		if err == nil {
			a.Log.Info().Int64("generation", g.ID).Msg("index ready from snapshot")
			return nil
		}
		if gcs.IsNotExist(err) {
			a.Log.Info().Msg("no index snapshot yet")
		} else {
			a.Log.Warn().Err(err).Msg("snapshot restore failed")
		}
	}
	if !a.Config.Index.BuildOnStart {
		a.Log.Warn().Msg("index not built; knowledge queries will fail until a rebuild")
		return nil
	}
	_, err := a.Rebuild(ctx)
	return err
}

// Rebuild reloads cached sources and rebuilds the index.
func (a *App) Rebuild(ctx context.Context) (*retrieval.Generation, error) {
	if r, ok := a.Source.(reloader); ok {
		if err := r.Reload(ctx); err != nil {
			return nil, err
		}
	}
	return a.Builder.Rebuild(ctx)
}

// HandleJob is the queue handler for rebuild jobs.
func (a *App) HandleJob(ctx context.Context, job jobs.Job) error {
	rj, ok := job.(*jobs.RebuildIndexJob)
	if !ok {
		return fmt.Errorf("unexpected job type: %T", job)
	}
	log := logger.WithFields(a.Log, map[string]interface{}{
		"job_id":  rj.JobID,
		"reason":  rj.Reason,
		"attempt": rj.RetryCount + 1,
	})
	g, err := a.Rebuild(logger.WithContext(ctx, log))
	if err != nil {
		return err
	}
	rj.Generation, rj.Documents = g.ID, g.Documents
	log.Info().Int64("generation", g.ID).Int("documents", g.Documents).Msg("rebuild job finished")
	return nil
}

// RunRebuild starts the queue workers, publishes one rebuild job and waits
// for it to finish. It is for one-shot processes such as the CLI.
func (a *App) RunRebuild(ctx context.Context, reason string) (*jobs.RebuildIndexJob, error) {
	if err := a.Queue.Start(ctx, a.HandleJob); err != nil {
		return nil, fmt.Errorf("RunRebuild: starting queue: %w", err)
	}
	job := &jobs.RebuildIndexJob{Reason: reason}
	if err := a.Queue.PublishRebuild(ctx, job); err != nil {
		return nil, fmt.Errorf("RunRebuild: %w", err)
	}
	return a.AwaitJob(ctx, job.JobID, 20*time.Millisecond)
}

// AwaitJob polls the job store until jobID completes or fails. Retries are waited out.
func (a *App) AwaitJob(ctx context.Context, jobID string, every time.Duration) (*jobs.RebuildIndexJob, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		job, err := a.Jobs.GetJob(ctx, jobID)
		if err == nil && job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Schedule publishes a rebuild job every interval until ctx ends.
func (a *App) Schedule(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job := &jobs.RebuildIndexJob{Reason: jobs.ReasonSchedule}
			if err := a.Queue.PublishRebuild(ctx, job); err != nil {
				if errors.Is(err, inmemory.ErrClosed) {
					return
				}
				a.Log.Warn().Err(err).Msg("could not schedule rebuild")
			}
		}
	}
}

// Server returns the HTTP handlers bound to this App.
func (a *App) Server() *handlers.Server {
	return &handlers.Server{
		Query:   handlers.NewQueryHandler(a.Orchestrator, a.Currency, a.Log),
		Index:   handlers.NewIndexHandler(a.Index, a.Queue, a.Retriever, a.Log),
		Jobs:    handlers.NewJobsHandler(a.Jobs, a.Log),
		Memory:  handlers.NewMemoryHandler(a.Memory, a.Log),
		Metrics: a.Metrics.Handler(),
		Ready:   func() bool { return a.Index.Current() != nil },
		Log:     a.Log,
	}
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
