// Package app builds the long-lived services behind every command: the
// Postgres store, the paced JSON fetcher, the geocoder cascade, the
// payload archive and, on demand, the headless browser.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/carharvest/internal/api"
	"github.com/JakeFAU/carharvest/internal/archive"
	"github.com/JakeFAU/carharvest/internal/clock"
	"github.com/JakeFAU/carharvest/internal/clock/system"
	"github.com/JakeFAU/carharvest/internal/config"
	collyfetcher "github.com/JakeFAU/carharvest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/carharvest/internal/fetcher/headless"
	"github.com/JakeFAU/carharvest/internal/geocode"
	"github.com/JakeFAU/carharvest/internal/harvest"
	"github.com/JakeFAU/carharvest/internal/id/uuid"
	"github.com/JakeFAU/carharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/carharvest/internal/policy/retry"
	"github.com/JakeFAU/carharvest/internal/query"
	"github.com/JakeFAU/carharvest/internal/record"
	"github.com/JakeFAU/carharvest/internal/shard"
	"github.com/JakeFAU/carharvest/internal/sources/autotrader"
	"github.com/JakeFAU/carharvest/internal/sources/edmunds"
	"github.com/JakeFAU/carharvest/internal/sources/truecar"
	"github.com/JakeFAU/carharvest/internal/state"
	gcsstorage "github.com/JakeFAU/carharvest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/carharvest/internal/storage/local"
	memorystorage "github.com/JakeFAU/carharvest/internal/storage/memory"
	"github.com/JakeFAU/carharvest/internal/storage/postgres"
)

// ErrUnknownSource is returned for a source name no driver handles.
var ErrUnknownSource = errors.New("unknown source")

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    clock.Clock
	store    *postgres.Store
	limiter  *ratelimit.Limiter
	fetcher  *collyfetcher.Fetcher
	resolver *geocode.Resolver
	archive  *archive.Archive
	gcs      *storage.Client
	browser  *headlessfetcher.Fetcher
}

// Build connects to Postgres and wires every other dependency from cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	store, err := postgres.NewStore(ctx, postgres.StoreConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	}, logger.Named("postgres"))
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	a, err := New(ctx, cfg, store, system.New(), logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

// New wires an App around an existing store.
func New(ctx context.Context, cfg config.Config, store *postgres.Store, clk clock.Clock, logger *zap.Logger) (*App, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if clk == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		clock:   clk,
		store:   store,
		limiter: ratelimit.New(ratelimit.Config{Requests: cfg.HTTP.Requests, Per: cfg.HTTP.Per}),
	}

	if err := a.setupArchive(ctx); err != nil {
		return nil, err
	}

	opts := []collyfetcher.Option{
		collyfetcher.WithLimiter(a.limiter),
		collyfetcher.WithLogger(logger.Named("fetcher")),
	}
	if a.archive != nil {
		opts = append(opts, collyfetcher.WithArchiver(a.archive))
	}
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout,
	}, opts...)

	a.setupGeocoder()
	return a, nil
}

func (a *App) setupArchive(ctx context.Context) error {
	var blobs archive.BlobStore
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcs = client
		blobs, err = gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Archive.GCS.Bucket,
			Prefix: a.cfg.Archive.GCS.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving payloads to gcs", zap.String("bucket", a.cfg.Archive.GCS.Bucket))
	case config.ArchiveLocal:
		var err error
		blobs, err = localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving payloads to disk", zap.String("path", a.cfg.Archive.Local.BaseDir))
	case config.ArchiveMemory:
		a.logger.Info("archiving payloads in memory")
		blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Debug("payload archive disabled")
		return nil
	}
	var err error
	a.archive, err = archive.New(blobs, a.clock, a.logger)
	if err != nil {
		return fmt.Errorf("archive init failed: %w", err)
	}
	return nil
}

func (a *App) setupGeocoder() {
	var census, nominatim geocode.Provider
	if a.cfg.Geocode.CensusURL != "" {
		census = geocode.NewCensus(a.fetcher, a.cfg.Geocode.CensusURL)
	}
	if a.cfg.Geocode.NominatimURL != "" {
		nominatim = geocode.NewNominatim(a.fetcher, a.cfg.Geocode.NominatimURL)
	}
	if census == nil && nominatim == nil {
		a.logger.Warn("no geocoding provider configured; only stored coordinates will resolve")
	}
	a.resolver = geocode.NewResolver(a.store, census, nominatim, a.cfg.Geocode.CacheSize, a.logger.Named("geocode"))
}

// Store exposes the Postgres store.
func (a *App) Store() *postgres.Store {
	return a.store
}

// Job builds the scrape job for source. The flag reports whether the
// configured bounds cover less than the source's full range, in which
// case a retention sweep would delete listings the pass never looked at.
func (a *App) Job(source record.Source) (harvest.Job, bool, error) {
	switch source {
	case record.SourceTrueCar:
		sc, narrowed := shardConfig(truecar.DefaultShardConfig(), a.cfg.TrueCar)
		job, err := truecar.NewJob(a.fetcher, a.resolver, a.clock, truecar.Options{
			BaseURL: a.cfg.TrueCar.BaseURL,
			Archive: a.archive != nil,
			Shard:   sc,
		}, a.logger)
		if err != nil {
			return nil, false, err
		}
		return job, narrowed, nil
	case record.SourceAutotrader:
		sc, narrowed := shardConfig(autotrader.DefaultShardConfig(), a.cfg.Autotrader)
		job, err := autotrader.NewJob(a.fetcher, a.resolver, a.clock, autotrader.Options{
			BaseURL: a.cfg.Autotrader.BaseURL,
			Archive: a.archive != nil,
			Shard:   sc,
		}, a.logger)
		if err != nil {
			return nil, false, err
		}
		return job, narrowed, nil
	case record.SourceEdmunds:
		browser, err := a.headless()
		if err != nil {
			return nil, false, err
		}
		ec := a.cfg.Edmunds
		opts := edmunds.Options{
			SearchURL: ec.SearchURL,
			FirstPage: ec.FirstPage,
			LastPage:  ec.LastPage,
			Radius:    ec.Radius,
			UserAgent: ec.UserAgent,
		}
		if a.archive != nil {
			opts.Archiver = a.archive
		}
		narrowed := ec.FirstPage > 1 || (ec.LastPage != 0 && ec.LastPage < edmunds.DefaultLastPage)
		job, err := edmunds.NewJob(browser, a.resolver, a.clock, opts, a.logger)
		if err != nil {
			return nil, false, err
		}
		return job, narrowed, nil
	default:
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
}

func shardConfig(def shard.Config, sc config.SourceConfig) (shard.Config, bool) {
	out := def
	if sc.Lower != 0 {
		out.Lower = sc.Lower
	}
	if sc.Upper != 0 {
		out.Upper = sc.Upper
	}
	return out, out.Lower > def.Lower || out.Upper < def.Upper
}

func (a *App) headless() (*headlessfetcher.Fetcher, error) {
	if a.browser != nil {
		return a.browser, nil
	}
	ua := a.cfg.Edmunds.UserAgent
	if ua == "" {
		ua = edmunds.DefaultUserAgent
	}
	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		UserAgent:         ua,
		NavigationTimeout: a.cfg.Edmunds.NavTimeout,
		Settle:            a.cfg.Edmunds.Settle,
		ExecPath:          a.cfg.Edmunds.ExecPath,
	}, a.limiter, a.logger.Named("headless"))
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.browser = browser
	return browser, nil
}

// ScrapeOptions are the per-invocation scrape flags.
type ScrapeOptions struct {
	ForceRestart bool
	NoSweep      bool
}

// Runner builds the harvest runner for source.
func (a *App) Runner(source record.Source, opts ScrapeOptions) (*harvest.Runner, error) {
	job, narrowed, err := a.Job(source)
	if err != nil {
		return nil, err
	}
	states, err := state.NewFileStore(a.cfg.State.Dir, string(source), job.Fresh, a.logger.Named("state"))
	if err != nil {
		return nil, fmt.Errorf("state store init failed: %w", err)
	}
	sweep := !opts.NoSweep && !narrowed
	if narrowed && !opts.NoSweep {
		a.logger.Warn("configured bounds narrow the pass; retention sweep disabled", zap.String("source", string(source)))
	}
	return harvest.NewRunner(job, states, a.store, a.store, a.clock, uuid.New(), harvest.Options{
		ForceRestart: opts.ForceRestart,
		Sweep:        sweep,
		QueueDepth:   a.cfg.HTTP.QueueDepth,
	}, a.logger)
}

// Scrape runs one pass of source to completion, restarting it on failure
// per the configured retry schedule.
func (a *App) Scrape(ctx context.Context, source record.Source, opts ScrapeOptions) error {
	runner, err := a.Runner(source, opts)
	if err != nil {
		return err
	}
	return runner.Harvest(ctx, a.RetryPolicy())
}

// Migrate applies the schema.
func (a *App) Migrate(ctx context.Context) error {
	return a.store.Migrate(ctx)
}

// Sweep deletes source's listings last seen before the unix time before.
func (a *App) Sweep(ctx context.Context, source record.Source, before int64) (int64, error) {
	n, err := a.store.DeleteStale(ctx, source, before)
	if err != nil {
		return 0, err
	}
	a.logger.Info("stale listings deleted",
		zap.String("source", string(source)),
		zap.Int64("before", before),
		zap.Int64("deleted", n))
	return n, nil
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RetryPolicy is the job-level restart schedule from config.
func (a *App) RetryPolicy() retry.Policy {
	return retry.Policy{
		Initial:     a.cfg.Retry.Initial,
		Rate:        a.cfg.Retry.Rate,
		Max:         a.cfg.Retry.Max,
		MaxAttempts: a.cfg.Retry.MaxAttempts,
		Jitter:      a.cfg.Retry.Jitter,
		Logger:      a.logger.Named("retry"),
	}
}

// Handler builds the query API.
func (a *App) Handler() (http.Handler, error) {
	svc, err := query.NewService(a.store, a.cfg.Server.CacheSize, a.logger)
	if err != nil {
		return nil, fmt.Errorf("query service init failed: %w", err)
	}
	return api.NewServer(svc, a.store, a.cfg.Server, a.logger).Handler(), nil
}

// Serve runs the query API until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	handler, err := a.Handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close releases the browser, the GCS client and the pool.
func (a *App) Close() {
	if a.browser != nil {
		a.browser.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	a.store.Close()
	a.logger.Info("shutdown complete")
}
