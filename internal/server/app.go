// Package server builds the edge's dependency graph and runs its HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/api"
	"github.com/JakeFAU/stateofplay-edge/internal/classifier"
	"github.com/JakeFAU/stateofplay-edge/internal/clock/system"
	"github.com/JakeFAU/stateofplay-edge/internal/cms"
	"github.com/JakeFAU/stateofplay-edge/internal/config"
	"github.com/JakeFAU/stateofplay-edge/internal/dispatcher"
	"github.com/JakeFAU/stateofplay-edge/internal/edge"
	"github.com/JakeFAU/stateofplay-edge/internal/forward"
	"github.com/JakeFAU/stateofplay-edge/internal/id/uuid"
	"github.com/JakeFAU/stateofplay-edge/internal/membership"
	"github.com/JakeFAU/stateofplay-edge/internal/ogmeta"
	"github.com/JakeFAU/stateofplay-edge/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/stateofplay-edge/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/stateofplay-edge/internal/publisher/pubsub"
	"github.com/JakeFAU/stateofplay-edge/internal/reconcile"
	"github.com/JakeFAU/stateofplay-edge/internal/segmenter"
	"github.com/JakeFAU/stateofplay-edge/internal/session"
	memorystorage "github.com/JakeFAU/stateofplay-edge/internal/storage/memory"
	pgstore "github.com/JakeFAU/stateofplay-edge/internal/storage/postgres"
)

const (
	previewRingSize    = 1000
	activationRingSize = 256
	sweepInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

// previewLog is what the dispatcher writes to and the API reads from.
type previewLog interface {
	edge.PreviewRecorder
	api.PreviewLog
	api.Pinger
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

// App contains the application's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    edge.Clock
	cms      *cms.Client
	dispatch *dispatcher.Dispatcher
	registry *reconcile.Registry
	handler  http.Handler
	ready    map[string]api.Pinger

	redis     *redis.Client
	pgStore   *pgstore.PreviewStore
	publisher edge.Publisher
	gcp       *gcppublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ready:  make(map[string]api.Pinger),
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("cms", cfg.CMS.URL),
		zap.Bool("origin", cfg.Origin.URL != ""),
	)

	adminLimiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.CMS.AdminRPS,
		DefaultBurst: cfg.CMS.AdminBurst,
	})
	var err error
	app.cms, err = cms.New(cms.Config{
		BaseURL:    cfg.CMS.URL,
		ContentKey: cfg.CMS.ContentKey,
		AdminKey:   cfg.CMS.AdminKey,
		UserAgent:  cfg.CMS.UserAgent,
		Timeout:    cfg.CMSTimeout(),
	}, app.clock, logger, cms.WithLimiter(adminLimiter))
	if err != nil {
		return nil, fmt.Errorf("cms client init failed: %w", err)
	}

	previews, err := setupPreviewLog(ctx, app)
	if err != nil {
		app.Close()
		return nil, err
	}
	if err := setupPublisher(ctx, app); err != nil {
		app.Close()
		return nil, err
	}
	members, err := setupMembership(ctx, app)
	if err != nil {
		app.Close()
		return nil, err
	}
	tokens, err := session.NewIssuer(cfg.Session.Secret, cfg.ReaderTokenTTL(), app.clock)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("session issuer init failed: %w", err)
	}
	setupWelcome(app, members)

	if err := setupHTTP(app, previews, members, tokens); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Handler is the outermost HTTP handler: the dispatcher wrapping the router.
func (a *App) Handler() http.Handler {
	return a.handler
}

// CMS exposes the Ghost client for operator commands.
func (a *App) CMS() *cms.Client {
	return a.cms
}

// Publisher returns the activation event publisher in use.
func (a *App) Publisher() edge.Publisher {
	return a.publisher
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if a.registry != nil {
		go a.registry.Run(ctx, sweepInterval)
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every resource Build acquired. It is safe to call on a
// partially built App.
func (a *App) Close() {
	if a.registry != nil {
		a.registry.Close()
	}
	if a.dispatch != nil {
		a.dispatch.Wait()
	}
	if a.gcp != nil {
		if err := a.gcp.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
}

func setupPreviewLog(ctx context.Context, app *App) (previewLog, error) {
	if app.cfg.DB.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping crawler previews in memory")
		store := memorystorage.NewPreviewStore(previewRingSize)
		app.ready["preview_log"] = store
		return store, nil
	}
	store, err := pgstore.NewPreviewStore(ctx, pgstore.PreviewStoreConfig{
		DSN:      app.cfg.DB.DSN,
		Table:    app.cfg.DB.Table,
		MaxConns: int32(min(app.cfg.DB.MaxConns, 1<<16)), //nolint:gosec // bounded above
	})
	if err != nil {
		return nil, fmt.Errorf("preview store init failed: %w", err)
	}
	app.pgStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("preview store schema failed: %w", err)
	}
	app.ready["preview_log"] = store
	app.logger.Info("preview store initialized", zap.String("table", app.cfg.DB.Table))
	return store, nil
}

func setupPublisher(ctx context.Context, app *App) error {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		app.publisher = memorypublisher.New(activationRingSize, app.logger)
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID, app.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.gcp = pub
	app.publisher = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return nil
}

// setupMembership returns nil when no admin key is configured: membership
// lookups and the welcome flow are then unavailable.
func setupMembership(ctx context.Context, app *App) (*membership.Cache, error) {
	if app.cfg.CMS.AdminKey == "" {
		app.logger.Warn("No CMS admin key configured, membership verification disabled")
		return nil, nil
	}
	var backend membership.Backend
	if app.cfg.Membership.RedisAddr != "" {
		client, err := membership.DialRedis(ctx, app.cfg.Membership.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
		app.redis = client
		app.ready["redis"] = pingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		backend = membership.NewRedisBackend(client)
		app.logger.Info("membership cache using redis", zap.String("addr", app.cfg.Membership.RedisAddr))
	} else {
		backend = membership.NewMemoryBackend(app.clock)
		app.logger.Info("membership cache using memory")
	}
	return membership.New(backend, app.cms, app.cfg.MembershipCacheTTL(), app.logger), nil
}

// setupWelcome wires the reconciliation loop. It polls the CMS directly:
// a cached "not yet paid" answer would otherwise hide the upgrade. A confirmed
// member is emailed a sign-in link; reader tokens come only from
// redeeming it.
func setupWelcome(app *App, members *membership.Cache) {
	if members == nil {
		return
	}
	rec := reconcile.New(app.cms, app.clock, reconcile.Config{
		MaxAttempts: app.cfg.Reconcile.MaxAttempts,
		Delay:       app.cfg.ReconcileDelay(),
	}, app.logger)
	app.registry = reconcile.NewRegistry(rec, uuid.NewUUIDGenerator(), app.clock, reconcile.Hooks{
		Publisher: app.publisher,
		Cache:     members,
		SignIn:    app.cms,
	}, reconcile.RegistryConfig{
		TTL:           app.cfg.SessionTTL(),
		RedirectTo:    app.cfg.Reconcile.RedirectTo,
		RedirectAfter: app.cfg.RedirectAfter(),
	}, app.logger)
}

func setupHTTP(app *App, previews previewLog, members *membership.Cache, tokens *session.Issuer) error {
	cfg := app.cfg
	cls := classifier.New(cfg.Routing.CrawlerSignatures, classifier.Patterns{
		Bypass:     cfg.Routing.BypassPatterns,
		NonArticle: cfg.Routing.NonArticleRoutes,
	})
	synth := ogmeta.New(app.cms, app.clock, ogmeta.Config{
		SiteName:        cfg.Site.Name,
		SiteDescription: cfg.Site.Description,
		BaseURL:         cfg.Site.BaseURL,
		DefaultImage:    cfg.Site.DefaultImage,
	})

	// The router is both the API and, through NotFound, the way to the
	// application origin. The dispatcher forwards into it either way.
	var router http.Handler
	inner := forward.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		router.ServeHTTP(w, r)
	})
	app.dispatch = dispatcher.New(cls, synth, inner, inner, dispatcher.Options{
		SynthTimeout: cfg.SynthTimeout(),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Dispatcher.CrawlerRPS,
			DefaultBurst: cfg.Dispatcher.CrawlerBurst,
		}),
		Recorder: previews,
		IDs:      uuid.NewUUIDGenerator(),
		Clock:    app.clock,
	}, app.logger)

	opts := api.Options{RequestTimeout: cfg.RequestTimeout()}
	if cfg.Auth.Enabled {
		opts.OperatorKey = cfg.Auth.APIKey
	} else {
		app.logger.Warn("operator API authentication disabled")
	}
	if cfg.Origin.URL != "" {
		proxy, err := forward.NewProxy(cfg.Origin.URL, app.logger)
		if err != nil {
			return fmt.Errorf("origin proxy init failed: %w", err)
		}
		opts.NotFound = http.HandlerFunc(proxy.Forward)
		app.logger.Info("forwarding unknown routes to origin", zap.String("origin", proxy.Origin()))
	}

	seg := segmenter.New(segmenter.NewGoqueryParser(), segmenter.Config{
		Marker:            cfg.Segmenter.Marker,
		PreviewParagraphs: cfg.Segmenter.PreviewParagraphs,
	})
	deps := api.Deps{
		Content:   app.cms,
		Crawlers:  cls,
		Meta:      app.dispatch,
		Segmenter: seg,
		Tokens:    tokens,
		Identity:  app.cms,
		Previews:  previews,
		Ready:     app.ready,
		Clock:     app.clock,
	}
	if members != nil {
		deps.Members = members
	}
	if app.registry != nil {
		deps.Welcome = app.registry
	}
	router = api.NewServer(deps, opts, app.logger).Handler()
	app.handler = app.dispatch
	return nil
}
