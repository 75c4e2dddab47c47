// ABOUTME: Gateway composition root that builds every component from config
// ABOUTME: Runs HTTP, gRPC health and background loops under one errgroup

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/switchboard-gateway/internal/auth"
	"github.com/2389/switchboard-gateway/internal/bridge"
	"github.com/2389/switchboard-gateway/internal/cache"
	"github.com/2389/switchboard-gateway/internal/config"
	"github.com/2389/switchboard-gateway/internal/directory"
	"github.com/2389/switchboard-gateway/internal/events"
	"github.com/2389/switchboard-gateway/internal/handoff"
	"github.com/2389/switchboard-gateway/internal/hub"
	"github.com/2389/switchboard-gateway/internal/sms"
	"github.com/2389/switchboard-gateway/internal/store"
	"github.com/2389/switchboard-gateway/internal/tools"
	"github.com/2389/switchboard-gateway/internal/voice"
)

// shutdownTimeout bounds graceful shutdown once Run's context is done.
const shutdownTimeout = 5 * time.Second

// Gateway owns the switchboard components and their lifecycles.
type Gateway struct {
	config    *config.Config
	store     *store.SQLiteStore
	cache     *cache.Cache
	directory *directory.Directory
	verifier  *auth.JWTVerifier
	hub       *hub.Hub
	exporter  *events.Exporter
	voice     *voice.Client // nil when no voice provider is configured
	sms       sms.Sender
	bridge    *bridge.Bridge

	httpServer *http.Server
	grpcServer *grpc.Server // nil when server.grpc_addr is empty
	health     *health.Server
	logger     *slog.Logger

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite store, honouring SWITCHBOARD_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initCache builds the cache facade over Redis, the in-process backend, or
// nothing at all when caching is switched off.
func initCache(cfg *config.Config, logger *slog.Logger) (*cache.Cache, error) {
	if !cfg.Cache.IsEnabled() {
		logger.Info("cache disabled")
		return cache.Disabled(logger), nil
	}
	if cfg.Cache.URL != "" {
		backend, err := cache.NewRedisBackend(cfg.Cache.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("cache using redis backend")
		return cache.New(backend, logger), nil
	}
	return cache.New(cache.NewMemoryBackend(cfg.Cache.MaxEntries, 0), logger), nil
}

func ttlPolicy(cfg config.CacheTTLConfig) cache.TTLPolicy {
	return cache.TTLPolicy{
		Lead:          cfg.Lead,
		Organization:  cfg.Organization,
		Context:       cfg.Context,
		Session:       cfg.Session,
		Conversations: cfg.Conversations,
		Summaries:     cfg.Summaries,
		Stats:         cfg.Stats,
		SMSDedupe:     cfg.SMSDedupe,
	}.WithDefaults()
}

// initPublisher returns the AMQP publisher when events.amqp_url is set.
func initPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, error) {
	if cfg.Events.AMQPURL == "" {
		return events.NopPublisher{}, nil
	}
	pub, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to event bus: %w", err)
	}
	return pub, nil
}

func initSMS(cfg *config.Config, logger *slog.Logger) sms.Sender {
	if !cfg.SMS.Enabled {
		logger.Info("sms disabled, agent replies on finished calls will fail")
		return sms.Disabled{}
	}
	return sms.NewTwilioSender(cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.FromNumber, logger)
}

// New creates a Gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	c, err := initCache(cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	pub, err := initPublisher(cfg, logger)
	if err != nil {
		c.Close()
		st.Close()
		return nil, err
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	dir := directory.New(st, c, ttlPolicy(cfg.Cache.TTL), logger)
	h := hub.New(verifier, hub.Config{
		HeartbeatInterval:  cfg.Hub.HeartbeatInterval,
		WriteTimeout:       cfg.Hub.WriteTimeout,
		MaxFramesPerSecond: cfg.Hub.MaxFramesPerSecond,
		FrameBurst:         cfg.Hub.FrameBurst,
		AllowedOrigins:     cfg.Hub.AllowedOrigins,
	}, logger)
	exporter := events.NewExporter(pub, 0, logger)
	emitter := bridge.NewEmitter(h, exporter)

	gw := &Gateway{
		config:    cfg,
		store:     st,
		cache:     c,
		directory: dir,
		verifier:  verifier,
		hub:       h,
		exporter:  exporter,
		sms:       initSMS(cfg, logger),
		logger:    logger.With("component", "gateway"),
	}

	// channel stays a nil interface when voice is unconfigured
	var channel voice.Channel
	if cfg.Voice.APIURL != "" || cfg.Voice.SocketURL != "" {
		gw.voice = voice.NewClient(voice.Config{
			APIURL:       cfg.Voice.APIURL,
			SocketURL:    cfg.Voice.SocketURL,
			APIKey:       cfg.Voice.APIKey,
			AgentID:      cfg.Voice.AgentID,
			FromNumber:   cfg.Voice.FromNumber,
			WriteTimeout: cfg.Hub.WriteTimeout,
			Logger:       logger,
			OnFrame:      gw.handleVoiceFrame,
		})
		channel = gw.voice
	} else {
		logger.Warn("voice provider not configured, outbound calls are unavailable")
	}

	fail := func(err error) (*Gateway, error) {
		_ = pub.Close()
		gw.closeResources()
		return nil, err
	}

	registry := tools.NewRegistry(cfg.Bridge.ToolTimeout, logger)
	if err := registry.Register(tools.Builtins(dir)...); err != nil {
		return fail(fmt.Errorf("registering tools: %w", err))
	}

	ctrl := handoff.New(handoff.Options{
		Cache:             c,
		Voice:             channel,
		Emitter:           emitter,
		SideEffectTimeout: cfg.Voice.SideEffectTimeout,
		Logger:            logger,
	})

	b, err := bridge.New(bridge.Options{
		Directory:     dir,
		Handoff:       ctrl,
		Emitter:       emitter,
		Voice:         channel,
		SMS:           gw.sms,
		Tools:         registry,
		Retention:     cfg.Bridge.Retention,
		IdleTimeout:   cfg.Bridge.IdleTimeout,
		SweepInterval: cfg.Bridge.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return fail(fmt.Errorf("creating bridge: %w", err))
	}
	gw.bridge = b
	h.SetCommands(b)

	mux := http.NewServeMux()
	gw.registerRoutes(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer, gw.health = newGRPCServer()
	}

	logger.Info("gateway initialized",
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"tools", registry.Names(),
		"event_export", cfg.Events.AMQPURL != "")
	return gw, nil
}

// Handler returns the HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Bridge returns the conversation bridge.
func (g *Gateway) Bridge() *bridge.Bridge {
	return g.bridge
}

// Hub returns the websocket hub.
func (g *Gateway) Hub() *hub.Hub {
	return g.hub
}

// Store returns the durable store.
func (g *Gateway) Store() *store.SQLiteStore {
	return g.store
}

// setupListeners binds the HTTP and, if configured, gRPC addresses.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer == nil {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		return err
	}
	return g.serve(ctx, httpLn, grpcLn)
}

func (g *Gateway) serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error { return g.hub.Run(egCtx) })
	eg.Go(func() error { return g.bridge.Run(egCtx) })
	eg.Go(func() error { return g.exporter.Run(egCtx) })

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown uses a fresh context since Run's context is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, disconnects dashboards and voice sockets, waits
// for outstanding voice side effects and closes the cache and store. Calls
// after the first return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		var errs []error
		errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
		g.shutdownGRPCServer(ctx)

		g.hub.Close()
		g.bridge.Handoff().Wait()
		errs = append(errs, g.closeResources()...)

		if len(errs) > 0 {
			g.shutdownErr = fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
		}
	})
	return g.shutdownErr
}

func (g *Gateway) closeResources() []error {
	var errs []error
	if g.voice != nil {
		errs = appendCloseError(errs, "voice close", g.voice.Close())
	}
	errs = appendCloseError(errs, "cache close", g.cache.Close())
	errs = appendCloseError(errs, "store close", g.store.Close())
	return errs
}
