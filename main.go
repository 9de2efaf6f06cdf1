package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mauricedolibois/connectfour/server/config"
	"github.com/mauricedolibois/connectfour/server/gateway"
	"github.com/mauricedolibois/connectfour/server/metrics"
	"github.com/mauricedolibois/connectfour/server/mocks"
	"github.com/mauricedolibois/connectfour/server/relay"
	"github.com/mauricedolibois/connectfour/server/session"
	"github.com/mauricedolibois/connectfour/server/ticket"
)

const mockBackendPrefix = "/mock-backend"

// Response structure for API endpoints
type Response struct {
	Message string `json:"message"`
	Status  string `json:"status"`
	Rooms   int    `json:"rooms"`
}

type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	relay    *relay.Relay
	hub      *Hub
	mux      *http.ServeMux

	cancelHub context.CancelFunc
	closers   []func() error
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger, registry *prometheus.Registry) (*app, error) {
	m := metrics.New(registry)
	a := &app{cfg: cfg, logger: logger, registry: registry, mux: http.NewServeMux()}

	store := a.credentialStore(ctx)

	backendURL := cfg.BackendURL
	if cfg.UseMocks {
		logger.Info("running with in-process mock backend", zap.String("path", mockBackendPrefix+"/"))
		a.mux.Handle(mockBackendPrefix+"/", http.StripPrefix(mockBackendPrefix, mocks.NewMockBackend(cfg.BackendCookie)))
		backendURL = "http://127.0.0.1:" + cfg.Port + mockBackendPrefix
	}

	gw, err := gateway.New(backendURL, store,
		gateway.WithHTTPClient(&http.Client{Timeout: cfg.BackendTimeout}),
		gateway.WithCookieName(cfg.BackendCookie),
		gateway.WithLogger(logger.Named("gateway")),
		gateway.WithMetrics(m),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create backend gateway")
	}

	a.hub = NewHub(ticket.NewIssuer(cfg.TicketSecret, cfg.TicketTTL), cfg.AllowedOrigins, logger.Named("hub"), m)
	a.relay = relay.New(gw, store, a.hub,
		relay.WithReconcileInterval(cfg.ReconcileInterval),
		relay.WithLogger(logger.Named("relay")),
		relay.WithMetrics(m),
	)
	a.hub.relay = a.relay

	if cfg.TicketSecret == "" {
		logger.Info("TICKET_SECRET not set, resume tickets disabled")
	}

	a.mux.HandleFunc("GET /health", a.healthHandler)
	a.mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	a.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(a.hub, w, r)
	})
	return a, nil
}

// credentialStore falls back to memory when redis is unreachable.
func (a *app) credentialStore(ctx context.Context) session.Store {
	if a.cfg.UseMocks || a.cfg.CredentialStore != config.StoreRedis {
		return session.NewMemoryStore()
	}

	client, err := session.NewRedisClient(ctx, a.cfg.RedisEndpoint)
	if err != nil {
		a.logger.Warn("redis unavailable, keeping credentials in memory",
			zap.String("endpoint", a.cfg.RedisEndpoint),
			zap.Error(err))
		return session.NewMemoryStore()
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("credentials stored in redis", zap.String("endpoint", a.cfg.RedisEndpoint))
	return session.NewRedisStore(client, a.cfg.CredentialTTL, a.logger.Named("session"))
}

func (a *app) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelHub = cancel
	go a.hub.Run(ctx)
}

// close stops the hub, waits for pending unbinds and tears down what is left.
func (a *app) close() {
	if a.cancelHub != nil {
		a.cancelHub()
		a.hub.Wait()
	}
	a.relay.Close()
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn("close resource", zap.Error(err))
		}
	}
}

// Health check endpoint
func (a *app) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{
		Message: "Relay is running",
		Status:  "healthy",
		Rooms:   a.relay.RoomCount(),
	})
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "LOG_LEVEL %q", level)
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encCfg.EncodeDuration = zapcore.StringDurationEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

func main() {
	dotenv := config.LoadDotEnv("../.env", ".env")

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}
	defer logger.Sync()
	if dotenv == "" {
		logger.Debug("no .env file found")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, cfg, logger, registry)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	a.start()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("relay starting",
			zap.String("addr", cfg.Addr()),
			zap.Bool("mock_backend", cfg.UseMocks),
			zap.Duration("reconcile_interval", cfg.ReconcileInterval))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	a.close()
	logger.Info("relay stopped")
}
