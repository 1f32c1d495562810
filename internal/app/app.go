// Package app holds the process wiring shared by the service binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"shop/internal/config"
	"shop/internal/database"
	"shop/internal/handler"
	"shop/internal/messaging"
	"shop/internal/monitor"
	shopredis "shop/internal/redis"
	"shop/pkg/lock"
	"shop/pkg/log"
	"shop/pkg/queue"
	"shop/pkg/utils"
)

const version = "1.0.0"

// App owns the infrastructure of one service process.
type App struct {
	Name      string
	Config    *config.Config
	Metrics   *monitor.MetricsCollector
	Tracer    *monitor.Tracer
	DB        *gorm.DB
	Redis     *goredis.Client // nil unless redis.enabled
	Broker    queue.Broker
	Publisher queue.Publisher

	closers []func(ctx context.Context) error
}

// New loads configuration and connects everything the service needs. schema
// lists the tables this service owns.
func New(name, configPath string, schema []interface{}) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := log.Init(log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
		Service:    name,
	}); err != nil {
		return nil, fmt.Errorf("init log: %w", err)
	}

	a := &App{Name: name, Config: cfg}
	if err := a.connect(schema); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}

	config.WatchConfig(func(c *config.Config) {
		if err := log.SetLevel(c.Log.Level); err != nil {
			log.WithError(err).Warn("Ignoring invalid log level from reloaded config")
			return
		}
		log.WithField("level", c.Log.Level).Info("Log level reloaded")
	})
	return a, nil
}

func (a *App) connect(schema []interface{}) error {
	cfg := a.Config

	if cfg.Metrics.Enabled {
		a.Metrics = monitor.NewMetricsCollector(cfg.Metrics.Namespace)
	}

	tracer, err := monitor.NewTracer(&monitor.TracerConfig{
		ServiceName:    a.Name,
		ServiceVersion: version,
		Environment:    config.Env(),
		JaegerEndpoint: cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	a.Tracer = tracer
	a.onClose(tracer.Shutdown)

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	a.DB = db
	a.onClose(func(context.Context) error { return database.Close(db) })
	if err := database.Prepare(db, cfg.Database.AutoMigrate, schema...); err != nil {
		return err
	}

	var redisClient goredis.UniversalClient
	if cfg.Redis.Enabled {
		client, err := shopredis.NewClient(cfg.Redis)
		if err != nil {
			return err
		}
		a.Redis = client
		redisClient = client
		a.onClose(func(context.Context) error { return client.Close() })
	}

	broker, err := messaging.NewBroker(cfg.Bus, redisClient)
	if err != nil {
		return fmt.Errorf("init bus: %w", err)
	}
	a.Broker = broker
	a.onClose(func(context.Context) error { return broker.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := messaging.Provision(ctx, broker, messaging.Topology(cfg.Bus)...); err != nil {
		return fmt.Errorf("provision bus: %w", err)
	}

	a.Publisher = messaging.NewPublisher(broker, cfg.Bus.PublishTimeout, a.Metrics)
	return nil
}

func (a *App) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Locker returns a redis lease named key, or a lock that always succeeds when
// redis is disabled and only one replica is expected.
func (a *App) Locker(key string, ttl time.Duration) lock.Locker {
	if a.Redis == nil {
		return lock.Noop{}
	}
	return lock.NewMutex(a.Redis, key, ttl)
}

// Health reports database, redis and bus health.
func (a *App) Health() *handler.HealthHandler {
	h := handler.NewHealthHandler(a.Name, 3*time.Second).
		Register("database", func(ctx context.Context) error { return database.Health(ctx, a.DB) }).
		Register("bus", func(context.Context) error { return a.Broker.Health() })
	if a.Redis != nil {
		h.Register("redis", func(ctx context.Context) error { return shopredis.Health(ctx, a.Redis) })
	}
	return h
}

// RouterDeps fills the infrastructure part of the router dependencies.
func (a *App) RouterDeps() handler.RouterDeps {
	deps := handler.RouterDeps{
		Health:         a.Health(),
		Metrics:        a.Metrics,
		MetricsPath:    a.Config.Metrics.Path,
		Tracer:         a.Tracer,
		Security:       a.Config.Security,
		RequestTimeout: a.Config.Server.RequestTimeout,
	}
	if !a.Config.Tracing.Enabled {
		deps.Tracer = nil
	}
	return deps
}

// Serve runs the HTTP server until ctx is cancelled, then drains it.
func (a *App) Serve(ctx context.Context, h http.Handler) error {
	cfg := a.Config.Server
	server := &http.Server{
		Addr:           cfg.GetAddr(),
		Handler:        h,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{
			"addr": cfg.GetAddr(),
			"mode": cfg.Mode,
		}).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// StartBackground runs the runtime metrics sampler when metrics are on.
func (a *App) StartBackground(ctx context.Context) {
	a.Metrics.StartSystemMetricsCollection(ctx, 15*time.Second)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// GinMode applies server.mode to gin and installs the request validators.
func GinMode(mode string) {
	if config.IsProduction() {
		mode = "release"
	}
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	utils.RegisterCustomValidators()
}
