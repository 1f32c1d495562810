package main

import (
	"context"
	"flag"
	"os/signal"
	"sync"
	"syscall"

	"shop/internal/app"
	"shop/internal/coupon"
	"shop/internal/database"
	"shop/internal/handler"
	"shop/internal/middleware"
	"shop/internal/payment"
	shopredis "shop/internal/redis"
	"shop/internal/repository"
	"shop/internal/service/order"
	"shop/internal/utils"
	"shop/pkg/breaker"
	"shop/pkg/degrade"
	"shop/pkg/log"
	"shop/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	a, err := app.New("order-service", *configPath, database.OrderSchema)
	if err != nil {
		log.WithError(err).Fatal("Failed to start order service")
	}
	cfg := a.Config
	app.GinMode(cfg.Server.Mode)

	ids, err := snowflake.NewNode(cfg.Server.NodeID)
	if err != nil {
		log.WithError(err).Fatal("Failed to create ID generator")
	}

	gateway, err := payment.NewStripeGateway(cfg.Payment)
	if err != nil {
		log.WithError(err).Fatal("Failed to create payment gateway")
	}

	coupons, err := coupon.NewProvider(cfg.Coupon)
	if err != nil {
		log.WithError(err).Fatal("Failed to create coupon provider")
	}

	orderRepo := repository.NewOrderRepository(a.DB)
	outboxRepo := repository.NewOutboxRepository(a.DB)

	orderService := order.NewOrderService(orderRepo, outboxRepo, gateway, coupons, a.Publisher, ids, order.Config{
		OrderCreatedTopic: cfg.Bus.OrderCreatedTopic,
		Metrics:           a.Metrics,
	})

	deps := a.RouterDeps()
	deps.Health.Register("payment_gateway", func(context.Context) error {
		if gateway.BreakerState() == breaker.StateOpen {
			return breaker.ErrOpenState
		}
		return nil
	})
	deps.Orders = handler.NewOrderHandler(orderService)
	deps.Notifications = handler.NewNotificationHandler(a.Publisher, cfg.Bus.EmailCartQueue, cfg.Bus.RegisterUserQueue)
	deps.TokenValidator = middleware.JWTValidator(utils.NewJWTManager(
		cfg.Security.JWT.Secret,
		cfg.Security.JWT.Issuer,
		cfg.Security.JWT.Expire,
	))
	if cfg.RateLimit.Enabled {
		deps.Limiter = middleware.NewLimiter(cfg.RateLimit, a.Redis)
	}
	if a.Redis != nil {
		deps.Idempotency = shopredis.NewIdempotencyStore(a.Redis, cfg.Security.IdempotencyTTL)
		deps.Degrade = degrade.NewDegradeManager(a.Redis)
	}
	router := handler.NewRouter(deps)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.StartBackground(ctx)

	var jobs sync.WaitGroup
	if cfg.Outbox.Enabled {
		relay := order.NewOutboxRelay(outboxRepo, a.Publisher, a.Locker("lock:outbox-relay", cfg.Outbox.LockTTL),
			cfg.Outbox, a.Metrics)
		jobs.Add(1)
		go func() {
			defer jobs.Done()
			relay.Run(ctx)
		}()
	}
	if cfg.Reconcile.Enabled {
		reconciler := order.NewReconciler(orderRepo, orderService, a.Locker("lock:payment-reconciler", cfg.Reconcile.LockTTL),
			cfg.Reconcile, a.Metrics)
		jobs.Add(1)
		go func() {
			defer jobs.Done()
			reconciler.Run(ctx)
		}()
	}

	if err := a.Serve(ctx, router); err != nil {
		log.WithError(err).Error("HTTP server stopped with error")
	}
	stop()
	jobs.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if closer, ok := coupons.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if err := a.Close(closeCtx); err != nil {
		log.WithError(err).Warn("Errors while releasing resources")
	}
	log.Info("Order service exited")
}
