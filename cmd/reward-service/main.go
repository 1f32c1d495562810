package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"shop/internal/app"
	"shop/internal/consumer"
	"shop/internal/database"
	"shop/internal/handler"
	"shop/internal/middleware"
	"shop/internal/repository"
	"shop/internal/service/reward"
	"shop/internal/utils"
	"shop/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	a, err := app.New("reward-service", *configPath, database.RewardSchema)
	if err != nil {
		log.WithError(err).Fatal("Failed to start reward service")
	}
	cfg := a.Config
	app.GinMode(cfg.Server.Mode)

	rewards := reward.NewRewardService(repository.NewRewardRepository(a.DB), a.Metrics)
	rewardConsumer := consumer.NewRewardConsumer(rewards)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.StartBackground(ctx)

	host, err := consumer.StartConsumers(ctx, a.Broker, consumer.Options{
		Name:    "reward-service",
		Metrics: a.Metrics,
	}, rewardConsumer.Subscriptions(cfg.Bus)...)
	if err != nil {
		log.WithError(err).Fatal("Failed to start consumers")
	}

	deps := a.RouterDeps()
	deps.Rewards = handler.NewRewardHandler(rewards)
	deps.TokenValidator = middleware.JWTValidator(utils.NewJWTManager(
		cfg.Security.JWT.Secret,
		cfg.Security.JWT.Issuer,
		cfg.Security.JWT.Expire,
	))

	if err := a.Serve(ctx, handler.NewRouter(deps)); err != nil {
		log.WithError(err).Error("HTTP server stopped with error")
	}
	stop()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := consumer.StopConsumers(closeCtx, host); err != nil {
		log.WithError(err).Warn("Consumers did not stop cleanly")
	}
	if err := a.Close(closeCtx); err != nil {
		log.WithError(err).Warn("Errors while releasing resources")
	}
	log.Info("Reward service exited")
}
