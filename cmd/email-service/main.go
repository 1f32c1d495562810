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
	"shop/internal/repository"
	"shop/internal/service/email"
	"shop/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	a, err := app.New("email-service", *configPath, database.EmailSchema)
	if err != nil {
		log.WithError(err).Fatal("Failed to start email service")
	}
	cfg := a.Config
	app.GinMode(cfg.Server.Mode)

	sender, err := email.NewSender(cfg.Email)
	if err != nil {
		log.WithError(err).Fatal("Failed to configure mail delivery")
	}
	emails := email.NewEmailService(
		repository.NewEmailLogRepository(a.DB),
		sender,
		cfg.Email.OperatorAddress,
		a.Metrics,
	)
	emailConsumer := consumer.NewEmailConsumer(emails)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	a.StartBackground(ctx)

	host, err := consumer.StartConsumers(ctx, a.Broker, consumer.Options{
		Name:    "email-service",
		Metrics: a.Metrics,
	}, emailConsumer.Subscriptions(cfg.Bus)...)
	if err != nil {
		log.WithError(err).Fatal("Failed to start consumers")
	}

	if err := a.Serve(ctx, handler.NewRouter(a.RouterDeps())); err != nil {
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
	log.Info("Email service exited")
}
