/**
 * @description
 * This file is the main entry point for the payment-service. It wires together
 * configuration, the Postgres pool, the optional Redis rate limiter, the
 * RabbitMQ producer (with a no-op fallback), the Stripe gateway, and the HTTP
 * server, then runs until interrupted and shuts down gracefully.
 */

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/swanstudios/payment-service/internal/api"
	"github.com/swanstudios/payment-service/internal/app"
	"github.com/swanstudios/payment-service/internal/config"
	"github.com/swanstudios/payment-service/internal/store"
	"github.com/swanstudios/payment-service/pkg/rabbitmq"
	"github.com/swanstudios/payment-service/pkg/stripeclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"could not load config\" error=%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"invalid database URL\" error=%v", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	dbpool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to create connection pool\" error=%v", err)
	}
	defer dbpool.Close()

	if err := dbpool.Ping(ctx); err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to ping database\" error=%v", err)
	}
	log.Println("level=info component=main msg=\"database connection established\"")

	repo := store.NewPostgresRepository(dbpool)

	var limiter app.RateLimiter
	if cfg.RedisURL != "" && cfg.PurchaseRateLimitPerMinute > 0 {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("level=fatal component=main msg=\"invalid Redis URL\" error=%v", err)
		}
		redisClient := redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("level=warn component=main msg=\"Redis unreachable, purchase rate limiting disabled\" error=%v", err)
		} else {
			limiter = app.NewRedisRateLimiter(redisClient, cfg.PurchaseRateLimitPerMinute, time.Minute)
			log.Println("level=info component=main msg=\"Redis rate limiter enabled\"")
		}
		defer redisClient.Close()
	}

	var publisher rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=main msg=\"RabbitMQ unreachable, events disabled\" error=%v", err)
			publisher = &rabbitmq.NoOpPublisher{}
		} else {
			publisher = producer
			log.Println("level=info component=main msg=\"RabbitMQ producer connected\"")
		}
	} else {
		publisher = &rabbitmq.NoOpPublisher{}
	}
	defer publisher.Close()

	stripeClient := stripeclient.NewClient(cfg.StripeAPIBaseURL, cfg.StripeSecretKey)
	gateway := app.NewStripeGateway(stripeClient, cfg.GatewayTimeout())

	service := app.NewService(repo, gateway, publisher, limiter, cfg.Currency, cfg.DuplicateWindow())
	handlers := api.NewHandlers(service)

	router := api.NewRouter(api.RouterConfig{
		Handlers:       handlers,
		JWKSURL:        cfg.JWKSURL,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.Origins(),
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("level=info component=main msg=\"payment-service listening\" port=%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("level=fatal component=main msg=\"server failed\" error=%v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("level=info component=main msg=\"shutting down\"")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=main msg=\"graceful shutdown failed\" error=%v", err)
	}
}
