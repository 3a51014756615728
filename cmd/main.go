/**
 * @description
 * This is the main entry point for the collection-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the payment gateway client, the invoicing client, message brokers,
 * repositories, the core application services, the cron scheduler, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/gocardless, pkg/invoicing, pkg/rabbitmq: External collaborator clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/debitflow/collection-service/internal/api"
	"github.com/debitflow/collection-service/internal/app"
	"github.com/debitflow/collection-service/internal/config"
	"github.com/debitflow/collection-service/internal/store"
	"github.com/debitflow/collection-service/pkg/gocardless"
	"github.com/debitflow/collection-service/pkg/invoicing"
	rmrabbit "github.com/debitflow/collection-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting collection-service\" port=%s provider=%s", cfg.ServerPort, cfg.PaymentProvider)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish lifecycle events. An unavailable
	// broker degrades to a no-op producer rather than blocking startup.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Select the payment gateway implementation.
	var gateway app.Gateway
	switch cfg.PaymentProvider {
	case "mock":
		gateway = gocardless.NewMock()
		log.Println("level=warn component=bootstrap msg=\"using mock payment gateway\"")
	default:
		gateway = gocardless.NewClient(cfg.GoCardlessBaseURL, cfg.GoCardlessAccessToken, cfg.GoCardlessWebhookSecret)
	}

	// Initialize the invoicing client. Missing config disables invoicing; confirmed
	// payments then record an invoice error instead of a receipt.
	var invoicer app.Invoicer
	if strings.TrimSpace(cfg.InvoicingBaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"invoicing client not configured; receipts disabled\"")
	} else {
		invoicer = invoicing.NewClient(cfg.InvoicingBaseURL, cfg.InvoicingAPIKey, cfg.InvoicingCompanyID)
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; admin rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; admin rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; admin rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application components with their dependencies.
	service := app.NewService(repository, gateway, producer)
	reconciler := app.NewReconciler(repository, gateway, invoicer, producer)
	sweeper := app.NewSweeper(repository, gateway, producer)

	var rateLimiter *app.RedisAdminRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisAdminRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Start the in-process cron for the retry sweep.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	scheduler := app.NewScheduler(sweeper, logger, cfg)
	scheduler.Start()
	defer func() {
		<-scheduler.Stop().Done()
	}()

	// Initialize the API handlers and router.
	handlers := api.NewHandlers(service, reconciler, sweeper, rateLimiter, cfg.AdminRateLimitPerMinute)
	router := api.NewRouter(handlers, cfg.RetrySweepSecret)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
