package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-uthutho/internal/broker/kafka"
	"backend-uthutho/internal/config"
	"backend-uthutho/internal/db"
	"backend-uthutho/internal/feed"
	"backend-uthutho/internal/journey"
	"backend-uthutho/internal/logger"
	"backend-uthutho/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	log := logger.New(cfg)

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		log.WithError(err).Error("postgres connection failed")
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, signals, nil); err != nil {
		log.WithError(err).Error("server exited with error")
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

var (
	newServerFn = server.NewServer
	migrateFn   = db.Migrate
	runBridgeFn = func(ctx context.Context, pg *pgxpool.Pool, hub *feed.Hub, channel string, log logrus.FieldLogger) error {
		return feed.NewBridge(pg, hub, channel, log).Run(ctx)
	}
)

// eventsFor publishes lifecycle events to Kafka when brokers are configured.
// The returned producer is nil otherwise.
func eventsFor(cfg config.Config, log logrus.FieldLogger) (journey.EventEmitter, *kafka.Producer) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return kafka.Noop{}, nil
	}
	producer := kafka.NewProducer(brokers, cfg.KafkaTopic, log)
	return producer, producer
}

// Run migrates the schema, starts the change-feed bridge and the reconcile
// runner, serves HTTP and waits for termination signals.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	log := logger.New(cfg)

	events, producer := eventsFor(cfg, log)
	srv := newServerFn(cfg, pg, rdb, events, log)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	if pg != nil {
		if err := migrateFn(bgCtx, pg, cfg.FeedChannel); err != nil {
			log.WithError(err).Error("schema migration failed")
		}
		go func() {
			_ = runBridgeFn(bgCtx, pg, srv.Feed, cfg.FeedChannel, log)
		}()
		go func() {
			_ = srv.Runner.Run(bgCtx)
		}()
	}

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stopBackground()
			_ = srv.Close()
			return err
		}
	}

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil {
		return err
	}
	if err := srv.Close(); err != nil {
		log.WithError(err).Warn("close feed relay failed")
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.WithError(err).Warn("close kafka producer failed")
		}
	}
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	return nil
}
