package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-pathtrack/internal/config"
	"backend-pathtrack/internal/db"
	applog "backend-pathtrack/internal/log"
	"backend-pathtrack/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() (config.Config, error)
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
	cfg, err := deps.loadConfig()
	applog.Init(cfg.LogLevel)
	log := applog.L()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		return
	}

	var pg *pgxpool.Pool
	if cfg.StoreBackend == "postgres" {
		pg, err = deps.connectPostgres(cfg)
		if err != nil {
			log.Error("postgres connection failed", "err", err)
			return
		}
	}

	rdb := deps.connectRedis(cfg)

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	log.Info("starting pathtrack api", "port", cfg.ServerPort, "store", cfg.StoreBackend, "key", cfg.CoordinatesKey)
	if err := deps.run(context.Background(), cfg, pg, rdb, signals, nil); err != nil {
		log.Error("server exited with error", "err", err)
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and waits for termination signals. Tracking is
// stopped before the connections it persists through are closed.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, signals <-chan os.Signal, listen ListenFunc) error {
	srv, err := server.NewServer(cfg, pg, rdb)
	if err != nil {
		closeConns(pg, rdb)
		return err
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
			_ = srv.Close()
			closeConns(pg, rdb)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	shutdownErr := shutdownFn(srv.App, shutdownCtx)
	if err := srv.Close(); err != nil {
		applog.L().Warn("tracking shutdown", "err", err)
	}
	closeConns(pg, rdb)
	return shutdownErr
}

func closeConns(pg *pgxpool.Pool, rdb *redis.Client) {
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
}
