package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"backend-pathtrack/internal/auth"
	"backend-pathtrack/internal/config"
	"backend-pathtrack/internal/db"
	"backend-pathtrack/internal/location"
	applog "backend-pathtrack/internal/log"
	"backend-pathtrack/internal/publish"
	"backend-pathtrack/internal/store"
	"backend-pathtrack/internal/stream"
	"backend-pathtrack/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "pathtrack:"

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Stream *stream.Hub

	Ingest     *location.Ingest
	Gate       *location.DeviceGate
	Observable *tracking.Observable
	Session    *tracking.Session

	publisher *publish.Kafka
	bridges   []*tracking.Subscription
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer wires the tracking session to its store backend, the HTTP
// routes, the websocket hub and, when brokers are configured, kafka.
func NewServer(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client) (*Server, error) {
	kv, err := newKV(cfg, pg, redisClient)
	if err != nil {
		return nil, err
	}

	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:        app,
		Cfg:        cfg,
		DB:         pg,
		Redis:      redisClient,
		Stream:     stream.NewHub(redisClient),
		Ingest:     location.NewIngest(cfg.HighAccuracyThresholdM, cfg.MaxFixAge),
		Gate:       location.NewDeviceGate(),
		Observable: tracking.NewObservable(),
	}
	s.Session = tracking.NewSession(
		s.Ingest,
		s.Gate,
		store.NewCoordinateStore(kv),
		tracking.NewAccumulator(tracking.Policy{MinDisplacementM: cfg.MinDisplacementM}),
		s.Observable,
		tracking.Options{
			Key:               cfg.CoordinatesKey,
			PersistRetries:    cfg.PersistRetries,
			PersistBackoff:    cfg.PersistBackoff,
			PermissionTimeout: cfg.PermissionTimeout,
			SeedTimeout:       cfg.SeedTimeout,
			Logger:            applog.With("component", "tracking", "store", cfg.StoreBackend),
		},
	)

	s.bridge(func(snapshots <-chan tracking.Snapshot) {
		s.Stream.Forward(cfg.CoordinatesKey, snapshots)
	})
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = publish.NewKafka(publish.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic), cfg.CoordinatesKey)
		s.bridge(func(snapshots <-chan tracking.Snapshot) {
			s.publisher.Run(context.Background(), snapshots)
		})
	}

	registerRoutes(s)
	return s, nil
}

func newKV(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client) (store.KV, error) {
	switch cfg.StoreBackend {
	case "", "memory":
		return store.NewMemoryKV(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis store backend needs REDIS_ADDR")
		}
		return store.NewRedisKV(redisClient, redisKeyPrefix), nil
	case "postgres":
		if pg == nil {
			return nil, errors.New("postgres store backend needs a database connection")
		}
		if err := db.EnsureSchema(context.Background(), pg); err != nil {
			return nil, fmt.Errorf("ensure kv schema: %w", err)
		}
		return store.NewPostgresKV(pg), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// bridge feeds a fresh observable subscription to consume on its own goroutine.
func (s *Server) bridge(consume func(<-chan tracking.Snapshot)) {
	sub := s.Observable.Subscribe()
	s.bridges = append(s.bridges, sub)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		consume(sub.C())
	}()
}

// Close stops tracking and releases everything NewServer started. It does
// not close the database or redis connections it was given.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Session.Stop()
		s.Ingest.Close()
		s.Session.Wait()

		for _, sub := range s.bridges {
			sub.Unsubscribe()
		}
		s.wg.Wait()
		s.Stream.Close()
		if s.publisher != nil {
			err = s.publisher.Close()
		}
	})
	return err
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"store":   s.Cfg.StoreBackend,
			"session": s.Session.State().Phase.String(),
		})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret))
	tracking.RegisterRoutes(s.App.Group("/tracking"), tracking.Routes{
		Session:    s.Session,
		Observable: s.Observable,
		Ingest:     s.Ingest,
		Gate:       s.Gate,
	}, jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}
