package server

import (
	"backend-uthutho/internal/auth"
	"backend-uthutho/internal/chat"
	"backend-uthutho/internal/config"
	"backend-uthutho/internal/db"
	"backend-uthutho/internal/feed"
	"backend-uthutho/internal/journey"
	"backend-uthutho/internal/location"
	"backend-uthutho/internal/logger"
	"backend-uthutho/internal/presence"
	"backend-uthutho/internal/rider"
	"backend-uthutho/internal/route"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Feed     *feed.Hub
	Journeys *journey.Service
	Runner   *journey.Runner
	Location *location.Service
	Riders   *rider.Registry
	Log      logrus.FieldLogger
}

func NewServer(cfg config.Config, pg *pgxpool.Pool, redisClient *redis.Client, events journey.EventEmitter, log logrus.FieldLogger) *Server {
	log = logger.OrDiscard(log)
	app := fiber.New()
	app.Use(recover.New())
	app.Use(fiberlogger.New())

	var q db.Querier
	if pg != nil {
		q = pg
	}

	routes := route.NewService(q)
	rec := journey.NewReconciler(q, cfg.StaleAfter, log)
	journeys := journey.NewService(q, routes, journey.Options{
		WaitingTTL: cfg.WaitingTTL,
		Reconciler: rec,
		Events:     events,
		Log:        log,
	})
	loc := location.NewService(location.NewWriter(q), location.Settings{
		Interval:   cfg.LocationInterval,
		RetryDelay: cfg.LocationRetryDelay,
		Retries:    cfg.LocationRetries,
		MaxFixAge:  cfg.LocationMaxFixAge,
	}, log)
	hub := feed.NewHub(redisClient, log)

	s := &Server{
		App:      app,
		Cfg:      cfg,
		DB:       pg,
		Redis:    redisClient,
		Feed:     hub,
		Journeys: journeys,
		Runner:   journey.NewRunner(rec, cfg.ReconcileInterval, log),
		Location: loc,
		Log:      log,
	}
	s.Riders = rider.NewRegistry(rider.Deps{
		Journeys: journeys,
		Presence: presence.NewMachine(q, journeys, loc, events, log),
		Tracking: loc,
		Chat:     chat.NewRepository(q),
		Feed:     hub,
		Redis:    redisClient,
		ChatSettings: chat.Settings{
			EchoTTL:      cfg.ChatEchoTTL,
			FailureDelay: cfg.ChatFailureDelay,
			MatchWindow:  cfg.ChatMatchWindow,
		},
		MaxFixAge: cfg.LocationMaxFixAge,
		Log:       log,
	})

	registerRoutes(s, routes)
	return s
}

func registerRoutes(s *Server, routes *route.Service) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		st := s.Runner.Stats()
		return c.JSON(fiber.Map{
			"status":    "ok",
			"riders":    s.Riders.Len(),
			"reconcile": fiber.Map{
				"runs":             st.Runs,
				"errors":           st.Errors,
				"deactivated":      st.Deactivated,
				"journeys_deleted": st.JourneysDeleted,
			},
		})
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret))
	route.RegisterRoutes(s.App.Group("/routes"), routes)
	rider.RegisterRoutes(s.App.Group("/me"), s.Riders, jwtMiddleware)
	feed.RegisterRoutes(s.App.Group("/feed"), s.Feed, jwtMiddleware)
}

// Close stops rider sessions, location trackers and the feed relay.
func (s *Server) Close() error {
	s.Riders.Close()
	s.Location.Close()
	return s.Feed.Close()
}
