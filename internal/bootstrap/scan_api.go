package bootstrap

import (
	"strings"

	"scan_server/adapter/in/http"
	"scan_server/config"
	"scan_server/infra/middleware"
	"scan_server/pkg/logger"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// NewAPI builds the fiber app around an already wired dependency set so
// the `all` mode can share one set with the worker.
func NewAPI(cfg *config.Config, deps *Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		StrictRouting:         false,
		CaseSensitive:         false,

		ReadBufferSize:  16384,
		WriteBufferSize: 16384,

		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,

		BodyLimit: 1 * 1024 * 1024,

		ServerHeader:       "",
		DisableDefaultDate: true,

		// SSE responses are written incrementally
		StreamRequestBody: true,
	})

	// Global middleware stack (order matters)
	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.SecurityHeaders())
	app.Use(middleware.RequestLogger())

	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))

	// CORS. AllowCredentials requires explicit origins, never "*".
	allowOrigins := strings.Join(cfg.AllowedOrigins, ",")
	allowCredentials := true
	if allowOrigins == "" || allowOrigins == "*" {
		if cfg.IsProduction() {
			allowOrigins = ""
			allowCredentials = false
		} else {
			allowOrigins = "http://localhost:3000,http://localhost:5173"
		}
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: allowCredentials,
		MaxAge:           86400,
	}))

	// Health check (no auth required)
	healthHandler := http.NewHealthHandler(deps.DB, deps.Redis)
	healthHandler.Register(app)

	// API routes (with auth)
	v1 := app.Group("/v1")
	v1.Use(middleware.JWTAuth(cfg.JWTSecret))

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	v1.Use(rateLimiter.Handler())

	scanHandler := http.NewScanHandler(deps.Orchestrator, deps.MerchantStore, deps.Zlog)
	scanHandler.Register(v1)

	sseHandler := http.NewSSEHandler(deps.Orchestrator, deps.EventLog, cfg.SSEPollMS, cfg.SSEPingMS, deps.Zlog)
	sseHandler.Register(v1)

	logger.Info("API server initialized")

	return app
}
