// Package api assembles the gateway's fiber application.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"github.com/gsheet-analysis/dashboard/internal/api/handlers"
	"github.com/gsheet-analysis/dashboard/internal/dashboard"
	"github.com/gsheet-analysis/dashboard/internal/gallery"
	"github.com/gsheet-analysis/dashboard/internal/metrics"
	"github.com/gsheet-analysis/dashboard/internal/middleware/ratelimit"
	"github.com/gsheet-analysis/dashboard/internal/middleware/security"
	"github.com/gsheet-analysis/dashboard/internal/middleware/validation"
	"github.com/gsheet-analysis/dashboard/pkg/config"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
	"github.com/gsheet-analysis/dashboard/pkg/utils"
)

type Deps struct {
	Server    config.ServerConfig
	Render    config.RenderConfig
	RateLimit config.RateLimitConfig
	Sessions  *dashboard.Sessions
	Galleries *gallery.Manager
	Health    map[string]handlers.Pinger
	Title     string
	// AccessLog toggles the request logger.
	AccessLog bool
}

// NewApp wires middlewares and routes. The returned stop func releases
// background resources owned by the app.
func NewApp(d Deps) (*fiber.App, func()) {
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(d.Server.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(d.Server.WriteTimeout) * time.Second,
		BodyLimit:             d.Server.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	if d.AccessLog {
		app.Use(fiberlogger.New())
	}
	allowOrigins := "*"
	if len(d.Server.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(d.Server.AllowedOrigins, ",")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: d.Server.AllowedOrigins,
		IsDevelopment:  d.Server.IsDevelopment,
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: d.RateLimit.MutationsPerMinute,
		KeyFunc: func(c *fiber.Ctx) string {
			if token := handlers.Token(c); token != "" {
				return utils.HashString(token)
			}
			return c.IP()
		},
		Logger: logger.GetLogger(),
	})
	mutation := limiter.Middleware()

	v := validation.New(validation.Config{
		MaxPromptLength: gallery.MaxPromptLength,
		Logger:          logger.GetLogger(),
	})
	requireSession := handlers.RequireSession(d.Sessions)

	sessionHandler := handlers.NewSessionHandler(d.Sessions, !d.Server.IsDevelopment)
	dashboardHandler := handlers.NewDashboardHandler(d.Galleries, d.Title)
	surfaceHandler := handlers.NewSurfaceHandler(d.Galleries, time.Duration(d.Render.DocumentWaitSec)*time.Second)
	wsHandler := handlers.NewWebSocketHandler()
	healthHandler := handlers.NewHealthHandler(d.Health)

	app.Get("/metrics", metrics.MetricsHandler())
	app.Get("/dashboard", requireSession, dashboardHandler.Page)
	app.Use("/ws", wsHandler.Upgrade(d.Sessions))
	app.Get("/ws", websocket.New(wsHandler.HandleConnection))

	api := app.Group("/api/v1")
	api.Use(v.ContentType())

	api.Get("/health", healthHandler.Health)
	api.Get("/ready", healthHandler.Ready)

	api.Post("/session", sessionHandler.Create)
	api.Delete("/session", sessionHandler.Delete)

	api.Get("/dashboard", requireSession, dashboardHandler.GetDashboard)
	api.Get("/dashboard/rows", requireSession, dashboardHandler.GetRows)
	api.Post("/dashboard/reload", requireSession, dashboardHandler.Reload)

	table := []fiber.Handler{requireSession, v.TableName()}
	graph := chain(table, v.GraphID())
	api.Put("/sections/:table", chain(table, mutation, v.DisplayName(), dashboardHandler.RenameSection)...)
	api.Post("/sections/:table/graphs", chain(table, mutation, v.Prompt(), dashboardHandler.CreateGraph)...)
	api.Delete("/sections/:table/graphs/:id", chain(graph, mutation, dashboardHandler.DeleteGraph)...)
	api.Post("/sections/:table/graphs/:id/refresh", chain(graph, mutation, dashboardHandler.RefreshGraph)...)
	api.Get("/sections/:table/graphs/:id/download", chain(graph, dashboardHandler.Download)...)
	api.Post("/sections/:table/graphs/:id/expand", chain(graph, dashboardHandler.Expand)...)

	api.Get("/surfaces/:id", requireSession, surfaceHandler.Get)
	api.Post("/surfaces/:id/visibility", requireSession, surfaceHandler.Visibility)
	api.Get("/surfaces/:id/document", requireSession, security.FrameDocument(), surfaceHandler.Document)
	api.Post("/surfaces/:id/ready", requireSession, surfaceHandler.Ready)
	api.Delete("/surfaces/:id", requireSession, surfaceHandler.Unmount)

	return app, limiter.Stop
}

func chain(base []fiber.Handler, rest ...fiber.Handler) []fiber.Handler {
	out := make([]fiber.Handler, 0, len(base)+len(rest))
	out = append(out, base...)
	return append(out, rest...)
}
