package security

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/gsheet-analysis/dashboard/internal/render"
)

type HeadersConfig struct {
	AllowedOrigins []string
	IsDevelopment  bool
}

// HeadersMiddleware sets the baseline headers for the gateway's own pages and
// API. Graph frames may only come from this origin.
func HeadersMiddleware(cfg HeadersConfig) fiber.Handler {
	csp := strings.Join([]string{
		"default-src 'self'",
		"script-src 'self' 'unsafe-inline'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data: https:",
		"font-src 'self' data:",
		"connect-src 'self' " + strings.Join(cfg.AllowedOrigins, " "),
		"frame-src 'self'",
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}, "; ")

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "DENY")
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if !cfg.IsDevelopment {
			c.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Set("Content-Security-Policy", csp)

		return c.Next()
	}
}

// FrameDocument relaxes framing for graph documents and pins them to the
// sandbox: scripts run, but with an opaque origin and no top navigation,
// even when the document is opened directly.
func FrameDocument() fiber.Handler {
	csp := "sandbox " + render.SandboxTokens + "; frame-ancestors 'self'"

	return func(c *fiber.Ctx) error {
		c.Set("X-Frame-Options", "SAMEORIGIN")
		c.Set("Content-Security-Policy", csp)
		c.Set("Cache-Control", "no-store")
		return c.Next()
	}
}
