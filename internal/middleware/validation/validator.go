package validation

import (
	"net/url"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// Locals keys set by the validators.
const (
	LocalTableName   = "table_name"
	LocalGraphID     = "graph_id"
	LocalDisplayName = "display_name"
	LocalPrompt      = "prompt"
)

type Config struct {
	MaxDisplayNameLength int
	MaxPromptLength      int
	MaxTableNameLength   int
	AllowedContentTypes  []string
	Logger               *zap.Logger
}

func (cfg *Config) normalize() {
	if cfg.MaxDisplayNameLength <= 0 {
		cfg.MaxDisplayNameLength = 200
	}
	if cfg.MaxPromptLength <= 0 {
		cfg.MaxPromptLength = 1000
	}
	if cfg.MaxTableNameLength <= 0 {
		cfg.MaxTableNameLength = 256
	}
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	cfg.normalize()
	return &Validator{cfg: cfg}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// ContentType rejects request bodies that are not JSON.
func (v *Validator) ContentType() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}
		contentType := c.Get(fiber.HeaderContentType)
		if contentType == "" || len(c.Body()) == 0 {
			return c.Next()
		}
		for _, allowed := range v.cfg.AllowedContentTypes {
			if strings.HasPrefix(contentType, allowed) {
				return c.Next()
			}
		}
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "Unsupported content type",
		})
	}
}

func (v *Validator) TableName() fiber.Handler {
	return func(c *fiber.Ctx) error {
		raw, err := url.PathUnescape(c.Params("table"))
		if err != nil {
			return badRequest(c, "Invalid table name")
		}
		name := strings.TrimSpace(raw)
		if name == "" || utf8.RuneCountInString(name) > v.cfg.MaxTableNameLength || hasControl(name) {
			return badRequest(c, "Invalid table name")
		}
		c.Locals(LocalTableName, name)
		return c.Next()
	}
}

func (v *Validator) GraphID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := strconv.Atoi(c.Params("id"))
		if err != nil || id < 0 {
			return badRequest(c, "Graph id must be a non-negative integer")
		}
		c.Locals(LocalGraphID, id)
		return c.Next()
	}
}

func (v *Validator) DisplayName() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			DisplayName string `json:"display_name"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		name := sanitizeString(req.DisplayName)
		if name == "" {
			return badRequest(c, "Display name is required")
		}
		if utf8.RuneCountInString(name) > v.cfg.MaxDisplayNameLength {
			return badRequest(c, "Display name exceeds maximum length")
		}

		c.Locals(LocalDisplayName, name)
		return c.Next()
	}
}

func (v *Validator) Prompt() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req struct {
			Prompt string `json:"prompt"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		prompt := sanitizeString(req.Prompt)
		if prompt == "" {
			return badRequest(c, "Prompt is required")
		}
		if utf8.RuneCountInString(prompt) > v.cfg.MaxPromptLength {
			v.cfg.Logger.Warn("Rejected oversized prompt",
				zap.String("ip", c.IP()),
				zap.Int("length", utf8.RuneCountInString(prompt)),
			)
			return badRequest(c, "Prompt exceeds maximum length")
		}

		c.Locals(LocalPrompt, prompt)
		return c.Next()
	}
}

// sanitizeString trims the input and drops control characters other than
// newlines and tabs.
func sanitizeString(input string) string {
	input = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
	return strings.TrimSpace(input)
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}
