package handlers

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/dashboard"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
)

const (
	SessionCookie = "dashboard_session"
	localSession  = "session"
)

// Token reads the session credential from the Authorization header, falling
// back to the session cookie used by iframes and the page.
func Token(c *fiber.Ctx) string {
	if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return c.Cookies(SessionCookie)
}

// RequireSession resolves the caller's session or answers 401.
func RequireSession(sessions *dashboard.Sessions) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess, err := sessions.Get(Token(c))
		if err != nil {
			return respondError(c, err)
		}
		c.Locals(localSession, sess)
		return c.Next()
	}
}

func sessionOf(c *fiber.Ctx) *dashboard.Session {
	sess, _ := c.Locals(localSession).(*dashboard.Session)
	return sess
}

type SessionHandler struct {
	sessions     *dashboard.Sessions
	secureCookie bool
}

func NewSessionHandler(sessions *dashboard.Sessions, secureCookie bool) *SessionHandler {
	return &SessionHandler{sessions: sessions, secureCookie: secureCookie}
}

func (h *SessionHandler) Create(c *fiber.Ctx) error {
	token := Token(c)
	if token == "" {
		var req struct {
			Token string `json:"token"`
		}
		if err := c.BodyParser(&req); err == nil {
			token = strings.TrimSpace(req.Token)
		}
	}

	sess, err := h.sessions.Init(c.UserContext(), token)
	if err != nil {
		logger.Warn("Failed to start session", zap.Error(err))
		return respondError(c, err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HTTPOnly: true,
		Secure:   h.secureCookie,
		SameSite: fiber.CookieSameSiteStrictMode,
	})

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"user":       sess.User,
		"sections":   len(sess.Store.Sections()),
		"is_loading": sess.Store.IsLoading(),
	})
}

func (h *SessionHandler) Delete(c *fiber.Ctx) error {
	if err := h.sessions.Teardown(Token(c)); err != nil {
		return respondError(c, err)
	}

	c.Cookie(&fiber.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		HTTPOnly: true,
		Secure:   h.secureCookie,
		SameSite: fiber.CookieSameSiteStrictMode,
	})
	return c.SendStatus(fiber.StatusNoContent)
}
