package handlers

import (
	"mime"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/gallery"
	"github.com/gsheet-analysis/dashboard/internal/middleware/validation"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
)

type DashboardHandler struct {
	galleries *gallery.Manager
	title     string
}

func NewDashboardHandler(galleries *gallery.Manager, title string) *DashboardHandler {
	return &DashboardHandler{galleries: galleries, title: title}
}

func (h *DashboardHandler) gallery(c *fiber.Ctx) (*gallery.Gallery, error) {
	return h.galleries.For(sessionOf(c))
}

func tableName(c *fiber.Ctx) string {
	name, _ := c.Locals(validation.LocalTableName).(string)
	return name
}

func graphID(c *fiber.Ctx) int {
	id, _ := c.Locals(validation.LocalGraphID).(int)
	return id
}

// view is the page view named by the request; the id is retained, so it is
// copied out of the request buffer.
func view(c *fiber.Ctx) string {
	return utils.CopyString(c.Query("view"))
}

func (h *DashboardHandler) GetDashboard(c *fiber.Ctx) error {
	store := sessionOf(c).Store
	return c.JSON(fiber.Map{
		"sections":   store.Sections(),
		"is_loading": store.IsLoading(),
	})
}

// GetRows mounts fresh lazy surfaces for every graph and returns the rows.
// Without a view parameter a new view is started.
func (h *DashboardHandler) GetRows(c *fiber.Ctx) error {
	g, err := h.gallery(c)
	if err != nil {
		return respondError(c, err)
	}
	v := view(c)
	if v == "" {
		v = g.NewView()
	}
	return c.JSON(fiber.Map{"view": v, "rows": g.Rows(v)})
}

func (h *DashboardHandler) Reload(c *fiber.Ctx) error {
	store := sessionOf(c).Store
	if err := store.Load(c.UserContext()); err != nil {
		logger.Warn("Dashboard reload failed", zap.Error(err))
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"sections": store.Sections()})
}

func (h *DashboardHandler) RenameSection(c *fiber.Ctx) error {
	store := sessionOf(c).Store
	table := tableName(c)
	name, _ := c.Locals(validation.LocalDisplayName).(string)

	if err := store.RenameSection(c.UserContext(), table, name); err != nil {
		return respondError(c, err)
	}

	section, err := store.Section(table)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(section)
}

func (h *DashboardHandler) CreateGraph(c *fiber.Ctx) error {
	table := tableName(c)
	prompt, _ := c.Locals(validation.LocalPrompt).(string)

	g, err := h.gallery(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := g.Add(c.UserContext(), table, prompt); err != nil {
		return respondError(c, err)
	}

	section, err := sessionOf(c).Store.Section(table)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(section)
}

func (h *DashboardHandler) DeleteGraph(c *fiber.Ctx) error {
	g, err := h.gallery(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := g.Delete(c.UserContext(), tableName(c), graphID(c), c.QueryBool("confirm")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *DashboardHandler) RefreshGraph(c *fiber.Ctx) error {
	g, err := h.gallery(c)
	if err != nil {
		return respondError(c, err)
	}
	table, id := tableName(c), graphID(c)
	if err := g.Refresh(c.UserContext(), table, id, c.QueryBool("confirm")); err != nil {
		return respondError(c, err)
	}

	graph, err := sessionOf(c).Store.Graph(table, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(graph)
}

func (h *DashboardHandler) Download(c *fiber.Ctx) error {
	g, err := h.gallery(c)
	if err != nil {
		return respondError(c, err)
	}
	d, err := g.Download(tableName(c), graphID(c))
	if err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{"filename": d.Filename}))
	c.Set(fiber.HeaderContentType, "text/html; charset=utf-8")
	return c.Send(d.Content)
}

func (h *DashboardHandler) Expand(c *fiber.Ctx) error {
	g, err := h.gallery(c)
	if err != nil {
		return respondError(c, err)
	}
	surface, err := g.Expand(view(c), tableName(c), graphID(c))
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"surface":      surface.Snapshot(),
		"document_url": g.DocumentURL(surface.ID()),
	})
}

// Page renders the gallery page for the session.
func (h *DashboardHandler) Page(c *fiber.Ctx) error {
	sess := sessionOf(c)
	user := ""
	if sess.User != nil {
		user = sess.User.Username
	}

	g, err := h.galleries.For(sess)
	if err != nil {
		return respondError(c, err)
	}
	html, err := g.Page(h.title, user)
	if err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.Send(html)
}
