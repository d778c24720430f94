package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/gsheet-analysis/dashboard/internal/gallery"
	"github.com/gsheet-analysis/dashboard/internal/render"
)

type SurfaceHandler struct {
	galleries    *gallery.Manager
	documentWait time.Duration
}

func NewSurfaceHandler(galleries *gallery.Manager, documentWait time.Duration) *SurfaceHandler {
	if documentWait <= 0 {
		documentWait = 30 * time.Second
	}
	return &SurfaceHandler{galleries: galleries, documentWait: documentWait}
}

func (h *SurfaceHandler) surface(c *fiber.Ctx) (*render.Surface, error) {
	g, err := h.galleries.For(sessionOf(c))
	if err != nil {
		return nil, err
	}
	return g.Surfaces().Get(c.Params("id"))
}

func (h *SurfaceHandler) Get(c *fiber.Ctx) error {
	s, err := h.surface(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(s.Snapshot())
}

// Visibility forwards one intersection report from the page.
func (h *SurfaceHandler) Visibility(c *fiber.Ctx) error {
	s, err := h.surface(c)
	if err != nil {
		return respondError(c, err)
	}

	var req struct {
		Ratio float64 `json:"ratio"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.Ratio < 0 || req.Ratio > 1 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Ratio must be between 0 and 1",
		})
	}

	activated := s.Report(req.Ratio)
	return c.JSON(fiber.Map{
		"activated": activated,
		"surface":   s.Snapshot(),
	})
}

// Document serves the sandboxed document once it is built. A surface that
// was never activated is answered with 409 rather than activated here.
func (h *SurfaceHandler) Document(c *fiber.Ctx) error {
	s, err := h.surface(c)
	if err != nil {
		return respondError(c, err)
	}
	if s.State() == render.StateArmed {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Graph is not visible yet",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), h.documentWait)
	defer cancel()

	doc, err := s.Wait(ctx)
	if err != nil {
		return respondError(c, err)
	}

	c.Set(fiber.HeaderContentType, fiber.MIMETextHTMLCharsetUTF8)
	return c.SendString(doc)
}

func (h *SurfaceHandler) Ready(c *fiber.Ctx) error {
	s, err := h.surface(c)
	if err != nil {
		return respondError(c, err)
	}
	if err := s.MarkReady(); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(s.Snapshot())
}

func (h *SurfaceHandler) Unmount(c *fiber.Ctx) error {
	g, err := h.galleries.For(sessionOf(c))
	if err != nil {
		return respondError(c, err)
	}
	if err := g.Surfaces().Unmount(c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
