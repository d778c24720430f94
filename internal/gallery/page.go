package gallery

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/gsheet-analysis/dashboard/internal/render"
)

//go:embed templates/page.html
var templateFS embed.FS

var pageTemplate = template.Must(template.ParseFS(templateFS, "templates/page.html"))

// MaxPromptLength bounds the add-graph prompt accepted by the page and API.
const MaxPromptLength = 1000

type PageData struct {
	Title     string
	User      string
	View      string
	Rows      []Row
	Threshold float64
	Sandbox   string
	APIBase   string
	WSPath    string
	MaxPrompt int
}

// Page renders the whole dashboard for the session as a new view.
func (g *Gallery) Page(title, user string) ([]byte, error) {
	view := g.NewView()
	data := PageData{
		Title:     title,
		User:      user,
		View:      view,
		Rows:      g.Rows(view),
		Threshold: g.cfg.Threshold,
		Sandbox:   render.SandboxTokens,
		APIBase:   g.cfg.BasePath + "/api/v1",
		WSPath:    g.cfg.BasePath + "/ws",
		MaxPrompt: MaxPromptLength,
	}

	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render dashboard page: %w", err)
	}
	return buf.Bytes(), nil
}
