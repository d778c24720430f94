// Package gallery presents each dashboard section as a row of lazily
// rendered graphs and routes the per-graph actions to the store.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gsheet-analysis/dashboard/internal/dashboard"
	"github.com/gsheet-analysis/dashboard/internal/notify"
	"github.com/gsheet-analysis/dashboard/internal/render"
	"github.com/gsheet-analysis/dashboard/internal/storage/models"
)

// ErrConfirmationRequired guards destructive and expensive actions.
var ErrConfirmationRequired = errors.New("action requires confirmation")

const maxFilenameRunes = 120

// MaxViews is how many page views per session keep their surfaces mounted.
// Opening one more unmounts the surfaces of the least recently used view.
const MaxViews = 4

type Config struct {
	Loader          render.AssetLoader
	Libraries       []string
	Threshold       float64
	NotificationTTL time.Duration
	// BasePath prefixes the surface URLs handed to the page.
	BasePath string
}

// Card is one graph slot in a row.
type Card struct {
	GraphID     int       `json:"graph_id"`
	Prompt      string    `json:"prompt"`
	CreatedAt   time.Time `json:"created_at"`
	IsUpToDate  bool      `json:"is_up_to_date"`
	SurfaceID   string    `json:"surface_id"`
	DocumentURL string    `json:"document_url"`
	DownloadURL string    `json:"download_url"`
}

// Row is the presentation of one section. The add-graph slot always follows
// the cards.
type Row struct {
	TableName   string `json:"table_name"`
	DisplayName string `json:"display_name"`
	Cards       []Card `json:"cards"`
	AddSlot     bool   `json:"add_slot"`
}

// Gallery is the presentation state of one session. Each rendered page is a
// view with its own slots, so two tabs never unmount each other's surfaces.
type Gallery struct {
	store    *dashboard.Store
	surfaces *render.Registry
	cfg      Config

	mu    sync.Mutex
	views []string
}

func New(ctx context.Context, store *dashboard.Store, cfg Config) *Gallery {
	if cfg.NotificationTTL <= 0 {
		cfg.NotificationTTL = dashboard.DefaultNotificationTTL
	}
	cfg.BasePath = strings.TrimRight(cfg.BasePath, "/")

	hub := store.Hub()
	ttl := cfg.NotificationTTL
	surfaces := render.NewRegistry(ctx, render.SurfaceConfig{
		Loader:    cfg.Loader,
		Libraries: cfg.Libraries,
		Threshold: cfg.Threshold,
		OnError: func(_ *render.Surface, err error) {
			msg := err.Error()
			if errors.Is(err, render.ErrDecode) {
				msg = render.ErrDecode.Error()
			}
			hub.Notify(notify.Notification{Level: notify.LevelError, Message: msg, DismissAfter: ttl})
		},
	})

	return &Gallery{store: store, surfaces: surfaces, cfg: cfg}
}

func (g *Gallery) Surfaces() *render.Registry {
	return g.surfaces
}

func (g *Gallery) Threshold() float64 {
	return g.cfg.Threshold
}

// NewView starts a page view.
func (g *Gallery) NewView() string {
	view := uuid.NewString()
	g.touchView(view)
	return view
}

// touchView marks view as most recently used, evicting the oldest view past
// MaxViews.
func (g *Gallery) touchView(view string) {
	g.mu.Lock()
	for i, v := range g.views {
		if v == view {
			g.views = append(g.views[:i], g.views[i+1:]...)
			break
		}
	}
	g.views = append(g.views, view)
	var evicted []string
	if over := len(g.views) - MaxViews; over > 0 {
		evicted = append(evicted, g.views[:over]...)
		g.views = append([]string(nil), g.views[over:]...)
	}
	g.mu.Unlock()

	for _, v := range evicted {
		g.surfaces.UnmountPrefix(v + "/")
	}
}

// Rows builds every section of the store within view.
func (g *Gallery) Rows(view string) []Row {
	sections := g.store.Sections()
	rows := make([]Row, 0, len(sections))
	for _, sec := range sections {
		rows = append(rows, g.Build(view, sec))
	}
	return rows
}

// Build mounts one lazy surface per graph, newest first. The API appends new
// graphs, so newest first is the reverse of delivery order. Rebuilding in the
// same view replaces that view's surfaces.
func (g *Gallery) Build(view string, sec models.Section) Row {
	g.touchView(view)
	row := Row{
		TableName:   sec.TableName,
		DisplayName: sec.DisplayName,
		Cards:       make([]Card, 0, len(sec.Graphs)),
		AddSlot:     true,
	}

	for i := len(sec.Graphs) - 1; i >= 0; i-- {
		graph := sec.Graphs[i]
		surface := g.surfaces.Mount(slotKey(view, sec.TableName, graph.ID, "row"), render.Input{
			Encoded: graph.GraphHTML,
			Title:   graph.Prompt,
		})
		row.Cards = append(row.Cards, Card{
			GraphID:     graph.ID,
			Prompt:      graph.Prompt,
			CreatedAt:   graph.CreatedAt(),
			IsUpToDate:  graph.IsUpToDate,
			SurfaceID:   surface.ID(),
			DocumentURL: g.DocumentURL(surface.ID()),
			DownloadURL: fmt.Sprintf("%s/api/v1/sections/%s/graphs/%d/download", g.cfg.BasePath, url.PathEscape(sec.TableName), graph.ID),
		})
	}
	return row
}

// Expand mounts a forced surface over the same payload for the modal of view.
func (g *Gallery) Expand(view, tableName string, graphID int) (*render.Surface, error) {
	graph, err := g.store.Graph(tableName, graphID)
	if err != nil {
		return nil, err
	}
	g.touchView(view)
	return g.surfaces.Mount(slotKey(view, tableName, graphID, "expanded"), render.Input{
		Encoded: graph.GraphHTML,
		Title:   graph.Prompt,
		Force:   true,
	}), nil
}

func (g *Gallery) DocumentURL(surfaceID string) string {
	return fmt.Sprintf("%s/api/v1/surfaces/%s/document", g.cfg.BasePath, surfaceID)
}

// Download is a decoded graph ready to be saved as a file.
type Download struct {
	Filename string
	Content  []byte
}

// Download decodes the graph without involving any surface.
func (g *Gallery) Download(tableName string, graphID int) (*Download, error) {
	graph, err := g.store.Graph(tableName, graphID)
	if err != nil {
		return nil, err
	}
	doc, err := render.Decode(graph.GraphHTML)
	if err != nil {
		g.notifyError(err)
		return nil, err
	}
	return &Download{Filename: Filename(graph.Prompt), Content: []byte(doc)}, nil
}

func (g *Gallery) Delete(ctx context.Context, tableName string, graphID int, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	return g.store.DeleteGraph(ctx, graphID, tableName)
}

func (g *Gallery) Refresh(ctx context.Context, tableName string, graphID int, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	return g.store.RefreshGraph(ctx, graphID, tableName)
}

func (g *Gallery) Add(ctx context.Context, tableName, prompt string) error {
	return g.store.CreateGraph(ctx, tableName, prompt)
}

func (g *Gallery) notifyError(err error) {
	g.store.Hub().Notify(notify.Notification{
		Level:        notify.LevelError,
		Message:      err.Error(),
		DismissAfter: g.cfg.NotificationTTL,
	})
}

// Close unmounts every surface of the session.
func (g *Gallery) Close() {
	g.surfaces.Close()
}

func slotKey(view, tableName string, graphID int, variant string) string {
	return fmt.Sprintf("%s/%s/%d/%s", view, tableName, graphID, variant)
}

// Filename turns a prompt into a safe "<prompt>.html" attachment name.
func Filename(prompt string) string {
	var b strings.Builder
	for _, r := range prompt {
		switch {
		case unicode.IsControl(r), strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	name := strings.Trim(strings.TrimSpace(b.String()), ".")
	if utf8.RuneCountInString(name) > maxFilenameRunes {
		name = string([]rune(name)[:maxFilenameRunes])
	}
	if name == "" {
		name = "graph"
	}
	return name + ".html"
}
