// Package assets keeps the charting-library scripts that graphs depend on in
// a durable cache, so each URL is downloaded at most once per cache lifetime
// and is available as text before a graph is rendered.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gsheet-analysis/dashboard/internal/metrics"
	"github.com/gsheet-analysis/dashboard/internal/storage/models"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
	"github.com/gsheet-analysis/dashboard/pkg/utils"
)

// ErrIntegrity is returned when fetched content does not match its pinned digest.
var ErrIntegrity = errors.New("asset digest mismatch")

// Store is the durable, process-shared cache keyed by absolute URL.
type Store interface {
	MatchAsset(ctx context.Context, url string) (*models.CachedAsset, bool, error)
	PutAsset(ctx context.Context, asset *models.CachedAsset) error
}

type Config struct {
	// URLs is the fixed library list injected into every graph document.
	URLs []string
	// Pins maps a URL to the lowercase hex SHA-256 its content must have.
	Pins           map[string]string
	FetchTimeout   time.Duration
	MaxConcurrency int
}

type Manager struct {
	store   Store
	client  *http.Client
	urls    []string
	pins    map[string]string
	timeout time.Duration
	limit   int
	flight  singleflight.Group
}

func NewManager(store Store, client *http.Client, cfg Config) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	pins := make(map[string]string, len(cfg.Pins))
	for k, v := range cfg.Pins {
		pins[k] = v
	}

	return &Manager{
		store:   store,
		client:  client,
		urls:    append([]string(nil), cfg.URLs...),
		pins:    pins,
		timeout: cfg.FetchTimeout,
		limit:   cfg.MaxConcurrency,
	}
}

// Libraries returns the configured library URLs in injection order.
func (m *Manager) Libraries() []string {
	return append([]string(nil), m.urls...)
}

// EnsureCached makes sure every URL is in the durable store. It is safe to
// call repeatedly and concurrently; URLs already cached cost one lookup.
// The returned error joins per-URL failures; successful URLs stay cached.
func (m *Manager) EnsureCached(ctx context.Context, urls []string) error {
	errs := make([]error, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			if _, err := m.load(gctx, u); err != nil {
				errs[i] = fmt.Errorf("%s: %w", u, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// LoadText returns the text of every URL in input order. A URL that cannot
// be loaded yields "" at its position and does not affect the others.
func (m *Manager) LoadText(ctx context.Context, urls []string) []string {
	texts := make([]string, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit)
	for i, u := range urls {
		i, u := i, u
		g.Go(func() error {
			text, err := m.load(gctx, u)
			if err != nil {
				logger.Warn("Asset unavailable, rendering without it",
					zap.String("url", u),
					zap.Error(err),
				)
				return nil
			}
			texts[i] = text
			return nil
		})
	}
	_ = g.Wait()

	return texts
}

// load consults the cache before the network.
func (m *Manager) load(ctx context.Context, rawURL string) (string, error) {
	asset, found, err := m.store.MatchAsset(ctx, rawURL)
	if err != nil {
		logger.Warn("Asset cache lookup failed", zap.String("url", rawURL), zap.Error(err))
	}
	if found && m.verified(asset) {
		metrics.AssetCacheHits.Inc()
		return string(asset.Content), nil
	}
	metrics.AssetCacheMisses.Inc()

	ch := m.flight.DoChan(rawURL, func() (interface{}, error) {
		// Detached so one caller giving up does not fail the others.
		return m.fetchAndStore(context.WithoutCancel(ctx), rawURL)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			metrics.AssetFetchFailures.WithLabelValues(hostOf(rawURL)).Inc()
			return "", res.Err
		}
		return string(res.Val.([]byte)), nil
	}
}

func (m *Manager) fetchAndStore(ctx context.Context, rawURL string) ([]byte, error) {
	// Another flight may have stored it between our miss and now.
	if asset, found, err := m.store.MatchAsset(ctx, rawURL); err == nil && found && m.verified(asset) {
		return asset.Content, nil
	}

	body, err := m.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	digest := utils.HashBytes(body)
	if pin, ok := m.pins[rawURL]; ok && pin != digest {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrIntegrity, pin, digest)
	}

	stored := make([]byte, len(body))
	copy(stored, body)
	err = m.store.PutAsset(ctx, &models.CachedAsset{
		URL:       rawURL,
		Content:   stored,
		Digest:    digest,
		FetchedAt: time.Now(),
	})
	if err != nil {
		// The text is still usable for this render.
		logger.Warn("Failed to cache asset", zap.String("url", rawURL), zap.Error(err))
	}

	return body, nil
}

func (m *Manager) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { metrics.AssetFetchDuration.Observe(time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch asset: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("asset fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset body: %w", err)
	}

	logger.Info("Asset fetched", zap.String("url", rawURL), zap.Int("bytes", len(body)))
	return body, nil
}

func (m *Manager) verified(asset *models.CachedAsset) bool {
	pin, ok := m.pins[asset.URL]
	if !ok {
		return true
	}
	if asset.Digest == pin {
		return true
	}
	logger.Warn("Cached asset does not match pinned digest",
		zap.String("url", asset.URL),
		zap.String("digest", asset.Digest),
	)
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
