package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/storage/models"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
)

// Client persists the dashboard mirror and, when configured as the asset
// backend, the charting-library cache.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dashboard_mirror (
		session_key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS asset_cache (
		url TEXT PRIMARY KEY,
		content BLOB NOT NULL,
		digest TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// LoadMirror returns the last stored dashboard payload for key.
func (c *Client) LoadMirror(ctx context.Context, key string) ([]byte, bool, error) {
	var payload []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT payload FROM dashboard_mirror WHERE session_key = ?`, key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load mirror: %w", err)
	}

	return payload, true, nil
}

// SaveMirror overwrites the stored payload for key. Mirrors are replaced
// wholesale, never merged.
func (c *Client) SaveMirror(ctx context.Context, key string, payload []byte) error {
	query := `
		INSERT INTO dashboard_mirror (session_key, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`

	if _, err := c.db.ExecContext(ctx, query, key, payload, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to save mirror: %w", err)
	}

	logger.Debug("Dashboard mirror saved", zap.Int("bytes", len(payload)))
	return nil
}

func (c *Client) DeleteMirror(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM dashboard_mirror WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete mirror: %w", err)
	}
	return nil
}

func (c *Client) MirrorRecord(ctx context.Context, key string) (*models.MirrorRecord, error) {
	var rec models.MirrorRecord
	var updatedAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT session_key, payload, updated_at FROM dashboard_mirror WHERE session_key = ?`, key,
	).Scan(&rec.Key, &rec.Payload, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get mirror record: %w", err)
	}

	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}

// MatchAsset looks up a cached library payload by URL.
func (c *Client) MatchAsset(ctx context.Context, url string) (*models.CachedAsset, bool, error) {
	var asset models.CachedAsset
	var fetchedAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT url, content, digest, fetched_at FROM asset_cache WHERE url = ?`, url,
	).Scan(&asset.URL, &asset.Content, &asset.Digest, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to match asset: %w", err)
	}

	asset.FetchedAt = time.Unix(fetchedAt, 0)
	return &asset, true, nil
}

// PutAsset stores a library payload. Last write wins; concurrent writers
// store identical content.
func (c *Client) PutAsset(ctx context.Context, asset *models.CachedAsset) error {
	query := `
		INSERT INTO asset_cache (url, content, digest, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			content = excluded.content,
			digest = excluded.digest,
			fetched_at = excluded.fetched_at
	`

	_, err := c.db.ExecContext(ctx, query,
		asset.URL,
		asset.Content,
		asset.Digest,
		asset.FetchedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to put asset: %w", err)
	}

	logger.Debug("Asset cached", zap.String("url", asset.URL), zap.Int("bytes", len(asset.Content)))
	return nil
}
