package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/gsheet-analysis/dashboard/internal/storage/models"
	"github.com/gsheet-analysis/dashboard/pkg/logger"
)

const assetKeyPrefix = "asset:"

// Client is the durable, process-shared asset cache. Entries carry no TTL:
// they live until Redis evicts them under its own memory policy.
type Client struct {
	client *redis.Client
}

type assetMeta struct {
	Digest    string `json:"digest"`
	FetchedAt int64  `json:"fetched_at"`
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(client *redis.Client) *Client {
	return &Client{client: client}
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// MatchAsset reads the cached body and its metadata for url.
func (c *Client) MatchAsset(ctx context.Context, url string) (*models.CachedAsset, bool, error) {
	key := assetKeyPrefix + url

	vals, err := c.client.HMGet(ctx, key, "content", "meta").Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get asset cache: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return nil, false, nil
	}

	content, ok := vals[0].(string)
	if !ok {
		return nil, false, fmt.Errorf("unexpected asset content type %T", vals[0])
	}

	var meta assetMeta
	if raw, ok := vals[1].(string); ok {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal asset meta: %w", err)
		}
	}

	logger.Debug("Asset cache hit", zap.String("url", url))
	return &models.CachedAsset{
		URL:       url,
		Content:   []byte(content),
		Digest:    meta.Digest,
		FetchedAt: time.Unix(meta.FetchedAt, 0),
	}, true, nil
}

// PutAsset writes body and metadata in one round trip.
func (c *Client) PutAsset(ctx context.Context, asset *models.CachedAsset) error {
	meta, err := json.Marshal(assetMeta{Digest: asset.Digest, FetchedAt: asset.FetchedAt.Unix()})
	if err != nil {
		return fmt.Errorf("failed to marshal asset meta: %w", err)
	}

	err = c.client.HSet(ctx, assetKeyPrefix+asset.URL, "content", asset.Content, "meta", meta).Err()
	if err != nil {
		return fmt.Errorf("failed to set asset cache: %w", err)
	}

	logger.Debug("Asset cached", zap.String("url", asset.URL), zap.Int("bytes", len(asset.Content)))
	return nil
}
