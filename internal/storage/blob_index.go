package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the blob index connection.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// NewRedisClient opens a client for cfg.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// BlobIndex maps "<user>:<sha256>" to the signed URL the blob was stored
// under. Entries expire before the URL does.
type BlobIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewBlobIndex creates an index. ttl must be shorter than the signed URL
// lifetime; zero keeps entries forever.
func NewBlobIndex(client *redis.Client, ttl time.Duration) *BlobIndex {
	return &BlobIndex{client: client, prefix: "genchain:blob:", ttl: ttl}
}

// Lookup returns the URL recorded for key.
func (b *BlobIndex) Lookup(ctx context.Context, key string) (string, bool, error) {
	url, err := b.client.Get(ctx, b.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return url, true, nil
}

// Remember records url for key. A concurrent writer that got there first
// wins so both callers converge on one object.
func (b *BlobIndex) Remember(ctx context.Context, key, url string) error {
	return b.client.SetNX(ctx, b.prefix+key, url, b.ttl).Err()
}
