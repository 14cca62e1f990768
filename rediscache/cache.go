// Package rediscache stores resolved claims in Redis so that several API
// instances share one claims cache.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/bionicotaku/lingo-utils-oauthx"
)

const (
	defaultPrefix    = "oauthx:claims"
	defaultOpTimeout = 500 * time.Millisecond
)

// Config configures a Cache.
type Config struct {
	Client    redis.Cmdable
	Prefix    string
	OpTimeout time.Duration
	Clock     func() time.Time
}

func (c *Config) normalize() {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = defaultOpTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Cache is an oauthx.ClaimsCache backed by Redis. Entries carry their own
// expiry and are removed by Redis through EXPIREAT.
type Cache struct {
	rdb    redis.Cmdable
	prefix string
	opTO   time.Duration
	now    func() time.Time
}

type record struct {
	UserInfo  oauthx.UserInfoClaims `json:"user_info"`
	Custom    []byte                `json:"custom"`
	ExpiresAt int64                 `json:"expires_at"`
}

var _ oauthx.ClaimsCache = (*Cache)(nil)

// New builds a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	cfg.normalize()
	return &Cache{rdb: cfg.Client, prefix: cfg.Prefix, opTO: cfg.OpTimeout, now: cfg.Clock}, nil
}

// NewClient connects to a single Redis node.
func NewClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

func (c *Cache) key(fingerprint string) string {
	return fmt.Sprintf("%s:%s", c.prefix, fingerprint)
}

// Get implements oauthx.ClaimsCache.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*oauthx.CachedClaims, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTO)
	defer cancel()

	js, err := c.rdb.Get(ctx, c.key(fingerprint)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET claims: %w", err)
	}
	var rec record
	if err := json.Unmarshal([]byte(js), &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal claims: %w", err)
	}
	// Redis expiry has second granularity and may lag; the stored expiry is authoritative.
	if c.now().Unix() >= rec.ExpiresAt {
		_ = c.rdb.Del(ctx, c.key(fingerprint)).Err()
		return nil, false, nil
	}
	return &oauthx.CachedClaims{
		UserInfo: rec.UserInfo,
		Custom:   append([]byte(nil), rec.Custom...),
	}, true, nil
}

// Set implements oauthx.ClaimsCache. An already expired entry is not
// written, and any previous entry for the fingerprint is removed.
func (c *Cache) Set(ctx context.Context, fingerprint string, claims oauthx.CachedClaims, expiresAt int64) error {
	if c.now().Unix() >= expiresAt {
		ctx, cancel := context.WithTimeout(ctx, c.opTO)
		defer cancel()
		if err := c.rdb.Del(ctx, c.key(fingerprint)).Err(); err != nil {
			return fmt.Errorf("redis DEL claims: %w", err)
		}
		return nil
	}
	b, err := json.Marshal(record{UserInfo: claims.UserInfo, Custom: claims.Custom, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opTO)
	defer cancel()
	key := c.key(fingerprint)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, string(b), 0)
		pipe.ExpireAt(ctx, key, time.Unix(expiresAt, 0))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis SET claims: %w", err)
	}
	return nil
}
