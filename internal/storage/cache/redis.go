// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"usersync/internal/snapshot"
	"usersync/pkg/config"
)

// RedisCache 基于 Redis 的交接缓存：SET PX / GET / DEL 保存最新快照，PUBLISH / SUBSCRIBE 传递通知
type RedisCache struct {
	client *redis.Client
	keys   Keys
	logger *slog.Logger
}

const defaultOpTimeout = 500 * time.Millisecond

// RedisOptionsFromCacheConfig 从 CacheConfig 构造 redis.Options
func RedisOptionsFromCacheConfig(cfg config.CacheConfig) *redis.Options {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		// 调用方的子截止时间同样约束网络读写
		ContextTimeoutEnabled: true,
		DialTimeout:           config.ParseDuration(cfg.OpTimeout, defaultOpTimeout),
	}
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.DB < 0 {
		opts.DB = 0
	}
	return opts
}

// NewRedisCache 连接 Redis 并校验可用
func NewRedisCache(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (*RedisCache, error) {
	client := redis.NewClient(RedisOptionsFromCacheConfig(cfg))
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}
	keys := DefaultKeys()
	if cfg.KeyPrefix != "" {
		keys.Prefix = cfg.KeyPrefix
	}
	if cfg.Channel != "" {
		keys.Channel = cfg.Channel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, keys: keys, logger: logger}, nil
}

// Set 写入最新快照
func (c *RedisCache) Set(ctx context.Context, userID string, snap *snapshot.Packed, ttl time.Duration) error {
	b, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	return unavailable("set", c.client.Set(ctx, c.keys.DataKey(userID), b, ttl).Err())
}

// Get 读取最新快照；内容无法解码时返回 ErrSerialization
func (c *RedisCache) Get(ctx context.Context, userID string) (*snapshot.Packed, error) {
	b, err := c.client.Get(ctx, c.keys.DataKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, unavailable("get", err)
	}
	return snapshot.Unmarshal(b)
}

// Invalidate 删除缓存项
func (c *RedisCache) Invalidate(ctx context.Context, userID string) error {
	return unavailable("invalidate", c.client.Del(ctx, c.keys.DataKey(userID)).Err())
}

// PublishUpdate 发布通知；消息体为快照编码
func (c *RedisCache) PublishUpdate(ctx context.Context, userID string, snap *snapshot.Packed) error {
	b, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	return unavailable("publish", c.client.Publish(ctx, c.keys.Channel, b).Err())
}

// SubscribeUpdates 订阅通知频道；无法解码的消息记日志后丢弃
func (c *RedisCache) SubscribeUpdates(ctx context.Context) (<-chan Update, error) {
	ps := c.client.Subscribe(ctx, c.keys.Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, unavailable("subscribe", err)
	}
	in := ps.Channel()
	out := make(chan Update, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				p, err := snapshot.Unmarshal([]byte(msg.Payload))
				if err != nil {
					c.logger.Warn("dropping undecodable update notification", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- Update{UserID: p.UserID(), Snapshot: p}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MarkInTransit 设置 in-transit 标记
func (c *RedisCache) MarkInTransit(ctx context.Context, userID string, ttl time.Duration) error {
	return unavailable("mark in transit", c.client.Set(ctx, c.keys.TransitKey(userID), "1", ttl).Err())
}

// InTransit 标记是否存在
func (c *RedisCache) InTransit(ctx context.Context, userID string) (bool, error) {
	n, err := c.client.Exists(ctx, c.keys.TransitKey(userID)).Result()
	if err != nil {
		return false, unavailable("in transit", err)
	}
	return n > 0, nil
}

// ClearInTransit 清除标记
func (c *RedisCache) ClearInTransit(ctx context.Context, userID string) error {
	return unavailable("clear in transit", c.client.Del(ctx, c.keys.TransitKey(userID)).Err())
}

// Close 关闭连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}
