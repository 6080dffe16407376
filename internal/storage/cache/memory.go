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
	"sync"
	"time"

	"usersync/internal/snapshot"
)

const subscriberBuffer = 256

var errClosed = errors.New("cache: closed")

// MemoryCache 进程内实现；同一实例可被多个 Coordinator 共享，模拟共享 Redis
type MemoryCache struct {
	mu      sync.RWMutex
	items   map[string]*cacheItem
	transit map[string]time.Time
	subs    map[*subscriber]struct{}
	closed  bool
	stop    chan struct{} // Close 时关闭，唤醒阻塞中的投递
	now     func() time.Time
}

// cacheItem 缓存项；保存编码后的字节，读取时解码，避免共享可变状态
type cacheItem struct {
	value      []byte
	expiration time.Time
}

// subscriber 发送与关闭由 mu 互斥，投递不持有缓存锁
type subscriber struct {
	mu     sync.Mutex
	ch     chan Update
	done   <-chan struct{}
	closed bool
}

func (s *subscriber) deliver(ctx context.Context, stop <-chan struct{}, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- u:
	case <-s.done:
	case <-stop:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items:   make(map[string]*cacheItem),
		transit: make(map[string]time.Time),
		subs:    make(map[*subscriber]struct{}),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

func (c *MemoryCache) expired(exp time.Time) bool {
	return !exp.IsZero() && !c.now().Before(exp)
}

// Set 写入最新快照
func (c *MemoryCache) Set(ctx context.Context, userID string, snap *snapshot.Packed, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return unavailable("set", errClosed)
	}
	c.items[userID] = &cacheItem{value: b, expiration: c.expiry(ttl)}
	return nil
}

// Get 读取最新快照
func (c *MemoryCache) Get(ctx context.Context, userID string) (*snapshot.Packed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	item, ok := c.items[userID]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, unavailable("get", errClosed)
	}
	if !ok || c.expired(item.expiration) {
		return nil, nil
	}
	return snapshot.Unmarshal(item.value)
}

// Invalidate 删除缓存项
func (c *MemoryCache) Invalidate(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, userID)
	return nil
}

// PublishUpdate 按发布顺序投递给所有订阅者；订阅者缓冲满时阻塞直到 ctx 结束，期间不阻塞其它缓存操作
func (c *MemoryCache) PublishUpdate(ctx context.Context, userID string, snap *snapshot.Packed) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return unavailable("publish", errClosed)
	}
	subs := make([]*subscriber, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.RUnlock()

	for _, sub := range subs {
		// 每个订阅者独立解码，互不共享快照实例
		p, err := snapshot.Unmarshal(b)
		if err != nil {
			return err
		}
		if err := sub.deliver(ctx, c.stop, Update{UserID: userID, Snapshot: p}); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeUpdates 订阅更新
func (c *MemoryCache) SubscribeUpdates(ctx context.Context) (<-chan Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscriber{ch: make(chan Update, subscriberBuffer), done: ctx.Done()}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, unavailable("subscribe", errClosed)
	}
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		sub.close()
	}()
	return sub.ch, nil
}

// MarkInTransit 设置 in-transit 标记
func (c *MemoryCache) MarkInTransit(ctx context.Context, userID string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transit[userID] = c.expiry(ttl)
	return nil
}

// InTransit 标记是否存在且未过期
func (c *MemoryCache) InTransit(ctx context.Context, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.RLock()
	exp, ok := c.transit[userID]
	c.mu.RUnlock()
	return ok && !c.expired(exp), nil
}

// ClearInTransit 清除标记
func (c *MemoryCache) ClearInTransit(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.transit, userID)
	return nil
}

// Close 关闭所有订阅
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.stop)
	for sub := range c.subs {
		delete(c.subs, sub)
		sub.close()
	}
	return nil
}
