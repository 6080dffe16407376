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
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usersync/internal/snapshot"
	"usersync/pkg/config"
	syncerr "usersync/pkg/errors"
)

func caches(t *testing.T) map[string]func(t *testing.T) Cache {
	return map[string]func(t *testing.T) Cache{
		"memory": func(t *testing.T) Cache {
			c := NewMemoryCache()
			t.Cleanup(func() { _ = c.Close() })
			return c
		},
		"redis": func(t *testing.T) Cache {
			addr := os.Getenv("TEST_REDIS_ADDR")
			if addr == "" {
				t.Skip("TEST_REDIS_ADDR not set, skipping Redis cache tests")
			}
			// 每个测试独立前缀与频道
			prefix := "usersync-test-" + uuid.NewString()
			c, err := NewRedisCache(context.Background(), config.CacheConfig{
				Type: "redis", Addr: addr, KeyPrefix: prefix, Channel: prefix + ":updates",
			}, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			return c
		},
	}
}

func forEachCache(t *testing.T, fn func(t *testing.T, c Cache)) {
	for name, factory := range caches(t) {
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func snap(userID, v string) *snapshot.Packed {
	return snapshot.Pack(userID, snapshot.Data{snapshot.KeyInventory: []byte(v)}, snapshot.CauseDisconnect, false)
}

func TestCache_SetGetInvalidate(t *testing.T) {
	forEachCache(t, func(t *testing.T, c Cache) {
		ctx := context.Background()
		got, err := c.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got)

		p := snap("u1", "a")
		require.NoError(t, c.Set(ctx, "u1", p, time.Minute))
		got, err = c.Get(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, p.ID(), got.ID())
		assert.True(t, snapshot.Equal(p, got))

		q := snap("u1", "b")
		require.NoError(t, c.Set(ctx, "u1", q, time.Minute))
		got, err = c.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, q.ID(), got.ID())

		require.NoError(t, c.Invalidate(ctx, "u1"))
		got, err = c.Get(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestCache_InTransitMarker(t *testing.T) {
	forEachCache(t, func(t *testing.T, c Cache) {
		ctx := context.Background()
		ok, err := c.InTransit(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.MarkInTransit(ctx, "u1", time.Minute))
		ok, err = c.InTransit(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, c.ClearInTransit(ctx, "u1"))
		ok, err = c.InTransit(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_UpdatesDeliveredInOrder(t *testing.T) {
	forEachCache(t, func(t *testing.T, c Cache) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		ch, err := c.SubscribeUpdates(ctx)
		require.NoError(t, err)

		var ids []string
		for i := 0; i < 5; i++ {
			p := snap("u1", fmt.Sprint(i))
			ids = append(ids, p.ID())
			require.NoError(t, c.PublishUpdate(ctx, "u1", p))
		}
		for i := 0; i < 5; i++ {
			select {
			case u, ok := <-ch:
				require.True(t, ok)
				assert.Equal(t, "u1", u.UserID)
				assert.Equal(t, ids[i], u.Snapshot.ID())
			case <-time.After(2 * time.Second):
				t.Fatalf("timed out waiting for update %d", i)
			}
		}

		cancel()
		select {
		case _, ok := <-ch:
			for ok {
				_, ok = <-ch
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscription channel not closed after cancel")
		}
	})
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "u1", snap("u1", "a"), time.Second))
	require.NoError(t, c.MarkInTransit(ctx, "u1", time.Second))

	now = now.Add(2 * time.Second)
	got, err := c.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry must read as a miss")
	ok, err := c.InTransit(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCache_Closed(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()
	ch, err := c.SubscribeUpdates(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, ok := <-ch
	assert.False(t, ok)
	err = c.Set(ctx, "u1", snap("u1", "a"), time.Second)
	assert.True(t, errors.Is(err, syncerr.ErrCacheUnavailable))
}

func TestKeys(t *testing.T) {
	k := DefaultKeys()
	assert.Equal(t, "usersync:data:u1", k.DataKey("u1"))
	assert.Equal(t, "usersync:transit:u1", k.TransitKey("u1"))
}

func TestMemoryCache_FullSubscriberDoesNotBlockWriters(t *testing.T) {
	c := NewMemoryCache()
	t.Cleanup(func() { _ = c.Close() })
	subCtx, cancelSub := context.WithCancel(context.Background())
	_, err := c.SubscribeUpdates(subCtx)
	require.NoError(t, err)

	// 订阅者不读取，填满缓冲后发布阻塞
	published := make(chan error, 1)
	go func() {
		ctx := context.Background()
		for i := 0; i <= subscriberBuffer; i++ {
			if err := c.PublishUpdate(ctx, "u1", snap("u1", fmt.Sprint(i))); err != nil {
				published <- err
				return
			}
		}
		published <- nil
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Set(ctx, "u2", snap("u2", "x"), time.Minute))
	require.NoError(t, c.MarkInTransit(ctx, "u2", time.Minute))
	got, err := c.Get(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, got)

	cancelSub()
	select {
	case err := <-published:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher still blocked after subscriber went away")
	}
}

func TestMemoryCache_CloseReleasesBlockedPublisher(t *testing.T) {
	c := NewMemoryCache()
	_, err := c.SubscribeUpdates(context.Background())
	require.NoError(t, err)

	published := make(chan struct{})
	go func() {
		defer close(published)
		for i := 0; i <= subscriberBuffer; i++ {
			if c.PublishUpdate(context.Background(), "u1", snap("u1", fmt.Sprint(i))) != nil {
				return
			}
		}
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Close())
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher still blocked after close")
	}
}

func TestRedisOptionsFromCacheConfig_OpTimeout(t *testing.T) {
	opts := RedisOptionsFromCacheConfig(config.CacheConfig{Addr: "redis:6379", OpTimeout: "150ms"})
	assert.Equal(t, "redis:6379", opts.Addr)
	assert.Equal(t, 150*time.Millisecond, opts.DialTimeout)
	assert.True(t, opts.ContextTimeoutEnabled)

	opts = RedisOptionsFromCacheConfig(config.CacheConfig{})
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, defaultOpTimeout, opts.DialTimeout)
}
