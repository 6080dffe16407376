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
	"time"

	"usersync/internal/snapshot"
)

// Update 某用户有新快照发布的通知
type Update struct {
	UserID   string
	Snapshot *snapshot.Packed
}

// Cache 跨进程交接缓存：最新快照、更新通知、in-transit 标记
type Cache interface {
	// Set 写入用户最新快照，ttl 后过期
	Set(ctx context.Context, userID string, snap *snapshot.Packed, ttl time.Duration) error
	// Get 读取；不存在或已过期返回 nil, nil
	Get(ctx context.Context, userID string) (*snapshot.Packed, error)
	// Invalidate 删除缓存项
	Invalidate(ctx context.Context, userID string) error
	// PublishUpdate 广播更新通知
	PublishUpdate(ctx context.Context, userID string, snap *snapshot.Packed) error
	// SubscribeUpdates 订阅更新；ctx 结束时关闭通道，需重新调用以恢复订阅
	SubscribeUpdates(ctx context.Context) (<-chan Update, error)
	// MarkInTransit 标记用户正在跨进程切换（保存尚未完成）
	MarkInTransit(ctx context.Context, userID string, ttl time.Duration) error
	// InTransit 标记是否存在
	InTransit(ctx context.Context, userID string) (bool, error)
	// ClearInTransit 清除标记
	ClearInTransit(ctx context.Context, userID string) error
	// Close 关闭缓存连接
	Close() error
}

// Keys 键与频道命名
type Keys struct {
	Prefix  string
	Channel string
}

// DefaultKeys 默认命名
func DefaultKeys() Keys {
	return Keys{Prefix: "usersync", Channel: "usersync:updates"}
}

// DataKey 最新快照键
func (k Keys) DataKey(userID string) string {
	return k.Prefix + ":data:" + userID
}

// TransitKey in-transit 标记键
func (k Keys) TransitKey(userID string) string {
	return k.Prefix + ":transit:" + userID
}
