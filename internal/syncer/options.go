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

package syncer

import (
	"fmt"
	"time"

	"usersync/internal/snapshot"
	"usersync/pkg/config"
	"usersync/pkg/retention"
)

// RetryOptions 存储调用的有界重试
type RetryOptions struct {
	MaxAttempts     int // 含首次，<=1 不重试
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Options Coordinator 配置
type Options struct {
	SaveTimeout         time.Duration
	LoadTimeout         time.Duration
	CacheTTL            time.Duration
	// CacheTimeout 单次缓存调用上限；超时视为缓存不可用并回退存储
	CacheTimeout        time.Duration
	TransitGrace        time.Duration
	TransitPollInterval time.Duration
	AutoPinCauses       []snapshot.SaveCause
	Retry               RetryOptions
	// Retention 非零时每次成功保存后对该用户做一次尽力清理
	Retention retention.Policy
}

// DefaultOptions 默认配置，与 configs/syncd.yaml 一致
func DefaultOptions() Options {
	return Options{
		SaveTimeout:         10 * time.Second,
		LoadTimeout:         5 * time.Second,
		CacheTTL:            30 * time.Second,
		CacheTimeout:        500 * time.Millisecond,
		TransitGrace:        3 * time.Second,
		TransitPollInterval: 100 * time.Millisecond,
		AutoPinCauses: []snapshot.SaveCause{
			snapshot.CauseInventoryCommand,
			snapshot.CauseEnderChestCommand,
			snapshot.CauseBackupRestore,
		},
		Retry: RetryOptions{
			MaxAttempts:     3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
	}
}

// OptionsFromConfig 由配置文件构造；未知的自动 pin 原因视为配置错误
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	def := DefaultOptions()
	opts := Options{
		SaveTimeout:         config.ParseDuration(cfg.Sync.SaveTimeout, def.SaveTimeout),
		LoadTimeout:         config.ParseDuration(cfg.Sync.LoadTimeout, def.LoadTimeout),
		CacheTTL:            config.ParseDuration(cfg.Cache.TTL, def.CacheTTL),
		CacheTimeout:        config.ParseDuration(cfg.Cache.OpTimeout, def.CacheTimeout),
		TransitGrace:        config.ParseDuration(cfg.Sync.TransitGrace, def.TransitGrace),
		TransitPollInterval: config.ParseDuration(cfg.Sync.TransitPollInterval, def.TransitPollInterval),
		Retry: RetryOptions{
			MaxAttempts:     cfg.Sync.Retry.MaxAttempts,
			InitialInterval: config.ParseDuration(cfg.Sync.Retry.InitialInterval, def.Retry.InitialInterval),
			MaxInterval:     config.ParseDuration(cfg.Sync.Retry.MaxInterval, def.Retry.MaxInterval),
		},
	}
	for _, s := range cfg.Sync.AutoPinCauses {
		c, ok := snapshot.ParseSaveCause(s)
		if !ok {
			return Options{}, fmt.Errorf("sync.auto_pin_causes: unknown save cause %q", s)
		}
		opts.AutoPinCauses = append(opts.AutoPinCauses, c)
	}
	if cfg.Retention.Enable {
		opts.Retention = retention.Policy{
			MaxSnapshots: cfg.Retention.MaxSnapshots,
			MaxAge:       config.ParseDuration(cfg.Retention.MaxAge, 0),
		}
	}
	return opts, nil
}

// AutoPin 保存原因是否命中自动 pin 列表
func AutoPin(cause snapshot.SaveCause, causes []snapshot.SaveCause) bool {
	for _, c := range causes {
		if c == cause {
			return true
		}
	}
	return false
}

// SaveOption 单次保存选项
type SaveOption func(*saveOptions)

type saveOptions struct {
	force bool
}

// WithForce 即使数据与存储中的最新快照相同也写入
func WithForce() SaveOption {
	return func(o *saveOptions) { o.force = true }
}
