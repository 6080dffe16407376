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

package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Pruner 可按用户清理历史的存储
type Pruner interface {
	// ListUserIDs 返回有快照的全部用户
	ListUserIDs(ctx context.Context) ([]string, error)
	// Prune 按策略清理该用户历史，返回删除条数
	Prune(ctx context.Context, userID string, policy Policy) (int, error)
}

// Engine 留存引擎：定期扫描全部用户并按策略清理
type Engine struct {
	config  RetentionConfig
	pruner  Pruner
	limiter *rate.Limiter
	logger  *slog.Logger
	onPrune func(n int)
}

// NewEngine 创建留存引擎
func NewEngine(config RetentionConfig, pruner Pruner, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.PruneRate > 0 {
		burst := int(config.PruneRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.PruneRate), burst)
	}
	return &Engine{
		config:  config,
		pruner:  pruner,
		limiter: limiter,
		logger:  logger,
	}
}

// OnPrune 注册清理回调（用于 metrics）
func (e *Engine) OnPrune(fn func(n int)) {
	e.onPrune = fn
}

// RunRetentionScan 扫描并执行留存策略，返回删除的快照总数
func (e *Engine) RunRetentionScan(ctx context.Context) (int, error) {
	if !e.config.Enable || !e.config.Policy.Enabled() || e.pruner == nil {
		return 0, nil
	}

	userIDs, err := e.pruner.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}

	total := 0
	for _, userID := range userIDs {
		if err := e.limiter.Wait(ctx); err != nil {
			return total, err
		}
		n, err := e.pruner.Prune(ctx, userID, e.config.Policy)
		if err != nil {
			// 单个用户失败不影响其它用户
			e.logger.Warn("retention prune failed", "user_id", userID, "error", err)
			continue
		}
		if n > 0 {
			total += n
			if e.onPrune != nil {
				e.onPrune(n)
			}
		}
	}
	return total, nil
}

// Run 按 ScanInterval 周期执行扫描，直到 ctx 取消
func (e *Engine) Run(ctx context.Context) {
	if !e.config.Enable {
		return
	}
	interval := e.config.ScanInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.RunRetentionScan(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Error("retention scan failed", "error", err)
				continue
			}
			e.logger.Info("retention scan completed", "pruned", n)
		}
	}
}
