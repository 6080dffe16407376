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

package app

import (
	"usersync/pkg/config"
	"usersync/pkg/metrics"
	"usersync/pkg/retention"
)

// RetentionConfigFromConfig 将 retention 配置段转换为留存引擎配置
func RetentionConfigFromConfig(cfg *config.Config) retention.RetentionConfig {
	def := retention.DefaultRetentionConfig()
	if cfg == nil {
		return def
	}
	rc := retention.RetentionConfig{
		Enable: cfg.Retention.Enable,
		Policy: retention.Policy{
			MaxSnapshots: cfg.Retention.MaxSnapshots,
			MaxAge:       config.ParseDuration(cfg.Retention.MaxAge, 0),
		},
		ScanInterval: config.ParseDuration(cfg.Retention.ScanInterval, def.ScanInterval),
		PruneRate:    cfg.Retention.PruneRate,
	}
	return rc
}

// NewRetentionEngine 以快照存储为清理对象创建留存引擎，清理条数计入指标
func (b *Bootstrap) NewRetentionEngine() *retention.Engine {
	e := retention.NewEngine(RetentionConfigFromConfig(b.Config), b.Store, b.Logger.With("component", "retention"))
	e.OnPrune(func(n int) {
		metrics.PrunedTotal.Add(float64(n))
	})
	return e
}
