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

package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 syncd 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		SaveTotal, SaveDuration,
		LoadTotal, LoadDuration,
		CacheDegradedTotal, StoreRetryTotal,
		PrunedTotal, CorruptSnapshotTotal,
		InTransitWaitTotal,
	)
}

// SaveTotal 保存请求总数（按结果）
var SaveTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "usersync_save_total",
		Help: "快照保存请求总数（按结果）",
	},
	[]string{"result"}, // saved | skipped | failed | conflict
)

// SaveDuration 保存耗时（秒）
var SaveDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "usersync_save_duration_seconds",
		Help:    "快照保存耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"cause"},
)

// LoadTotal 读取请求总数（按来源）
var LoadTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "usersync_load_total",
		Help: "快照读取请求总数（按来源）",
	},
	[]string{"source"}, // cache | store | none | failed
)

// LoadDuration 读取耗时（秒）
var LoadDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "usersync_load_duration_seconds",
		Help:    "快照读取耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// CacheDegradedTotal 缓存不可用导致降级的次数
var CacheDegradedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "usersync_cache_degraded_total",
		Help: "交接缓存不可用降级次数",
	},
	[]string{"op"}, // get | set | publish | transit
)

// StoreRetryTotal 存储操作重试次数
var StoreRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "usersync_store_retry_total",
		Help: "持久化存储操作重试次数",
	},
	[]string{"op"}, // append | latest
)

// PrunedTotal 留存策略清理的快照数
var PrunedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "usersync_pruned_snapshots_total",
		Help: "留存策略清理的快照数",
	},
)

// CorruptSnapshotTotal 读取时跳过的损坏快照数
var CorruptSnapshotTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "usersync_corrupt_snapshot_total",
		Help: "读取时跳过的损坏快照数",
	},
	[]string{"source"}, // store | cache
)

// InTransitWaitTotal CheckIn 等待其它进程保存的结果
var InTransitWaitTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "usersync_in_transit_wait_total",
		Help: "CheckIn 等待跨进程交接的结果",
	},
	[]string{"outcome"}, // notified | cleared | grace_expired
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
