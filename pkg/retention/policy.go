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
	"sort"
	"time"
)

// Policy 每用户快照留存策略；零值字段表示不启用对应规则
type Policy struct {
	MaxSnapshots int           // 保留最近 N 个未 pin 快照
	MaxAge       time.Duration // 未 pin 快照的最长保留时间
}

// Enabled 是否至少启用了一条规则
func (p Policy) Enabled() bool {
	return p.MaxSnapshots > 0 || p.MaxAge > 0
}

// RetentionConfig 留存配置
type RetentionConfig struct {
	Enable       bool
	Policy       Policy
	ScanInterval time.Duration
	PruneRate    float64 // 每秒最多清理的用户数，<=0 不限速
}

// DefaultRetentionConfig 默认留存配置
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Enable:       false,
		Policy:       Policy{MaxSnapshots: 16},
		ScanInterval: time.Hour,
		PruneRate:    50,
	}
}

// Record 参与留存计算的快照元数据
type Record struct {
	ID        string
	Seq       int64 // 追加顺序，越大越新
	Timestamp time.Time
	Pinned    bool
}

// Select 返回应删除的快照 ID（纯函数）
//
// pin 的快照永不删除；整体最新的一条永不删除，保证 Latest 始终可用。
func Select(records []Record, policy Policy, now time.Time) []string {
	if !policy.Enabled() || len(records) == 0 {
		return nil
	}
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Seq > sorted[j].Seq })

	var out []string
	unpinned := 0
	for i, r := range sorted {
		if r.Pinned {
			continue
		}
		unpinned++
		if i == 0 {
			continue
		}
		if policy.MaxSnapshots > 0 && unpinned > policy.MaxSnapshots {
			out = append(out, r.ID)
			continue
		}
		if policy.MaxAge > 0 && now.Sub(r.Timestamp) > policy.MaxAge {
			out = append(out, r.ID)
		}
	}
	return out
}
