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
	"errors"
	"sort"
	"testing"
	"time"
)

// 内存 Pruner 实现（用于测试）
type memPruner struct {
	records map[string][]Record
	failFor string
}

func (m *memPruner) ListUserIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memPruner) Prune(ctx context.Context, userID string, policy Policy) (int, error) {
	if userID == m.failFor {
		return 0, errors.New("boom")
	}
	drop := Select(m.records[userID], policy, time.Now())
	if len(drop) == 0 {
		return 0, nil
	}
	set := make(map[string]bool, len(drop))
	for _, id := range drop {
		set[id] = true
	}
	kept := m.records[userID][:0]
	for _, r := range m.records[userID] {
		if !set[r.ID] {
			kept = append(kept, r)
		}
	}
	m.records[userID] = kept
	return len(drop), nil
}

func makeRecords(n int, pinnedEvery int, start time.Time, step time.Duration) []Record {
	out := make([]Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Record{
			ID:        string(rune('a' + i)),
			Seq:       int64(i + 1),
			Timestamp: start.Add(time.Duration(i) * step),
			Pinned:    pinnedEvery > 0 && i%pinnedEvery == 0,
		})
	}
	return out
}

func TestSelect_MaxSnapshots(t *testing.T) {
	now := time.Now()
	records := makeRecords(6, 0, now.Add(-time.Hour), time.Minute)
	drop := Select(records, Policy{MaxSnapshots: 2}, now)
	// 最新两条 f、e 保留
	want := []string{"d", "c", "b", "a"}
	if len(drop) != len(want) {
		t.Fatalf("drop = %v, want %v", drop, want)
	}
	for i := range want {
		if drop[i] != want[i] {
			t.Fatalf("drop = %v, want %v", drop, want)
		}
	}
}

func TestSelect_PinnedNeverRemoved(t *testing.T) {
	now := time.Now()
	// a, d 为 pin
	records := makeRecords(6, 3, now.Add(-1000*time.Hour), time.Minute)
	drop := Select(records, Policy{MaxSnapshots: 1, MaxAge: time.Second}, now)
	for _, id := range drop {
		if id == "a" || id == "d" {
			t.Fatalf("pinned snapshot %s selected for pruning: %v", id, drop)
		}
		if id == "f" {
			t.Fatalf("newest snapshot selected for pruning: %v", drop)
		}
	}
	if len(drop) != 3 {
		t.Fatalf("expected b, c, e to be pruned, got %v", drop)
	}
}

func TestSelect_MaxAge(t *testing.T) {
	now := time.Now()
	records := []Record{
		{ID: "old", Seq: 1, Timestamp: now.Add(-48 * time.Hour)},
		{ID: "mid", Seq: 2, Timestamp: now.Add(-2 * time.Hour)},
		{ID: "new", Seq: 3, Timestamp: now.Add(-time.Minute)},
	}
	drop := Select(records, Policy{MaxAge: 24 * time.Hour}, now)
	if len(drop) != 1 || drop[0] != "old" {
		t.Fatalf("drop = %v, want [old]", drop)
	}
}

func TestSelect_NewestKeptEvenWhenExpired(t *testing.T) {
	now := time.Now()
	records := []Record{{ID: "only", Seq: 1, Timestamp: now.Add(-1000 * time.Hour)}}
	if drop := Select(records, Policy{MaxAge: time.Hour}, now); len(drop) != 0 {
		t.Fatalf("newest snapshot must survive, got %v", drop)
	}
}

func TestSelect_DisabledPolicy(t *testing.T) {
	records := makeRecords(10, 0, time.Now(), time.Second)
	if drop := Select(records, Policy{}, time.Now()); drop != nil {
		t.Fatalf("disabled policy should select nothing, got %v", drop)
	}
}

func TestEngine_RunRetentionScan(t *testing.T) {
	now := time.Now()
	pruner := &memPruner{records: map[string][]Record{
		"u1": makeRecords(5, 0, now, time.Second),
		"u2": makeRecords(2, 0, now, time.Second),
		"u3": makeRecords(5, 0, now, time.Second),
	}, failFor: "u3"}
	engine := NewEngine(RetentionConfig{Enable: true, Policy: Policy{MaxSnapshots: 2}, PruneRate: 1000}, pruner, nil)
	var reported int
	engine.OnPrune(func(n int) { reported += n })

	n, err := engine.RunRetentionScan(context.Background())
	if err != nil {
		t.Fatalf("RunRetentionScan: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned = %d, want 3", n)
	}
	if reported != 3 {
		t.Errorf("OnPrune reported %d, want 3", reported)
	}
	if len(pruner.records["u1"]) != 2 || len(pruner.records["u2"]) != 2 {
		t.Errorf("unexpected remaining records: %v", pruner.records)
	}
	if len(pruner.records["u3"]) != 5 {
		t.Errorf("failing user should be untouched")
	}
}

func TestEngine_Disabled(t *testing.T) {
	pruner := &memPruner{records: map[string][]Record{"u1": makeRecords(5, 0, time.Now(), time.Second)}}
	engine := NewEngine(RetentionConfig{Enable: false, Policy: Policy{MaxSnapshots: 1}}, pruner, nil)
	n, err := engine.RunRetentionScan(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("disabled engine: n=%d err=%v", n, err)
	}
}
