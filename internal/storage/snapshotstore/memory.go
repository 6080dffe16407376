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

package snapshotstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"usersync/internal/snapshot"
	"usersync/pkg/retention"
)

// memoryStore 内存实现，记录保存编码后的字节，与持久化后端行为一致
type memoryStore struct {
	mu      sync.RWMutex
	byUser  map[string][]rawRecord
	nextSeq int64
	logger  *slog.Logger
}

// NewMemoryStore 创建内存 Store（测试与单机开发）
func NewMemoryStore(logger *slog.Logger) Store {
	return &memoryStore{
		byUser: make(map[string][]rawRecord),
		logger: ensureLogger(logger),
	}
}

func (s *memoryStore) Append(ctx context.Context, userID string, snap *snapshot.Packed) error {
	if err := validateAppend(userID, snap); err != nil {
		return err
	}
	body, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	return s.appendRaw(ctx, userID, snap.ID(), body)
}

func (s *memoryStore) appendRaw(ctx context.Context, userID, id string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byUser[userID] {
		if r.id == id {
			return ErrDuplicateSnapshot
		}
	}
	s.nextSeq++
	s.byUser[userID] = append(s.byUser[userID], rawRecord{seq: s.nextSeq, id: id, body: body})
	return nil
}

// records 返回按追加顺序的记录副本
func (s *memoryStore) records(ctx context.Context, userID string) ([]rawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.byUser[userID]
	out := make([]rawRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *memoryStore) Latest(ctx context.Context, userID string) (*snapshot.Packed, error) {
	return latestOf(s.History(ctx, userID, 1))
}

func (s *memoryStore) History(ctx context.Context, userID string, limit int) ([]*snapshot.Packed, error) {
	recs, err := s.records(ctx, userID)
	if err != nil {
		return nil, err
	}
	col := newCollector(s.logger, "memory", userID, limit)
	for i := len(recs) - 1; i >= 0; i-- {
		if col.add(recs[i]) {
			break
		}
	}
	return col.result(), nil
}

func (s *memoryStore) Get(ctx context.Context, userID, snapshotID string) (*snapshot.Packed, error) {
	recs, err := s.records(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.id != snapshotID {
			continue
		}
		ds := decodeAll(s.logger, "memory", userID, []rawRecord{r})
		if len(ds) == 0 {
			return nil, nil
		}
		return ds[0].snap, nil
	}
	return nil, nil
}

func (s *memoryStore) Prune(ctx context.Context, userID string, policy retention.Policy) (int, error) {
	recs, err := s.records(ctx, userID)
	if err != nil {
		return 0, err
	}
	drop := prunePlan(s.logger, "memory", userID, recs, policy)
	if len(drop) == 0 {
		return 0, nil
	}
	set := make(map[string]bool, len(drop))
	for _, id := range drop {
		set[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make([]rawRecord, 0, len(s.byUser[userID]))
	removed := 0
	for _, r := range s.byUser[userID] {
		if set[r.id] {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.byUser[userID] = kept
	return removed, nil
}

func (s *memoryStore) ListUserIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byUser))
	for id, recs := range s.byUser {
		if len(recs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) Close() error { return nil }
