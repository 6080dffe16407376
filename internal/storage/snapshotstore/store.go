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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"usersync/internal/snapshot"
	syncerr "usersync/pkg/errors"
	"usersync/pkg/metrics"
	"usersync/pkg/retention"
)

var nowFunc = time.Now

// ErrDuplicateSnapshot 同一用户下快照 ID 已存在（存储只追加，不覆盖）
var ErrDuplicateSnapshot = errors.New("snapshotstore: duplicate snapshot id")

// Store 持久化快照历史；各用户历史按追加顺序排列，记录不可原地修改
type Store interface {
	// Append 追加快照；ID 重复返回 ErrDuplicateSnapshot
	Append(ctx context.Context, userID string, snap *snapshot.Packed) error
	// Latest 追加序号最大且可解码的快照；无数据返回 nil, nil
	Latest(ctx context.Context, userID string) (*snapshot.Packed, error)
	// History 按从新到旧返回；limit<=0 返回全部
	History(ctx context.Context, userID string, limit int) ([]*snapshot.Packed, error)
	// Get 按 ID 读取；不存在返回 nil, nil
	Get(ctx context.Context, userID, snapshotID string) (*snapshot.Packed, error)
	// Prune 按留存策略删除历史快照，返回删除条数
	Prune(ctx context.Context, userID string, policy retention.Policy) (int, error)
	// ListUserIDs 有快照的全部用户
	ListUserIDs(ctx context.Context) ([]string, error)
	Close() error
}

// rawRecord 后端读取到的原始记录
type rawRecord struct {
	seq  int64
	id   string
	body []byte
}

// decoded 解码成功的记录
type decoded struct {
	seq  int64
	snap *snapshot.Packed
}

// decodeRecord 解码单条记录；损坏或属于其它用户时记日志与指标并返回 false
func decodeRecord(logger *slog.Logger, source, userID string, r rawRecord) (*snapshot.Packed, bool) {
	p, err := snapshot.Unmarshal(r.body)
	if err != nil {
		metrics.CorruptSnapshotTotal.WithLabelValues(source).Inc()
		logger.Warn("skipping corrupt snapshot",
			"backend", source, "user_id", userID, "snapshot_id", r.id, "seq", r.seq, "error", err)
		return nil, false
	}
	if p.UserID() != userID {
		metrics.CorruptSnapshotTotal.WithLabelValues(source).Inc()
		logger.Warn("skipping snapshot owned by another user",
			"backend", source, "user_id", userID, "snapshot_id", r.id, "seq", r.seq, "owner", p.UserID())
		return nil, false
	}
	return p, true
}

// decodeAll 按入参顺序解码；损坏记录跳过，不影响其它记录
func decodeAll(logger *slog.Logger, source, userID string, recs []rawRecord) []decoded {
	out := make([]decoded, 0, len(recs))
	for _, r := range recs {
		if p, ok := decodeRecord(logger, source, userID, r); ok {
			out = append(out, decoded{seq: r.seq, snap: p})
		}
	}
	return out
}

// newestCollector 调用方按 seq 从新到旧喂入记录，收满 limit 条可解码快照后停止
type newestCollector struct {
	logger *slog.Logger
	source string
	userID string
	limit  int
	out    []*snapshot.Packed
}

func newCollector(logger *slog.Logger, source, userID string, limit int) *newestCollector {
	return &newestCollector{logger: logger, source: source, userID: userID, limit: limit}
}

// add 返回 true 表示已收满，调用方应停止读取
func (c *newestCollector) add(r rawRecord) bool {
	if p, ok := decodeRecord(c.logger, c.source, c.userID, r); ok {
		c.out = append(c.out, p)
	}
	return c.limit > 0 && len(c.out) >= c.limit
}

func (c *newestCollector) result() []*snapshot.Packed {
	if c.out == nil {
		return []*snapshot.Packed{}
	}
	return c.out
}

// latestOf History(limit=1) 的单值形式
func latestOf(list []*snapshot.Packed, err error) (*snapshot.Packed, error) {
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

// prunePlan 计算需删除的 ID；损坏记录不参与留存计算
func prunePlan(logger *slog.Logger, source, userID string, recs []rawRecord, policy retention.Policy) []string {
	if !policy.Enabled() {
		return nil
	}
	ds := decodeAll(logger, source, userID, recs)
	records := make([]retention.Record, 0, len(ds))
	for _, d := range ds {
		records = append(records, retention.Record{
			ID:        d.snap.ID(),
			Seq:       d.seq,
			Timestamp: d.snap.Timestamp(),
			Pinned:    d.snap.Pinned(),
		})
	}
	return retention.Select(records, policy, nowFunc())
}

func validateAppend(userID string, snap *snapshot.Packed) error {
	if userID == "" || snap == nil {
		return fmt.Errorf("%w: user id and snapshot are required", syncerr.ErrInvalidArg)
	}
	if snap.UserID() != userID {
		return fmt.Errorf("%w: snapshot %s belongs to %s, not %s", syncerr.ErrInvalidArg, snap.ID(), snap.UserID(), userID)
	}
	return nil
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return syncerr.Unavailable(syncerr.ErrStoreUnavailable, fmt.Errorf("%s: %w", op, err))
}

func ensureLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
