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
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"usersync/internal/snapshot"
	"usersync/pkg/retention"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// sqliteStore 单机嵌入式 SQL 实现
type sqliteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore 打开（或创建）path 处的 SQLite 数据库
func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, unavailable("open sqlite", err)
	}
	// 单写者，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping sqlite", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, unavailable("ensure schema", err)
	}
	return &sqliteStore{db: db, logger: ensureLogger(logger)}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, userID string, snap *snapshot.Packed) error {
	if err := validateAppend(userID, snap); err != nil {
		return err
	}
	body, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	return s.appendRaw(ctx, userID, snap.ID(), snap.Timestamp().UnixMicro(), string(snap.SaveCause()), snap.Pinned(), body)
}

func (s *sqliteStore) appendRaw(ctx context.Context, userID, id string, createdAt int64, cause string, pinned bool, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_snapshots (user_id, snapshot_id, created_at, save_cause, pinned, body) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, id, createdAt, cause, pinned, body)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrDuplicateSnapshot
		}
		return unavailable("append", err)
	}
	return nil
}

func (s *sqliteStore) queryRaw(ctx context.Context, userID string) ([]rawRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, snapshot_id, body FROM user_snapshots WHERE user_id = ? ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer rows.Close()
	var out []rawRecord
	for rows.Next() {
		var r rawRecord
		if err := rows.Scan(&r.seq, &r.id, &r.body); err != nil {
			return nil, unavailable("scan", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query", err)
	}
	return out, nil
}

func (s *sqliteStore) Latest(ctx context.Context, userID string) (*snapshot.Packed, error) {
	return latestOf(s.History(ctx, userID, 1))
}

// History 按 seq 倒序逐行解码，收满 limit 条即停止
func (s *sqliteStore) History(ctx context.Context, userID string, limit int) ([]*snapshot.Packed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, snapshot_id, body FROM user_snapshots WHERE user_id = ? ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer rows.Close()
	col := newCollector(s.logger, "sqlite", userID, limit)
	for rows.Next() {
		var r rawRecord
		if err := rows.Scan(&r.seq, &r.id, &r.body); err != nil {
			return nil, unavailable("scan", err)
		}
		if col.add(r) {
			return col.result(), nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query", err)
	}
	return col.result(), nil
}

func (s *sqliteStore) Get(ctx context.Context, userID, snapshotID string) (*snapshot.Packed, error) {
	var r rawRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, snapshot_id, body FROM user_snapshots WHERE user_id = ? AND snapshot_id = ?`,
		userID, snapshotID).Scan(&r.seq, &r.id, &r.body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable("get", err)
	}
	ds := decodeAll(s.logger, "sqlite", userID, []rawRecord{r})
	if len(ds) == 0 {
		return nil, nil
	}
	return ds[0].snap, nil
}

func (s *sqliteStore) Prune(ctx context.Context, userID string, policy retention.Policy) (int, error) {
	recs, err := s.queryRaw(ctx, userID)
	if err != nil {
		return 0, err
	}
	drop := prunePlan(s.logger, "sqlite", userID, recs, policy)
	if len(drop) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("prune", err)
	}
	defer func() { _ = tx.Rollback() }()
	removed := 0
	for _, id := range drop {
		res, err := tx.ExecContext(ctx, `DELETE FROM user_snapshots WHERE user_id = ? AND snapshot_id = ?`, userID, id)
		if err != nil {
			return 0, unavailable("prune", err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("prune", err)
	}
	return removed, nil
}

func (s *sqliteStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM user_snapshots ORDER BY user_id`)
	if err != nil {
		return nil, unavailable("list users", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list users", err)
	}
	return ids, nil
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
