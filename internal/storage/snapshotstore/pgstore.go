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
	_ "embed"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"usersync/internal/snapshot"
	"usersync/pkg/retention"
)

//go:embed schema_postgres.sql
var postgresSchema string

// pgStore PostgreSQL 实现：user_snapshots 单表，seq 为全局追加序号
type pgStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 创建基于 PostgreSQL 的 Store；dsn 为连接串
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, unavailable("connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("ping", err)
	}
	s := &pgStore{pool: pool, logger: ensureLogger(logger)}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema 建表（幂等）
func (s *pgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return unavailable("ensure schema", err)
}

// Close 关闭连接池
func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) Append(ctx context.Context, userID string, snap *snapshot.Packed) error {
	if err := validateAppend(userID, snap); err != nil {
		return err
	}
	body, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO user_snapshots (user_id, snapshot_id, created_at, save_cause, pinned, body) VALUES ($1, $2, $3, $4, $5, $6)`,
		userID, snap.ID(), snap.Timestamp(), string(snap.SaveCause()), snap.Pinned(), body)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSnapshot
		}
		return unavailable("append", err)
	}
	return nil
}

// queryRaw 按 seq 倒序读取原始记录
func (s *pgStore) queryRaw(ctx context.Context, userID string) ([]rawRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, snapshot_id, body FROM user_snapshots WHERE user_id = $1 ORDER BY seq DESC`, userID)
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

func (s *pgStore) Latest(ctx context.Context, userID string) (*snapshot.Packed, error) {
	return latestOf(s.History(ctx, userID, 1))
}

// History 按 seq 倒序逐行解码，收满 limit 条即停止读取游标
func (s *pgStore) History(ctx context.Context, userID string, limit int) ([]*snapshot.Packed, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, snapshot_id, body FROM user_snapshots WHERE user_id = $1 ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, unavailable("query", err)
	}
	defer rows.Close()
	col := newCollector(s.logger, "postgres", userID, limit)
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

func (s *pgStore) Get(ctx context.Context, userID, snapshotID string) (*snapshot.Packed, error) {
	var r rawRecord
	err := s.pool.QueryRow(ctx,
		`SELECT seq, snapshot_id, body FROM user_snapshots WHERE user_id = $1 AND snapshot_id = $2`,
		userID, snapshotID).Scan(&r.seq, &r.id, &r.body)
	if err != nil {
		if errNoRows(err) {
			return nil, nil
		}
		return nil, unavailable("get", err)
	}
	ds := decodeAll(s.logger, "postgres", userID, []rawRecord{r})
	if len(ds) == 0 {
		return nil, nil
	}
	return ds[0].snap, nil
}

func (s *pgStore) Prune(ctx context.Context, userID string, policy retention.Policy) (int, error) {
	recs, err := s.queryRaw(ctx, userID)
	if err != nil {
		return 0, err
	}
	drop := prunePlan(s.logger, "postgres", userID, recs, policy)
	if len(drop) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM user_snapshots WHERE user_id = $1 AND snapshot_id = ANY($2)`, userID, drop)
	if err != nil {
		return 0, unavailable("prune", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgStore) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT user_id FROM user_snapshots ORDER BY user_id`)
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

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func errNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
