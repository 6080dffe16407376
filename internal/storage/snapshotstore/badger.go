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
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v3"

	"usersync/internal/snapshot"
	syncerr "usersync/pkg/errors"
	"usersync/pkg/retention"
)

// key 布局：
//
//	s\x00<user>\x00<seq BE8>   -> uvarint(len(id)) <id> <编码后的快照>
//	i\x00<user>\x00<id>        -> seq BE8
const (
	badgerSnapPrefix   = "s\x00"
	badgerIndexPrefix  = "i\x00"
	badgerSeqKey       = "seq"
	badgerSeqBandwidth = 128
)

// badgerStore 嵌入式 KV 实现
type badgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// NewBadgerStore 打开 dir 处的 badger 数据库
func NewBadgerStore(dir string, logger *slog.Logger) (Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("badger: dir is required")
	}
	logger = ensureLogger(logger)
	opts := badger.DefaultOptions(dir)
	opts.Logger = &badgerLogger{logger: logger}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, unavailable("badger open", err)
	}
	seq, err := db.GetSequence([]byte(badgerSeqKey), badgerSeqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, unavailable("badger sequence", err)
	}
	logger.Info("badger snapshot store opened", "dir", dir)
	return &badgerStore{db: db, seq: seq, logger: logger}, nil
}

func userKeyPrefix(prefix, userID string) []byte {
	return []byte(prefix + userID + "\x00")
}

func snapKey(userID string, seq uint64) []byte {
	k := userKeyPrefix(badgerSnapPrefix, userID)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func indexKey(userID, snapshotID string) []byte {
	return append(userKeyPrefix(badgerIndexPrefix, userID), snapshotID...)
}

// encodeBadgerValue 值内携带 snapshot id，正文损坏时仍可定位记录
func encodeBadgerValue(id string, body []byte) []byte {
	out := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen64+len(id)+len(body)), uint64(len(id)))
	out = append(out, id...)
	return append(out, body...)
}

func decodeBadgerValue(v []byte) (string, []byte, error) {
	n, w := binary.Uvarint(v)
	if w <= 0 || uint64(len(v)-w) < n {
		return "", nil, fmt.Errorf("badger: malformed value header")
	}
	end := w + int(n)
	return string(v[w:end]), v[end:], nil
}

func (s *badgerStore) Append(ctx context.Context, userID string, snap *snapshot.Packed) error {
	if err := validateAppend(userID, snap); err != nil {
		return err
	}
	if strings.ContainsRune(userID, 0) {
		return fmt.Errorf("%w: user id contains NUL", syncerr.ErrInvalidArg)
	}
	body, err := snapshot.Marshal(snap)
	if err != nil {
		return err
	}
	return s.appendRaw(ctx, userID, snap.ID(), body)
}

func (s *badgerStore) appendRaw(ctx context.Context, userID, id string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := s.seq.Next()
	if err != nil {
		return unavailable("badger sequence", err)
	}
	// Sequence 从 0 开始，持久化序号从 1 开始
	seq := n + 1
	err = s.db.Update(func(txn *badger.Txn) error {
		ik := indexKey(userID, id)
		if _, err := txn.Get(ik); err == nil {
			return ErrDuplicateSnapshot
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], seq)
		if err := txn.Set(ik, b[:]); err != nil {
			return err
		}
		return txn.Set(snapKey(userID, seq), encodeBadgerValue(id, body))
	})
	if errors.Is(err, ErrDuplicateSnapshot) {
		return err
	}
	return unavailable("append", err)
}

// rawFromItem 头部无法解析时以 seq 作为 id 兜底，正文交由解码阶段判定
func rawFromItem(item *badger.Item, prefixLen int) (rawRecord, bool, error) {
	key := item.Key()
	if len(key) != prefixLen+8 {
		return rawRecord{}, false, nil
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return rawRecord{}, false, err
	}
	seq := binary.BigEndian.Uint64(key[prefixLen:])
	id, body, derr := decodeBadgerValue(v)
	if derr != nil {
		id, body = fmt.Sprintf("seq:%d", seq), v
	}
	return rawRecord{seq: int64(seq), id: id, body: body}, true, nil
}

func (s *badgerStore) scanRaw(ctx context.Context, userID string) ([]rawRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := userKeyPrefix(badgerSnapPrefix, userID)
	var out []rawRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			r, ok, err := rawFromItem(it.Item(), len(prefix))
			if err != nil {
				return err
			}
			if ok {
				out = append(out, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("scan", err)
	}
	return out, nil
}

func (s *badgerStore) Latest(ctx context.Context, userID string) (*snapshot.Packed, error) {
	return latestOf(s.History(ctx, userID, 1))
}

// History 反向迭代，收满 limit 条可解码快照即停止
func (s *badgerStore) History(ctx context.Context, userID string, limit int) ([]*snapshot.Packed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := userKeyPrefix(badgerSnapPrefix, userID)
	col := newCollector(s.logger, "badger", userID, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		if limit > 0 && limit < opts.PrefetchSize {
			opts.PrefetchSize = limit
		}
		it := txn.NewIterator(opts)
		defer it.Close()
		// 反向迭代需从前缀之后的最大 key 开始
		seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, ok, err := rawFromItem(it.Item(), len(prefix))
			if err != nil {
				return err
			}
			if ok && col.add(r) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("scan", err)
	}
	return col.result(), nil
}

func (s *badgerStore) Get(ctx context.Context, userID, snapshotID string) (*snapshot.Packed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec *rawRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(userID, snapshotID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		sb, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(sb) != 8 {
			return nil
		}
		seq := binary.BigEndian.Uint64(sb)
		item, err = txn.Get(snapKey(userID, seq))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		r, ok, err := rawFromItem(item, len(userKeyPrefix(badgerSnapPrefix, userID)))
		if err != nil || !ok {
			return err
		}
		r.id = snapshotID
		rec = &r
		return nil
	})
	if err != nil {
		return nil, unavailable("get", err)
	}
	if rec == nil {
		return nil, nil
	}
	p, ok := decodeRecord(s.logger, "badger", userID, *rec)
	if !ok {
		return nil, nil
	}
	return p, nil
}

func (s *badgerStore) Prune(ctx context.Context, userID string, policy retention.Policy) (int, error) {
	recs, err := s.scanRaw(ctx, userID)
	if err != nil {
		return 0, err
	}
	drop := prunePlan(s.logger, "badger", userID, recs, policy)
	if len(drop) == 0 {
		return 0, nil
	}
	removed := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		for _, id := range drop {
			ik := indexKey(userID, id)
			item, err := txn.Get(ik)
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			sb, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(sb) == 8 {
				if err := txn.Delete(snapKey(userID, binary.BigEndian.Uint64(sb))); err != nil {
					return err
				}
			}
			if err := txn.Delete(ik); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("prune", err)
	}
	return removed, nil
}

func (s *badgerStore) ListUserIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := []byte(badgerSnapPrefix)
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		var last string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := it.Item().Key()[len(prefix):]
			i := bytes.IndexByte(rest, 0)
			if i <= 0 {
				continue
			}
			if id := string(rest[:i]); id != last {
				ids = append(ids, id)
				last = id
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list users", err)
	}
	return ids, nil
}

func (s *badgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("badger sequence release failed", "error", err)
	}
	return s.db.Close()
}

// badgerLogger 将 slog 适配为 badger.Logger
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
