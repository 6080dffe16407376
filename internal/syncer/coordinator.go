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

// Package syncer 用户状态同步协调器：保存/加载的每用户状态机、交接缓存优先读取、跨进程切换等待。
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"usersync/internal/snapshot"
	"usersync/internal/storage/cache"
	"usersync/internal/storage/snapshotstore"
	"usersync/internal/user"
	syncerr "usersync/pkg/errors"
	"usersync/pkg/metrics"
	"usersync/pkg/tracing"
)

// Coordinator 单进程内按用户串行化保存与加载；跨进程依赖只追加存储与缓存优先读取
type Coordinator struct {
	store  snapshotstore.Store
	cache  cache.Cache
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	users map[string]*userState
}

// NewCoordinator 创建 Coordinator
func NewCoordinator(store snapshotstore.Store, c cache.Cache, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = def.SaveTimeout
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = def.LoadTimeout
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = def.CacheTimeout
	}
	// 缓存调用必须给存储回退留出预算
	if budget := min(opts.LoadTimeout, opts.SaveTimeout) / 2; opts.CacheTimeout > budget {
		opts.CacheTimeout = budget
	}
	if opts.TransitPollInterval <= 0 {
		opts.TransitPollInterval = def.TransitPollInterval
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	return &Coordinator{
		store:  store,
		cache:  c,
		opts:   opts,
		logger: logger.With("component", "syncer"),
		users:  make(map[string]*userState),
	}
}

// Options 当前生效配置
func (c *Coordinator) Options() Options { return c.opts }

// ref 取得用户状态并增加引用；调用方结束后须 unref
func (c *Coordinator) ref(userID string) *userState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.users[userID]
	if !ok {
		st = newUserState()
		c.users[userID] = st
	}
	st.refs++
	return st
}

// unref 引用归零时移除，表中只保留有操作进行中的用户
func (c *Coordinator) unref(userID string, st *userState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st.refs--
	if st.refs <= 0 && c.users[userID] == st {
		delete(c.users, userID)
	}
}

// tracked 当前跟踪的用户数
func (c *Coordinator) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

// cacheCtx 缓存调用的子截止时间，父 ctx 仍留有存储回退的预算
func (c *Coordinator) cacheCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.CacheTimeout)
}

// State 用户当前阶段
func (c *Coordinator) State(userID string) Phase {
	c.mu.Lock()
	st, ok := c.users[userID]
	c.mu.Unlock()
	if !ok {
		return PhaseIdle
	}
	return st.getPhase()
}

func (c *Coordinator) autoPin(cause snapshot.SaveCause) bool {
	return AutoPin(cause, c.opts.AutoPinCauses)
}

// SaveData 追加到存储、写入缓存、发布通知，然后回调 onComplete
//
// 数据与存储中的最新快照相同且不会新增 pin 时跳过写入（WithForce 除外），此时以该最新快照回调。
func (c *Coordinator) SaveData(ctx context.Context, u user.User, snap *snapshot.Packed, onComplete func(user.User, *snapshot.Packed), opts ...SaveOption) (err error) {
	if snap == nil {
		return syncerr.NewSyncError("save", u.Key(), "", syncerr.ErrInvalidArg, errors.New("nil snapshot"))
	}
	if snap.UserID() != u.Key() {
		return syncerr.NewSyncError("save", u.Key(), snap.ID(), syncerr.ErrInvalidArg,
			fmt.Errorf("snapshot belongs to %s", snap.UserID()))
	}
	var so saveOptions
	for _, o := range opts {
		o(&so)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.SaveTimeout)
	defer cancel()
	ctx, span := tracing.StartSaveSpan(ctx, u.Key(), snap.ID(), snap.SaveCause().String())
	defer func() { tracing.EndSpan(span, err) }()

	st := c.ref(u.Key())
	defer c.unref(u.Key(), st)
	if err := st.acquire(ctx); err != nil {
		return syncerr.NewSyncError("save", u.Key(), snap.ID(), syncerr.ErrTimeout, err)
	}
	defer st.release()

	saved, err := c.saveLocked(ctx, u, st, snap, so)
	if err != nil {
		return err
	}
	if onComplete != nil {
		onComplete(u, saved)
	}
	return nil
}

// saveLocked 调用方须持有用户锁
func (c *Coordinator) saveLocked(ctx context.Context, u user.User, st *userState, snap *snapshot.Packed, so saveOptions) (*snapshot.Packed, error) {
	key := u.Key()
	start := time.Now()
	st.setPhase(PhaseSaving)
	defer st.setPhase(PhaseIdle)

	if !so.force {
		if last := c.storeLatest(ctx, key); last != nil && snapshot.Equal(last, snap) && !(snap.Pinned() && !last.Pinned()) {
			metrics.SaveTotal.WithLabelValues("skipped").Inc()
			c.logger.Debug("skipping redundant save",
				"user", u.String(), "snapshot_id", snap.ID(), "last_id", last.ID(), "cause", snap.SaveCause())
			// 缓存可能仍持有更早的快照
			c.cacheSet(ctx, key, last)
			return last, nil
		}
	}

	err := c.withRetry(ctx, "append", func() error {
		err := c.store.Append(ctx, key, snap)
		if errors.Is(err, snapshotstore.ErrDuplicateSnapshot) {
			// 之前的尝试已落盘
			return nil
		}
		return err
	})
	if err != nil {
		metrics.SaveTotal.WithLabelValues("failed").Inc()
		c.logger.Error("save failed", "user", u.String(), "snapshot_id", snap.ID(), "cause", snap.SaveCause(), "error", err)
		return nil, storeErr("save", key, snap.ID(), err)
	}

	c.cacheSet(ctx, key, snap)
	pctx, cancel := c.cacheCtx(ctx)
	if err := c.cache.PublishUpdate(pctx, key, snap); err != nil {
		c.degraded("publish", key, err)
	}
	cancel()
	st.setPhase(PhasePublished)

	metrics.SaveTotal.WithLabelValues("saved").Inc()
	metrics.SaveDuration.WithLabelValues(snap.SaveCause().String()).Observe(time.Since(start).Seconds())
	c.logger.Debug("snapshot saved", "user", u.String(), "snapshot_id", snap.ID(), "cause", snap.SaveCause(), "pinned", snap.Pinned())

	c.pruneAfterSave(ctx, key)
	return snap, nil
}

// storeLatest 保存前读取存储中的最新快照；读取失败返回 nil，不跳过写入
func (c *Coordinator) storeLatest(ctx context.Context, key string) *snapshot.Packed {
	last, err := c.store.Latest(ctx, key)
	if err != nil {
		c.logger.Debug("latest lookup before save failed", "user_id", key, "error", err)
		return nil
	}
	return last
}

// cacheSet 写入交接缓存；失败时尽力删除，避免缓存继续返回旧快照
func (c *Coordinator) cacheSet(ctx context.Context, key string, snap *snapshot.Packed) {
	cctx, cancel := c.cacheCtx(ctx)
	defer cancel()
	err := c.cache.Set(cctx, key, snap, c.opts.CacheTTL)
	if err == nil {
		return
	}
	c.degraded("set", key, err)
	ictx, cancel := c.cacheCtx(ctx)
	defer cancel()
	if err := c.cache.Invalidate(ictx, key); err != nil {
		c.degraded("invalidate", key, err)
	}
}

func (c *Coordinator) pruneAfterSave(ctx context.Context, key string) {
	if !c.opts.Retention.Enabled() {
		return
	}
	n, err := c.store.Prune(ctx, key, c.opts.Retention)
	if err != nil {
		c.logger.Warn("prune after save failed", "user_id", key, "error", err)
		return
	}
	if n > 0 {
		metrics.PrunedTotal.Add(float64(n))
	}
}

func (c *Coordinator) degraded(op, key string, err error) {
	metrics.CacheDegradedTotal.WithLabelValues(op).Inc()
	c.logger.Warn("handoff cache degraded, continuing with store only", "op", op, "user_id", key, "error", err)
}

// RequestSnapshot 缓存优先读取最新快照，未命中回退存储；无数据返回 nil, nil
func (c *Coordinator) RequestSnapshot(ctx context.Context, u user.User) (p *snapshot.Packed, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LoadTimeout)
	defer cancel()
	ctx, span := tracing.StartLoadSpan(ctx, u.Key())
	defer func() { tracing.EndSpan(span, err) }()

	st := c.ref(u.Key())
	defer c.unref(u.Key(), st)
	if err := st.acquire(ctx); err != nil {
		return nil, syncerr.NewSyncError("load", u.Key(), "", syncerr.ErrTimeout, err)
	}
	defer st.release()
	st.setPhase(PhaseLoading)
	defer st.setPhase(PhaseIdle)
	return c.loadLocked(ctx, u.Key())
}

// loadLocked 调用方须持有用户锁；缓存调用超过 CacheTimeout 时回退存储
func (c *Coordinator) loadLocked(ctx context.Context, key string) (*snapshot.Packed, error) {
	start := time.Now()
	defer func() { metrics.LoadDuration.Observe(time.Since(start).Seconds()) }()

	cctx, cancel := c.cacheCtx(ctx)
	p, err := c.cache.Get(cctx, key)
	cancel()
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, syncerr.NewSyncError("load", key, "", syncerr.ErrTimeout, ctx.Err())
	case err != nil && errors.Is(err, syncerr.ErrSerialization):
		metrics.CorruptSnapshotTotal.WithLabelValues("cache").Inc()
		c.logger.Warn("corrupt handoff cache entry, falling back to store", "user_id", key, "error", err)
	case err != nil:
		c.degraded("get", key, err)
	case p != nil && p.UserID() == key:
		metrics.LoadTotal.WithLabelValues("cache").Inc()
		return p, nil
	}

	err = c.withRetry(ctx, "latest", func() error {
		var err error
		p, err = c.store.Latest(ctx, key)
		return err
	})
	if err != nil {
		c.logger.Error("load failed", "user_id", key, "error", err)
		return nil, storeErr("load", key, "", err)
	}
	if p == nil {
		metrics.LoadTotal.WithLabelValues("none").Inc()
		return nil, nil
	}
	metrics.LoadTotal.WithLabelValues("store").Inc()
	return p, nil
}

// CheckOut 用户断开：标记 in-transit，以 disconnect 原因保存，完成后清除标记
func (c *Coordinator) CheckOut(ctx context.Context, u user.User, data snapshot.Data) (*snapshot.Packed, error) {
	key := u.Key()
	mctx, cancel := c.cacheCtx(ctx)
	if err := c.cache.MarkInTransit(mctx, key, c.transitTTL()); err != nil {
		c.degraded("mark_in_transit", key, err)
	}
	cancel()
	snap := snapshot.Pack(key, data, snapshot.CauseDisconnect, c.autoPin(snapshot.CauseDisconnect))
	var saved *snapshot.Packed
	err := c.SaveData(ctx, u, snap, func(_ user.User, p *snapshot.Packed) { saved = p })

	clearCtx, cancel := c.cacheCtx(context.WithoutCancel(ctx))
	defer cancel()
	if cerr := c.cache.ClearInTransit(clearCtx, key); cerr != nil {
		c.degraded("clear_in_transit", key, cerr)
	}
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (c *Coordinator) transitTTL() time.Duration {
	if c.opts.TransitGrace > 0 {
		return c.opts.TransitGrace
	}
	return c.opts.SaveTimeout
}

// CheckIn 用户连接：若其它进程的保存仍在进行，最多等待 TransitGrace；然后加载并回调 apply（无数据时不回调）
func (c *Coordinator) CheckIn(ctx context.Context, u user.User, apply func(*snapshot.Packed) error) (p *snapshot.Packed, err error) {
	key := u.Key()
	ctx, span := tracing.StartCheckInSpan(ctx, key)
	defer func() { tracing.EndSpan(span, err) }()

	st := c.ref(key)
	defer c.unref(key, st)
	if err := c.awaitTransit(ctx, key, st); err != nil {
		return nil, err
	}

	loadCtx, cancel := context.WithTimeout(ctx, c.opts.LoadTimeout)
	defer cancel()
	if err := st.acquire(loadCtx); err != nil {
		return nil, syncerr.NewSyncError("checkin", key, "", syncerr.ErrTimeout, err)
	}
	defer st.release()
	st.setPhase(PhaseLoading)
	defer st.setPhase(PhaseIdle)

	p, err = c.loadLocked(loadCtx, key)
	if err != nil || p == nil {
		return nil, err
	}
	if apply != nil {
		if err := apply(p); err != nil {
			return nil, syncerr.NewSyncError("checkin", key, p.ID(), nil, fmt.Errorf("apply snapshot: %w", err))
		}
	}
	st.setPhase(PhaseApplied)
	c.logger.Debug("snapshot applied", "user", u.String(), "snapshot_id", p.ID())
	return p, nil
}

// awaitTransit 等待更新通知或标记清除，超过 TransitGrace 后照常继续
func (c *Coordinator) awaitTransit(ctx context.Context, key string, st *userState) error {
	// 先取通知通道，避免检查标记与等待之间漏掉通知
	updated := st.waitCh()
	inTransit, err := c.inTransit(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return syncerr.NewSyncError("checkin", key, "", syncerr.ErrTimeout, ctx.Err())
		}
		c.degraded("in_transit", key, err)
		return nil
	}
	if !inTransit || c.opts.TransitGrace <= 0 {
		return nil
	}

	grace := time.NewTimer(c.opts.TransitGrace)
	defer grace.Stop()
	poll := time.NewTicker(c.opts.TransitPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-updated:
			metrics.InTransitWaitTotal.WithLabelValues("notified").Inc()
			return nil
		case <-poll.C:
			still, err := c.inTransit(ctx, key)
			if err != nil {
				c.degraded("in_transit", key, err)
				metrics.InTransitWaitTotal.WithLabelValues("error").Inc()
				return nil
			}
			if !still {
				metrics.InTransitWaitTotal.WithLabelValues("cleared").Inc()
				return nil
			}
		case <-grace.C:
			metrics.InTransitWaitTotal.WithLabelValues("grace_expired").Inc()
			c.logger.Info("in-transit grace expired, loading latest available snapshot", "user_id", key)
			return nil
		case <-ctx.Done():
			return syncerr.NewSyncError("checkin", key, "", syncerr.ErrTimeout, ctx.Err())
		}
	}
}

func (c *Coordinator) inTransit(ctx context.Context, key string) (bool, error) {
	cctx, cancel := c.cacheCtx(ctx)
	defer cancel()
	return c.cache.InTransit(cctx, key)
}

// SaveUser 通用保存入口（世界保存、死亡、关服等）
func (c *Coordinator) SaveUser(ctx context.Context, u user.User, data snapshot.Data, cause snapshot.SaveCause) (*snapshot.Packed, error) {
	snap := snapshot.Pack(u.Key(), data, cause, c.autoPin(cause))
	var saved *snapshot.Packed
	if err := c.SaveData(ctx, u, snap, func(_ user.User, p *snapshot.Packed) { saved = p }); err != nil {
		return nil, err
	}
	return saved, nil
}

// EditData 基于 fetched 编辑：无数据返回 ErrNoDataFound；最新快照已变化则返回 ErrConcurrentEdit；否则复制最新快照、应用 fn 并保存
//
// 编辑后数据未变化且 pin 状态不会新增时不写入，返回最新快照。
func (c *Coordinator) EditData(ctx context.Context, u user.User, fetched *snapshot.Packed, cause snapshot.SaveCause, fn func(*snapshot.Unpacked)) (*snapshot.Packed, error) {
	key := u.Key()
	ctx, cancel := context.WithTimeout(ctx, c.opts.SaveTimeout)
	defer cancel()
	st := c.ref(key)
	defer c.unref(key, st)
	if err := st.acquire(ctx); err != nil {
		return nil, syncerr.NewSyncError("edit", key, "", syncerr.ErrTimeout, err)
	}
	defer st.release()

	st.setPhase(PhaseLoading)
	latest, err := c.loadLocked(ctx, key)
	st.setPhase(PhaseIdle)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, syncerr.NewSyncError("edit", key, "", syncerr.ErrNoDataFound, nil)
	}
	if conflict(fetched, latest) {
		fetchedID := ""
		if fetched != nil {
			fetchedID = fetched.ID()
		}
		metrics.SaveTotal.WithLabelValues("conflict").Inc()
		c.logger.Info("rejecting edit against stale snapshot", "user", u.String(), "fetched_id", fetchedID)
		return nil, syncerr.NewSyncError("edit", key, fetchedID, syncerr.ErrConcurrentEdit, nil)
	}

	pin := c.autoPin(cause)
	edited := latest.Copy().Edit(func(up *snapshot.Unpacked) {
		if fn != nil {
			fn(up)
		}
		up.SetSaveCause(cause)
		up.SetPinned(pin)
	})
	return c.saveLocked(ctx, u, st, edited, saveOptions{})
}

// conflict 最新快照与编辑起点不同（ID 不同且数据不等）
func conflict(fetched, latest *snapshot.Packed) bool {
	if fetched == nil {
		return latest != nil
	}
	if latest == nil {
		return true
	}
	return latest.ID() != fetched.ID() && !snapshot.Equal(latest, fetched)
}

// Restore 以 backup_restore 原因复制历史快照为新的最新快照（总是写入）
func (c *Coordinator) Restore(ctx context.Context, u user.User, snapshotID string) (*snapshot.Packed, error) {
	key := u.Key()
	ctx, cancel := context.WithTimeout(ctx, c.opts.SaveTimeout)
	defer cancel()
	st := c.ref(key)
	defer c.unref(key, st)
	if err := st.acquire(ctx); err != nil {
		return nil, syncerr.NewSyncError("restore", key, snapshotID, syncerr.ErrTimeout, err)
	}
	defer st.release()

	var src *snapshot.Packed
	err := c.withRetry(ctx, "get", func() error {
		var err error
		src, err = c.store.Get(ctx, key, snapshotID)
		return err
	})
	if err != nil {
		return nil, storeErr("restore", key, snapshotID, err)
	}
	if src == nil {
		return nil, syncerr.NewSyncError("restore", key, snapshotID, syncerr.ErrNotFound, nil)
	}
	pin := c.autoPin(snapshot.CauseBackupRestore)
	restored := src.Copy().Edit(func(up *snapshot.Unpacked) {
		up.SetSaveCause(snapshot.CauseBackupRestore)
		up.SetPinned(pin)
	})
	c.logger.Info("restoring snapshot", "user", u.String(), "from", snapshotID, "to", restored.ID())
	return c.saveLocked(ctx, u, st, restored, saveOptions{force: true})
}

// History 按从新到旧读取历史
func (c *Coordinator) History(ctx context.Context, u user.User, limit int) ([]*snapshot.Packed, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LoadTimeout)
	defer cancel()
	var out []*snapshot.Packed
	err := c.withRetry(ctx, "history", func() error {
		var err error
		out, err = c.store.History(ctx, u.Key(), limit)
		return err
	})
	if err != nil {
		return nil, storeErr("history", u.Key(), "", err)
	}
	return out, nil
}

// Snapshot 按 ID 读取；不存在返回 nil, nil
func (c *Coordinator) Snapshot(ctx context.Context, u user.User, snapshotID string) (*snapshot.Packed, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.LoadTimeout)
	defer cancel()
	var out *snapshot.Packed
	err := c.withRetry(ctx, "get", func() error {
		var err error
		out, err = c.store.Get(ctx, u.Key(), snapshotID)
		return err
	})
	if err != nil {
		return nil, storeErr("snapshot", u.Key(), snapshotID, err)
	}
	return out, nil
}

// SubscribeUpdates 暴露缓存更新通知
func (c *Coordinator) SubscribeUpdates(ctx context.Context) (<-chan cache.Update, error) {
	return c.cache.SubscribeUpdates(ctx)
}

// Run 订阅更新通知并唤醒等待中的 CheckIn；订阅中断后退避重连，ctx 结束时返回
func (c *Coordinator) Run(ctx context.Context) error {
	b := c.opts.Retry.resubscribeBackOff()
	for {
		ch, err := c.cache.SubscribeUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := b.NextBackOff()
			c.degraded("subscribe", "", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		b.Reset()
		for upd := range ch {
			c.onUpdate(upd)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("update subscription closed, resubscribing")
	}
}

// onUpdate 只唤醒本进程有操作进行中的用户
func (c *Coordinator) onUpdate(upd cache.Update) {
	c.mu.Lock()
	st, ok := c.users[upd.UserID]
	c.mu.Unlock()
	if ok {
		st.notify()
	}
}

// storeErr 按错误种类包装存储失败：超时、不可用（已重试耗尽）或结构性错误
func storeErr(op, key, snapshotID string, err error) error {
	var kind error
	switch {
	case errors.Is(err, syncerr.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = syncerr.ErrTimeout
	case syncerr.IsRetryable(err):
		kind = syncerr.ErrStoreUnavailable
	}
	return syncerr.NewSyncError(op, key, snapshotID, kind, err)
}
