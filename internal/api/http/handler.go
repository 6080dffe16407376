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

package http

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/json"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/protocol/http1/resp"

	"usersync/internal/snapshot"
	"usersync/internal/syncer"
	"usersync/internal/user"
	syncerr "usersync/pkg/errors"
	"usersync/pkg/metrics"
)

const defaultHeartbeat = 15 * time.Second

// Handler HTTP 处理器，所有同步操作委托给 Coordinator
type Handler struct {
	coord     *syncer.Coordinator
	version   string
	heartbeat time.Duration // 更新流的保活注释间隔
}

// NewHandler 创建新的 HTTP 处理器
func NewHandler(coord *syncer.Coordinator) *Handler {
	return &Handler{coord: coord, version: "dev", heartbeat: defaultHeartbeat}
}

// SetVersion 设置 /api/health 返回的版本号
func (h *Handler) SetVersion(v string) {
	h.version = v
}

type checkOutRequest struct {
	Username string        `json:"username"`
	Data     snapshot.Data `json:"data"`
}

type checkInRequest struct {
	Username string `json:"username"`
}

type saveRequest struct {
	Username string        `json:"username"`
	Cause    string        `json:"cause"`
	Data     snapshot.Data `json:"data"`
	Force    bool          `json:"force"`
}

type editRequest struct {
	Username           string `json:"username"`
	ExpectedSnapshotID string `json:"expected_snapshot_id"`
	Payload            []byte `json:"payload"` // null 表示删除该键
	Cause              string `json:"cause"`
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "usersync",
		"version":   h.version,
	})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(ctx, "gather metrics: %v", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// CheckOut 用户断开时保存并交接
// POST /api/users/:id/checkout
func (h *Handler) CheckOut(ctx context.Context, c *app.RequestContext) {
	var req checkOutRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	u, ok := parseUser(c, req.Username)
	if !ok {
		return
	}
	saved, err := h.coord.CheckOut(ctx, u, req.Data)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"snapshot": saved})
}

// CheckIn 用户连接时加载最新快照，无数据时 snapshot 为 null
// POST /api/users/:id/checkin
func (h *Handler) CheckIn(ctx context.Context, c *app.RequestContext) {
	var req checkInRequest
	if len(c.Request.Body()) > 0 {
		if err := c.BindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}
	u, ok := parseUser(c, req.Username)
	if !ok {
		return
	}
	p, err := h.coord.CheckIn(ctx, u, nil)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"snapshot": p})
}

// SaveSnapshot 以指定原因保存
// POST /api/users/:id/snapshots
func (h *Handler) SaveSnapshot(ctx context.Context, c *app.RequestContext) {
	var req saveRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	u, ok := parseUser(c, req.Username)
	if !ok {
		return
	}
	cause, ok := parseCause(c, req.Cause)
	if !ok {
		return
	}
	snap := snapshot.Pack(u.Key(), req.Data, cause, syncer.AutoPin(cause, h.coord.Options().AutoPinCauses))
	var opts []syncer.SaveOption
	if req.Force {
		opts = append(opts, syncer.WithForce())
	}
	var saved *snapshot.Packed
	if err := h.coord.SaveData(ctx, u, snap, func(_ user.User, p *snapshot.Packed) { saved = p }, opts...); err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, saved)
}

// LatestSnapshot 缓存优先读取最新快照
// GET /api/users/:id/snapshot
func (h *Handler) LatestSnapshot(ctx context.Context, c *app.RequestContext) {
	u, ok := parseUser(c, "")
	if !ok {
		return
	}
	p, err := h.coord.RequestSnapshot(ctx, u)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"snapshot": p})
}

// ListSnapshots 按从新到旧列出历史
// GET /api/users/:id/snapshots?limit=N
func (h *Handler) ListSnapshots(ctx context.Context, c *app.RequestContext) {
	u, ok := parseUser(c, "")
	if !ok {
		return
	}
	limit := 0
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	list, err := h.coord.History(ctx, u, limit)
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if list == nil {
		list = []*snapshot.Packed{}
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"snapshots": list,
		"total":     len(list),
	})
}

// GetSnapshot 按 ID 读取
// GET /api/users/:id/snapshots/:sid
func (h *Handler) GetSnapshot(ctx context.Context, c *app.RequestContext) {
	u, ok := parseUser(c, "")
	if !ok {
		return
	}
	p, err := h.coord.Snapshot(ctx, u, c.Param("sid"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	if p == nil {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "snapshot not found"})
		return
	}
	c.JSON(consts.StatusOK, p)
}

// RestoreSnapshot 将历史快照恢复为最新
// POST /api/users/:id/snapshots/:sid/restore
func (h *Handler) RestoreSnapshot(ctx context.Context, c *app.RequestContext) {
	u, ok := parseUser(c, "")
	if !ok {
		return
	}
	p, err := h.coord.Restore(ctx, u, c.Param("sid"))
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	hlog.CtxInfof(ctx, "restored snapshot %s for user %s as %s", c.Param("sid"), u.Key(), p.ID())
	c.JSON(consts.StatusOK, p)
}

// EditData 基于 expected_snapshot_id 修改单个数据键；最新快照已变化时返回 409，用户无数据时返回 404
// PUT /api/users/:id/data/:key
func (h *Handler) EditData(ctx context.Context, c *app.RequestContext) {
	var req editRequest
	if err := c.BindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	u, ok := parseUser(c, req.Username)
	if !ok {
		return
	}
	key := c.Param("key")
	if key == "" {
		badRequest(c, "data key is required")
		return
	}
	if req.Cause == "" {
		req.Cause = string(snapshot.CauseAPI)
	}
	cause, ok := parseCause(c, req.Cause)
	if !ok {
		return
	}

	var fetched *snapshot.Packed
	if req.ExpectedSnapshotID != "" {
		p, err := h.coord.Snapshot(ctx, u, req.ExpectedSnapshotID)
		if err != nil {
			writeError(ctx, c, err)
			return
		}
		if p == nil {
			c.JSON(consts.StatusNotFound, map[string]string{"error": "expected snapshot not found"})
			return
		}
		fetched = p
	}

	p, err := h.coord.EditData(ctx, u, fetched, cause, func(up *snapshot.Unpacked) {
		if req.Payload == nil {
			up.RemoveData(key)
			return
		}
		up.SetData(key, req.Payload)
	})
	if err != nil {
		writeError(ctx, c, err)
		return
	}
	c.JSON(consts.StatusOK, p)
}

type updateEvent struct {
	UserID   string           `json:"user_id"`
	Snapshot *snapshot.Packed `json:"snapshot"`
}

// Updates 以 SSE 推送快照更新通知；?user=<uuid> 时只推送该用户
// GET /api/updates
func (h *Handler) Updates(ctx context.Context, c *app.RequestContext) {
	filter := ""
	if q := c.Query("user"); q != "" {
		u, err := user.Parse(q, "")
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter = u.Key()
	}
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates, err := h.coord.SubscribeUpdates(subCtx)
	if err != nil {
		writeError(ctx, c, err)
		return
	}

	c.SetStatusCode(consts.StatusOK)
	c.Response.Header.Set("Content-Type", "text/event-stream")
	c.Response.Header.Set("Cache-Control", "no-cache")
	c.Response.HijackWriter(resp.NewChunkedBodyWriter(&c.Response, c.GetWriter()))
	if !writeEvent(c, []byte(": connected\n\n")) {
		return
	}
	hlog.CtxDebugf(ctx, "update stream opened, user filter %q", filter)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if !writeEvent(c, []byte(": ping\n\n")) {
				return
			}
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if filter != "" && upd.UserID != filter {
				continue
			}
			b, err := json.Marshal(updateEvent{UserID: upd.UserID, Snapshot: upd.Snapshot})
			if err != nil {
				hlog.CtxErrorf(ctx, "encode update for user %s: %v", upd.UserID, err)
				continue
			}
			frame := make([]byte, 0, len(b)+24)
			frame = append(frame, "event: update\ndata: "...)
			frame = append(frame, b...)
			frame = append(frame, "\n\n"...)
			if !writeEvent(c, frame) {
				return
			}
		}
	}
}

// writeEvent 写出并立即刷新；客户端断开时返回 false
func writeEvent(c *app.RequestContext, frame []byte) bool {
	if _, err := c.Write(frame); err != nil {
		return false
	}
	return c.Flush() == nil
}

func parseUser(c *app.RequestContext, username string) (user.User, bool) {
	u, err := user.Parse(c.Param("id"), username)
	if err != nil {
		badRequest(c, err.Error())
		return user.User{}, false
	}
	return u, true
}

func parseCause(c *app.RequestContext, s string) (snapshot.SaveCause, bool) {
	cause, ok := snapshot.ParseSaveCause(s)
	if !ok {
		badRequest(c, "unknown save cause: "+s)
		return "", false
	}
	return cause, true
}

func badRequest(c *app.RequestContext, msg string) {
	c.JSON(consts.StatusBadRequest, map[string]string{"error": msg})
}

// statusFor 错误种类到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, syncerr.ErrConcurrentEdit):
		return consts.StatusConflict
	case errors.Is(err, syncerr.ErrInvalidArg):
		return consts.StatusBadRequest
	case errors.Is(err, syncerr.ErrNotFound), errors.Is(err, syncerr.ErrNoDataFound):
		return consts.StatusNotFound
	case errors.Is(err, syncerr.ErrTimeout), errors.Is(err, syncerr.ErrStoreUnavailable), errors.Is(err, syncerr.ErrCacheUnavailable):
		return consts.StatusServiceUnavailable
	default:
		return consts.StatusInternalServerError
	}
}

func writeError(ctx context.Context, c *app.RequestContext, err error) {
	status := statusFor(err)
	if status >= consts.StatusInternalServerError {
		hlog.CtxErrorf(ctx, "%s %s: %v", c.Method(), c.Path(), err)
	}
	c.JSON(status, map[string]string{"error": err.Error()})
}
