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
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usersync/internal/api/http/middleware"
	"usersync/internal/storage/cache"
	"usersync/internal/storage/snapshotstore"
	"usersync/internal/syncer"
	syncerr "usersync/pkg/errors"
)

type snapshotBody struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	SaveCause string            `json:"save_cause"`
	Pinned    bool              `json:"pinned"`
	Data      map[string][]byte `json:"data"`
}

func buildRouterForTest(t *testing.T, rps float64) *server.Hertz {
	t.Helper()
	opts := syncer.DefaultOptions()
	opts.TransitGrace = 50 * time.Millisecond
	coord := syncer.NewCoordinator(snapshotstore.NewMemoryStore(nil), cache.NewMemoryCache(), opts, nil)
	r := NewRouter(NewHandler(coord), middleware.NewMiddleware(rps))
	return r.Build(":0")
}

func do(s *server.Hertz, method, path string, body interface{}) *ut.ResponseRecorder {
	var b []byte
	if body != nil {
		b, _ = json.Marshal(body)
	}
	return ut.PerformRequest(s.Engine, method, path, &ut.Body{Body: bytes.NewReader(b), Len: len(b)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func decode(t *testing.T, w *ut.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Result().Body(), out), string(w.Result().Body()))
}

func TestHealthCheck(t *testing.T) {
	s := buildRouterForTest(t, 0)
	w := do(s, "GET", "/api/health", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	s := buildRouterForTest(t, 0)
	uid := uuid.NewString()
	do(s, "POST", "/api/users/"+uid+"/snapshots", map[string]interface{}{"cause": "world_save", "data": map[string][]byte{"inventory": []byte("x")}})

	w := do(s, "GET", "/metrics", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "usersync_save_total")
}

func TestSaveAndLatest(t *testing.T) {
	s := buildRouterForTest(t, 0)
	uid := uuid.NewString()

	w := do(s, "GET", "/api/users/"+uid+"/snapshot", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.JSONEq(t, `{"snapshot":null}`, string(w.Result().Body()))

	w = do(s, "POST", "/api/users/"+uid+"/snapshots", map[string]interface{}{
		"username": "alex",
		"cause":    "inventory-command",
		"data":     map[string][]byte{"inventory": []byte("diamonds")},
	})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	var saved snapshotBody
	decode(t, w, &saved)
	assert.Equal(t, uid, saved.UserID)
	assert.Equal(t, "inventory_command", saved.SaveCause)
	assert.True(t, saved.Pinned)

	w = do(s, "GET", "/api/users/"+uid+"/snapshot", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var latest struct {
		Snapshot snapshotBody `json:"snapshot"`
	}
	decode(t, w, &latest)
	assert.Equal(t, saved.ID, latest.Snapshot.ID)
	assert.Equal(t, []byte("diamonds"), latest.Snapshot.Data["inventory"])
}

func TestSave_Validation(t *testing.T) {
	s := buildRouterForTest(t, 0)

	w := do(s, "POST", "/api/users/not-a-uuid/snapshots", map[string]interface{}{"cause": "api"})
	assert.Equal(t, 400, w.Result().StatusCode())

	w = do(s, "POST", "/api/users/"+uuid.NewString()+"/snapshots", map[string]interface{}{"cause": "teleport"})
	assert.Equal(t, 400, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "unknown save cause")
}

func TestCheckOutCheckIn(t *testing.T) {
	s := buildRouterForTest(t, 0)
	uid := uuid.NewString()

	w := do(s, "POST", "/api/users/"+uid+"/checkin", map[string]string{"username": "alex"})
	require.Equal(t, 200, w.Result().StatusCode())
	assert.JSONEq(t, `{"snapshot":null}`, string(w.Result().Body()))

	w = do(s, "POST", "/api/users/"+uid+"/checkout", map[string]interface{}{
		"username": "alex",
		"data":     map[string][]byte{"health": []byte("20")},
	})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	var out struct {
		Snapshot snapshotBody `json:"snapshot"`
	}
	decode(t, w, &out)
	assert.Equal(t, "disconnect", out.Snapshot.SaveCause)

	w = do(s, "POST", "/api/users/"+uid+"/checkin", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var in struct {
		Snapshot snapshotBody `json:"snapshot"`
	}
	decode(t, w, &in)
	assert.Equal(t, out.Snapshot.ID, in.Snapshot.ID)
}

func TestHistoryGetRestore(t *testing.T) {
	s := buildRouterForTest(t, 0)
	uid := uuid.NewString()
	var ids []string
	for i := 0; i < 3; i++ {
		w := do(s, "POST", "/api/users/"+uid+"/snapshots", map[string]interface{}{
			"cause": "world_save",
			"data":  map[string][]byte{"inventory": []byte(fmt.Sprintf("v%d", i))},
		})
		require.Equal(t, 200, w.Result().StatusCode())
		var sb snapshotBody
		decode(t, w, &sb)
		ids = append(ids, sb.ID)
	}

	w := do(s, "GET", "/api/users/"+uid+"/snapshots?limit=2", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var hist struct {
		Snapshots []snapshotBody `json:"snapshots"`
		Total     int            `json:"total"`
	}
	decode(t, w, &hist)
	require.Equal(t, 2, hist.Total)
	assert.Equal(t, ids[2], hist.Snapshots[0].ID)
	assert.Equal(t, ids[1], hist.Snapshots[1].ID)

	w = do(s, "GET", "/api/users/"+uid+"/snapshots?limit=-1", nil)
	assert.Equal(t, 400, w.Result().StatusCode())

	w = do(s, "GET", "/api/users/"+uid+"/snapshots/"+ids[0], nil)
	require.Equal(t, 200, w.Result().StatusCode())
	var first snapshotBody
	decode(t, w, &first)
	assert.Equal(t, []byte("v0"), first.Data["inventory"])

	w = do(s, "GET", "/api/users/"+uid+"/snapshots/missing", nil)
	assert.Equal(t, 404, w.Result().StatusCode())

	w = do(s, "POST", "/api/users/"+uid+"/snapshots/"+ids[0]+"/restore", nil)
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	var restored snapshotBody
	decode(t, w, &restored)
	assert.NotEqual(t, ids[0], restored.ID)
	assert.Equal(t, "backup_restore", restored.SaveCause)
	assert.Equal(t, []byte("v0"), restored.Data["inventory"])

	w = do(s, "POST", "/api/users/"+uid+"/snapshots/missing/restore", nil)
	assert.Equal(t, 404, w.Result().StatusCode())
}

func TestEditData(t *testing.T) {
	s := buildRouterForTest(t, 0)
	uid := uuid.NewString()

	w := do(s, "POST", "/api/users/"+uid+"/snapshots", map[string]interface{}{
		"cause": "world_save",
		"data":  map[string][]byte{"inventory": []byte("v1"), "ender_chest": []byte("e1")},
	})
	require.Equal(t, 200, w.Result().StatusCode())
	var base snapshotBody
	decode(t, w, &base)

	w = do(s, "PUT", "/api/users/"+uid+"/data/inventory", map[string]interface{}{
		"expected_snapshot_id": base.ID,
		"payload":              []byte("admin"),
		"cause":                "inventory_command",
	})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	var edited snapshotBody
	decode(t, w, &edited)
	assert.Equal(t, []byte("admin"), edited.Data["inventory"])
	assert.Equal(t, []byte("e1"), edited.Data["ender_chest"])
	assert.True(t, edited.Pinned)

	// 基于旧快照再次编辑：冲突
	w = do(s, "PUT", "/api/users/"+uid+"/data/ender_chest", map[string]interface{}{
		"expected_snapshot_id": base.ID,
		"payload":              []byte("stale"),
	})
	assert.Equal(t, 409, w.Result().StatusCode())

	// null payload 删除键
	w = do(s, "PUT", "/api/users/"+uid+"/data/ender_chest", map[string]interface{}{
		"expected_snapshot_id": edited.ID,
		"payload":              nil,
	})
	require.Equal(t, 200, w.Result().StatusCode(), string(w.Result().Body()))
	var removed snapshotBody
	decode(t, w, &removed)
	_, ok := removed.Data["ender_chest"]
	assert.False(t, ok)
	assert.Equal(t, "api", removed.SaveCause)
}

func TestEditData_NoData(t *testing.T) {
	s := buildRouterForTest(t, 0)
	uid := uuid.NewString()

	w := do(s, "PUT", "/api/users/"+uid+"/data/inventory", map[string]interface{}{
		"payload": []byte("admin"),
		"cause":   "inventory_command",
	})
	assert.Equal(t, 404, w.Result().StatusCode(), string(w.Result().Body()))

	w = do(s, "GET", "/api/users/"+uid+"/snapshot", nil)
	require.Equal(t, 200, w.Result().StatusCode())
	assert.JSONEq(t, `{"snapshot":null}`, string(w.Result().Body()))
}

func TestRateLimit(t *testing.T) {
	s := buildRouterForTest(t, 1)
	uid := uuid.NewString()
	codes := map[int]int{}
	for i := 0; i < 5; i++ {
		w := do(s, "GET", "/api/users/"+uid+"/snapshot", nil)
		codes[w.Result().StatusCode()]++
	}
	assert.Equal(t, 1, codes[200])
	assert.Equal(t, 4, codes[429])

	// 健康检查不限速
	w := do(s, "GET", "/api/health", nil)
	assert.Equal(t, 200, w.Result().StatusCode())
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{syncerr.NewSyncError("edit", "u", "s", syncerr.ErrConcurrentEdit, nil), 409},
		{syncerr.NewSyncError("save", "u", "", syncerr.ErrInvalidArg, errors.New("nil")), 400},
		{syncerr.NewSyncError("restore", "u", "s", syncerr.ErrNotFound, nil), 404},
		{syncerr.NewSyncError("edit", "u", "", syncerr.ErrNoDataFound, nil), 404},
		{syncerr.NewSyncError("save", "u", "s", syncerr.ErrStoreUnavailable, errors.New("reset")), 503},
		{syncerr.NewSyncError("load", "u", "", syncerr.ErrTimeout, nil), 503},
		{errors.New("boom"), 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
