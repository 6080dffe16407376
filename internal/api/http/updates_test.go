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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	nethttp "net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usersync/internal/api/http/middleware"
	"usersync/internal/storage/cache"
	"usersync/internal/storage/snapshotstore"
	"usersync/internal/syncer"
)

// startServer 在随机端口启动完整服务，返回 base URL
func startServer(t *testing.T, heartbeat time.Duration) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	coord := syncer.NewCoordinator(snapshotstore.NewMemoryStore(nil), cache.NewMemoryCache(), syncer.DefaultOptions(), nil)
	h := NewHandler(coord)
	h.heartbeat = heartbeat
	srv := NewRouter(h, middleware.NewMiddleware(0)).Build(addr)
	go func() { _ = srv.Run() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	base := "http://" + addr
	require.Eventually(t, func() bool {
		resp, err := nethttp.Get(base + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == nethttp.StatusOK
	}, 3*time.Second, 20*time.Millisecond)
	return base
}

func postSave(t *testing.T, base, uid, inventory string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]interface{}{
		"cause": "world_save",
		"data":  map[string][]byte{"inventory": []byte(inventory)},
	})
	resp, err := nethttp.Post(base+"/api/users/"+uid+"/snapshots", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	var saved snapshotBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&saved))
	return saved.ID
}

// openStream 打开更新流并读到连接确认注释为止
func openStream(t *testing.T, ctx context.Context, url string) *bufio.Reader {
	t.Helper()
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)
	return r
}

// nextEvent 跳过注释与空行，返回下一个事件的 data
func nextEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	event := ""
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			return event, strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestUpdatesStream(t *testing.T) {
	base := startServer(t, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watched := uuid.NewString()
	r := openStream(t, ctx, fmt.Sprintf("%s/api/updates?user=%s", base, watched))

	postSave(t, base, uuid.NewString(), "other")
	id := postSave(t, base, watched, "mine")

	event, data := nextEvent(t, r)
	assert.Equal(t, "update", event)
	var got struct {
		UserID   string       `json:"user_id"`
		Snapshot snapshotBody `json:"snapshot"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, watched, got.UserID)
	assert.Equal(t, id, got.Snapshot.ID)
	assert.Equal(t, []byte("mine"), got.Snapshot.Data["inventory"])
}

func TestUpdatesStream_AllUsersAndHeartbeat(t *testing.T) {
	base := startServer(t, 30*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r := openStream(t, ctx, base+"/api/updates")
	var line string
	for line == "" || line == "\n" {
		var err error
		line, err = r.ReadString('\n')
		require.NoError(t, err)
	}
	assert.Equal(t, ": ping\n", line)

	uid := uuid.NewString()
	id := postSave(t, base, uid, "x")
	_, data := nextEvent(t, r)
	assert.Contains(t, data, id)
	assert.Contains(t, data, uid)
}

func TestUpdatesStream_InvalidUserFilter(t *testing.T) {
	s := buildRouterForTest(t, 0)
	w := do(s, "GET", "/api/updates?user=not-a-uuid", nil)
	assert.Equal(t, 400, w.Result().StatusCode())
}
