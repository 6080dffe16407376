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

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usersync/internal/snapshot"
	"usersync/internal/user"
	"usersync/pkg/config"
)

func TestNewBootstrap_Defaults(t *testing.T) {
	b, err := NewBootstrap(context.Background(), nil)
	require.NoError(t, err)
	defer b.Close()

	u := user.New(uuid.New(), "steve")
	saved, err := b.Coordinator.SaveUser(context.Background(), u, snapshot.Data{"inventory": []byte("x")}, snapshot.CauseWorldSave)
	require.NoError(t, err)
	got, err := b.Coordinator.RequestSnapshot(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, saved.ID(), got.ID())
}

func TestNewBootstrap_SQLiteWithRetention(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Type = "sqlite"
	cfg.Store.Path = filepath.Join(t.TempDir(), "usersync.db")
	cfg.Log.File = filepath.Join(t.TempDir(), "syncd.log")
	cfg.Retention.Enable = true
	cfg.Retention.MaxSnapshots = 1

	ctx := context.Background()
	b, err := NewBootstrap(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()

	u := user.New(uuid.New(), "alex")
	for _, v := range []string{"a", "b", "c"} {
		// 直接写存储，绕过保存后清理，交给留存引擎处理
		require.NoError(t, b.Store.Append(ctx, u.Key(), snapshot.Pack(u.Key(), snapshot.Data{"inventory": []byte(v)}, snapshot.CauseWorldSave, false)))
		time.Sleep(time.Millisecond)
	}

	n, err := b.NewRetentionEngine().RunRetentionScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hist, err := b.Store.History(ctx, u.Key(), 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	inv, _ := hist[0].Payload("inventory")
	assert.Equal(t, "c", string(inv))
}

func TestNewBootstrap_InvalidAutoPin(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.AutoPinCauses = []string{"nope"}
	_, err := NewBootstrap(context.Background(), cfg)
	require.Error(t, err)
}

func TestRetentionConfigFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Retention.Enable = true
	cfg.Retention.MaxAge = "72h"
	rc := RetentionConfigFromConfig(cfg)
	assert.True(t, rc.Enable)
	assert.Equal(t, 16, rc.Policy.MaxSnapshots)
	assert.Equal(t, 72*time.Hour, rc.Policy.MaxAge)
	assert.Equal(t, time.Hour, rc.ScanInterval)
	assert.Equal(t, float64(50), rc.PruneRate)
}

func TestResolveSecrets(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "redis_password"), []byte("s3cret\n"), 0o600))

	cfg := config.Default()
	cfg.Secrets.Provider = "file"
	cfg.Secrets.Dir = dir
	cfg.Store.DSN = "postgres://plain"
	cfg.Cache.Password = "secret:redis_password"
	require.NoError(t, resolveSecrets(context.Background(), cfg))
	assert.Equal(t, "postgres://plain", cfg.Store.DSN)
	assert.Equal(t, "s3cret", cfg.Cache.Password)

	cfg.Store.DSN = "secret:missing"
	assert.ErrorContains(t, resolveSecrets(context.Background(), cfg), "store.dsn")
}

func TestResolveSecrets_NoRefsSkipsProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Secrets.Provider = "vault"
	cfg.Secrets.Vault.Address = "http://127.0.0.1:1"
	assert.NoError(t, resolveSecrets(context.Background(), cfg))
}
