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

package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usersync/internal/snapshot"
	"usersync/pkg/config"
)

func TestRunOnce_PrunesBadgerStore(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Type = "badger"
	cfg.Store.Path = filepath.Join(t.TempDir(), "badger")
	cfg.Retention.Enable = true
	cfg.Retention.MaxSnapshots = 2

	ctx := context.Background()
	a, err := NewApp(ctx, cfg)
	require.NoError(t, err)

	uid := uuid.NewString()
	pinned := snapshot.Pack(uid, snapshot.Data{"inventory": []byte("keep")}, snapshot.CauseInventoryCommand, true)
	require.NoError(t, a.bootstrap.Store.Append(ctx, uid, pinned))
	for i := 0; i < 4; i++ {
		time.Sleep(time.Millisecond)
		p := snapshot.Pack(uid, snapshot.Data{"inventory": []byte{byte(i)}}, snapshot.CauseWorldSave, false)
		require.NoError(t, a.bootstrap.Store.Append(ctx, uid, p))
	}

	n, err := a.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hist, err := a.bootstrap.Store.History(ctx, uid, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 3)
	assert.Equal(t, pinned.ID(), hist[2].ID())

	require.NoError(t, a.Shutdown(ctx))
}

func TestStart_RequiresRetention(t *testing.T) {
	cfg := config.Default()
	cfg.Retention.Enable = false
	a, err := NewApp(context.Background(), cfg)
	require.NoError(t, err)
	assert.Error(t, a.Start())
	require.NoError(t, a.Shutdown(context.Background()))
}
