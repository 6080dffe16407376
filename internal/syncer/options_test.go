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

package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usersync/internal/snapshot"
	"usersync/pkg/config"
)

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.SaveTimeout = "4s"
	cfg.Sync.TransitGrace = "500ms"
	cfg.Cache.OpTimeout = "150ms"
	cfg.Sync.AutoPinCauses = []string{"Inventory-Command", "death"}
	cfg.Retention.Enable = true
	cfg.Retention.MaxSnapshots = 7
	cfg.Retention.MaxAge = "48h"

	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, opts.SaveTimeout)
	assert.Equal(t, 500*time.Millisecond, opts.TransitGrace)
	assert.Equal(t, 150*time.Millisecond, opts.CacheTimeout)
	assert.Equal(t, []snapshot.SaveCause{snapshot.CauseInventoryCommand, snapshot.CauseDeath}, opts.AutoPinCauses)
	assert.Equal(t, 7, opts.Retention.MaxSnapshots)
	assert.Equal(t, 48*time.Hour, opts.Retention.MaxAge)
}

func TestNewCoordinator_CacheTimeoutBelowOperationBudget(t *testing.T) {
	c := NewCoordinator(nil, nil, Options{LoadTimeout: 200 * time.Millisecond, SaveTimeout: time.Second, CacheTimeout: time.Second}, nil)
	assert.Equal(t, 100*time.Millisecond, c.Options().CacheTimeout)

	c = NewCoordinator(nil, nil, Options{}, nil)
	assert.Equal(t, DefaultOptions().CacheTimeout, c.Options().CacheTimeout)
}

func TestOptionsFromConfig_RetentionDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Retention.Enable = false
	cfg.Retention.MaxSnapshots = 3
	opts, err := OptionsFromConfig(cfg)
	require.NoError(t, err)
	assert.False(t, opts.Retention.Enabled())
}

func TestOptionsFromConfig_UnknownCause(t *testing.T) {
	cfg := config.Default()
	cfg.Sync.AutoPinCauses = []string{"teleport"}
	_, err := OptionsFromConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "teleport")
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "saving", PhaseSaving.String())
	assert.Equal(t, "published", PhasePublished.String())
	assert.Equal(t, "loading", PhaseLoading.String())
	assert.Equal(t, "applied", PhaseApplied.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}

func TestUserState_NotifyWakesWaiters(t *testing.T) {
	st := newUserState()
	ch := st.waitCh()
	st.notify()
	select {
	case <-ch:
	default:
		t.Fatal("waiter not released")
	}
	select {
	case <-st.waitCh():
		t.Fatal("fresh channel must stay open")
	default:
	}
}

func TestUserState_AcquireHonoursContext(t *testing.T) {
	st := newUserState()
	require.NoError(t, st.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, st.acquire(ctx), context.DeadlineExceeded)
	st.release()
	require.NoError(t, st.acquire(context.Background()))
	st.release()
}
