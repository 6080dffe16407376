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
	"fmt"
	"log/slog"

	"usersync/pkg/config"
)

// NewStore 按配置创建 Store
func NewStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(logger), nil
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN, logger)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.Path, logger)
	case "badger":
		return NewBadgerStore(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}
}
