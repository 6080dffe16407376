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
	"errors"
	"fmt"

	"usersync/internal/storage/cache"
	"usersync/internal/storage/snapshotstore"
	"usersync/internal/syncer"
	"usersync/pkg/config"
	"usersync/pkg/log"
	"usersync/pkg/secrets"
)

// Bootstrap 统一初始化：供 syncd 与 worker 复用，避免在 cmd 内写装配逻辑
type Bootstrap struct {
	Config      *config.Config
	Logger      *log.Logger
	Store       snapshotstore.Store
	Cache       cache.Cache
	Coordinator *syncer.Coordinator
}

// NewBootstrap 根据配置创建 Bootstrap（Logger/Store/Cache/Coordinator）；cfg 为 nil 时使用默认配置
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	opts, err := syncer.OptionsFromConfig(cfg)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("同步配置无效: %w", err)
	}

	if err := resolveSecrets(ctx, cfg); err != nil {
		_ = logger.Close()
		return nil, err
	}

	store, err := snapshotstore.NewStore(ctx, cfg.Store, logger.Logger)
	if err != nil {
		_ = logger.Close()
		return nil, fmt.Errorf("初始化快照存储失败: %w", err)
	}

	c, err := cache.NewCache(ctx, cfg.Cache, logger.Logger)
	if err != nil {
		_ = store.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("初始化交接缓存失败: %w", err)
	}

	logger.Info("bootstrap ready",
		"store", cfg.Store.Type, "cache", cfg.Cache.Type,
		"transit_grace", opts.TransitGrace, "retention", opts.Retention.Enabled())

	return &Bootstrap{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Cache:       c,
		Coordinator: syncer.NewCoordinator(store, c, opts, logger.Logger),
	}, nil
}

// resolveSecrets 将 store.dsn、cache.password 中的 secret 引用替换为实际值；无引用时不连接任何 provider
func resolveSecrets(ctx context.Context, cfg *config.Config) error {
	if !secrets.IsRef(cfg.Store.DSN) && !secrets.IsRef(cfg.Cache.Password) {
		return nil
	}
	sc := cfg.Secrets
	store, err := secrets.NewStore(secrets.Config{
		Provider: sc.Provider,
		FileDir:  sc.Dir,
		Vault: secrets.VaultConfig{
			Address:    sc.Vault.Address,
			Token:      sc.Vault.Token,
			PathPrefix: sc.Vault.PathPrefix,
		},
	})
	if err != nil {
		return fmt.Errorf("初始化 secret provider 失败: %w", err)
	}
	if cfg.Store.DSN, err = secrets.Resolve(ctx, store, cfg.Store.DSN); err != nil {
		return fmt.Errorf("store.dsn: %w", err)
	}
	if cfg.Cache.Password, err = secrets.Resolve(ctx, store, cfg.Cache.Password); err != nil {
		return fmt.Errorf("cache.password: %w", err)
	}
	return nil
}

// Close 依次关闭缓存、存储与日志文件
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Cache != nil {
		errs = append(errs, b.Cache.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.Logger != nil {
		errs = append(errs, b.Logger.Close())
	}
	return errors.Join(errs...)
}
