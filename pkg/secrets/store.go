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

// Package secrets 解析配置中的 secret 引用（如 store.dsn: "secret:pg_dsn"），凭据不落在配置文件里
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// RefPrefix 配置值以该前缀开头时视为 secret 引用
const RefPrefix = "secret:"

// Store 只读 secret 来源
type Store interface {
	// Get 获取 secret 值；不存在时返回错误
	Get(ctx context.Context, key string) (string, error)
}

// Config secret 来源配置
type Config struct {
	Provider string      // env | file | vault | memory
	Vault    VaultConfig // provider=vault
	FileDir  string      // provider=file，挂载目录（如 Kubernetes secret volume）
}

// NewStore 按 provider 创建 Store；provider 为空时使用 env
func NewStore(config Config) (Store, error) {
	switch config.Provider {
	case "", "env":
		return NewEnvStore(), nil
	case "memory":
		return NewMemoryStore(nil), nil
	case "file":
		return NewFileStore(config.FileDir)
	case "vault":
		return NewVaultStore(config.Vault)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", config.Provider)
	}
}

// IsRef 是否为 secret 引用
func IsRef(value string) bool {
	return strings.HasPrefix(value, RefPrefix)
}

// Resolve 若 value 为 secret 引用则从 store 读取，否则原样返回
func Resolve(ctx context.Context, store Store, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	key := strings.TrimSpace(strings.TrimPrefix(value, RefPrefix))
	if key == "" {
		return "", fmt.Errorf("empty secret reference")
	}
	if store == nil {
		return "", fmt.Errorf("secret %q referenced but no secret provider configured", key)
	}
	v, err := store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("resolve secret %q: %w", key, err)
	}
	return v, nil
}
