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

package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type fileStore struct {
	dir string
}

// NewFileStore 从挂载目录读取，每个 secret 一个文件（Kubernetes secret volume 布局）
func NewFileStore(dir string) (Store, error) {
	if dir == "" {
		dir = "/etc/secrets"
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("secrets dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("secrets dir %s is not a directory", dir)
	}
	return &fileStore{dir: dir}, nil
}

func (f *fileStore) Get(ctx context.Context, key string) (string, error) {
	if key != filepath.Base(key) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid secret key: %s", key)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, key))
	if err != nil {
		return "", fmt.Errorf("read secret %s: %w", key, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
