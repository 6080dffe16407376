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

package user

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// User 稳定身份：UUID + 展示名；所有快照查找以 Key() 为键
type User struct {
	UUID     uuid.UUID `json:"uuid"`
	Username string    `json:"username"`
}

// New 创建 User
func New(id uuid.UUID, username string) User {
	return User{UUID: id, Username: username}
}

// Parse 从字符串 UUID 解析 User
func Parse(id string, username string) (User, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return User{}, fmt.Errorf("invalid user uuid %q: %w", id, err)
	}
	return User{UUID: u, Username: username}, nil
}

// Key 规范化的小写 UUID 字符串
func (u User) Key() string {
	return u.UUID.String()
}

func (u User) String() string {
	if u.Username == "" {
		return u.Key()
	}
	return u.Username + "(" + u.Key() + ")"
}
