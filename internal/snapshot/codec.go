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

package snapshot

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	syncerr "usersync/pkg/errors"
)

// FormatVersion 当前编码格式版本；读到更新的版本视为不兼容
const FormatVersion = 1

// envelope 持久化与缓存传输共用的 JSON 结构
type envelope struct {
	FormatVersion int       `json:"format_version"`
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Timestamp     time.Time `json:"timestamp"`
	SaveCause     SaveCause `json:"save_cause"`
	Pinned        bool      `json:"pinned"`
	Data          Data      `json:"data"`
	Checksum      string    `json:"checksum"`
}

// Checksum 对规范化（按键排序）的 data 计算 sha256
func Checksum(d Data) string {
	h := sha256.New()
	var n [8]byte
	for _, k := range d.Keys() {
		binary.BigEndian.PutUint64(n[:], uint64(len(k)))
		h.Write(n[:])
		h.Write([]byte(k))
		v := d[k]
		binary.BigEndian.PutUint64(n[:], uint64(len(v)))
		h.Write(n[:])
		h.Write(v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Packed) envelope() envelope {
	return envelope{
		FormatVersion: FormatVersion,
		ID:            p.id,
		UserID:        p.userID,
		Timestamp:     p.timestamp,
		SaveCause:     p.cause,
		Pinned:        p.pinned,
		Data:          p.data,
		Checksum:      Checksum(p.data),
	}
}

// Marshal 编码快照
func Marshal(p *Packed) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil snapshot", syncerr.ErrSerialization)
	}
	b, err := json.Marshal(p.envelope())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrSerialization, err)
	}
	return b, nil
}

// Unmarshal 解码并校验快照（格式版本、必填字段、checksum）
func Unmarshal(b []byte) (*Packed, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrSerialization, err)
	}
	if env.FormatVersion < 1 || env.FormatVersion > FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", syncerr.ErrSerialization, env.FormatVersion)
	}
	if env.ID == "" || env.UserID == "" {
		return nil, fmt.Errorf("%w: missing id or user_id", syncerr.ErrSerialization)
	}
	if env.Data == nil {
		env.Data = Data{}
	}
	if sum := Checksum(env.Data); sum != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch for snapshot %s", syncerr.ErrSerialization, env.ID)
	}
	return &Packed{
		id:        env.ID,
		userID:    env.UserID,
		timestamp: env.Timestamp.UTC(),
		cause:     env.SaveCause,
		pinned:    env.Pinned,
		data:      env.Data,
	}, nil
}

// MarshalJSON 供 API 直接输出快照
func (p *Packed) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.envelope())
}
