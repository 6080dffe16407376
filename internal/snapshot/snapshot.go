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
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Data 数据类型键 -> 不透明序列化负载
type Data map[string][]byte

// Clone 深拷贝
func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	out := make(Data, len(d))
	for k, v := range d {
		b := make([]byte, len(v))
		copy(b, v)
		out[k] = b
	}
	return out
}

// Keys 按字典序返回键
func (d Data) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DataEqual 结构相等：键集合相同且每个负载字节相同（nil 与空负载视为相同）
func DataEqual(a, b Data) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !bytes.Equal(av, bv) {
			return false
		}
	}
	return true
}

// Packed 打包后的不可变快照；只暴露读取方法，数据进出均深拷贝
type Packed struct {
	id        string
	userID    string
	timestamp time.Time
	cause     SaveCause
	pinned    bool
	data      Data
}

// Unpacked 可变工作副本；通过 Pack 生成新的不可变快照
type Unpacked struct {
	id        string
	userID    string
	timestamp time.Time
	cause     SaveCause
	pinned    bool
	data      Data
}

// now 统一到 UTC 微秒精度，保证各存储后端往返一致
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func newID() string {
	return uuid.New().String()
}

// Pack 由原始数据创建新快照（新 ID 与时间戳）
func Pack(userID string, data Data, cause SaveCause, pinned bool) *Packed {
	return &Packed{
		id:        newID(),
		userID:    userID,
		timestamp: now(),
		cause:     cause,
		pinned:    pinned,
		data:      data.Clone(),
	}
}

func (p *Packed) ID() string           { return p.id }
func (p *Packed) UserID() string       { return p.userID }
func (p *Packed) Timestamp() time.Time { return p.timestamp }
func (p *Packed) SaveCause() SaveCause { return p.cause }
func (p *Packed) Pinned() bool         { return p.pinned }

// Data 返回数据深拷贝
func (p *Packed) Data() Data { return p.data.Clone() }

// Payload 返回单个数据类型的负载拷贝
func (p *Packed) Payload(key string) ([]byte, bool) {
	v, ok := p.data[key]
	if !ok {
		return nil, false
	}
	b := make([]byte, len(v))
	copy(b, v)
	return b, true
}

// Size 数据负载总字节数
func (p *Packed) Size() int {
	n := 0
	for _, v := range p.data {
		n += len(v)
	}
	return n
}

// Unpack 返回可变工作副本，不影响原快照
func (p *Packed) Unpack() *Unpacked {
	return &Unpacked{
		id:        p.id,
		userID:    p.userID,
		timestamp: p.timestamp,
		cause:     p.cause,
		pinned:    p.pinned,
		data:      p.data.Clone(),
	}
}

// Edit 在副本上应用 fn 并重新打包；保留 ID 与时间戳，原快照不变
func (p *Packed) Edit(fn func(*Unpacked)) *Packed {
	u := p.Unpack()
	if fn != nil {
		fn(u)
	}
	return u.Pack()
}

// Copy 复制内容并分配新 ID 与时间戳（不早于源快照）
func (p *Packed) Copy() *Packed {
	ts := now()
	if ts.Before(p.timestamp) {
		ts = p.timestamp
	}
	return &Packed{
		id:        newID(),
		userID:    p.userID,
		timestamp: ts,
		cause:     p.cause,
		pinned:    p.pinned,
		data:      p.data.Clone(),
	}
}

// Equal 结构相等，仅比较 data；用于识别无变化的编辑与冗余写入
func Equal(a, b *Packed) bool {
	if a == nil || b == nil {
		return a == b
	}
	return DataEqual(a.data, b.data)
}

func (u *Unpacked) ID() string           { return u.id }
func (u *Unpacked) UserID() string       { return u.userID }
func (u *Unpacked) Timestamp() time.Time { return u.timestamp }
func (u *Unpacked) SaveCause() SaveCause { return u.cause }
func (u *Unpacked) Pinned() bool         { return u.pinned }

// Data 返回当前数据拷贝
func (u *Unpacked) Data() Data { return u.data.Clone() }

// Get 读取某数据类型
func (u *Unpacked) Get(key string) ([]byte, bool) {
	v, ok := u.data[key]
	return v, ok
}

// Inventory 便捷读取背包数据
func (u *Unpacked) Inventory() ([]byte, bool) {
	return u.Get(KeyInventory)
}

// SetData 设置某数据类型负载（拷贝入参）
func (u *Unpacked) SetData(key string, payload []byte) {
	b := make([]byte, len(payload))
	copy(b, payload)
	u.data[key] = b
}

// RemoveData 删除某数据类型
func (u *Unpacked) RemoveData(key string) {
	delete(u.data, key)
}

func (u *Unpacked) SetSaveCause(c SaveCause) { u.cause = c }
func (u *Unpacked) SetPinned(p bool)         { u.pinned = p }

// Pack 重新打包为新的不可变快照
func (u *Unpacked) Pack() *Packed {
	return &Packed{
		id:        u.id,
		userID:    u.userID,
		timestamp: u.timestamp,
		cause:     u.cause,
		pinned:    u.pinned,
		data:      u.data.Clone(),
	}
}
