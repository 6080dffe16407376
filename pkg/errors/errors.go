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

// Package errors 提供统一错误辅助与同步错误分类，不依赖 internal
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// 同步错误分类：上层用 errors.Is 判断种类
var (
	// ErrStoreUnavailable 持久化存储网络/IO 失败，可重试
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrCacheUnavailable 交接缓存不可用，降级为仅存储模式
	ErrCacheUnavailable = errors.New("cache unavailable")
	// ErrNoDataFound 用户没有任何快照
	ErrNoDataFound = errors.New("no data found")
	// ErrSerialization 快照损坏或格式版本不匹配，不重试
	ErrSerialization = errors.New("snapshot serialization failure")
	// ErrConcurrentEdit 编辑期间目标快照已变化，调用方需基于新快照重试
	ErrConcurrentEdit = errors.New("concurrent edit conflict")
	// ErrTimeout 操作超出时限，可重试
	ErrTimeout = errors.New("operation timed out")
)

// SyncError 携带诊断上下文（操作、用户、快照）的错误
type SyncError struct {
	Op         string
	UserID     string
	SnapshotID string
	Kind       error
	Err        error
}

func (e *SyncError) Error() string {
	msg := e.Op
	if e.UserID != "" {
		msg += " user=" + e.UserID
	}
	if e.SnapshotID != "" {
		msg += " snapshot=" + e.SnapshotID
	}
	// Err 已包装 Kind 时只输出一次
	if e.Kind != nil && !errors.Is(e.Err, e.Kind) {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 同时暴露 Kind 与底层错误
func (e *SyncError) Unwrap() []error {
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewSyncError 创建 SyncError；err 为 nil 时返回 nil
func NewSyncError(op, userID, snapshotID string, kind, err error) error {
	if kind == nil && err == nil {
		return nil
	}
	return &SyncError{Op: op, UserID: userID, SnapshotID: snapshotID, Kind: kind, Err: err}
}

// IsRetryable 仅基础设施类错误（存储/缓存不可用、超时）可在本地重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSerialization) || errors.Is(err, ErrConcurrentEdit) || errors.Is(err, ErrInvalidArg) {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrCacheUnavailable) || errors.Is(err, ErrTimeout)
}

// Unavailable 将底层错误标记为 kind（如 ErrStoreUnavailable），保留原始错误链
func Unavailable(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Is 转发标准库，便于调用方只 import 本包
func Is(err, target error) bool { return errors.Is(err, target) }

// As 转发标准库
func As(err error, target any) bool { return errors.As(err, target) }

// New 转发标准库
func New(text string) error { return errors.New(text) }

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
