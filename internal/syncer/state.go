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
	"fmt"
	"sync"
)

// Phase 用户状态机阶段
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSaving
	PhasePublished
	PhaseLoading
	PhaseApplied
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSaving:
		return "saving"
	case PhasePublished:
		return "published"
	case PhaseLoading:
		return "loading"
	case PhaseApplied:
		return "applied"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// userState 每用户状态记录；lock 为容量 1 的通道，获取时可响应 ctx
type userState struct {
	lock chan struct{}
	refs int // 由 Coordinator.mu 保护，归零时从表中移除

	mu      sync.Mutex
	phase   Phase
	updated chan struct{} // 收到该用户更新通知时关闭并替换
}

func newUserState() *userState {
	return &userState{
		lock:    make(chan struct{}, 1),
		updated: make(chan struct{}),
	}
}

func (s *userState) acquire(ctx context.Context) error {
	select {
	case s.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *userState) release() {
	<-s.lock
}

func (s *userState) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *userState) getPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// waitCh 当前的更新通知通道
func (s *userState) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

func (s *userState) notify() {
	s.mu.Lock()
	close(s.updated)
	s.updated = make(chan struct{})
	s.mu.Unlock()
}
