// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
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

package syncutil

// Value is a lock-guarded value for state read by many goroutines and
// written by one owner.
type Value[T any] struct {
	v  T
	mu RWMutex
}

// NewValue returns a Value holding v.
func NewValue[T any](v T) *Value[T] {
	return &Value[T]{v: v}
}

// Load returns the current value.
func (s *Value[T]) Load() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Store replaces the value.
func (s *Value[T]) Store(v T) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

// Swap stores v and returns the previous value.
func (s *Value[T]) Swap(v T) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.v
	s.v = v
	return old
}

// CompareAndSwap stores next when eq(current) holds.
func (s *Value[T]) CompareAndSwap(eq func(T) bool, next T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !eq(s.v) {
		return false
	}
	s.v = next
	return true
}
