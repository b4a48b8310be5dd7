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

package listener

import (
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

// DefaultStreamBuffer is the per subscriber channel capacity.
const DefaultStreamBuffer = 64

// Stream fans values out to independent subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the value.
type Stream[T any] struct {
	log    *logging.Logger
	subs   map[uint64]chan T
	next   uint64
	size   int
	closed bool
	mu     syncutil.Mutex
}

// NewStream creates a stream with the given subscriber buffer size.
func NewStream[T any](size int) *Stream[T] {
	if size <= 0 {
		size = DefaultStreamBuffer
	}
	return &Stream[T]{
		log:  logging.Get("worker.Stream"),
		subs: make(map[uint64]chan T),
		size: size,
	}
}

// Subscribe registers a subscriber. Values in seed are queued ahead of
// anything published later. The returned function unsubscribes and closes
// the channel.
func (s *Stream[T]) Subscribe(seed ...T) (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, max(s.size, len(seed)))
	for _, v := range seed {
		ch <- v
	}
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	return ch, func() { s.remove(id) }
}

func (s *Stream[T]) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Publish delivers v to every subscriber with room and returns how many
// subscribers dropped it.
func (s *Stream[T]) Publish(v T) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for id, ch := range s.subs {
		select {
		case ch <- v:
		default:
			dropped++
			s.log.Debug().Uint64("subscriber", id).Int("buffer", cap(ch)).Msg("subscriber full, value dropped")
		}
	}
	return dropped
}

// Subscribers returns the number of live subscribers.
func (s *Stream[T]) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
