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
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

var (
	// ErrExecutorClosed is returned by Submit after Shutdown.
	ErrExecutorClosed = errors.New("executor is shut down")
	// ErrTaskFailed is reported when a task ends with Error.
	ErrTaskFailed = errors.New("task failed")
	// ErrTaskPanic is reported when a task panics.
	ErrTaskPanic = errors.New("task panicked")
)

const executorBacklog = 64

// Runnable is a task driven one Step at a time. Step must return Stop once
// ctx is done.
type Runnable interface {
	Step(ctx context.Context) Result
}

type job struct {
	task Runnable
	done chan error
}

// Executor runs Runnables on a fixed pool of workers.
type Executor struct {
	ctx    context.Context
	log    *logging.Logger
	jobs   chan job
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     syncutil.Mutex
	closed bool
}

// NewExecutor starts n workers.
func NewExecutor(n int) *Executor {
	if n <= 0 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		ctx:    ctx,
		cancel: cancel,
		log:    logging.Get("worker.Executor"),
		jobs:   make(chan job, executorBacklog),
	}
	e.wg.Add(n)
	for range n {
		go e.worker()
	}
	return e
}

// Submit queues task. The returned channel receives nil when the task
// stops, or an error when it fails, panics or cannot be queued.
func (e *Executor) Submit(task Runnable) <-chan error {
	done := make(chan error, 1)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		done <- ErrExecutorClosed
		return done
	}
	select {
	case e.jobs <- job{task: task, done: done}:
	default:
		done <- fmt.Errorf("%w: backlog full", ErrExecutorClosed)
	}
	return done
}

// Shutdown cancels running tasks and waits for the workers to exit.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
	e.mu.Unlock()
	e.cancel()

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executor shutdown: %w", ctx.Err())
	}
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for j := range e.jobs {
		if e.ctx.Err() != nil {
			j.done <- ErrExecutorClosed
			continue
		}
		j.done <- e.run(j.task)
	}
}

func (e *Executor) run(task Runnable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Str("stack", string(debug.Stack())).Msgf("task panic: %v", r)
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()

	for {
		switch res := task.Step(e.ctx); res {
		case Continue:
		case Stop:
			return nil
		case Error:
			return ErrTaskFailed
		default:
			return fmt.Errorf("%w: %s", ErrTaskFailed, res)
		}
	}
}
