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
	"errors"
	"fmt"
	"sync"
)

// Code names a listener command.
type Code string

const (
	CodeStart     Code = "start"
	CodeStop      Code = "stop"
	CodeConfigure Code = "configure"
)

// Reason is the code carried by a rejected command.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonStartFailed    Reason = "start-failed"
	ReasonInvalidConfig  Reason = "invalid-config"
	ReasonUnknownCommand Reason = "unknown-command"
	ReasonBusy           Reason = "busy"
	ReasonStopped        Reason = "stopped"
)

var (
	// ErrRejected is wrapped by every Outcome error.
	ErrRejected = errors.New("command rejected")
	// ErrQueueFull is returned when the command queue has no room.
	ErrQueueFull = errors.New("command queue full")
	// ErrStopped is returned for commands still queued when the task ends.
	ErrStopped = errors.New("listener stopped")
)

// Outcome is the settled state of a command.
type Outcome struct {
	Err    error
	Reason Reason
}

// OK reports whether the command was resolved.
func (o Outcome) OK() bool { return o.Reason == ReasonNone && o.Err == nil }

// Command is a queued request to the listener task. It settles exactly once.
type Command struct {
	done chan Outcome
	Code Code
	Data string
	once sync.Once
}

// NewCommand creates an unsettled command.
func NewCommand(code Code, data string) *Command {
	return &Command{Code: code, Data: data, done: make(chan Outcome, 1)}
}

// Done delivers the outcome once the command settles.
func (c *Command) Done() <-chan Outcome { return c.done }

// Resolve settles the command successfully. Later calls are ignored.
func (c *Command) Resolve() {
	c.once.Do(func() { c.done <- Outcome{} })
}

// Reject settles the command with a reason. Later calls are ignored.
func (c *Command) Reject(reason Reason, cause error) {
	c.once.Do(func() {
		err := fmt.Errorf("%w: %s", ErrRejected, reason)
		if cause != nil {
			err = fmt.Errorf("%w: %s: %w", ErrRejected, reason, cause)
		}
		c.done <- Outcome{Reason: reason, Err: err}
	})
}
