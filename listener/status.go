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
	"encoding/json"
	"fmt"
)

// Status is the listener state reported to subscribers.
type Status int

const (
	StatusAbsent Status = iota
	StatusIdle
	StatusListening
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusAbsent:
		return "absent"
	case StatusIdle:
		return "idle"
	case StatusListening:
		return "listening"
	case StatusDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// MarshalText encodes the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StatusEvent is published whenever the status is set.
type StatusEvent struct {
	Data   json.RawMessage
	Status Status
}

type statusPayload struct {
	Status Status `json:"status"`
}

func newStatusEvent(s Status) StatusEvent {
	data, _ := json.Marshal(statusPayload{Status: s})
	return StatusEvent{Status: s, Data: data}
}
