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

package hce

import "fmt"

// Event classifies what a transceiver reported while waiting.
type Event int

const (
	EventUnknown     Event = -1
	EventTimeout     Event = 0
	EventFieldInfo   Event = 1
	EventActivated   Event = 2
	EventDeactivated Event = 3
	EventCredits     Event = 4
	EventData        Event = 5
)

func (e Event) String() string {
	switch e {
	case EventUnknown:
		return "unknown"
	case EventTimeout:
		return "timeout"
	case EventFieldInfo:
		return "field-info"
	case EventActivated:
		return "activated"
	case EventDeactivated:
		return "deactivated"
	case EventCredits:
		return "credits"
	case EventData:
		return "data"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Discovery selects the RF role a transceiver takes.
type Discovery int

const (
	// DiscoveryListen emulates a card.
	DiscoveryListen Discovery = iota
	// DiscoveryPoll acts as a reader.
	DiscoveryPoll
)

func (d Discovery) String() string {
	if d == DiscoveryPoll {
		return "poll"
	}
	return "listen"
}
