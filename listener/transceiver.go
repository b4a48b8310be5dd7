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

// Package listener drives a transceiver in card emulation mode and bridges
// its events to a virtual target.
package listener

import (
	"context"
	"time"

	hce "github.com/ZaparooProject/go-hce"
)

// Transceiver is an NFC front end able to listen as a card.
type Transceiver interface {
	Open(ctx context.Context) error
	Close() error
	IsOpen() bool
	StartDiscovery(ctx context.Context, params []hce.Parameter, mode hce.Discovery) error
	StopDiscovery(ctx context.Context) error
	WaitEvent(ctx context.Context, timeout time.Duration) (hce.Event, []byte, error)
	SendData(ctx context.Context, data []byte) error
}

// TargetFactory creates the target served after each Start command.
type TargetFactory func() (hce.Target, error)
