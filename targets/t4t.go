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

package targets

import (
	hce "github.com/ZaparooProject/go-hce"
)

// swClassNotSupported is answered to every T4T request.
var swClassNotSupported = []byte{0x6E, 0x00}

// T4T is an NFC Forum Type 4 tag placeholder. It completes ISO-DEP
// activation and rejects every APDU.
type T4T struct {
	card
}

// NewT4T returns a T4T with the default identity.
func NewT4T() *T4T {
	return &T4T{card: newCard("hce.targets.T4T")}
}

// Select is called on activation.
func (*T4T) Select() {}

// Deselect is called when the reader leaves.
func (*T4T) Deselect() {}

// Process answers 6E00 to any request.
func (t *T4T) Process(request, response *hce.ByteBuffer) error {
	return t.serve(request, response, func(_ []byte, out *hce.ByteBuffer) error {
		return out.Put(swClassNotSupported...)
	})
}

var _ hce.Target = (*T4T)(nil)
