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

package frame

import (
	"testing"
)

// Malformed input from clone chips or a noisy line must never panic the
// parser.
//
// Run with: go test -fuzz=FuzzDecode -fuzztime=30s ./internal/frame/

func FuzzDecode(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0xFF, 0x02, 0xFE, 0xD5, 0x03, 0x28, 0x00})
	f.Add([]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00})
	f.Add([]byte{0x00, 0x00, 0xFF, 0xFF, 0x00, 0x00})
	f.Add([]byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0x01, 0x04, 0xFB})
	f.Add([]byte{0x00, 0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x02})
	f.Add([]byte{})
	f.Add([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, buf []byte) {
		payload, n, err := Decode(buf)
		if err != nil {
			return
		}
		if n > len(buf) {
			t.Fatalf("consumed %d of %d bytes", n, len(buf))
		}
		if len(payload) == 0 {
			return
		}
		again, err := Build(payload)
		if err != nil {
			t.Fatalf("decoded payload does not rebuild: %v", err)
		}
		if got, _, err := Decode(again); err != nil || len(got) != len(payload) {
			t.Fatalf("rebuild mismatch: %v", err)
		}
	})
}

func FuzzBuild(f *testing.F) {
	f.Add([]byte{0xD4, 0x02})
	f.Add(make([]byte, 256))

	f.Fuzz(func(t *testing.T, payload []byte) {
		out, err := Build(payload)
		if err != nil {
			return
		}
		got, n, err := Decode(out)
		if err != nil {
			t.Fatalf("decode of built frame: %v", err)
		}
		if n != len(out) || string(got) != string(payload) {
			t.Fatalf("round trip mismatch")
		}
	})
}
