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

package testing

import (
	"io"
	"math/rand/v2"
	"time"
)

// Port is the serial port surface the simulators expose.
type Port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// FragmentConfig configures a FragmentedPort.
type FragmentConfig struct {
	MaxLatency time.Duration
	MinBytes   int
	Seed       uint64
}

// FragmentedPort wraps a Port and hands out reads in random sized pieces,
// like a USB-UART bridge flushing its FIFO mid frame.
type FragmentedPort struct {
	backend Port
	rng     *rand.Rand
	readBuf []byte
	config  FragmentConfig
}

// NewFragmentedPort wraps backend. A zero seed picks a random one.
func NewFragmentedPort(backend Port, config FragmentConfig) *FragmentedPort {
	seed := config.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	if config.MinBytes < 1 {
		config.MinBytes = 1
	}
	return &FragmentedPort{
		backend: backend,
		config:  config,
		rng:     rand.New(rand.NewPCG(seed, seed^0xDEADBEEF)), //nolint:gosec // test data only
		readBuf: make([]byte, 0, 512),
	}
}

// Write passes through unchanged.
func (f *FragmentedPort) Write(data []byte) (int, error) {
	return f.backend.Write(data) //nolint:wrapcheck // pass-through
}

// Read returns between MinBytes and all of the buffered bytes.
func (f *FragmentedPort) Read(buf []byte) (int, error) {
	if f.config.MaxLatency > 0 {
		time.Sleep(time.Duration(f.rng.Int64N(int64(f.config.MaxLatency) + 1)))
	}

	if len(f.readBuf) == 0 {
		tmp := make([]byte, 512)
		n, err := f.backend.Read(tmp)
		if err != nil || n == 0 {
			return 0, err //nolint:wrapcheck // pass-through
		}
		f.readBuf = append(f.readBuf, tmp[:n]...)
	}

	n := min(len(f.readBuf), len(buf))
	if n > f.config.MinBytes {
		n = f.config.MinBytes + f.rng.IntN(n-f.config.MinBytes+1)
	}
	copy(buf, f.readBuf[:n])
	f.readBuf = f.readBuf[n:]
	return n, nil
}

// SetReadTimeout passes through unchanged.
func (f *FragmentedPort) SetReadTimeout(t time.Duration) error {
	return f.backend.SetReadTimeout(t) //nolint:wrapcheck // pass-through
}

// ResetInputBuffer drops buffered fragments and purges the backend.
func (f *FragmentedPort) ResetInputBuffer() error {
	f.readBuf = f.readBuf[:0]
	return f.backend.ResetInputBuffer() //nolint:wrapcheck // pass-through
}

// Close passes through unchanged.
func (f *FragmentedPort) Close() error {
	return f.backend.Close() //nolint:wrapcheck // pass-through
}

var (
	_ Port = (*FragmentedPort)(nil)
	_ Port = (*VirtualPN532)(nil)
)
