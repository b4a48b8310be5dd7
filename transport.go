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

import (
	"context"
	"sync"
	"time"
)

// TransmitFunc sends one host-to-chip command frame body (TFI D4 followed by
// the command code and arguments) and returns the chip response body
// (TFI D5, response code, data).
type TransmitFunc func(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error)

// Transport is a command/response link to a PN532 class chip. It is
// implemented by the HSU serial link and the ACR122U PC/SC bridge.
type Transport interface {
	// Transmit sends a command and waits up to timeout for the response
	Transmit(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error)

	// Close releases the underlying device
	Close() error

	// Type returns the transport type
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	// TransportHSU represents the PN532 high speed UART link.
	TransportHSU TransportType = "hsu"
	// TransportACR122 represents an ACR122U reader reached over PC/SC.
	TransportACR122 TransportType = "acr122"
	// TransportMock represents a mock transport for testing
	TransportMock TransportType = "mock"
)

// MockTransport provides a mock implementation of Transport for testing.
// Responses are keyed by the command code, the byte following the D4 TFI.
type MockTransport struct {
	responses map[byte][][]byte
	callCount map[byte]int
	errorMap  map[byte]error
	sent      [][]byte
	delay     time.Duration
	mu        sync.RWMutex
	closed    bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		responses: make(map[byte][][]byte),
		callCount: make(map[byte]int),
		errorMap:  make(map[byte]error),
	}
}

// Transmit implements Transport
func (m *MockTransport) Transmit(ctx context.Context, cmd []byte, _ time.Duration) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	closed := m.closed
	delay := m.delay
	m.mu.RUnlock()

	if closed {
		return nil, ErrTransportClosed
	}
	if len(cmd) < 2 {
		return nil, ErrInvalidParameter
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	code := cmd[1]

	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount[code]++
	sent := make([]byte, len(cmd))
	copy(sent, cmd)
	m.sent = append(m.sent, sent)

	if err, exists := m.errorMap[code]; exists {
		return nil, err
	}

	// queued responses are consumed in order, the last one sticks
	if queue := m.responses[code]; len(queue) > 0 {
		rsp := queue[0]
		if len(queue) > 1 {
			m.responses[code] = queue[1:]
		}
		return rsp, nil
	}

	return []byte{0xD5, code + 1}, nil
}

// Close implements Transport
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Type implements Transport
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// TransmitFunc returns the mock bound as a TransmitFunc.
func (m *MockTransport) TransmitFunc() TransmitFunc {
	return m.Transmit
}

// SetResponse configures the response for a command code
func (m *MockTransport) SetResponse(code byte, response []byte) {
	m.mu.Lock()
	m.responses[code] = [][]byte{response}
	m.mu.Unlock()
}

// QueueResponse appends a response to the sequence returned for a command code
func (m *MockTransport) QueueResponse(code byte, response []byte) {
	m.mu.Lock()
	m.responses[code] = append(m.responses[code], response)
	m.mu.Unlock()
}

// SetError configures an error to be returned for a command code
func (m *MockTransport) SetError(code byte, err error) {
	m.mu.Lock()
	m.errorMap[code] = err
	m.mu.Unlock()
}

// ClearError removes error injection for a command code
func (m *MockTransport) ClearError(code byte) {
	m.mu.Lock()
	delete(m.errorMap, code)
	m.mu.Unlock()
}

// SetDelay configures a delay to simulate hardware response time
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// GetCallCount returns how many times a command code was sent
func (m *MockTransport) GetCallCount(code byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount[code]
}

// Sent returns every command frame in the order it was transmitted
func (m *MockTransport) Sent() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}
