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
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "transport timeout", err: ErrTransportTimeout, want: true},
		{name: "wrapped no ACK", err: fmt.Errorf("hsu: %w", ErrNoACK), want: true},
		{name: "frame corrupted", err: ErrFrameCorrupted, want: true},
		{name: "invalid config", err: ErrInvalidConfig, want: false},
		{name: "timeout transport error", err: NewTimeoutError("recv", "/dev/ttyUSB0"), want: true},
		{name: "permanent transport error", err: NewInvalidResponseError("recv", "COM3"), want: false},
		{name: "PN532 timeout status", err: NewProtocolError(ProtocolPN532, 0x01, "TgGetData", ""), want: true},
		{name: "NCI rejected", err: NewProtocolError(ProtocolNCI, 0x01, "CORE_RESET", ""), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		name string
		want bool
	}{
		{name: "nil error", err: nil, want: false},
		{name: "closed", err: ErrTransportClosed, want: true},
		{name: "not open", err: fmt.Errorf("wait: %w", ErrNotOpen), want: true},
		{name: "EOF", err: io.EOF, want: true},
		{name: "ENODEV", err: fmt.Errorf("read: %w", syscall.ENODEV), want: true},
		{name: "timeout", err: ErrTransportTimeout, want: false},
		{name: "permanent", err: NewInvalidResponseError("op", ""), want: true},
		{name: "transient", err: NewFrameCorruptedError("op", ""), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestProtocolError_Message(t *testing.T) {
	t.Parallel()

	err := NewProtocolError(ProtocolNCI, 0x06, "RF_DISCOVER", "listen")
	assert.Equal(t, "NCI RF_DISCOVER status 0x06 (semantic error): listen", err.Error())

	err = NewProtocolError(ProtocolPN532, 0x29, "TgGetData", "")
	assert.Contains(t, err.Error(), "target released")

	var pe *ProtocolError
	require.ErrorAs(t, fmt.Errorf("wrapped: %w", err), &pe)
	assert.Equal(t, byte(0x29), pe.Status)
}

func TestTransportError_Format(t *testing.T) {
	t.Parallel()

	err := NewTimeoutError("waitAck", "/dev/ttyUSB0")
	assert.Equal(t, "waitAck /dev/ttyUSB0: transport timeout", err.Error())
	require.ErrorIs(t, err, ErrTransportTimeout)

	err = NewTransportError("connect", "", errors.New("boom"), ErrorTypePermanent)
	assert.Equal(t, "connect: boom", err.Error())
	assert.False(t, err.Retryable)
}

func TestTraceBuffer_WrapError(t *testing.T) {
	t.Parallel()

	tb := NewTraceBuffer("HSU", "/dev/ttyUSB0", 2)
	tb.RecordTX([]byte{0x00, 0x00, 0xFF}, "frame")
	tb.RecordRX([]byte{0x00, 0x00, 0xFF, 0x00, 0xFF, 0x00}, "ACK")
	tb.RecordTimeout("response")

	require.NoError(t, tb.WrapError(nil))

	err := tb.WrapError(ErrTransportTimeout)
	require.ErrorIs(t, err, ErrTransportTimeout)

	te := GetTrace(fmt.Errorf("outer: %w", err))
	require.NotNil(t, te)
	require.Len(t, te.Trace, 2)
	assert.Equal(t, TraceRX, te.Trace[0].Direction)
	assert.Equal(t, "ACK", te.Trace[0].Note)

	out := te.FormatTrace()
	assert.True(t, strings.HasPrefix(out, "[HSU:/dev/ttyUSB0] Wire trace (2 entries):"))
	assert.Contains(t, out, "< 00 00 FF 00 FF 00 (ACK)")
	assert.Contains(t, out, "TIMEOUT: response")

	tb.Clear()
	assert.Contains(t, tb.WrapError(io.EOF).(*TraceableError).FormatTrace(), "no trace data")
}

func TestFormatHexBytes_Truncates(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "(empty)", formatHexBytes(nil))
	out := formatHexBytes(make([]byte, 40))
	assert.True(t, strings.HasSuffix(out, "... (40 bytes total)"))
}
