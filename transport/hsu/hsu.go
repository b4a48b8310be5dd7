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

// Package hsu implements the PN532 high speed UART link.
//
// Every exchange purges the input, writes one information frame (preceded by
// the wake-up preamble when the chip may be asleep), waits for the ACK and
// reads the response frame.
package hsu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/internal/frame"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
	"go.bug.st/serial"
)

const (
	// BaudRate is the PN532 HSU default rate.
	BaudRate = 115200

	// DefaultTimeout applies when Transmit is called without one.
	DefaultTimeout = 50 * time.Millisecond

	// wakeUpDelay extends the timeout of the first exchange after a wake-up.
	wakeUpDelay = time.Second

	// pollInterval is the serial read timeout; reads return empty at this
	// rate so deadlines and cancellation are honored.
	pollInterval = 10 * time.Millisecond

	traceSize = 16
)

const (
	cmdPowerDown      = 0x16
	cmdTgInitAsTarget = 0x8C
)

// Port is the part of serial.Port the transport uses.
type Port interface {
	io.ReadWriter
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	Close() error
}

// PowerMode tracks whether the chip needs the wake-up preamble.
type PowerMode int

const (
	PowerNormal PowerMode = iota
	PowerLow
	PowerDown
)

func (m PowerMode) String() string {
	switch m {
	case PowerNormal:
		return "normal"
	case PowerLow:
		return "low-power"
	case PowerDown:
		return "power-down"
	default:
		return fmt.Sprintf("PowerMode(%d)", int(m))
	}
}

// Transport implements hce.Transport over a serial port.
type Transport struct {
	port     Port
	log      *logging.Logger
	trace    *hce.TraceBuffer
	portName string
	mu       syncutil.Mutex
	power    PowerMode
	closed   bool
}

// Open opens portName at 115200 8N1.
func Open(portName string) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, hce.NewTransportError("open", portName, err, hce.ErrorTypePermanent)
	}
	return New(port, portName)
}

// New wraps an already open port. The chip is assumed to be in low power
// mode, so the first command is preceded by the wake-up preamble.
func New(port Port, portName string) (*Transport, error) {
	if err := port.SetReadTimeout(pollInterval); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("HSU set read timeout: %w", err)
	}

	t := &Transport{
		port:     port,
		portName: portName,
		log:      logging.Get("hw.HSU"),
		trace:    hce.NewTraceBuffer("HSU", portName, traceSize),
		power:    PowerLow,
	}
	t.log.Info().Str("port", portName).Msg("HSU opened")
	return t, nil
}

// Transmit sends cmd (TFI D4, command code, arguments) and returns the
// response body (TFI D5, response code, data).
func (t *Transport) Transmit(ctx context.Context, cmd []byte, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, hce.ErrTransportClosed
	}

	t.trace.Clear()

	if err := t.port.ResetInputBuffer(); err != nil {
		return nil, hce.NewTransportError("purge", t.portName, err, hce.ErrorTypePermanent)
	}

	timeout, err := t.send(ctx, cmd, timeout)
	if err != nil {
		return nil, t.trace.WrapError(err)
	}

	rsp, err := t.recv(ctx, timeout)
	if err != nil {
		return nil, t.trace.WrapError(err)
	}
	return rsp, nil
}

// send writes one command frame and waits for its ACK. It returns the
// timeout to use for the response, extended when the chip had to be woken.
func (t *Transport) send(ctx context.Context, cmd []byte, timeout time.Duration) (time.Duration, error) {
	if t.power != PowerNormal {
		if err := t.write(frame.WakeUpPreamble, "wake-up"); err != nil {
			return timeout, err
		}
		timeout += wakeUpDelay
		t.power = PowerNormal
	}

	out, err := frame.Build(cmd)
	if err != nil {
		return timeout, err
	}
	if err := t.write(out, "command"); err != nil {
		return timeout, err
	}

	var code byte
	if len(cmd) > 1 {
		code = cmd[1]
	}
	if code == cmdPowerDown || code == cmdTgInitAsTarget {
		t.power = PowerDown
	}

	ack := make([]byte, frame.AckLength)
	if err := t.readFull(ctx, ack, time.Now().Add(timeout), "ACK"); err != nil {
		if errors.Is(err, hce.ErrTransportTimeout) {
			return timeout, hce.NewNoACKError("ack", t.portName)
		}
		return timeout, err
	}
	if !frame.IsAck(ack) {
		t.purge()
		return timeout, hce.NewTransportError("ack", t.portName,
			fmt.Errorf("%w: got % X", hce.ErrNoACK, ack), hce.ErrorTypeTransient)
	}

	// the chip stays awake while it waits for an initiator
	if code == cmdTgInitAsTarget {
		t.power = PowerNormal
	}
	return timeout, nil
}

// recv reads one response frame, normal or extended.
func (t *Transport) recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)

	hdr := make([]byte, frame.HeaderLength)
	if err := t.readFull(ctx, hdr, deadline, "header"); err != nil {
		return nil, err
	}
	h, err := frame.ParseHeader(hdr)
	if err != nil {
		return nil, t.corrupted(err)
	}

	length := h.Length
	if h.Extended {
		ext := make([]byte, frame.ExtendedHeaderLength)
		if err := t.readFull(ctx, ext, deadline, "extended length"); err != nil {
			return nil, err
		}
		if length, err = frame.ParseExtendedLength(ext); err != nil {
			return nil, t.corrupted(err)
		}
	}

	// data, DCS, postamble
	body := make([]byte, length+2)
	if err := t.readFull(ctx, body, deadline, "body"); err != nil {
		return nil, err
	}
	payload, err := frame.CheckBody(body[:length+1])
	if err != nil {
		return nil, t.corrupted(err)
	}
	if body[length+1] != frame.Postamble {
		return nil, t.corrupted(fmt.Errorf("postamble 0x%02X", body[length+1]))
	}
	if frame.IsErrorPayload(payload) {
		return nil, hce.NewTransportError("recv", t.portName,
			fmt.Errorf("%w: application error frame", hce.ErrInvalidResponse), hce.ErrorTypeTransient)
	}
	return payload, nil
}

// readFull fills buf before deadline. The serial read timeout is short, so a
// read returning no bytes just means nothing has arrived yet.
func (t *Transport) readFull(ctx context.Context, buf []byte, deadline time.Time, what string) error {
	got := 0
	for got < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			if got > 0 {
				t.trace.RecordRX(buf[:got], "partial "+what)
			}
			t.trace.RecordTimeout(what)
			return hce.NewTimeoutError("recv "+what, t.portName)
		}
		n, err := t.port.Read(buf[got:])
		if err != nil {
			return hce.NewTransportError("read", t.portName,
				fmt.Errorf("%w: %w", hce.ErrTransportRead, err), hce.ErrorTypePermanent)
		}
		got += n
	}
	t.trace.RecordRX(buf, what)
	t.log.Trace().Hex("data", buf).Str("part", what).Msg("RX")
	return nil
}

func (t *Transport) write(data []byte, what string) error {
	t.trace.RecordTX(data, what)
	t.log.Trace().Hex("data", data).Str("part", what).Msg("TX")

	n, err := t.port.Write(data)
	if err != nil {
		return hce.NewTransportError("write", t.portName,
			fmt.Errorf("%w: %w", hce.ErrTransportWrite, err), hce.ErrorTypePermanent)
	}
	if n != len(data) {
		return hce.NewTransportError("write", t.portName,
			fmt.Errorf("%w: short write %d of %d", hce.ErrTransportWrite, n, len(data)), hce.ErrorTypeTransient)
	}
	return nil
}

// corrupted purges whatever is left of a bad frame.
func (t *Transport) corrupted(cause error) error {
	t.purge()
	t.log.Debug().Err(cause).Msg("discarding corrupted frame")
	return hce.NewTransportError("recv", t.portName,
		fmt.Errorf("%w: %w", hce.ErrFrameCorrupted, cause), hce.ErrorTypeTransient)
}

func (t *Transport) purge() {
	if err := t.port.ResetInputBuffer(); err != nil {
		t.log.Warn().Err(err).Msg("purge failed")
	}
}

// PowerMode returns the tracked chip power state.
func (t *Transport) PowerMode() PowerMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.power
}

// Close closes the port. Further calls return hce.ErrTransportClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return fmt.Errorf("HSU close failed: %w", err)
	}
	return nil
}

// Type implements hce.Transport.
func (*Transport) Type() hce.TransportType {
	return hce.TransportHSU
}

var _ hce.Transport = (*Transport)(nil)
