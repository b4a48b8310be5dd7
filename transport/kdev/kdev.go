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

//go:build linux

// Package kdev drives a PN7160 through the NXP pn5xx kernel driver. The
// driver handles the I2C framing and IRQ line; VEN and DWL are set with its
// power ioctl.
package kdev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

const (
	// setPower is PN544_SET_PWR.
	setPower = 0xE901

	powerOff      = 0
	powerOn       = 1
	powerDownload = 2

	maxRetries = 3
	retryDelay = time.Millisecond
	maxMessage = 3 + 0xFF
)

// DefaultPaths are tried in order when no path is given.
var DefaultPaths = []string{"/dev/pn5xx_i2c", "/dev/nxpnfc", "/dev/pn544"}

// sys is the slice of the kernel interface the bus needs.
type sys interface {
	Open(path string) (int, error)
	Read(fd int, p []byte) (int, error)
	Write(fd int, p []byte) (int, error)
	Poll(fd int, timeoutMs int) (bool, error)
	Ioctl(fd int, req, arg uintptr) error
	Close(fd int) error
}

type unixSys struct{}

func (unixSys) Open(path string) (int, error) { return unix.Open(path, unix.O_RDWR, 0) }

func (unixSys) Read(fd int, p []byte) (int, error) { return unix.Read(fd, p) }

func (unixSys) Write(fd int, p []byte) (int, error) { return unix.Write(fd, p) }

func (unixSys) Poll(fd, timeoutMs int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func (unixSys) Ioctl(fd int, req, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func (unixSys) Close(fd int) error { return unix.Close(fd) }

// Bus is an open kernel device node.
type Bus struct {
	sys    sys
	log    *logging.Logger
	path   string
	buf    []byte
	fd     int
	ven    bool
	dwl    bool
	closed *syncutil.Value[bool]
	mu     syncutil.Mutex
}

var _ pn7160.Bus = (*Bus)(nil)

// Open opens path, or the first of DefaultPaths that exists when path is
// empty.
func Open(path string) (*Bus, error) {
	return open(unixSys{}, path)
}

// Dialer returns a pn7160.Dialer that opens path on every dial.
func Dialer(path string) pn7160.Dialer {
	return func(ctx context.Context) (pn7160.Bus, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return Open(path)
	}
}

// Find returns the first of DefaultPaths present on this system.
func Find() (string, bool) {
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func open(s sys, path string) (*Bus, error) {
	if path == "" {
		found, ok := Find()
		if !ok {
			return nil, fmt.Errorf("%w: no pn5xx device node", hce.ErrDeviceNotFound)
		}
		path = found
	}
	fd, err := s.Open(path)
	if err != nil {
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENODEV) {
			return nil, fmt.Errorf("%w: %s", hce.ErrDeviceNotFound, path)
		}
		return nil, hce.NewTransportError("open", path, err, hce.ErrorTypePermanent)
	}

	b := &Bus{
		sys:    s,
		log:    logging.Get("hw.kdev"),
		path:   path,
		fd:     fd,
		buf:    make([]byte, maxMessage),
		closed: syncutil.NewValue(false),
	}
	b.log.Debug().Str("path", path).Msg("opened")
	return b, nil
}

// Path returns the device node.
func (b *Bus) Path() string { return b.path }

// Write sends one NCI message, retrying while the controller NACKs.
func (b *Bus) Write(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return hce.ErrTransportClosed
	}

	var lastErr error
	for try := 0; try <= maxRetries; try++ {
		n, err := b.sys.Write(b.fd, msg)
		switch {
		case err == nil && n == len(msg):
			return nil
		case err == nil:
			lastErr = fmt.Errorf("%w: wrote %d of %d bytes", hce.ErrTransportWrite, n, len(msg))
		case retryable(err):
			lastErr = err
		default:
			return b.wrap("write", err)
		}
		b.log.Debug().Err(lastErr).Int("try", try+1).Msg("write retry")
		if !hce.SleepContext(ctx, retryDelay) {
			return ctx.Err()
		}
	}
	return b.wrap("write", lastErr)
}

// Read reads the header and then the payload of one NCI message.
func (b *Bus) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, hce.ErrTransportClosed
	}

	if err := b.readFull(ctx, b.buf[:3]); err != nil {
		return nil, err
	}
	n := int(b.buf[2])
	if n > 0 {
		if err := b.readFull(ctx, b.buf[3:3+n]); err != nil {
			return nil, err
		}
	}
	return append([]byte(nil), b.buf[:3+n]...), nil
}

func (b *Bus) readFull(ctx context.Context, p []byte) error {
	got, tries := 0, 0
	for got < len(p) {
		n, err := b.sys.Read(b.fd, p[got:])
		switch {
		case err == nil && n == 0:
			return hce.NewTimeoutError("read", b.path)
		case err == nil:
			got += n
			continue
		case errors.Is(err, unix.EAGAIN):
			return hce.NewTimeoutError("read", b.path)
		case retryable(err) && tries < maxRetries:
			tries++
			if !hce.SleepContext(ctx, retryDelay) {
				return ctx.Err()
			}
		default:
			return b.wrap("read", err)
		}
	}
	return nil
}

// IRQ polls the device node without blocking.
func (b *Bus) IRQ(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return false, hce.ErrTransportClosed
	}
	for {
		ready, err := b.sys.Poll(b.fd, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, b.wrap("poll", err)
		}
		return ready, nil
	}
}

// SetVEN switches the controller on or off.
func (b *Bus) SetVEN(high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ven = high
	return b.power()
}

// SetDWL selects firmware download mode while VEN is high.
func (b *Bus) SetDWL(high bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dwl = high
	return b.power()
}

func (b *Bus) power() error {
	if b.closed.Load() {
		return hce.ErrTransportClosed
	}
	arg := uintptr(powerOff)
	switch {
	case b.ven && b.dwl:
		arg = powerDownload
	case b.ven:
		arg = powerOn
	}
	b.log.Trace().Uint64("arg", uint64(arg)).Msg("set power")
	if err := b.sys.Ioctl(b.fd, setPower, arg); err != nil {
		return b.wrap("ioctl", err)
	}
	return nil
}

// Close powers the controller down and closes the node.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	if err := b.sys.Ioctl(b.fd, setPower, powerOff); err != nil {
		b.log.Debug().Err(err).Msg("power off on close")
	}
	return b.sys.Close(b.fd)
}

func (b *Bus) wrap(op string, err error) error {
	if errors.Is(err, unix.ENODEV) || errors.Is(err, unix.EIO) || errors.Is(err, unix.ENXIO) {
		return hce.NewTransportError(op, b.path, err, hce.ErrorTypePermanent)
	}
	return hce.NewTransportError(op, b.path, err, hce.ErrorTypeTransient)
}

func retryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.ENXIO) || errors.Is(err, unix.EAGAIN)
}
