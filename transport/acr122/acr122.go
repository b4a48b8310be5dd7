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

// Package acr122 reaches the PN532 inside an ACR122U reader through PC/SC
// direct transmit escapes.
package acr122

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/logging"
	"github.com/ZaparooProject/go-hce/transport/pcsc"
)

// DefaultReaderName is matched against reader names when none is given.
const DefaultReaderName = "ACR122"

var statusOK = []byte{0x90, 0x00}

// PICC operating parameter with every automatic feature off.
const pollingOff = 0x00

// Transport implements hce.Transport on an ACR122U.
type Transport struct {
	dev    *pcsc.Device
	log    *logging.Logger
	escape uint32
}

// OpenDevice connects using dev, which may be backed by any pcsc.Context. An
// empty reader selects the first one whose name contains ACR122.
func OpenDevice(dev *pcsc.Device, mode pcsc.Mode, reader string) (*Transport, error) {
	log := logging.Get("hw.ACR122U")
	want := reader
	if want == "" {
		want = "<any>"
	}
	log.Info().Str("reader", want).Msg("connecting to ACR122U reader")

	if err := dev.Open(); err != nil {
		return nil, err
	}
	readers, err := dev.ListReaders()
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	proto := pcsc.ProtocolAny
	if mode == pcsc.ModeDirect {
		proto = pcsc.ProtocolNone
	}

	for _, name := range readers {
		if reader != "" && name != reader {
			continue
		}
		if reader == "" && !strings.Contains(name, DefaultReaderName) {
			continue
		}
		log.Info().Str("reader", name).Msg("found reader, connecting")
		if err := dev.Connect(name, mode, proto); err != nil {
			log.Warn().Err(err).Str("reader", name).Msg("connect failed")
			continue
		}
		log.Info().Str("reader", name).Msg("connected")
		return &Transport{dev: dev, log: log, escape: pcsc.EscapeIOCTL()}, nil
	}

	_ = dev.Close()
	log.Warn().Str("reader", want).Msg("unable to connect to ACR122U reader")
	return nil, fmt.Errorf("%w: ACR122U reader %s", hce.ErrDeviceNotFound, want)
}

// OpenEmulator connects in direct mode and turns off the reader's
// autonomous polling, which otherwise keeps the PN532 busy as an initiator
// while TgInitAsTarget is pending.
func OpenEmulator(dev *pcsc.Device, reader string) (*Transport, error) {
	t, err := OpenDevice(dev, pcsc.ModeDirect, reader)
	if err != nil {
		return nil, err
	}
	if err := t.SetParameters(pollingOff); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("disable autonomous polling: %w", err)
	}
	return t, nil
}

// Transmit wraps cmd in a direct transmit pseudo APDU. The reader applies
// its own timeout, so timeout is only checked against ctx.
func (t *Transport) Transmit(ctx context.Context, cmd []byte, _ time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(cmd) > 0xFF {
		return nil, fmt.Errorf("%w: %d byte command", hce.ErrDataTooLarge, len(cmd))
	}

	apdu := make([]byte, 0, 5+len(cmd))
	apdu = append(apdu, 0xFF, 0x00, 0x00, 0x00, byte(len(cmd)))
	apdu = append(apdu, cmd...)

	rsp, err := t.dev.Control(t.escape, apdu)
	if err != nil {
		t.log.Error().Err(err).Msg("direct transmit failed")
		return nil, err
	}
	if err := checkStatus(rsp); err != nil {
		t.log.Debug().Hex("response", rsp).Msg("direct transmit rejected")
		return nil, err
	}
	return rsp[:len(rsp)-2], nil
}

// SetParameters sets the PICC operating parameter byte.
func (t *Transport) SetParameters(value byte) error {
	rsp, err := t.dev.Control(t.escape, []byte{0xFF, 0x00, 0x51, value, 0x00})
	if err != nil {
		return err
	}
	if err := checkStatus(rsp); err != nil {
		t.log.Error().Hex("response", rsp).Msg("set operating parameters failed")
		return err
	}
	return nil
}

func checkStatus(rsp []byte) error {
	if len(rsp) < 2 || !bytes.Equal(rsp[len(rsp)-2:], statusOK) {
		return fmt.Errorf("%w: % X", hce.ErrStatusWord, rsp)
	}
	return nil
}

// Reader returns the connected reader name.
func (t *Transport) Reader() string {
	return t.dev.Reader()
}

// Close disconnects the reader.
func (t *Transport) Close() error {
	return t.dev.Close()
}

// Type implements hce.Transport.
func (*Transport) Type() hce.TransportType {
	return hce.TransportACR122
}

var _ hce.Transport = (*Transport)(nil)
