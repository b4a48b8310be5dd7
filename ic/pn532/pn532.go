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

// Package pn532 drives a PN532 through a command/response transmit
// function, with the target mode commands used for card emulation.
package pn532

import (
	"context"
	"fmt"
	"time"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/logging"
)

// Timeouts passed to the transmit function. Zero selects the transport
// default.
const (
	firmwareTimeout = 500 * time.Millisecond
	statusTimeout   = 500 * time.Millisecond
)

// FirmwareVersion contains PN532 firmware information
type FirmwareVersion struct {
	IC       byte
	Version  byte
	Revision byte
	Support  byte
}

// String renders the version as VER.REV.
func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Version, v.Revision)
}

// SupportIso14443a reports ISO/IEC 14443 type A support.
func (v FirmwareVersion) SupportIso14443a() bool { return v.Support&0x01 != 0 }

// SupportIso14443b reports ISO/IEC 14443 type B support.
func (v FirmwareVersion) SupportIso14443b() bool { return v.Support&0x02 != 0 }

// SupportIso18092 reports ISO/IEC 18092 support.
func (v FirmwareVersion) SupportIso18092() bool { return v.Support&0x04 != 0 }

// TargetStatus describes one target handled by the chip.
type TargetStatus struct {
	ID         byte
	BitRateRx  byte
	BitRateTx  byte
	Modulation byte
}

// GeneralStatus contains PN532 general status information
type GeneralStatus struct {
	Targets      []TargetStatus
	LastError    byte
	FieldPresent bool
	SAM          byte
}

// Device issues PN532 commands. It holds no state besides the transmit
// function and is used from one goroutine.
type Device struct {
	transmit hce.TransmitFunc
	log      *logging.Logger
}

// New creates a Device that sends commands with transmit.
func New(transmit hce.TransmitFunc) *Device {
	return &Device{transmit: transmit, log: logging.Get("hw.PN532")}
}

// command sends cmd with args and returns the response data following the
// response code.
func (d *Device) command(
	ctx context.Context, name string, cmd byte, args []byte, timeout time.Duration,
) ([]byte, error) {
	if d.transmit == nil {
		return nil, fmt.Errorf("%s: %w", name, hce.ErrNotOpen)
	}
	frame := make([]byte, 0, 2+len(args))
	frame = append(frame, hostToPn532, cmd)
	frame = append(frame, args...)

	d.log.Debug().Hex("cmd", frame).Msg("TX")
	res, err := d.transmit(ctx, frame, timeout)
	if err != nil {
		d.log.Debug().Err(err).Str("cmd", name).Msg("RX failed")
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	d.log.Debug().Hex("res", res).Msg("RX")

	if len(res) < 2 || res[0] != pn532ToHost || res[1] != cmd+1 {
		return nil, fmt.Errorf("%w: %s answered % X", hce.ErrInvalidResponse, name, res)
	}
	return res, nil
}

func checkLength(name string, res []byte, want int, exact bool) error {
	if (exact && len(res) != want) || len(res) < want {
		return fmt.Errorf("%w: %s response length %d", hce.ErrInvalidResponse, name, len(res))
	}
	return nil
}

// Diagnose is not supported.
func (*Device) Diagnose(context.Context) error {
	return fmt.Errorf("Diagnose: %w", hce.ErrCommandNotSupported)
}

// ReadGPIO is not supported.
func (*Device) ReadGPIO(context.Context) error {
	return fmt.Errorf("ReadGPIO: %w", hce.ErrCommandNotSupported)
}

// WriteGPIO is not supported.
func (*Device) WriteGPIO(context.Context) error {
	return fmt.Errorf("WriteGPIO: %w", hce.ErrCommandNotSupported)
}

// SetSerialBaudRate is not supported.
func (*Device) SetSerialBaudRate(context.Context) error {
	return fmt.Errorf("SetSerialBaudRate: %w", hce.ErrCommandNotSupported)
}

// GetFirmwareVersion reads the IC, version, revision and support bytes.
func (d *Device) GetFirmwareVersion(ctx context.Context) (FirmwareVersion, error) {
	var v FirmwareVersion
	res, err := d.command(ctx, "GetFirmwareVersion", cmdGetFirmwareVersion, nil, firmwareTimeout)
	if err != nil {
		return v, err
	}
	if err := checkLength("GetFirmwareVersion", res, 6, true); err != nil {
		return v, err
	}
	v.IC, v.Version, v.Revision, v.Support = res[2], res[3], res[4], res[5]
	return v, nil
}

// GetGeneralStatus reads the field, target and SAM status.
func (d *Device) GetGeneralStatus(ctx context.Context) (GeneralStatus, error) {
	var st GeneralStatus
	res, err := d.command(ctx, "GetGeneralStatus", cmdGetGeneralStatus, nil, statusTimeout)
	if err != nil {
		return st, err
	}
	if err := checkLength("GetGeneralStatus", res, 6, false); err != nil {
		return st, err
	}

	buf := hce.WrapBytes(res[2:])
	head, _ := buf.GetBytes(3)
	st.LastError, st.FieldPresent = head[0], head[1] != 0
	for range min(int(head[2]), 2) {
		tg, err := buf.GetBytes(4)
		if err != nil {
			return st, fmt.Errorf("%w: GetGeneralStatus target truncated", hce.ErrInvalidResponse)
		}
		st.Targets = append(st.Targets, TargetStatus{
			ID: tg[0], BitRateRx: tg[1], BitRateTx: tg[2], Modulation: tg[3],
		})
	}
	sam, err := buf.Get()
	if err != nil {
		return st, fmt.Errorf("%w: GetGeneralStatus SAM truncated", hce.ErrInvalidResponse)
	}
	st.SAM = sam
	return st, nil
}

// ReadRegister reads one register.
func (d *Device) ReadRegister(ctx context.Context, reg Register) (byte, error) {
	res, err := d.command(ctx, "ReadRegister", cmdReadRegister, []byte{byte(reg >> 8), byte(reg)}, 0)
	if err != nil {
		return 0, err
	}
	if err := checkLength("ReadRegister", res, 3, true); err != nil {
		return 0, err
	}
	d.log.Debug().Uint16("reg", uint16(reg)).Uint8("value", res[2]).Msg("read register")
	return res[2], nil
}

// WriteRegister writes one register.
func (d *Device) WriteRegister(ctx context.Context, reg Register, value byte) error {
	d.log.Debug().Uint16("reg", uint16(reg)).Uint8("value", value).Msg("write register")
	res, err := d.command(ctx, "WriteRegister", cmdWriteRegister, []byte{byte(reg >> 8), byte(reg), value}, 0)
	if err != nil {
		return err
	}
	return checkLength("WriteRegister", res, 2, true)
}

// SetParameters sets the chip parameter flags.
func (d *Device) SetParameters(ctx context.Context, flags byte) error {
	res, err := d.command(ctx, "SetParameters", cmdSetParameters, []byte{flags}, 0)
	if err != nil {
		return err
	}
	return checkLength("SetParameters", res, 2, true)
}

// SetSAMConfiguration selects the SAM mode.
func (d *Device) SetSAMConfiguration(ctx context.Context, mode SAMMode, timeout, irq byte) error {
	res, err := d.command(ctx, "SAMConfiguration", cmdSAMConfiguration, []byte{byte(mode), timeout, irq}, 0)
	if err != nil {
		return err
	}
	return checkLength("SAMConfiguration", res, 2, true)
}

// PowerDown puts the chip in power down mode.
func (d *Device) PowerDown(ctx context.Context, wakeUpEnable, triggerIRQ byte) error {
	res, err := d.command(ctx, "PowerDown", cmdPowerDown, []byte{wakeUpEnable, triggerIRQ}, 0)
	if err != nil {
		return err
	}
	// answered with or without a status byte depending on firmware
	if len(res) != 2 && len(res) != 3 {
		return fmt.Errorf("%w: PowerDown response length %d", hce.ErrInvalidResponse, len(res))
	}
	return nil
}

// TgInitAsTarget configures the chip as a target and waits up to timeout
// for an initiator. It returns the activation mode byte and the first
// command received from the initiator.
func (d *Device) TgInitAsTarget(
	ctx context.Context, init TargetInit, timeout time.Duration,
) (mode byte, initiator []byte, err error) {
	args, err := init.encode()
	if err != nil {
		return 0, nil, err
	}
	res, err := d.command(ctx, "TgInitAsTarget", cmdTgInitAsTarget, args, timeout)
	if err != nil {
		return 0, nil, err
	}
	if err := checkLength("TgInitAsTarget", res, 3, false); err != nil {
		return 0, nil, err
	}
	return res[2], append([]byte(nil), res[3:]...), nil
}

// TgResponseToInitiator sends data to the initiator and returns the status.
func (d *Device) TgResponseToInitiator(ctx context.Context, data []byte) (byte, error) {
	res, err := d.command(ctx, "TgResponseToInitiator", cmdTgResponseToInitiator, data, 0)
	if err != nil {
		return 0, err
	}
	if err := checkLength("TgResponseToInitiator", res, 3, false); err != nil {
		return 0, err
	}
	return res[2], nil
}

// TgGetData waits up to timeout for data from the initiator.
func (d *Device) TgGetData(ctx context.Context, timeout time.Duration) (status byte, data []byte, err error) {
	res, err := d.command(ctx, "TgGetData", cmdTgGetData, nil, timeout)
	if err != nil {
		return 0, nil, err
	}
	if err := checkLength("TgGetData", res, 3, false); err != nil {
		return 0, nil, err
	}
	return res[2], append([]byte(nil), res[3:]...), nil
}

// TgSetData sends a response to the initiator and returns the status.
func (d *Device) TgSetData(ctx context.Context, data []byte) (byte, error) {
	if len(data) > maxTargetData {
		return 0, fmt.Errorf("%w: %d byte TgSetData", hce.ErrDataTooLarge, len(data))
	}
	res, err := d.command(ctx, "TgSetData", cmdTgSetData, data, 0)
	if err != nil {
		return 0, err
	}
	if err := checkLength("TgSetData", res, 3, false); err != nil {
		return 0, err
	}
	return res[2], nil
}

// ConfigureEmulation sets the CIU up for ISO/IEC 14443-4 card emulation
// and enables automatic RATS handling.
func (d *Device) ConfigureEmulation(ctx context.Context) error {
	read := func(reg Register) (byte, error) { return d.ReadRegister(ctx, reg) }

	txControl, err := read(CIUTxControl)
	if err != nil {
		return err
	}
	txAuto, err := read(CIUTxAuto)
	if err != nil {
		return err
	}
	manualRCV, err := read(CIUManualRCV)
	if err != nil {
		return err
	}
	status2, err := read(CIUStatus2)
	if err != nil {
		return err
	}

	for _, w := range []struct {
		reg   Register
		value byte
	}{
		{CIUTxMode, txCRCEn},
		{CIURxMode, rxCRCEn},
		{CIUTxControl, txControl &^ (tx1RFEn | tx2RFEn)},
		{CIUTxAuto, txAuto | initialRFOn},
		{CIUManualRCV, manualRCV &^ parityDisable},
		{CIUStatus2, status2 &^ mfCrypto1On},
	} {
		if err := d.WriteRegister(ctx, w.reg, w.value); err != nil {
			return err
		}
	}
	return d.SetParameters(ctx, emulationParams)
}
