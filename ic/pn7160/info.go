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

package pn7160

import (
	"fmt"

	hce "github.com/ZaparooProject/go-hce"
)

// CoreResetInfo is decoded from CORE_RESET_NTF.
type CoreResetInfo struct {
	Trigger         byte
	ConfigReset     bool
	NCIVersion      byte
	Manufacturer    byte
	HardwareVersion byte
	ROMVersion      byte
	FirmwareMajor   byte
	FirmwareMinor   byte
}

// NCIVersionString renders the NCI version byte as major.minor.
func (i CoreResetInfo) NCIVersionString() string {
	return fmt.Sprintf("%d.%d", i.NCIVersion>>4, i.NCIVersion&0x0F)
}

// FirmwareString renders the flash firmware version.
func (i CoreResetInfo) FirmwareString() string {
	return fmt.Sprintf("%d.%d", i.FirmwareMajor, i.FirmwareMinor)
}

func parseCoreReset(payload []byte) (CoreResetInfo, error) {
	var info CoreResetInfo
	if len(payload) < 5 {
		return info, fmt.Errorf("%w: CORE_RESET_NTF %d bytes", hce.ErrInvalidResponse, len(payload))
	}
	info.Trigger = payload[0]
	info.ConfigReset = payload[1] != 0
	info.NCIVersion = payload[2]
	info.Manufacturer = payload[3]
	if payload[4] == 4 && len(payload) >= 9 {
		info.HardwareVersion = payload[5]
		info.ROMVersion = payload[6]
		info.FirmwareMajor = payload[7]
		info.FirmwareMinor = payload[8]
	}
	return info, nil
}

// CoreInitInfo is decoded from CORE_INIT_RSP.
type CoreInitInfo struct {
	Interfaces         []uint16
	Features           [4]byte
	RoutingTableSize   uint16
	NFCVFrameSize      uint16
	LogicalConnections byte
	MaxControlPayload  byte
	MaxDataPayload     byte
	StaticHCICredits   byte
}

func parseCoreInit(payload []byte) (CoreInitInfo, error) {
	var info CoreInitInfo
	buf := hce.WrapBytes(payload)

	// status was checked by the caller
	if err := buf.Skip(1); err != nil {
		return info, err
	}
	features, err := buf.GetBytes(4)
	if err != nil {
		return info, fmt.Errorf("%w: CORE_INIT_RSP features", hce.ErrInvalidResponse)
	}
	copy(info.Features[:], features)

	var short bool
	next := func(width int) uint64 {
		v, err := buf.GetInt(width, hce.LittleEndian)
		if err != nil {
			short = true
		}
		return v
	}
	info.LogicalConnections = byte(next(1))
	info.RoutingTableSize = uint16(next(2))
	info.MaxControlPayload = byte(next(1))
	info.MaxDataPayload = byte(next(1))
	info.StaticHCICredits = byte(next(1))
	info.NFCVFrameSize = uint16(next(2))
	if short {
		return info, fmt.Errorf("%w: CORE_INIT_RSP truncated", hce.ErrInvalidResponse)
	}

	// the interface list is optional
	if n, err := buf.Get(); err == nil {
		for range int(n) {
			v, err := buf.GetInt(2, hce.BigEndian)
			if err != nil {
				break
			}
			info.Interfaces = append(info.Interfaces, uint16(v))
		}
	}
	return info, nil
}

// Activation is decoded from RF_INTF_ACTIVATED_NTF.
type Activation struct {
	TechParams       []byte
	ActivationParams []byte
	DiscoveryID      byte
	Interface        byte
	Protocol         byte
	Mode             byte
	MaxPayload       byte
	InitialCredits   byte
	ExchangeMode     byte
	TxBitRate        byte
	RxBitRate        byte
}

func parseActivation(payload []byte) (Activation, error) {
	var a Activation
	buf := hce.WrapBytes(payload)
	head, err := buf.GetBytes(6)
	if err != nil {
		return a, fmt.Errorf("%w: RF_INTF_ACTIVATED_NTF %d bytes", hce.ErrInvalidResponse, len(payload))
	}
	a.DiscoveryID, a.Interface, a.Protocol = head[0], head[1], head[2]
	a.Mode, a.MaxPayload, a.InitialCredits = head[3], head[4], head[5]

	if a.TechParams, err = lengthPrefixed(buf); err != nil {
		return a, err
	}
	tail, err := buf.GetBytes(3)
	if err != nil {
		return a, fmt.Errorf("%w: RF_INTF_ACTIVATED_NTF bit rates", hce.ErrInvalidResponse)
	}
	a.ExchangeMode, a.TxBitRate, a.RxBitRate = tail[0], tail[1], tail[2]
	if a.ActivationParams, err = lengthPrefixed(buf); err != nil {
		return a, err
	}
	return a, nil
}

func lengthPrefixed(buf *hce.ByteBuffer) ([]byte, error) {
	n, err := buf.Get()
	if err != nil {
		return nil, fmt.Errorf("%w: missing length", hce.ErrInvalidResponse)
	}
	v, err := buf.GetBytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("%w: %d byte field truncated", hce.ErrInvalidResponse, n)
	}
	return v, nil
}
