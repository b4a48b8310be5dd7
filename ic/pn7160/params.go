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

// NCI configuration parameter tags.
const (
	// common discovery
	ParamTotalDuration     uint16 = 0x00
	ParamConDiscoveryParam uint16 = 0x02
	ParamPowerState        uint16 = 0x03

	// poll NFC-A
	ParamPABailOut      uint16 = 0x08
	ParamPADevicesLimit uint16 = 0x09

	// poll NFC-B
	ParamPBAFI           uint16 = 0x10
	ParamPBBailOut       uint16 = 0x11
	ParamPBAttribParam1  uint16 = 0x12
	ParamPBSensBReqParam uint16 = 0x13
	ParamPBDevicesLimit  uint16 = 0x14

	// poll NFC-F
	ParamPFBitRate      uint16 = 0x18
	ParamPFBailOut      uint16 = 0x19
	ParamPFDevicesLimit uint16 = 0x1A

	// poll ISO-DEP
	ParamPIBHInfo  uint16 = 0x20
	ParamPIBitRate uint16 = 0x21

	// poll NFC-DEP
	ParamPNNfcDepPSL     uint16 = 0x28
	ParamPNAtrReqGenByte uint16 = 0x29
	ParamPNAtrReqConfig  uint16 = 0x2A

	ParamPVDevicesLimit uint16 = 0x2F

	// listen NFC-A
	ParamLABitFrameSDD    uint16 = 0x30
	ParamLAPlatformConfig uint16 = 0x31
	ParamLASelInfo        uint16 = 0x32
	ParamLANFCID1         uint16 = 0x33

	// listen NFC-B
	ParamLBSensBInfo       uint16 = 0x38
	ParamLBNFCID0          uint16 = 0x39
	ParamLBApplicationData uint16 = 0x3A
	ParamLBSFGI            uint16 = 0x3B
	ParamLBFWIADCFO        uint16 = 0x3C
	ParamLBBitRate         uint16 = 0x3E

	// listen T3T / NFC-F
	ParamLFT3TIdentifiers1 uint16 = 0x40
	ParamLFProtocolType    uint16 = 0x50
	ParamLFT3TMax          uint16 = 0x52
	ParamLFT3TFlags        uint16 = 0x53
	ParamLFT3TRdAllowed    uint16 = 0x55

	// listen ISO-DEP
	ParamLIARatsTB1   uint16 = 0x58
	ParamLIAHistBy    uint16 = 0x59
	ParamLIBHInfoResp uint16 = 0x5A
	ParamLIABitRate   uint16 = 0x5B
	ParamLIARatsTC1   uint16 = 0x5C

	// listen NFC-DEP
	ParamLNWT             uint16 = 0x60
	ParamLNAtrResGenBytes uint16 = 0x61
	ParamLNAtrResConfig   uint16 = 0x62

	ParamPACMBitRate uint16 = 0x68

	ParamRFFieldInfo   uint16 = 0x80
	ParamRFNfceeAction uint16 = 0x81
)

// extended reports whether tag is a two byte proprietary tag.
func extended(tag uint16) bool {
	return tag&0xA000 != 0
}

// EncodeParameters builds the CORE_SET_CONFIG TLV entries for params. An
// empty value is rejected since the controller would read it as a delete.
func EncodeParameters(params []hce.Parameter) ([][]byte, error) {
	entries := make([][]byte, 0, len(params))
	for _, p := range params {
		if len(p.Value) == 0 {
			return nil, fmt.Errorf("%w: empty parameter [%02X]", hce.ErrInvalidParameter, p.Tag)
		}
		if len(p.Value) > 0xFF {
			return nil, fmt.Errorf("%w: parameter [%02X] is %d bytes", hce.ErrDataTooLarge, p.Tag, len(p.Value))
		}
		var e []byte
		if extended(p.Tag) {
			e = append(e, byte(p.Tag>>8), byte(p.Tag))
		} else {
			e = append(e, byte(p.Tag))
		}
		e = append(e, byte(len(p.Value)))
		e = append(e, p.Value...)
		entries = append(entries, e)
	}
	return entries, nil
}

func encodeTags(params []hce.Parameter) []byte {
	out := []byte{byte(len(params))}
	for _, p := range params {
		if extended(p.Tag) {
			out = append(out, byte(p.Tag>>8), byte(p.Tag))
		} else {
			out = append(out, byte(p.Tag))
		}
	}
	return out
}

// mergeParameters decodes a CORE_GET_CONFIG response payload after the
// status byte. Known tags are updated in place, others are appended.
func mergeParameters(params []hce.Parameter, payload []byte) ([]hce.Parameter, error) {
	buf := hce.WrapBytes(payload)
	count, err := buf.Get()
	if err != nil {
		return params, fmt.Errorf("%w: empty GET_CONFIG response", hce.ErrInvalidResponse)
	}
	for range int(count) {
		t, err := buf.Get()
		if err != nil {
			return params, fmt.Errorf("%w: truncated GET_CONFIG response", hce.ErrInvalidResponse)
		}
		tag := uint16(t)
		if t&0xA0 == 0xA0 {
			lo, err := buf.Get()
			if err != nil {
				return params, fmt.Errorf("%w: truncated GET_CONFIG tag", hce.ErrInvalidResponse)
			}
			tag = tag<<8 | uint16(lo)
		}
		n, err := buf.Get()
		if err != nil {
			return params, fmt.Errorf("%w: truncated GET_CONFIG length", hce.ErrInvalidResponse)
		}
		value, err := buf.GetBytes(int(n))
		if err != nil {
			return params, fmt.Errorf("%w: truncated GET_CONFIG value", hce.ErrInvalidResponse)
		}

		found := false
		for i := range params {
			if params[i].Tag == tag {
				params[i].Value = value
				found = true
				break
			}
		}
		if !found {
			params = append(params, hce.Parameter{Tag: tag, Value: value})
		}
	}
	return params, nil
}
