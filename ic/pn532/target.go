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

package pn532

import (
	"fmt"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
)

const (
	feliCaParamsLen = 18
	nfcid3tLen      = 10
	maxTargetData   = 262
)

// TargetInit holds the TgInitAsTarget parameters. The chip prefixes the
// three NFCID1t bytes with 0x08, so an emulated UID is always a random
// 4-byte UID.
type TargetInit struct {
	GeneralBytes    []byte
	HistoricalBytes []byte
	FeliCa          [feliCaParamsLen]byte
	NFCID3t         [nfcid3tLen]byte
	SensRes         [2]byte
	NFCID1t         [3]byte
	Mode            byte
	SelRes          byte
}

// DefaultTargetInit returns a PICC-only setup answering ATQA 0004 and
// SAK 20.
func DefaultTargetInit() TargetInit {
	return TargetInit{
		Mode:    TargetPICCOnly,
		SensRes: [2]byte{0x04, 0x00},
		NFCID1t: [3]byte{0x12, 0x34, 0x56},
		SelRes:  0x20,
	}
}

// ApplyParameters maps NCI listen parameters onto the Mifare parameters of
// t. Parameters the chip has no equivalent for are skipped.
func (t *TargetInit) ApplyParameters(params []hce.Parameter) (skipped []uint16) {
	for _, p := range params {
		if len(p.Value) == 0 {
			skipped = append(skipped, p.Tag)
			continue
		}
		switch p.Tag {
		case pn7160.ParamLABitFrameSDD:
			t.SensRes[0] = p.Value[0]
		case pn7160.ParamLAPlatformConfig:
			t.SensRes[1] = p.Value[0]
		case pn7160.ParamLASelInfo:
			t.SelRes = p.Value[0]
		case pn7160.ParamLANFCID1:
			if len(p.Value) < 4 {
				skipped = append(skipped, p.Tag)
				continue
			}
			copy(t.NFCID1t[:], p.Value[1:4])
		case pn7160.ParamLIAHistBy:
			t.HistoricalBytes = append([]byte(nil), p.Value...)
		default:
			skipped = append(skipped, p.Tag)
		}
	}
	return skipped
}

func (t TargetInit) encode() ([]byte, error) {
	if len(t.GeneralBytes) > 47 {
		return nil, fmt.Errorf("%w: %d general bytes", hce.ErrDataTooLarge, len(t.GeneralBytes))
	}
	if len(t.HistoricalBytes) > 48 {
		return nil, fmt.Errorf("%w: %d historical bytes", hce.ErrDataTooLarge, len(t.HistoricalBytes))
	}

	out := make([]byte, 0, 1+6+feliCaParamsLen+nfcid3tLen+2+len(t.GeneralBytes)+len(t.HistoricalBytes))
	out = append(out, t.Mode)
	out = append(out, t.SensRes[:]...)
	out = append(out, t.NFCID1t[:]...)
	out = append(out, t.SelRes)
	out = append(out, t.FeliCa[:]...)
	out = append(out, t.NFCID3t[:]...)
	out = append(out, byte(len(t.GeneralBytes)))
	out = append(out, t.GeneralBytes...)
	out = append(out, byte(len(t.HistoricalBytes)))
	out = append(out, t.HistoricalBytes...)
	return out, nil
}
