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

// PN532 command codes
const (
	cmdDiagnose              = 0x00
	cmdGetFirmwareVersion    = 0x02
	cmdGetGeneralStatus      = 0x04
	cmdReadRegister          = 0x06
	cmdWriteRegister         = 0x08
	cmdReadGPIO              = 0x0C
	cmdWriteGPIO             = 0x0E
	cmdSetSerialBaudRate     = 0x10
	cmdSetParameters         = 0x12
	cmdSAMConfiguration      = 0x14
	cmdPowerDown             = 0x16
	cmdTgGetData             = 0x86
	cmdTgInitAsTarget        = 0x8C
	cmdTgSetData             = 0x8E
	cmdTgResponseToInitiator = 0x90
)

// Frame identifiers
const (
	hostToPn532 = 0xD4
	pn532ToHost = 0xD5
)

// Register is a CIU or SFR register address.
type Register uint16

// CIU registers
const (
	CIUMode          Register = 0x6301
	CIUTxMode        Register = 0x6302
	CIURxMode        Register = 0x6303
	CIUTxControl     Register = 0x6304
	CIUTxAuto        Register = 0x6305
	CIUTxSel         Register = 0x6306
	CIURxSel         Register = 0x6307
	CIURxThreshold   Register = 0x6308
	CIUDemod         Register = 0x6309
	CIUFelNFC1       Register = 0x630A
	CIUFelNFC2       Register = 0x630B
	CIUMifNFC        Register = 0x630C
	CIUManualRCV     Register = 0x630D
	CIUTypeB         Register = 0x630E
	CIUCRCResultMSB  Register = 0x6311
	CIUCRCResultLSB  Register = 0x6312
	CIUGsNOff        Register = 0x6313
	CIUModWidth      Register = 0x6314
	CIUTxBitPhase    Register = 0x6315
	CIURFCfg         Register = 0x6316
	CIUGsNOn         Register = 0x6317
	CIUCWGsP         Register = 0x6318
	CIUModGsP        Register = 0x6319
	CIUTMode         Register = 0x631A
	CIUTPrescaler    Register = 0x631B
	CIUTReloadValHi  Register = 0x631C
	CIUTReloadValLo  Register = 0x631D
	CIUTCounterValHi Register = 0x631E
	CIUTCounterValLo Register = 0x631F
	CIUTestSel1      Register = 0x6321
	CIUTestSel2      Register = 0x6322
	CIUTestPinEn     Register = 0x6323
	CIUTestPinValue  Register = 0x6324
	CIUTestBus       Register = 0x6325
	CIUAutoTest      Register = 0x6326
	CIUVersion       Register = 0x6327
	CIUAnalogTest    Register = 0x6328
	CIUTestDAC1      Register = 0x6329
	CIUTestDAC2      Register = 0x632A
	CIUTestADC       Register = 0x632B
	CIURFLevelDet    Register = 0x632F
	SICClk           Register = 0x6330
	CIUCommand       Register = 0x6331
	CIUCommIEn       Register = 0x6332
	CIUDivIEn        Register = 0x6333
	CIUCommIrq       Register = 0x6334
	CIUDivIrq        Register = 0x6335
	CIUError         Register = 0x6336
	CIUStatus1       Register = 0x6337
	CIUStatus2       Register = 0x6338
	CIUFIFOData      Register = 0x6339
	CIUFIFOLevel     Register = 0x633A
	CIUWaterLevel    Register = 0x633B
	CIUControl       Register = 0x633C
	CIUBitFraming    Register = 0x633D
	CIUColl          Register = 0x633E
)

// Register bits touched by ConfigureEmulation
const (
	txCRCEn       = 0x80
	rxCRCEn       = 0x80
	tx1RFEn       = 0x01
	tx2RFEn       = 0x02
	initialRFOn   = 0x04
	parityDisable = 0x10
	mfCrypto1On   = 0x08
)

// SetParameters flags
const (
	ParamNADUsed          = 0x01
	ParamDIDUsed          = 0x02
	ParamAutomaticATRRes  = 0x04
	ParamAutomaticRATS    = 0x10
	ParamISO14443_4PICC   = 0x20
	ParamRemovePrePostAmb = 0x40

	// emulationParams lets the chip answer RATS and ATR_REQ itself and
	// handle ISO-DEP framing.
	emulationParams = ParamISO14443_4PICC | ParamAutomaticRATS | ParamAutomaticATRRes
)

// SAMMode represents the SAM configuration mode
type SAMMode byte

const (
	// SAMModeNormal - normal mode (default)
	SAMModeNormal SAMMode = 0x01
	// SAMModeVirtualCard - Virtual Card mode
	SAMModeVirtualCard SAMMode = 0x02
	// SAMModeWiredCard - Wired Card mode
	SAMModeWiredCard SAMMode = 0x03
	// SAMModeDualCard - Dual Card mode
	SAMModeDualCard SAMMode = 0x04
)

// TgInitAsTarget modes
const (
	TargetPassiveOnly = 0x01
	TargetDEPOnly     = 0x02
	TargetPICCOnly    = 0x04
)
