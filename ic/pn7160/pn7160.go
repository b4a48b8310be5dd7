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

// Package pn7160 is an NCI driver for the NXP PN7160 in card emulation and
// reader mode.
package pn7160

import (
	"context"
	"errors"
	"fmt"
	"time"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

// Status is the controller session state.
type Status int

const (
	StatusClosed    Status = 0
	StatusOpened    Status = 1
	StatusListening Status = 2
	StatusPolling   Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusOpened:
		return "opened"
	case StatusListening:
		return "listening"
	case StatusPolling:
		return "polling"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Datasheet timings, padded.
const (
	tWakeDWL = 5 * time.Millisecond
	tWakeVDD = 5 * time.Millisecond
	tWakeVEN = 5 * time.Millisecond
	tBoot    = 5 * time.Millisecond

	// DefaultTimeout bounds every control command.
	DefaultTimeout = 500 * time.Millisecond

	resetTimeout = time.Second
	irqPoll      = time.Millisecond
	traceSize    = 32
)

// NCI message types and opcodes.
const (
	mtData    = 0x00
	mtCmd     = 0x20
	mtRsp     = 0x40
	mtNtfCore = 0x60
	mtNtfRF   = 0x61

	opCoreReset     = 0x00
	opCoreInit      = 0x01
	opCoreSetConfig = 0x02
	opCoreGetConfig = 0x03
	opCoreCredits   = 0x06
	opRFDiscoverMap = 0x00
	opRFListenRoute = 0x01
	opRFDiscover    = 0x03
	opRFActivated   = 0x05
	opRFDeactivate  = 0x06
	opRFFieldInfo   = 0x07
	opPropPowerMode = 0x00

	gidCore = 0x00
	gidRF   = 0x01
	gidProp = 0x0F

	statusOK = 0x00
)

// RF discovery and routing values.
const (
	rfProtoISODep    = 0x04
	rfModePoll       = 0x01
	rfModeListen     = 0x02
	rfIfaceISODep    = 0x02
	rfTechA          = 0x00
	rfPollPassiveA   = 0x00
	rfListenPassiveA = 0x80
	routeTech        = 0x00
	routeProto       = 0x01
	powerModeFull    = 0x00
)

// NXP configuration applied on every open.
var (
	confCore = [][]byte{
		{0x00, 0x02, 0xFE, 0x01}, // TOTAL_DURATION
	}
	confCoreExt = [][]byte{
		{0xA0, 0x40, 0x01, 0x00}, // TAG_DETECTOR_CFG
		{0xA0, 0x95, 0x01, 0x00}, // T4T NFCEE off, host emulation
		{0xA0, 0x03, 0x01, 0x08}, // CLOCK_SEL_CFG, internal xtal
	}
	confTVDD = [][]byte{
		{0xA0, 0x0E, 0x0B, 0x11, 0x01, 0x01, 0x01, 0x00, 0x00, 0x00, 0x40, 0x00, 0xD0, 0x0C}, // PMU_CFG, external 5V
	}
	confRF = [][]byte{
		// OM27160 board
		{0xA0, 0x0D, 0x03, 0x78, 0x0D, 0x02},
		{0xA0, 0x0D, 0x03, 0x78, 0x14, 0x02},
		{0xA0, 0x0D, 0x06, 0x4C, 0x44, 0x65, 0x09, 0x00, 0x00},
		{0xA0, 0x0D, 0x06, 0x4C, 0x2D, 0x05, 0x35, 0x1E, 0x01},
		{0xA0, 0x0D, 0x06, 0x82, 0x4A, 0x55, 0x07, 0x00, 0x07},
		{0xA0, 0x0D, 0x06, 0x44, 0x44, 0x03, 0x04, 0xC4, 0x00},
		{0xA0, 0x0D, 0x06, 0x46, 0x30, 0x50, 0x00, 0x18, 0x00},
		{0xA0, 0x0D, 0x06, 0x48, 0x30, 0x50, 0x00, 0x18, 0x00},
		{0xA0, 0x0D, 0x06, 0x4A, 0x30, 0x50, 0x00, 0x08, 0x00},
		// DLMA off, LMA mode 1
		{0xA0, 0xAF, 0x0C, 0x03, 0xC0, 0x80, 0xA0, 0x00, 0x03, 0xC0, 0x80, 0xA0, 0x00, 0x00, 0x08},
		// CLOCK_CONFIG_DLL_ALM at 180 degrees
		{0xA0, 0x3A, 0x08, 0xB4, 0x00, 0xB4, 0x00, 0xB4, 0x00, 0xB4, 0x00},
		// card emulation
		{0xA0, 0x0D, 0x06, 0x08, 0x37, 0x28, 0x76, 0x00, 0x00}, // CLIF_TX_CONTROL_REG
		{0xA0, 0x0D, 0x06, 0x08, 0x42, 0x00, 0x02, 0xF9, 0xFF}, // CLIF_ANA_TX_AMPLITUDE_REG
		{0xA0, 0x0D, 0x06, 0x08, 0x44, 0x04, 0x04, 0xC4, 0x00}, // CLIF_ANA_RX_REG
		{0xA0, 0x0D, 0x06, 0xC2, 0x35, 0x00, 0x3E, 0x00, 0x03}, // CLIF_AGC_INPUT_REG
		{0xA0, 0x0D, 0x03, 0x24, 0x03, 0x7F},                   // CLIF_TRANSCEIVE_CONTROL_REG
	}
)

// Info collects what the controller reported during the last open.
type Info struct {
	Reset CoreResetInfo
	Init  CoreInitInfo
}

// Device is a PN7160 session. It is owned by one goroutine; Status and Info
// may be read from others.
type Device struct {
	dial       Dialer
	bus        Bus
	log        *logging.Logger
	trace      *hce.TraceBuffer
	status     *syncutil.Value[Status]
	info       *syncutil.Value[Info]
	activation *syncutil.Value[Activation]
	pending    [][]byte
	mu         syncutil.Mutex
}

// New creates a closed device that reaches the controller through dial.
func New(dial Dialer) *Device {
	return &Device{
		dial:       dial,
		log:        logging.Get("hw.PN7160"),
		trace:      hce.NewTraceBuffer("NCI", "PN7160", traceSize),
		status:     syncutil.NewValue(StatusClosed),
		info:       syncutil.NewValue(Info{}),
		activation: syncutil.NewValue(Activation{}),
	}
}

// Status returns the session state.
func (d *Device) Status() Status { return d.status.Load() }

// IsOpen reports whether Open succeeded and Close was not called since.
func (d *Device) IsOpen() bool { return d.status.Load() != StatusClosed }

// Info returns the controller details decoded during Open.
func (d *Device) Info() Info { return d.info.Load() }

// Activation returns the details of the last RF interface activation.
func (d *Device) Activation() Activation { return d.activation.Load() }

// Open resets the controller and loads the default configuration. On any
// failure the bus is closed and the device stays closed.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeLocked()

	bus, err := d.dial(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("open failed")
		return err
	}
	d.bus = bus

	if err := d.initialize(ctx); err != nil {
		d.log.Error().Err(err).Msg("initialization failed")
		d.closeLocked()
		return err
	}

	d.status.Store(StatusOpened)
	info := d.info.Load()
	d.log.Info().
		Str("nci", info.Reset.NCIVersionString()).
		Str("firmware", info.Reset.FirmwareString()).
		Msg("initialization successful")
	return nil
}

func (d *Device) initialize(ctx context.Context) error {
	// leave download mode, then pulse VEN to reset
	if err := d.bus.SetDWL(false); err != nil {
		return fmt.Errorf("set DWL: %w", err)
	}
	if !hce.SleepContext(ctx, tWakeDWL) {
		return ctx.Err()
	}
	for _, step := range []struct {
		wait time.Duration
		high bool
	}{{tWakeVDD, true}, {tWakeVEN, false}, {tBoot, true}} {
		if err := d.bus.SetVEN(step.high); err != nil {
			return fmt.Errorf("set VEN: %w", err)
		}
		if !hce.SleepContext(ctx, step.wait) {
			return ctx.Err()
		}
	}

	if err := d.coreReset(ctx, true); err != nil {
		return err
	}
	for _, conf := range []struct {
		name    string
		entries [][]byte
	}{
		{"CORE", confCore},
		{"CORE_EXT", confCoreExt},
		{"TVDD", confTVDD},
		{"RF", confRF},
	} {
		if err := d.setConfig(ctx, conf.entries); err != nil {
			return fmt.Errorf("set %s configuration: %w", conf.name, err)
		}
	}
	if err := d.coreReset(ctx, false); err != nil {
		return err
	}
	if _, err := d.control(ctx, gidProp, opPropPowerMode, []byte{powerModeFull}); err != nil {
		return fmt.Errorf("set power mode: %w", err)
	}
	return nil
}

// Close releases the bus. It is safe to call on a closed device.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeLocked()
}

func (d *Device) closeLocked() error {
	d.status.Store(StatusClosed)
	d.pending = nil
	if d.bus == nil {
		return nil
	}
	err := d.bus.Close()
	d.bus = nil
	return err
}

// CoreReset runs CORE_RESET and CORE_INIT. resetConfig discards the
// configuration the controller holds.
func (d *Device) CoreReset(ctx context.Context, resetConfig bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return hce.ErrNotOpen
	}
	return d.coreReset(ctx, resetConfig)
}

func (d *Device) coreReset(ctx context.Context, resetConfig bool) error {
	d.log.Info().Bool("keepConfig", !resetConfig).Msg("core reset")

	arg := byte(0)
	if resetConfig {
		arg = 1
	}
	if _, err := d.control(ctx, gidCore, opCoreReset, []byte{arg}); err != nil {
		return fmt.Errorf("CORE_RESET: %w", err)
	}

	ntf, err := d.recv(ctx, resetTimeout)
	if err != nil {
		return fmt.Errorf("CORE_RESET_NTF: %w", err)
	}
	reset, err := parseCoreReset(ntf[3:])
	if err != nil {
		return err
	}
	d.log.Debug().
		Bool("configReset", reset.ConfigReset).
		Str("nci", reset.NCIVersionString()).
		Uint8("manufacturer", reset.Manufacturer).
		Uint8("hardware", reset.HardwareVersion).
		Uint8("rom", reset.ROMVersion).
		Str("firmware", reset.FirmwareString()).
		Msg("CORE_RESET_NTF")

	rsp, err := d.control(ctx, gidCore, opCoreInit, []byte{0x00, 0x00})
	if err != nil {
		return fmt.Errorf("CORE_INIT: %w", err)
	}
	initInfo, err := parseCoreInit(rsp[3:])
	if err != nil {
		return err
	}
	d.log.Debug().
		Hex("features", initInfo.Features[:]).
		Uint8("connections", initInfo.LogicalConnections).
		Uint16("routing", initInfo.RoutingTableSize).
		Uint8("controlPayload", initInfo.MaxControlPayload).
		Uint8("dataPayload", initInfo.MaxDataPayload).
		Int("interfaces", len(initInfo.Interfaces)).
		Msg("CORE_INIT_RSP")

	d.info.Store(Info{Reset: reset, Init: initInfo})
	return nil
}

// StartDiscovery applies params and starts RF discovery in the given role.
// The status only changes once every step succeeded.
func (d *Device) StartDiscovery(ctx context.Context, params []hce.Parameter, mode hce.Discovery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return hce.ErrNotOpen
	}
	d.log.Info().Str("mode", mode.String()).Msg("start discovery")
	d.dropPending()

	if err := d.setParameters(ctx, params); err != nil {
		return fmt.Errorf("set parameters: %w", err)
	}

	if mode == hce.DiscoveryPoll {
		if _, err := d.control(ctx, gidRF, opRFDiscoverMap,
			[]byte{1, rfProtoISODep, rfModePoll, rfIfaceISODep}); err != nil {
			return fmt.Errorf("RF_DISCOVER_MAP: %w", err)
		}
		d.dropPending()
		if _, err := d.control(ctx, gidRF, opRFDiscover, []byte{1, rfPollPassiveA, 0x01}); err != nil {
			return fmt.Errorf("RF_DISCOVER: %w", err)
		}
		d.status.Store(StatusPolling)
		return nil
	}

	if _, err := d.control(ctx, gidRF, opRFDiscoverMap,
		[]byte{1, rfProtoISODep, rfModeListen, rfIfaceISODep}); err != nil {
		return fmt.Errorf("RF_DISCOVER_MAP: %w", err)
	}
	routing := []byte{
		0x00, 2, // last message, two entries
		routeProto, 3, 0x00, 0x01, rfProtoISODep,
		routeTech, 3, 0x00, 0x01, rfTechA,
	}
	if _, err := d.control(ctx, gidRF, opRFListenRoute, routing); err != nil {
		return fmt.Errorf("RF_SET_LISTEN_MODE_ROUTING: %w", err)
	}
	d.dropPending()
	if _, err := d.control(ctx, gidRF, opRFDiscover, []byte{1, rfListenPassiveA, 0x01}); err != nil {
		return fmt.Errorf("RF_DISCOVER: %w", err)
	}
	d.status.Store(StatusListening)
	return nil
}

// dropPending discards notifications of a previous discovery session. Events
// of the new session can only follow the RF_DISCOVER response.
func (d *Device) dropPending() {
	if len(d.pending) == 0 {
		return
	}
	d.log.Debug().Int("count", len(d.pending)).Msg("dropping stale notifications")
	d.pending = d.pending[:0]
}

// StopDiscovery deactivates RF and returns to Opened.
func (d *Device) StopDiscovery(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return hce.ErrNotOpen
	}
	d.log.Info().Msg("stop discovery")

	if _, err := d.control(ctx, gidRF, opRFDeactivate, []byte{0x00}); err != nil {
		return fmt.Errorf("RF_DEACTIVATE: %w", err)
	}
	d.status.Store(StatusOpened)
	return nil
}

// SetParameters sends params with CORE_SET_CONFIG.
func (d *Device) SetParameters(ctx context.Context, params []hce.Parameter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return hce.ErrNotOpen
	}
	return d.setParameters(ctx, params)
}

func (d *Device) setParameters(ctx context.Context, params []hce.Parameter) error {
	for _, p := range params {
		d.log.Debug().Str("param", p.String()).Msg("set parameter")
	}
	entries, err := EncodeParameters(params)
	if err != nil {
		return err
	}
	return d.setConfig(ctx, entries)
}

// GetParameters reads the values of params with CORE_GET_CONFIG. Values
// for known tags are replaced; tags the controller adds are appended.
func (d *Device) GetParameters(ctx context.Context, params []hce.Parameter) ([]hce.Parameter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return params, hce.ErrNotOpen
	}
	if len(params) == 0 {
		return params, nil
	}

	rsp, err := d.control(ctx, gidCore, opCoreGetConfig, encodeTags(params))
	if err != nil {
		return params, fmt.Errorf("CORE_GET_CONFIG: %w", err)
	}
	return mergeParameters(params, rsp[4:])
}

func (d *Device) setConfig(ctx context.Context, entries [][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	payload := []byte{byte(len(entries))}
	for _, e := range entries {
		payload = append(payload, e...)
	}
	_, err := d.control(ctx, gidCore, opCoreSetConfig, payload)
	return err
}

// WaitEvent waits up to timeout for the next controller message and
// classifies it. A timeout is reported as hce.EventTimeout without error.
func (d *Device) WaitEvent(ctx context.Context, timeout time.Duration) (hce.Event, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return hce.EventUnknown, nil, hce.ErrNotOpen
	}
	return d.waitEvent(ctx, timeout)
}

func (d *Device) waitEvent(ctx context.Context, timeout time.Duration) (hce.Event, []byte, error) {
	var msg []byte
	var err error
	if len(d.pending) > 0 {
		msg, d.pending = d.pending[0], d.pending[1:]
	} else {
		msg, err = d.recv(ctx, timeout)
	}
	if errors.Is(err, hce.ErrTransportTimeout) {
		return hce.EventTimeout, nil, nil
	}
	if err != nil {
		return hce.EventUnknown, nil, err
	}

	mt, op := msg[0]&0xEF, msg[1]&0x3F
	payload := msg[3:]

	switch {
	case mt == mtData:
		return hce.EventData, payload, nil

	case mt == mtNtfCore && op == opCoreCredits:
		if len(payload) > 0 {
			for i := 0; i < int(payload[0]) && 2+2*i < len(payload); i++ {
				d.log.Trace().
					Uint8("conn", payload[1+2*i]).
					Uint8("credits", payload[2+2*i]).
					Msg("CORE_CONN_CREDITS_NTF")
			}
		}
		return hce.EventCredits, payload, nil

	case mt == mtNtfRF && op == opRFActivated:
		a, err := parseActivation(payload)
		if err != nil {
			d.log.Warn().Err(err).Hex("payload", payload).Msg("malformed RF_INTF_ACTIVATED_NTF")
		} else {
			d.activation.Store(a)
			d.log.Debug().
				Uint8("interface", a.Interface).
				Uint8("protocol", a.Protocol).
				Uint8("mode", a.Mode).
				Uint8("credits", a.InitialCredits).
				Hex("tech", a.TechParams).
				Hex("params", a.ActivationParams).
				Msg("RF_INTF_ACTIVATED_NTF")
		}
		return hce.EventActivated, payload, nil

	case mt == mtNtfRF && op == opRFDeactivate:
		d.log.Debug().Hex("payload", payload).Msg("RF_DEACTIVATE_NTF")
		return hce.EventDeactivated, payload, nil

	case mt == mtNtfRF && op == opRFFieldInfo:
		on := len(payload) > 0 && payload[0] != 0
		d.log.Debug().Bool("on", on).Msg("RF_FIELD_INFO_NTF")
		return hce.EventFieldInfo, payload, nil

	default:
		d.log.Debug().Hex("msg", msg).Msg("unhandled message")
		return hce.EventUnknown, payload, nil
	}
}

// RecvData waits for the next data message, skipping notifications.
func (d *Device) RecvData(ctx context.Context, timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return nil, hce.ErrNotOpen
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, hce.NewTimeoutError("recvData", "PN7160")
		}
		ev, data, err := d.waitEvent(ctx, remaining)
		if err != nil {
			return nil, err
		}
		switch ev {
		case hce.EventData:
			return data, nil
		case hce.EventTimeout:
			return nil, hce.NewTimeoutError("recvData", "PN7160")
		}
	}
}

// SendData sends data on the static RF connection.
func (d *Device) SendData(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bus == nil {
		return hce.ErrNotOpen
	}
	if len(data) > 0xFF {
		return fmt.Errorf("%w: %d byte data message", hce.ErrDataTooLarge, len(data))
	}
	d.log.Debug().Hex("data", data).Msg("send data")

	msg := make([]byte, 0, 3+len(data))
	msg = append(msg, mtData, 0x00, byte(len(data)))
	msg = append(msg, data...)
	return d.send(ctx, msg)
}

// control sends a command and waits for its response. A non-zero status is
// returned as *hce.ProtocolError.
func (d *Device) control(ctx context.Context, gid, oid byte, payload []byte) ([]byte, error) {
	d.trace.Clear()

	cmd := make([]byte, 0, 3+len(payload))
	cmd = append(cmd, mtCmd|gid, oid, byte(len(payload)))
	cmd = append(cmd, payload...)
	if err := d.send(ctx, cmd); err != nil {
		return nil, d.trace.WrapError(err)
	}

	rsp, err := d.response(ctx)
	if err != nil {
		return nil, d.trace.WrapError(err)
	}
	if rsp[0] != mtRsp|gid || rsp[1]&0x3F != oid || len(rsp) < 4 {
		return nil, d.trace.WrapError(hce.NewTransportError("control", "PN7160",
			fmt.Errorf("%w: % X for command %02X %02X", hce.ErrInvalidResponse, rsp, cmd[0], oid),
			hce.ErrorTypePermanent))
	}
	if rsp[3] != statusOK {
		d.log.Error().Uint8("status", rsp[3]).Hex("cmd", cmd[:2]).Msg("control command rejected")
		return nil, hce.NewProtocolError(hce.ProtocolNCI, rsp[3], commandName(gid, oid), "")
	}
	return rsp, nil
}

// response returns the next control response. Notifications and data
// arriving first are kept for WaitEvent.
func (d *Device) response(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(DefaultTimeout)
	for {
		msg, err := d.recv(ctx, time.Until(deadline))
		if err != nil {
			return nil, err
		}
		if msg[0]&0xE0 == mtRsp {
			return msg, nil
		}
		d.pending = append(d.pending, msg)
	}
}

func (d *Device) send(ctx context.Context, msg []byte) error {
	d.log.Trace().Hex("msg", msg).Msg("TX")
	d.trace.RecordTX(msg, "")
	return d.bus.Write(ctx, msg)
}

// recv polls IRQ until a message is ready or timeout passes.
func (d *Device) recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		ready, err := d.bus.IRQ(ctx)
		if err != nil {
			return nil, err
		}
		if ready {
			msg, err := d.bus.Read(ctx)
			if err != nil {
				return nil, err
			}
			if len(msg) < 3 || len(msg) != 3+int(msg[2]) {
				return nil, hce.NewFrameCorruptedError("recv", "PN7160")
			}
			d.log.Trace().Hex("msg", msg).Msg("RX")
			d.trace.RecordRX(msg, "")
			return msg, nil
		}
		if time.Now().After(deadline) {
			d.trace.RecordTimeout("no message")
			return nil, hce.NewTimeoutError("recv", "PN7160")
		}
		if !hce.SleepContext(ctx, irqPoll) {
			return nil, ctx.Err()
		}
	}
}

func commandName(gid, oid byte) string {
	switch {
	case gid == gidCore && oid == opCoreReset:
		return "CORE_RESET"
	case gid == gidCore && oid == opCoreInit:
		return "CORE_INIT"
	case gid == gidCore && oid == opCoreSetConfig:
		return "CORE_SET_CONFIG"
	case gid == gidCore && oid == opCoreGetConfig:
		return "CORE_GET_CONFIG"
	case gid == gidRF && oid == opRFDiscoverMap:
		return "RF_DISCOVER_MAP"
	case gid == gidRF && oid == opRFListenRoute:
		return "RF_SET_LISTEN_MODE_ROUTING"
	case gid == gidRF && oid == opRFDiscover:
		return "RF_DISCOVER"
	case gid == gidRF && oid == opRFDeactivate:
		return "RF_DEACTIVATE"
	case gid == gidProp && oid == opPropPowerMode:
		return "CORE_SET_POWER_MODE"
	default:
		return fmt.Sprintf("%02X/%02X", gid, oid)
	}
}
