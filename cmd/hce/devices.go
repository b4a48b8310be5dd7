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

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/ic/pn532"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
	"github.com/ZaparooProject/go-hce/listener"
	"github.com/ZaparooProject/go-hce/targets"
	"github.com/ZaparooProject/go-hce/transport/acr122"
	"github.com/ZaparooProject/go-hce/transport/hsu"
	"github.com/ZaparooProject/go-hce/transport/i2c"
	"github.com/ZaparooProject/go-hce/transport/kdev"
	"github.com/ZaparooProject/go-hce/transport/pcsc"
	"github.com/ZaparooProject/go-hce/transport/spi"
)

// newTransceiver maps the device section to a closed transceiver. Nothing is
// opened here; the listener dials on its first step.
func newTransceiver(dc config.DeviceConfig) (listener.Transceiver, error) {
	switch strings.ToUpper(dc.Type) {
	case config.DeviceACR:
		return pn532.NewEmulator(func(context.Context) (hce.Transport, error) {
			t, err := acr122.OpenEmulator(pcsc.New(), dc.Port)
			if err != nil {
				return nil, err
			}
			return t, nil
		}, pn532.DefaultTargetInit()), nil
	case config.DeviceHSU:
		if dc.Port == "" {
			return nil, fmt.Errorf("%w: HSU needs a serial port", hce.ErrInvalidConfig)
		}
		return pn532.NewEmulator(func(context.Context) (hce.Transport, error) {
			t, err := hsu.Open(dc.Port)
			if err != nil {
				return nil, err
			}
			return t, nil
		}, pn532.DefaultTargetInit()), nil
	case config.DevicePN7160:
		dial, err := pn7160Dialer(dc)
		if err != nil {
			return nil, err
		}
		return pn7160.New(dial), nil
	default:
		return nil, fmt.Errorf("%w: device %q", hce.ErrDeviceNotSupported, dc.Type)
	}
}

func pn7160Dialer(dc config.DeviceConfig) (pn7160.Dialer, error) {
	switch dc.Bus {
	case config.BusSPI:
		return pn7160.MPSSEDialer(pn7160.BusSPI), nil
	case config.BusI2C:
		return pn7160.MPSSEDialer(pn7160.BusI2C), nil
	case config.BusNativeSPI:
		return spi.Dialer(spi.Options{Port: dc.Port, IRQ: dc.IRQ, VEN: dc.VEN, DWL: dc.DWL}), nil
	case config.BusNativeI2C:
		return i2c.Dialer(i2c.Options{Bus: dc.Port, IRQ: dc.IRQ, VEN: dc.VEN, DWL: dc.DWL}), nil
	case config.BusKernel:
		return kdev.Dialer(dc.Port), nil
	default:
		return nil, fmt.Errorf("%w: PN7160 bus %q", hce.ErrInvalidConfig, dc.Bus)
	}
}

// newTargetFactory returns a factory building a fresh card with the
// configured identity on every start.
func newTargetFactory(tc config.TargetConfig) (listener.TargetFactory, error) {
	var build func() hce.Target
	switch tc.Type {
	case config.TargetT4T:
		build = func() hce.Target { return targets.NewT4T() }
	case config.TargetDesfire:
		opts, err := desfireOptions(tc)
		if err != nil {
			return nil, err
		}
		build = func() hce.Target { return targets.NewDesfire(opts...) }
	default:
		return nil, fmt.Errorf("%w: target %q", hce.ErrInvalidConfig, tc.Type)
	}

	params, err := identity(tc)
	if err != nil {
		return nil, err
	}
	return func() (hce.Target, error) {
		t := build()
		for _, p := range params {
			if err := t.Set(p.id, p.value); err != nil {
				return nil, err
			}
		}
		return t, nil
	}, nil
}

type identityParam struct {
	value hce.ParamValue
	id    hce.ParamID
}

func identity(tc config.TargetConfig) ([]identityParam, error) {
	params := []identityParam{
		{id: hce.ParamATQA, value: hce.Uint16(tc.ATQA)},
		{id: hce.ParamSAK, value: hce.Uint8(tc.SAK)},
		{id: hce.ParamRatsTB1, value: hce.Uint8(tc.TB1)},
		{id: hce.ParamRatsTC1, value: hce.Uint8(tc.TC1)},
	}
	hb, err := hex.DecodeString(tc.HB)
	if err != nil {
		return nil, fmt.Errorf("%w: hb: %w", hce.ErrInvalidConfig, err)
	}
	params = append(params, identityParam{id: hce.ParamRatsHB, value: hce.Bytes(hb)})
	if tc.UID != "" {
		uid, err := hex.DecodeString(tc.UID)
		if err != nil {
			return nil, fmt.Errorf("%w: uid: %w", hce.ErrInvalidConfig, err)
		}
		params = append(params, identityParam{id: hce.ParamUID, value: hce.Bytes(uid)})
	}
	return params, nil
}

// desfireOptions installs the configured keys in the configured
// application. Gaps in the key numbers get all-zero keys.
func desfireOptions(tc config.TargetConfig) ([]targets.Option, error) {
	raw, err := tc.KeyBytes()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	kt, err := targets.ParseKeyType(tc.KeyType)
	if err != nil {
		return nil, err
	}
	aid, err := tc.AIDValue()
	if err != nil {
		return nil, err
	}

	nos := make([]int, 0, len(raw))
	for no := range raw {
		nos = append(nos, int(no))
	}
	sort.Ints(nos)

	keys := make([]targets.Key, nos[len(nos)-1]+1)
	for i := range keys {
		value, ok := raw[byte(i)]
		if !ok {
			value = make([]byte, len(raw[byte(nos[0])]))
		}
		if keys[i], err = targets.NewKey(kt, value); err != nil {
			return nil, err
		}
	}
	return []targets.Option{targets.WithApplication(aid, 0x0F, keys...)}, nil
}

// reconnectConfig holds the retry at the configured reconnect delay.
func reconnectConfig(lc config.ListenerConfig) *hce.RetryConfig {
	rc := hce.ReconnectConfig()
	rc.InitialBackoff = lc.Reconnect
	rc.MaxBackoff = lc.Reconnect
	return rc
}
