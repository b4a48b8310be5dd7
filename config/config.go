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

// Package config loads the YAML configuration for the hce command.
package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ZaparooProject/go-hce/logging"
	"gopkg.in/yaml.v3"
)

// Device types.
const (
	DeviceACR    = "ACR"
	DeviceHSU    = "HSU"
	DevicePN7160 = "PN7160"
)

// PN7160 bus kinds.
const (
	BusSPI       = "spi"
	BusI2C       = "i2c"
	BusNativeSPI = "native-spi"
	BusNativeI2C = "native-i2c"
	BusKernel    = "kernel"
)

// Target types.
const (
	TargetT4T     = "t4t"
	TargetDesfire = "desfire"
)

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Device   DeviceConfig   `yaml:"device"`
	Target   TargetConfig   `yaml:"target"`
	Listener ListenerConfig `yaml:"listener"`
	Server   ServerConfig   `yaml:"server"`
}

type LogConfig struct {
	Levels  map[string]string `yaml:"levels"`
	Root    string            `yaml:"root"`
	Dir     string            `yaml:"dir"`
	Session bool              `yaml:"session"`
}

type DeviceConfig struct {
	Type string `yaml:"type"`
	Port string `yaml:"port"`
	Bus  string `yaml:"bus"`
	IRQ  string `yaml:"irq"`
	VEN  string `yaml:"ven"`
	DWL  string `yaml:"dwl"`
}

type TargetConfig struct {
	Keys    map[string]string `yaml:"keys"`
	Type    string            `yaml:"type"`
	UID     string            `yaml:"uid"`
	HB      string            `yaml:"hb"`
	KeyType string            `yaml:"key_type"`
	AID     string            `yaml:"aid"`
	ATQA    uint16            `yaml:"atqa"`
	SAK     uint8             `yaml:"sak"`
	TB1     uint8             `yaml:"tb1"`
	TC1     uint8             `yaml:"tc1"`
}

type ListenerConfig struct {
	Wait      time.Duration `yaml:"wait"`
	Reconnect time.Duration `yaml:"reconnect"`
	Workers   int           `yaml:"workers"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	Secret string `yaml:"secret"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Root: "warn",
			Levels: map[string]string{
				"app.*": "info",
			},
		},
		Device: DeviceConfig{
			Type: DevicePN7160,
			Bus:  BusSPI,
			IRQ:  "GPIO23",
			VEN:  "GPIO24",
			DWL:  "GPIO25",
		},
		Target: TargetConfig{
			Type:    TargetT4T,
			ATQA:    0x4403,
			SAK:     0x20,
			TB1:     0x81,
			TC1:     0x02,
			HB:      "80",
			KeyType: "aes",
		},
		Listener: ListenerConfig{
			Wait:      500 * time.Millisecond,
			Reconnect: time.Second,
			Workers:   2,
		},
	}
}

// Load reads path over Default and validates the result. Unknown keys are
// rejected.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path) //nolint:gosec // user supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(content)
}

// Parse decodes YAML content over Default and validates the result.
func Parse(content []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(content)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(content))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enumerations, hex fields and durations.
func (c *Config) Validate() error {
	switch strings.ToUpper(c.Device.Type) {
	case DeviceACR, DeviceHSU, DevicePN7160:
		c.Device.Type = strings.ToUpper(c.Device.Type)
	default:
		return fmt.Errorf("config.device.type %q must be ACR, HSU or PN7160", c.Device.Type)
	}
	if c.Device.Type == DevicePN7160 {
		switch c.Device.Bus {
		case BusSPI, BusI2C, BusNativeSPI, BusNativeI2C, BusKernel:
		default:
			return fmt.Errorf("config.device.bus %q is not a PN7160 bus", c.Device.Bus)
		}
	}

	switch strings.ToLower(c.Target.Type) {
	case TargetT4T, TargetDesfire:
		c.Target.Type = strings.ToLower(c.Target.Type)
	default:
		return fmt.Errorf("config.target.type %q must be t4t or desfire", c.Target.Type)
	}
	if c.Target.UID != "" {
		uid, err := hex.DecodeString(c.Target.UID)
		if err != nil {
			return fmt.Errorf("config.target.uid: %w", err)
		}
		if n := len(uid); n != 4 && n != 7 && n != 10 {
			return fmt.Errorf("config.target.uid must be 4, 7 or 10 bytes, got %d", n)
		}
	}
	if _, err := hex.DecodeString(c.Target.HB); err != nil {
		return fmt.Errorf("config.target.hb: %w", err)
	}
	if _, err := c.Target.KeyBytes(); err != nil {
		return err
	}
	if _, err := c.Target.AIDValue(); err != nil {
		return err
	}

	if c.Listener.Wait <= 0 {
		return fmt.Errorf("config.listener.wait must be positive")
	}
	if c.Listener.Reconnect <= 0 {
		return fmt.Errorf("config.listener.reconnect must be positive")
	}
	if c.Listener.Workers < 1 {
		return fmt.Errorf("config.listener.workers must be >= 1")
	}

	if _, err := logging.ParseLevel(c.Log.Root); err != nil {
		return fmt.Errorf("config.log.root: %w", err)
	}
	for expr, lvl := range c.Log.Levels {
		if _, err := logging.ParseLevel(lvl); err != nil {
			return fmt.Errorf("config.log.levels[%s]: %w", expr, err)
		}
	}
	return nil
}

// Key sizes by key_type.
var keySizes = map[string]int{"des": 8, "2k3des": 16, "3k3des": 24, "aes": 16}

// AIDValue decodes the application id. An empty aid selects the card level
// application.
func (t TargetConfig) AIDValue() (uint32, error) {
	if t.AID == "" {
		return 0, nil
	}
	aid, err := strconv.ParseUint(strings.TrimPrefix(t.AID, "0x"), 16, 24)
	if err != nil {
		return 0, fmt.Errorf("config.target.aid: %w", err)
	}
	return uint32(aid), nil
}

// KeyBytes decodes the key table. Key numbers are 0..13 and every key must
// have the length of key_type.
func (t TargetConfig) KeyBytes() (map[byte][]byte, error) {
	size, ok := keySizes[strings.ToLower(t.KeyType)]
	if !ok {
		return nil, fmt.Errorf("config.target.key_type %q must be des, 2k3des, 3k3des or aes", t.KeyType)
	}
	keys := make(map[byte][]byte, len(t.Keys))
	for no, value := range t.Keys {
		n, err := strconv.ParseUint(no, 0, 8)
		if err != nil || n > 13 {
			return nil, fmt.Errorf("config.target.keys: bad key number %q", no)
		}
		key, err := hex.DecodeString(value)
		if err != nil {
			return nil, fmt.Errorf("config.target.keys[%s]: %w", no, err)
		}
		if len(key) != size {
			return nil, fmt.Errorf("config.target.keys[%s]: %d bytes, %s keys are %d", no, len(key), t.KeyType, size)
		}
		keys[byte(n)] = key
	}
	return keys, nil
}

// Apply installs the log levels. The root level given on the command line
// takes precedence when verbose is set.
func (l LogConfig) Apply(verbose bool) error {
	root, err := logging.ParseLevel(l.Root)
	if err != nil {
		return err
	}
	if verbose && root > logging.DebugLevel {
		root = logging.DebugLevel
	}
	logging.SetRootLevel(root)
	for expr, s := range l.Levels {
		lvl, err := logging.ParseLevel(s)
		if err != nil {
			return err
		}
		if err := logging.SetLevel(expr, lvl); err != nil {
			return fmt.Errorf("config.log.levels[%s]: %w", expr, err)
		}
	}
	return nil
}
