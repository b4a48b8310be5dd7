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

package hce

import (
	"encoding/hex"
	"fmt"
)

// Parameter is a tagged configuration value for a transceiver register or a
// target identity field. Lists of parameters are sent in slice order.
type Parameter struct {
	Value []byte
	Tag   uint16
}

// NewParameter builds a parameter over a copy of value.
func NewParameter(tag uint16, value ...byte) Parameter {
	v := make([]byte, len(value))
	copy(v, value)
	return Parameter{Tag: tag, Value: v}
}

func (p Parameter) String() string {
	return fmt.Sprintf("[%02X]: %s", p.Tag, hex.EncodeToString(p.Value))
}
