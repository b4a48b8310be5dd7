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

// Package targets holds the virtual cards served by the listener.
package targets

import (
	"time"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/logging"
)

// card is the identity store and request logging shared by all targets.
type card struct {
	log *logging.Logger
	hce.Identity
}

func newCard(name string) card {
	return card{Identity: hce.DefaultIdentity(), log: logging.Get(name)}
}

// Set updates an identity field and logs a rejected value.
func (c *card) Set(id hce.ParamID, v hce.ParamValue) error {
	if err := c.Identity.Set(id, v); err != nil {
		c.log.Error().Err(err).Stringer("param", id).Msg("parameter rejected")
		return err
	}
	c.log.Debug().Stringer("param", id).Stringer("value", v).Msg("parameter set")
	return nil
}

// serve runs handler over request and leaves response flipped.
func (c *card) serve(request, response *hce.ByteBuffer, handler func([]byte, *hce.ByteBuffer) error) error {
	req := request.Bytes()
	c.log.Debug().Hex("req", req).Msg(">>")

	start := time.Now()
	err := handler(req, response)
	elapsed := time.Since(start)
	response.Flip()

	if err != nil {
		c.log.Warn().Err(err).Hex("req", req).Msg("request failed")
		return err
	}
	c.log.Debug().Hex("res", response.Bytes()).Dur("took", elapsed).Msg("<<")
	return nil
}
