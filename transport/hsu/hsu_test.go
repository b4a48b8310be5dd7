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

package hsu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hce "github.com/ZaparooProject/go-hce"
	simulator "github.com/ZaparooProject/go-hce/internal/testing"
)

func newSimTransport(t *testing.T) (*Transport, *simulator.VirtualPN532) {
	t.Helper()
	sim := simulator.NewVirtualPN532()
	tr, err := New(sim, "sim")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, sim
}

func TestTransmit_WakesChipOnFirstCommand(t *testing.T) {
	t.Parallel()

	tr, sim := newSimTransport(t)
	assert.Equal(t, PowerLow, tr.PowerMode())

	rsp, err := tr.Transmit(context.Background(), []byte{0xD4, 0x02}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x03, 0x32, 0x01, 0x06, 0x07}, rsp)
	assert.Equal(t, PowerNormal, tr.PowerMode())
	assert.Equal(t, 1, sim.WakeUps())

	_, err = tr.Transmit(context.Background(), []byte{0xD4, 0x14, 0x01}, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, sim.WakeUps(), "awake chip needs no preamble")
}

func TestTransmit_PowerDownNeedsWakeUp(t *testing.T) {
	t.Parallel()

	tr, sim := newSimTransport(t)
	ctx := context.Background()

	rsp, err := tr.Transmit(ctx, []byte{0xD4, 0x16, 0x10}, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x17, 0x00}, rsp)
	assert.Equal(t, PowerDown, tr.PowerMode())
	assert.Equal(t, simulator.PowerDown, sim.PowerMode())

	_, err = tr.Transmit(ctx, []byte{0xD4, 0x02}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, sim.WakeUps())
	assert.Zero(t, sim.Dropped())
}

func TestTransmit_TgInitAsTarget(t *testing.T) {
	t.Parallel()

	tr, sim := newSimTransport(t)
	ctx := context.Background()
	_, err := tr.Transmit(ctx, []byte{0xD4, 0x02}, 0)
	require.NoError(t, err)

	// nobody in the field: ACK then timeout, chip stays awake
	_, err = tr.Transmit(ctx, []byte{0xD4, 0x8C, 0x04}, 30*time.Millisecond)
	require.ErrorIs(t, err, hce.ErrTransportTimeout)
	assert.Equal(t, PowerNormal, tr.PowerMode())
	require.NotNil(t, hce.GetTrace(err))

	go func() {
		time.Sleep(20 * time.Millisecond)
		sim.Activate(0xE0, 0x80)
	}()
	rsp, err := tr.Transmit(ctx, []byte{0xD4, 0x8C, 0x04}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD5, 0x8D, 0x08, 0xE0, 0x80}, rsp)
}

func TestTransmit_ExtendedResponse(t *testing.T) {
	t.Parallel()

	tr, sim := newSimTransport(t)
	ctx := context.Background()
	sim.Activate()
	_, err := tr.Transmit(ctx, []byte{0xD4, 0x8C, 0x04}, 0)
	require.NoError(t, err)

	apdu := make([]byte, 258)
	for i := range apdu {
		apdu[i] = byte(i)
	}
	sim.QueueAPDU(apdu...)

	rsp, err := tr.Transmit(ctx, []byte{0xD4, 0x86}, 0)
	require.NoError(t, err)
	require.Len(t, rsp, 3+len(apdu))
	assert.Equal(t, []byte{0xD5, 0x87, 0x00}, rsp[:3])
	assert.Equal(t, apdu, rsp[3:])
}

func TestTransmit_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		setup func(*simulator.VirtualPN532)
		want  error
		name  string
	}{
		{
			name:  "checksum error",
			setup: (*simulator.VirtualPN532).InjectChecksumError,
			want:  hce.ErrFrameCorrupted,
		},
		{
			name:  "missing ACK",
			setup: (*simulator.VirtualPN532).DropNextACK,
			want:  hce.ErrNoACK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr, sim := newSimTransport(t)
			tt.setup(sim)
			_, err := tr.Transmit(context.Background(), []byte{0xD4, 0x02}, 0)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, hce.IsRetryable(err))

			// the link recovers on the next exchange
			_, err = tr.Transmit(context.Background(), []byte{0xD4, 0x02}, 0)
			require.NoError(t, err)
		})
	}
}

func TestTransmit_ErrorFrame(t *testing.T) {
	t.Parallel()

	tr, _ := newSimTransport(t)
	_, err := tr.Transmit(context.Background(), []byte{0xD4, 0x4A, 0x01, 0x00}, 0)
	require.ErrorIs(t, err, hce.ErrInvalidResponse)
}

func TestTransmit_FragmentedReads(t *testing.T) {
	t.Parallel()

	sim := simulator.NewVirtualPN532()
	tr, err := New(simulator.NewFragmentedPort(sim, simulator.FragmentConfig{Seed: 7}), "frag")
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	for range 5 {
		rsp, err := tr.Transmit(context.Background(), []byte{0xD4, 0x02}, 0)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xD5, 0x03, 0x32, 0x01, 0x06, 0x07}, rsp)
	}
}

func TestTransmit_ClosedAndCancelled(t *testing.T) {
	t.Parallel()

	tr, _ := newSimTransport(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Transmit(ctx, []byte{0xD4, 0x02}, 0)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	_, err = tr.Transmit(context.Background(), []byte{0xD4, 0x02}, 0)
	require.ErrorIs(t, err, hce.ErrTransportClosed)
	assert.Equal(t, hce.TransportHSU, tr.Type())
}
