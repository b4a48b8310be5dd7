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

package listener_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
	"github.com/ZaparooProject/go-hce/listener"
)

type scripted struct {
	data  []byte
	err   error
	event hce.Event
}

// fakeTransceiver replays scripted events. An empty script times out
// after a millisecond.
type fakeTransceiver struct {
	startErr error
	sendErr  error
	openErrs []error
	events   []scripted
	params   []hce.Parameter
	sent     [][]byte
	opens    int
	closes   int
	stops    int
	mu       sync.Mutex
	open     bool
	mode     hce.Discovery
}

func (f *fakeTransceiver) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.openErrs) > 0 {
		err := f.openErrs[0]
		f.openErrs = f.openErrs[1:]
		if err != nil {
			return err
		}
	}
	f.open = true
	return nil
}

func (f *fakeTransceiver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.open = false
	return nil
}

func (f *fakeTransceiver) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransceiver) StartDiscovery(_ context.Context, params []hce.Parameter, mode hce.Discovery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return hce.ErrNotOpen
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.params = params
	f.mode = mode
	return nil
}

func (f *fakeTransceiver) StopDiscovery(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransceiver) WaitEvent(context.Context, time.Duration) (hce.Event, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		time.Sleep(time.Millisecond)
		return hce.EventTimeout, nil, nil
	}
	e := f.events[0]
	f.events = f.events[1:]
	return e.event, e.data, e.err
}

func (f *fakeTransceiver) SendData(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeTransceiver) script(events ...scripted) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
}

// echoTarget answers 90 00 and fails on requests starting with FF.
type echoTarget struct {
	hce.Identity
	selects   int
	deselects int
}

func newEchoTarget() *echoTarget {
	return &echoTarget{Identity: hce.Identity{
		UID:  []byte{0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
		HB:   []byte{0x80},
		ATQA: 0x4403,
		SAK:  0x20,
		TB1:  0x81,
		TC1:  0x02,
	}}
}

func (e *echoTarget) Select()   { e.selects++ }
func (e *echoTarget) Deselect() { e.deselects++ }

func (*echoTarget) Process(request, response *hce.ByteBuffer) error {
	if b, err := request.At(0); err == nil && b == 0xFF {
		return errors.New("rejected")
	}
	if err := response.Put(0x90, 0x00); err != nil {
		return err
	}
	response.Flip()
	return nil
}

func fastReconnect() *hce.RetryConfig {
	return &hce.RetryConfig{
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        time.Millisecond,
		BackoffMultiplier: 1,
	}
}

func newTask(dev *fakeTransceiver, target *echoTarget) *listener.Task {
	factory := func() (hce.Target, error) { return target, nil }
	return listener.New(dev, factory,
		listener.WithWait(5*time.Millisecond),
		listener.WithReconnect(fastReconnect()))
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		require.FailNow(t, "nothing received")
	}
	var zero T
	return zero
}

// startedTask opens the transceiver and resolves a start command.
func startedTask(t *testing.T, dev *fakeTransceiver, target *echoTarget) *listener.Task {
	t.Helper()
	task := newTask(dev, target)
	ctx := context.Background()
	require.Equal(t, listener.Continue, task.Step(ctx))
	require.Equal(t, listener.StatusIdle, task.Current())

	done := task.Submit(listener.CodeStart, "")
	require.Equal(t, listener.Continue, task.Step(ctx))
	out := receive(t, done)
	require.True(t, out.OK(), "%v", out.Err)
	require.Equal(t, listener.StatusListening, task.Current())
	return task
}

func TestTask_OpensAndReportsIdle(t *testing.T) {
	t.Parallel()

	task := newTask(&fakeTransceiver{}, newEchoTarget())
	status, cancel := task.Status()
	defer cancel()

	first := receive(t, status)
	assert.Equal(t, listener.StatusAbsent, first.Status)
	assert.JSONEq(t, `{"status":"absent"}`, string(first.Data))

	require.Equal(t, listener.Continue, task.Step(context.Background()))
	idle := receive(t, status)
	assert.Equal(t, listener.StatusIdle, idle.Status)
	assert.JSONEq(t, `{"status":"idle"}`, string(idle.Data))
}

func TestTask_ReconnectsAfterOpenFailure(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{openErrs: []error{hce.ErrDeviceNotFound, hce.ErrTransportTimeout}}
	task := newTask(dev, newEchoTarget())
	ctx := context.Background()

	assert.Equal(t, listener.Continue, task.Step(ctx))
	assert.Equal(t, listener.StatusAbsent, task.Current())
	assert.Equal(t, listener.Continue, task.Step(ctx))
	assert.Equal(t, listener.StatusAbsent, task.Current())
	assert.Equal(t, listener.Continue, task.Step(ctx))
	assert.Equal(t, listener.StatusIdle, task.Current())
	assert.Equal(t, 3, dev.opens)
}

func TestTask_UnusableTransceiverEndsWithError(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{openErrs: []error{hce.ErrDeviceNotSupported}}
	task := newTask(dev, newEchoTarget())

	assert.Equal(t, listener.Error, task.Step(context.Background()))
	assert.Equal(t, listener.StatusDisabled, task.Current())
	assert.Equal(t, listener.Stop, task.Step(context.Background()))
}

func TestTask_StartBuildsListenParameters(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{}
	startedTask(t, dev, newEchoTarget())

	want := []hce.Parameter{
		hce.NewParameter(pn7160.ParamLABitFrameSDD, 0x44),
		hce.NewParameter(pn7160.ParamLAPlatformConfig, 0x03),
		hce.NewParameter(pn7160.ParamLASelInfo, 0x20),
		hce.NewParameter(pn7160.ParamLANFCID1, 0x04, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66),
		hce.NewParameter(pn7160.ParamLIABitRate, 0x00),
		hce.NewParameter(pn7160.ParamLIARatsTB1, 0x81),
		hce.NewParameter(pn7160.ParamLIARatsTC1, 0x02),
		hce.NewParameter(pn7160.ParamLIAHistBy, 0x80),
		hce.NewParameter(pn7160.ParamRFFieldInfo, 0x00),
		hce.NewParameter(pn7160.ParamRFNfceeAction, 0x01),
	}
	assert.Equal(t, want, dev.params)
	assert.Equal(t, hce.DiscoveryListen, dev.mode)
}

func TestTask_StartFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		factory listener.TargetFactory
		dev     *fakeTransceiver
		name    string
		open    bool
	}{
		{
			name:    "discovery refused",
			dev:     &fakeTransceiver{startErr: hce.ErrCommandNotSupported},
			factory: func() (hce.Target, error) { return newEchoTarget(), nil },
			open:    true,
		},
		{
			name:    "factory error",
			dev:     &fakeTransceiver{},
			factory: func() (hce.Target, error) { return nil, errors.New("no keys") },
			open:    true,
		},
		{
			name:    "transceiver absent",
			dev:     &fakeTransceiver{openErrs: []error{hce.ErrDeviceNotFound}},
			factory: func() (hce.Target, error) { return newEchoTarget(), nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			task := listener.New(tt.dev, tt.factory,
				listener.WithWait(5*time.Millisecond),
				listener.WithReconnect(fastReconnect()))
			ctx := context.Background()
			require.Equal(t, listener.Continue, task.Step(ctx))

			done := task.Submit(listener.CodeStart, "")
			task.Step(ctx)
			out := receive(t, done)
			assert.False(t, out.OK())
			assert.Equal(t, listener.ReasonStartFailed, out.Reason)
			require.ErrorIs(t, out.Err, listener.ErrRejected)
			assert.NotEqual(t, listener.StatusListening, task.Current())
		})
	}
}

func TestTask_FrameOrder(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{}
	target := newEchoTarget()
	task := startedTask(t, dev, target)
	frames, cancel := task.Frames()
	defer cancel()

	dev.script(
		scripted{event: hce.EventActivated, data: []byte{0x08}},
		scripted{event: hce.EventData, data: []byte{0x00, 0xA4, 0x04, 0x00}},
		scripted{event: hce.EventDeactivated, data: []byte{0x00}},
	)
	ctx := context.Background()
	for range 3 {
		require.Equal(t, listener.Continue, task.Step(ctx))
	}

	want := []hce.FrameType{hce.FrameActivate, hce.FrameRequest, hce.FrameResponse, hce.FrameDeactivate}
	var got []hce.Frame
	for range want {
		got = append(got, receive(t, frames))
	}
	for i, f := range got {
		assert.Equal(t, want[i], f.Type, "frame %d", i)
		assert.Equal(t, hce.TechNfcA, f.Tech)
		if i > 0 {
			assert.GreaterOrEqual(t, f.Time, got[i-1].Time, "frame %d", i)
		}
	}
	assert.Equal(t, got[1].Time+1, got[2].Time)
	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00}, got[1].Data())
	assert.Equal(t, []byte{0x90, 0x00}, got[2].Data())
	assert.Equal(t, [][]byte{{0x90, 0x00}}, dev.sent)
	assert.Equal(t, 1, target.selects)
	assert.Equal(t, 1, target.deselects)
}

func TestTask_TargetFailurePublishesRequestOnly(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{}
	task := startedTask(t, dev, newEchoTarget())
	frames, cancel := task.Frames()
	defer cancel()

	dev.script(scripted{event: hce.EventData, data: []byte{0xFF, 0x01}})
	require.Equal(t, listener.Continue, task.Step(context.Background()))

	f := receive(t, frames)
	assert.Equal(t, hce.FrameRequest, f.Type)
	assert.Empty(t, frames)
	assert.Empty(t, dev.sent)
	assert.Equal(t, listener.StatusListening, task.Current())
}

func TestTask_ReleasedTargetKeepsListening(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{sendErr: hce.ErrTargetReleased}
	task := startedTask(t, dev, newEchoTarget())
	frames, cancel := task.Frames()
	defer cancel()

	dev.script(scripted{event: hce.EventData, data: []byte{0x00}})
	require.Equal(t, listener.Continue, task.Step(context.Background()))

	assert.Equal(t, hce.FrameRequest, receive(t, frames).Type)
	assert.Empty(t, frames)
	assert.Equal(t, listener.StatusListening, task.Current())
	assert.Zero(t, dev.closes)
}

func TestTask_TransportErrorReconnects(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{}
	task := startedTask(t, dev, newEchoTarget())
	ctx := context.Background()

	dev.script(scripted{err: hce.ErrTransportClosed})
	require.Equal(t, listener.Continue, task.Step(ctx))
	assert.Equal(t, listener.StatusAbsent, task.Current())
	assert.Equal(t, 1, dev.closes)

	require.Equal(t, listener.Continue, task.Step(ctx))
	assert.Equal(t, listener.StatusIdle, task.Current())
	assert.Equal(t, 2, dev.opens)
}

func TestTask_TransportFaults(t *testing.T) {
	t.Parallel()

	timeout := scripted{err: hce.NewTimeoutError("wait", "spi")}
	tests := []struct {
		sendErr    error
		name       string
		events     []scripted
		wantStatus listener.Status
		wantCloses int
	}{
		{
			name:       "closed transport reopens",
			events:     []scripted{{err: hce.ErrTransportClosed}},
			wantStatus: listener.StatusAbsent,
			wantCloses: 1,
		},
		{
			name: "permanent error reopens",
			events: []scripted{{
				err: hce.NewTransportError("wait", "spi", hce.ErrTransportRead, hce.ErrorTypePermanent),
			}},
			wantStatus: listener.StatusAbsent,
			wantCloses: 1,
		},
		{
			name: "traced fatal error reopens",
			events: []scripted{{err: &hce.TraceableError{
				Err:       hce.ErrDeviceNotFound,
				Transport: "hsu",
				Port:      "/dev/ttyUSB0",
				Trace:     []hce.TraceEntry{{Direction: hce.TraceTX, Data: []byte{0x00, 0x00, 0xFF}}},
			}}},
			wantStatus: listener.StatusAbsent,
			wantCloses: 1,
		},
		{
			name:       "single timeout keeps listening",
			events:     []scripted{timeout},
			wantStatus: listener.StatusListening,
		},
		{
			name:       "repeated timeouts reopen",
			events:     []scripted{timeout, timeout, timeout},
			wantStatus: listener.StatusAbsent,
			wantCloses: 1,
		},
		{
			name:       "event clears timeout count",
			events:     []scripted{timeout, timeout, {event: hce.EventTimeout}, timeout, timeout},
			wantStatus: listener.StatusListening,
		},
		{
			name:       "fatal send error reopens",
			sendErr:    hce.ErrNotOpen,
			events:     []scripted{{event: hce.EventData, data: []byte{0x00}}},
			wantStatus: listener.StatusAbsent,
			wantCloses: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dev := &fakeTransceiver{sendErr: tt.sendErr}
			task := startedTask(t, dev, newEchoTarget())
			dev.script(tt.events...)
			for range tt.events {
				require.Equal(t, listener.Continue, task.Step(context.Background()))
			}

			assert.Equal(t, tt.wantStatus, task.Current())
			assert.Equal(t, tt.wantCloses, dev.closes)
		})
	}
}

func TestTask_Stop(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{}
	task := startedTask(t, dev, newEchoTarget())

	done := task.Submit(listener.CodeStop, "")
	require.Equal(t, listener.Continue, task.Step(context.Background()))
	assert.True(t, receive(t, done).OK())
	assert.Equal(t, listener.StatusIdle, task.Current())
	assert.Equal(t, 1, dev.stops)
}

func TestTask_Configure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		data   string
		reason listener.Reason
	}{
		{name: "empty object", data: `{}`},
		{name: "identity", data: `{"uid":"04A1B2C3","atqa":68,"sak":32,"hb":"8077"}`},
		{name: "unknown keys ignored", data: `{"mode":"fast"}`},
		{name: "malformed", data: `{"uid":`, reason: listener.ReasonInvalidConfig},
		{name: "not json", data: ``, reason: listener.ReasonInvalidConfig},
		{name: "bad hex", data: `{"uid":"zz"}`, reason: listener.ReasonInvalidConfig},
		{name: "bad uid length", data: `{"uid":"0102"}`, reason: listener.ReasonInvalidConfig},
		{name: "sak overflow", data: `{"sak":300}`, reason: listener.ReasonInvalidConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			task := newTask(&fakeTransceiver{}, newEchoTarget())
			status, cancel := task.Status()
			defer cancel()
			receive(t, status)

			done := task.Submit(listener.CodeConfigure, tt.data)
			task.Step(context.Background())
			out := receive(t, done)
			assert.Equal(t, tt.reason, out.Reason)
			if tt.reason == listener.ReasonNone {
				require.NoError(t, out.Err)
				assert.Equal(t, listener.StatusAbsent, receive(t, status).Status)
			} else {
				require.Error(t, out.Err)
			}
		})
	}
}

func TestTask_ConfigureAppliesOnStart(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{}
	target := newEchoTarget()
	task := newTask(dev, target)
	ctx := context.Background()

	configured := task.Submit(listener.CodeConfigure, `{"uid":"04A1B2C3","sak":96}`)
	require.Equal(t, listener.Continue, task.Step(ctx))
	require.True(t, receive(t, configured).OK())

	started := task.Submit(listener.CodeStart, "")
	require.Equal(t, listener.Continue, task.Step(ctx))
	require.True(t, receive(t, started).OK())

	assert.Equal(t, []byte{0x04, 0xA1, 0xB2, 0xC3}, target.UID)
	assert.Equal(t, uint8(0x60), target.SAK)
	assert.Equal(t, hce.NewParameter(pn7160.ParamLASelInfo, 0x60), dev.params[2])
	assert.Equal(t, hce.NewParameter(pn7160.ParamLANFCID1, 0x04, 0xA1, 0xB2, 0xC3), dev.params[3])
}

func TestTask_UnknownCommand(t *testing.T) {
	t.Parallel()

	task := newTask(&fakeTransceiver{}, newEchoTarget())
	done := task.Submit("reboot", "")
	task.Step(context.Background())

	out := receive(t, done)
	assert.Equal(t, listener.ReasonUnknownCommand, out.Reason)
}

func TestTask_QueueFull(t *testing.T) {
	t.Parallel()

	task := listener.New(&fakeTransceiver{}, nil, listener.WithQueueSize(1))
	first := task.Submit(listener.CodeStop, "")
	second := task.Submit(listener.CodeStop, "")

	out := receive(t, second)
	assert.Equal(t, listener.ReasonBusy, out.Reason)
	require.ErrorIs(t, out.Err, listener.ErrQueueFull)
	assert.Empty(t, first)
}

func TestTask_CancelShutsDown(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{}
	task := startedTask(t, dev, newEchoTarget())
	pending := task.Submit(listener.CodeStop, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, listener.Stop, task.Step(ctx))

	out := receive(t, pending)
	assert.Equal(t, listener.ReasonStopped, out.Reason)
	assert.Equal(t, listener.StatusDisabled, task.Current())
	assert.False(t, dev.IsOpen())
	assert.Equal(t, 1, dev.stops)
	assert.Equal(t, listener.Stop, task.Step(context.Background()))
}

func TestTask_RunsOnExecutor(t *testing.T) {
	t.Parallel()

	dev := &fakeTransceiver{}
	task := newTask(dev, newEchoTarget())
	status, cancel := task.Status()
	defer cancel()

	exec := listener.NewExecutor(1)
	done := exec.Submit(task)

	for receive(t, status).Status != listener.StatusIdle {
	}
	started := task.Submit(listener.CodeStart, "")
	require.True(t, receive(t, started).OK())

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	require.NoError(t, exec.Shutdown(ctx))
	require.NoError(t, receive(t, done))
	assert.Equal(t, listener.StatusDisabled, task.Current())
}
