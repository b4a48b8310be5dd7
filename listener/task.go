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

package listener

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/ic/pn7160"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/logging"
)

const (
	// DefaultWait bounds each WaitEvent call while listening.
	DefaultWait = 500 * time.Millisecond
	// DefaultQueueSize is the command queue capacity.
	DefaultQueueSize = 16

	// MaxTransientFaults is how many consecutive recoverable transport
	// errors are tolerated before the transceiver is reopened.
	MaxTransientFaults = 3

	responseCapacity = 1024
	shutdownTimeout  = time.Second
)

// Result tells the runner what to do after a Step.
type Result int

const (
	Continue Result = iota
	Stop
	Error
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Option configures a Task.
type Option func(*Task)

// WithWait sets the WaitEvent timeout used while listening.
func WithWait(d time.Duration) Option {
	return func(t *Task) {
		if d > 0 {
			t.wait = d
		}
	}
}

// WithReconnect sets the backoff used while the transceiver is absent.
func WithReconnect(cfg *hce.RetryConfig) Option {
	return func(t *Task) { t.backoff = hce.NewBackoff(cfg) }
}

// WithQueueSize sets the command queue capacity.
func WithQueueSize(n int) Option {
	return func(t *Task) {
		if n > 0 {
			t.commands = make(chan *Command, n)
		}
	}
}

// WithStreamBuffer sets the per subscriber buffer of both streams.
func WithStreamBuffer(n int) Option {
	return func(t *Task) {
		t.status = NewStream[StatusEvent](n)
		t.frames = NewStream[hce.Frame](n)
	}
}

type override struct {
	value hce.ParamValue
	id    hce.ParamID
}

// Task runs the card emulation loop. Step must be called from a single
// goroutine, which owns the transceiver. Submit, Status and Frames are safe
// for concurrent use.
type Task struct {
	dev       Transceiver
	target    hce.Target
	log       *logging.Logger
	factory   TargetFactory
	commands  chan *Command
	status    *Stream[StatusEvent]
	frames    *Stream[hce.Frame]
	state     *syncutil.Value[Status]
	backoff   *hce.Backoff
	response  *hce.ByteBuffer
	session   string
	overrides []override
	wait      time.Duration
	faults    int
	stopped   bool
}

// New creates a listener task. It starts Absent until the first Step opens
// the transceiver.
func New(dev Transceiver, factory TargetFactory, opts ...Option) *Task {
	t := &Task{
		dev:      dev,
		factory:  factory,
		log:      logging.Get("worker.TargetListener"),
		commands: make(chan *Command, DefaultQueueSize),
		status:   NewStream[StatusEvent](DefaultStreamBuffer),
		frames:   NewStream[hce.Frame](DefaultStreamBuffer),
		state:    syncutil.NewValue(StatusAbsent),
		backoff:  hce.NewBackoff(hce.ReconnectConfig()),
		response: hce.NewByteBuffer(responseCapacity),
		wait:     DefaultWait,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit queues a command. The returned channel yields the outcome once.
func (t *Task) Submit(code Code, data string) <-chan Outcome {
	cmd := NewCommand(code, data)
	select {
	case t.commands <- cmd:
	default:
		cmd.Reject(ReasonBusy, ErrQueueFull)
	}
	return cmd.Done()
}

// Status subscribes to status changes. The current status is delivered first.
func (t *Task) Status() (<-chan StatusEvent, func()) {
	return t.status.Subscribe(newStatusEvent(t.state.Load()))
}

// Frames subscribes to the frame stream.
func (t *Task) Frames() (<-chan hce.Frame, func()) {
	return t.frames.Subscribe()
}

// Current returns the current status.
func (t *Task) Current() Status { return t.state.Load() }

// Step runs one iteration of the loop.
func (t *Task) Step(ctx context.Context) Result {
	if t.stopped {
		return Stop
	}
	if ctx.Err() != nil {
		t.shutdown()
		return Stop
	}

	select {
	case cmd := <-t.commands:
		t.handle(ctx, cmd)
	default:
	}

	if t.dev.IsOpen() {
		return t.process(ctx)
	}
	return t.refresh(ctx)
}

func (t *Task) refresh(ctx context.Context) Result {
	err := t.dev.Open(ctx)
	if err == nil {
		t.backoff.Reset()
		t.log.Info().Msg("transceiver opened")
		t.setStatus(StatusIdle)
		return Continue
	}
	if ctx.Err() != nil {
		t.shutdown()
		return Stop
	}
	if errors.Is(err, hce.ErrDeviceNotSupported) || errors.Is(err, hce.ErrInvalidConfig) {
		t.log.Error().Err(err).Msg("transceiver cannot be used")
		t.shutdown()
		return Error
	}

	t.setStatus(StatusAbsent)
	delay := t.backoff.Next()
	t.log.Warn().Err(err).Dur("retry", delay).Msg("transceiver not available")
	if !hce.SleepContext(ctx, delay) {
		t.shutdown()
		return Stop
	}
	return Continue
}

func (t *Task) process(ctx context.Context) Result {
	if t.state.Load() != StatusListening {
		return t.idle(ctx)
	}

	event, data, err := t.dev.WaitEvent(ctx, t.wait)
	if err != nil {
		if ctx.Err() != nil {
			t.shutdown()
			return Stop
		}
		t.fault(err)
		return Continue
	}
	t.faults = 0

	switch event {
	case hce.EventTimeout:
	case hce.EventData:
		t.exchange(ctx, data)
	case hce.EventActivated:
		t.session = uuid.NewString()
		t.log.Info().Str("session", t.session).Hex("activation", data).Msg("target activated")
		t.target.Select()
		t.frames.Publish(hce.NewFrame(hce.TechNfcA, hce.FrameActivate, data, hce.NowMillis()))
	case hce.EventDeactivated:
		t.log.Info().Str("session", t.session).Hex("reason", data).Msg("target deactivated")
		t.target.Deselect()
		t.session = ""
		t.frames.Publish(hce.NewFrame(hce.TechNfcA, hce.FrameDeactivate, data, hce.NowMillis()))
	default:
		t.log.Debug().Stringer("event", event).Hex("data", data).Msg("event ignored")
	}
	return Continue
}

// idle waits for the next command while nothing is listening.
func (t *Task) idle(ctx context.Context) Result {
	timer := time.NewTimer(t.wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		t.shutdown()
		return Stop
	case cmd := <-t.commands:
		t.handle(ctx, cmd)
	case <-timer.C:
	}
	return Continue
}

func (t *Task) exchange(ctx context.Context, data []byte) {
	now := hce.NowMillis()
	request := hce.NewFrame(hce.TechNfcA, hce.FrameRequest, data, now)

	t.response.Clear()
	if err := t.target.Process(hce.WrapBytes(data), t.response); err != nil {
		t.log.Error().Err(err).Hex("request", data).Msg("target failed to process request")
		t.frames.Publish(request)
		return
	}

	reply := append([]byte(nil), t.response.Bytes()...)
	if err := t.dev.SendData(ctx, reply); err != nil {
		t.frames.Publish(request)
		if errors.Is(err, hce.ErrTargetReleased) {
			t.log.Warn().Err(err).Msg("response dropped")
			return
		}
		t.fault(err)
		return
	}

	t.frames.Publish(request)
	t.frames.Publish(hce.NewFrame(hce.TechNfcA, hce.FrameResponse, reply, now+1))
}

// lost closes a failed transceiver so the next Step reopens it.
// fault reopens the transceiver on a fatal error, or once recoverable errors
// have repeated MaxTransientFaults times in a row.
func (t *Task) fault(err error) {
	if trace := hce.GetTrace(err); trace != nil {
		t.log.Debug().Str("trace", trace.FormatTrace()).Msg("failed exchange")
	}
	t.faults++
	if !hce.IsFatal(err) && t.faults < MaxTransientFaults {
		t.log.Warn().Err(err).Int("faults", t.faults).Msg("transport error")
		return
	}
	t.lost(err)
}

func (t *Task) lost(err error) {
	t.faults = 0
	t.log.Error().Err(err).Bool("fatal", hce.IsFatal(err)).Msg("transceiver failure, reconnecting")
	if cerr := t.dev.Close(); cerr != nil {
		t.log.Debug().Err(cerr).Msg("close after failure")
	}
	if t.target != nil && t.session != "" {
		t.target.Deselect()
	}
	t.session = ""
	t.setStatus(StatusAbsent)
}

func (t *Task) handle(ctx context.Context, cmd *Command) {
	t.log.Debug().Str("code", string(cmd.Code)).Str("data", cmd.Data).Msg("command")
	switch cmd.Code {
	case CodeStart:
		t.start(ctx, cmd)
	case CodeStop:
		t.stop(ctx, cmd)
	case CodeConfigure:
		t.configure(cmd)
	default:
		cmd.Reject(ReasonUnknownCommand, fmt.Errorf("unknown command %q", cmd.Code))
	}
}

func (t *Task) start(ctx context.Context, cmd *Command) {
	if t.factory == nil {
		cmd.Reject(ReasonStartFailed, errors.New("no target factory"))
		return
	}
	target, err := t.factory()
	if err != nil {
		cmd.Reject(ReasonStartFailed, err)
		return
	}
	for _, o := range t.overrides {
		if err := target.Set(o.id, o.value); err != nil {
			cmd.Reject(ReasonStartFailed, err)
			return
		}
	}
	params, err := DiscoveryParameters(target)
	if err != nil {
		cmd.Reject(ReasonStartFailed, err)
		return
	}

	if t.state.Load() == StatusListening {
		if err := t.dev.StopDiscovery(ctx); err != nil {
			t.log.Debug().Err(err).Msg("stop before restart")
		}
	}
	if err := t.dev.StartDiscovery(ctx, params, hce.DiscoveryListen); err != nil {
		t.log.Error().Err(err).Msg("start discovery failed")
		cmd.Reject(ReasonStartFailed, err)
		return
	}

	t.target = target
	t.session = ""
	t.setStatus(StatusListening)
	cmd.Resolve()
}

func (t *Task) stop(ctx context.Context, cmd *Command) {
	if t.dev.IsOpen() {
		if err := t.dev.StopDiscovery(ctx); err != nil {
			t.log.Warn().Err(err).Msg("stop discovery failed")
		}
		if t.target != nil && t.session != "" {
			t.target.Deselect()
		}
		t.session = ""
		t.setStatus(StatusIdle)
	}
	cmd.Resolve()
}

type identityConfig struct {
	UID  *string `json:"uid"`
	HB   *string `json:"hb"`
	ATQA *uint16 `json:"atqa"`
	SAK  *uint8  `json:"sak"`
	TB1  *uint8  `json:"tb1"`
	TC1  *uint8  `json:"tc1"`
}

func (c *identityConfig) overrides() ([]override, error) {
	var out []override
	if c.UID != nil {
		uid, err := hex.DecodeString(*c.UID)
		if err != nil {
			return nil, fmt.Errorf("%w: uid: %w", hce.ErrInvalidConfig, err)
		}
		if err := hce.ValidateUID(uid); err != nil {
			return nil, err
		}
		out = append(out, override{id: hce.ParamUID, value: hce.Bytes(uid)})
	}
	if c.ATQA != nil {
		out = append(out, override{id: hce.ParamATQA, value: hce.Uint16(*c.ATQA)})
	}
	if c.SAK != nil {
		out = append(out, override{id: hce.ParamSAK, value: hce.Uint8(*c.SAK)})
	}
	if c.TB1 != nil {
		out = append(out, override{id: hce.ParamRatsTB1, value: hce.Uint8(*c.TB1)})
	}
	if c.TC1 != nil {
		out = append(out, override{id: hce.ParamRatsTC1, value: hce.Uint8(*c.TC1)})
	}
	if c.HB != nil {
		hb, err := hex.DecodeString(*c.HB)
		if err != nil {
			return nil, fmt.Errorf("%w: hb: %w", hce.ErrInvalidConfig, err)
		}
		out = append(out, override{id: hce.ParamRatsHB, value: hce.Bytes(hb)})
	}
	return out, nil
}

// configure applies identity overrides. They take effect on the next Start.
func (t *Task) configure(cmd *Command) {
	var cfg identityConfig
	if err := json.Unmarshal([]byte(cmd.Data), &cfg); err != nil {
		cmd.Reject(ReasonInvalidConfig, fmt.Errorf("%w: %w", hce.ErrInvalidConfig, err))
		return
	}
	list, err := cfg.overrides()
	if err != nil {
		cmd.Reject(ReasonInvalidConfig, err)
		return
	}
	for _, o := range list {
		if t.target != nil {
			if err := t.target.Set(o.id, o.value); err != nil {
				cmd.Reject(ReasonInvalidConfig, err)
				return
			}
		}
		t.setOverride(o)
	}
	cmd.Resolve()
	t.setStatus(t.state.Load())
}

func (t *Task) setOverride(o override) {
	for i := range t.overrides {
		if t.overrides[i].id == o.id {
			t.overrides[i] = o
			return
		}
	}
	t.overrides = append(t.overrides, o)
}

func (t *Task) setStatus(s Status) {
	if prev := t.state.Swap(s); prev != s {
		t.log.Info().Stringer("from", prev).Stringer("to", s).Msg("status")
	}
	t.status.Publish(newStatusEvent(s))
}

// shutdown leaves the transceiver closed and settles queued commands.
func (t *Task) shutdown() {
	if t.stopped {
		return
	}
	t.stopped = true

	if t.dev.IsOpen() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if t.state.Load() == StatusListening {
			if err := t.dev.StopDiscovery(ctx); err != nil {
				t.log.Debug().Err(err).Msg("stop discovery on shutdown")
			}
		}
		cancel()
		if err := t.dev.Close(); err != nil {
			t.log.Debug().Err(err).Msg("close on shutdown")
		}
	}
	for drained := false; !drained; {
		select {
		case cmd := <-t.commands:
			cmd.Reject(ReasonStopped, ErrStopped)
		default:
			drained = true
		}
	}
	t.setStatus(StatusDisabled)
	t.log.Info().Msg("listener stopped")
}

// DiscoveryParameters builds the listen mode configuration for target.
func DiscoveryParameters(target hce.Target) ([]hce.Parameter, error) {
	uid, err := bytesParam(target, hce.ParamUID)
	if err != nil {
		return nil, err
	}
	hb, err := bytesParam(target, hce.ParamRatsHB)
	if err != nil {
		return nil, err
	}
	v, ok := target.Get(hce.ParamATQA)
	atqa, isU16 := v.Uint16()
	if !ok || !isU16 {
		return nil, fmt.Errorf("%w: %s", hce.ErrParamType, hce.ParamATQA)
	}
	sak, err := byteParam(target, hce.ParamSAK)
	if err != nil {
		return nil, err
	}
	tb1, err := byteParam(target, hce.ParamRatsTB1)
	if err != nil {
		return nil, err
	}
	tc1, err := byteParam(target, hce.ParamRatsTC1)
	if err != nil {
		return nil, err
	}

	return []hce.Parameter{
		hce.NewParameter(pn7160.ParamLABitFrameSDD, byte(atqa>>8)),
		hce.NewParameter(pn7160.ParamLAPlatformConfig, byte(atqa)),
		hce.NewParameter(pn7160.ParamLASelInfo, sak),
		hce.NewParameter(pn7160.ParamLANFCID1, uid...),
		hce.NewParameter(pn7160.ParamLIABitRate, 0x00),
		hce.NewParameter(pn7160.ParamLIARatsTB1, tb1),
		hce.NewParameter(pn7160.ParamLIARatsTC1, tc1),
		hce.NewParameter(pn7160.ParamLIAHistBy, hb...),
		hce.NewParameter(pn7160.ParamRFFieldInfo, 0x00),
		hce.NewParameter(pn7160.ParamRFNfceeAction, 0x01),
	}, nil
}

func bytesParam(target hce.Target, id hce.ParamID) ([]byte, error) {
	v, ok := target.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", hce.ErrUnknownParam, id)
	}
	b, ok := v.Bytes()
	if !ok {
		return nil, fmt.Errorf("%w: %s", hce.ErrParamType, id)
	}
	return b, nil
}

func byteParam(target hce.Target, id hce.ParamID) (byte, error) {
	v, ok := target.Get(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", hce.ErrUnknownParam, id)
	}
	n, ok := v.Uint8()
	if !ok {
		return 0, fmt.Errorf("%w: %s", hce.ErrParamType, id)
	}
	return n, nil
}
