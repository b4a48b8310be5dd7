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

package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/listener"
	"github.com/ZaparooProject/go-hce/server"
)

// fakeListener resolves start, rejects configure and never settles stop.
type fakeListener struct {
	status *listener.Stream[listener.StatusEvent]
	frames *listener.Stream[hce.Frame]
	codes  chan listener.Code
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		status: listener.NewStream[listener.StatusEvent](8),
		frames: listener.NewStream[hce.Frame](8),
		codes:  make(chan listener.Code, 8),
	}
}

func (f *fakeListener) Submit(code listener.Code, data string) <-chan listener.Outcome {
	f.codes <- code
	cmd := listener.NewCommand(code, data)
	switch code {
	case listener.CodeStart:
		cmd.Resolve()
	case listener.CodeConfigure:
		cmd.Reject(listener.ReasonInvalidConfig, nil)
	}
	return cmd.Done()
}

func (f *fakeListener) Status() (<-chan listener.StatusEvent, func()) {
	return f.status.Subscribe()
}

func (f *fakeListener) Frames() (<-chan hce.Frame, func()) {
	return f.frames.Subscribe()
}

func statusEvent(s listener.Status) listener.StatusEvent {
	data, _ := json.Marshal(map[string]string{"status": s.String()})
	return listener.StatusEvent{Status: s, Data: data}
}

type harness struct {
	fake *fakeListener
	srv  *server.Server
	http *httptest.Server
}

func newHarness(t *testing.T, cfg config.ServerConfig) *harness {
	t.Helper()
	fake := newFakeListener()
	srv := server.New(fake, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Pump(ctx)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		cancel()
		hs.Close()
	})
	// Pump subscribes asynchronously.
	require.Eventually(t, func() bool { return fake.status.Subscribers() == 1 }, time.Second, time.Millisecond)
	return &harness{fake: fake, srv: srv, http: hs}
}

func (h *harness) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return h.srv.Clients() > 0 }, time.Second, time.Millisecond)
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var m map[string]any
	require.NoError(t, conn.ReadJSON(&m))
	return m
}

func TestServer_PushesStatusAndFrames(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.ServerConfig{})
	conn := h.dial(t, "")

	h.fake.status.Publish(statusEvent(listener.StatusListening))
	msg := readJSON(t, conn)
	assert.Equal(t, server.TypeStatus, msg["type"])
	assert.Equal(t, map[string]any{"status": "listening"}, msg["payload"])

	h.fake.frames.Publish(hce.NewFrame(hce.TechNfcA, hce.FrameRequest, []byte{0x90, 0x00}, 42))
	msg = readJSON(t, conn)
	assert.Equal(t, server.TypeFrame, msg["type"])
	payload, ok := msg["payload"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 42, payload["time"])
}

func TestServer_LateJoinerGetsLastStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.ServerConfig{})
	h.fake.status.Publish(statusEvent(listener.StatusIdle))
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		return strings.Contains(rec.Body.String(), `"idle"`)
	}, time.Second, time.Millisecond)

	conn := h.dial(t, "")
	msg := readJSON(t, conn)
	assert.Equal(t, server.TypeStatus, msg["type"])
	assert.Equal(t, map[string]any{"status": "idle"}, msg["payload"])
}

func TestServer_CommandRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		code  string
		error string
		ok    bool
	}{
		{name: "resolved", code: "start", ok: true},
		{name: "rejected", code: "configure", error: "invalid-config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, config.ServerConfig{})
			conn := h.dial(t, "")

			require.NoError(t, conn.WriteJSON(server.Request{
				Type: server.TypeCommand,
				ID:   "req-1",
				Code: tt.code,
				Data: "{}",
			}))
			msg := readJSON(t, conn)
			assert.Equal(t, server.TypeResult, msg["type"])
			assert.Equal(t, "req-1", msg["id"])
			assert.Equal(t, tt.ok, msg["ok"])
			if tt.error != "" {
				assert.Equal(t, tt.error, msg["error"])
			}
			assert.Equal(t, listener.Code(tt.code), <-h.fake.codes)
		})
	}
}

func TestServer_BadRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.ServerConfig{})
	conn := h.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	msg := readJSON(t, conn)
	assert.Equal(t, "parse-error", msg["error"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello", "id": "x"}))
	msg = readJSON(t, conn)
	assert.Equal(t, "unknown-type", msg["error"])
	assert.Equal(t, "x", msg["id"])
}

func TestServer_Secret(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.ServerConfig{Secret: "s3cret"})
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws?secret=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	h.dial(t, "?secret=s3cret")
	assert.Equal(t, 1, h.srv.Clients())
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	h := newHarness(t, config.ServerConfig{})
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])

	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
