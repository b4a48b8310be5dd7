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

// Package server exposes a listener task over a websocket.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	hce "github.com/ZaparooProject/go-hce"
	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/ZaparooProject/go-hce/listener"
	"github.com/ZaparooProject/go-hce/logging"
)

// Message types.
const (
	TypeStatus  = "status"
	TypeFrame   = "frame"
	TypeCommand = "command"
	TypeResult  = "result"
)

const (
	clientBuffer    = 64
	commandTimeout  = 5 * time.Second
	writeTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Listener is the part of a listener task the server drives.
type Listener interface {
	Submit(code listener.Code, data string) <-chan listener.Outcome
	Status() (<-chan listener.StatusEvent, func())
	Frames() (<-chan hce.Frame, func())
}

// Message is pushed to every client.
type Message struct {
	Payload any    `json:"payload"`
	Type    string `json:"type"`
}

// Request is a command sent by a client.
type Request struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Code string `json:"code"`
	Data string `json:"data"`
}

// Result answers a Request.
type Result struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
	OK    bool   `json:"ok"`
}

type client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

// Server fans listener streams out to websocket clients and forwards their
// commands.
type Server struct {
	started  time.Time
	task     Listener
	log      *logging.Logger
	clients  map[string]*client
	last     json.RawMessage
	upgrader websocket.Upgrader
	cfg      config.ServerConfig
	mu       syncutil.RWMutex
}

// New creates a server for task.
func New(task Listener, cfg config.ServerConfig) *Server {
	return &Server{
		task:    task,
		cfg:     cfg,
		log:     logging.Get("app.server"),
		clients: make(map[string]*client),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", enableCORS(s.handleWebSocket))
	mux.HandleFunc("/api/v1/health", enableCORS(s.handleHealth))
	return mux
}

// Run serves on cfg.Listen until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.Pump(ctx)
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
		s.closeClients()
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Pump forwards the task streams to clients until ctx is done.
func (s *Server) Pump(ctx context.Context) {
	status, cancelStatus := s.task.Status()
	defer cancelStatus()
	frames, cancelFrames := s.task.Frames()
	defer cancelFrames()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-status:
			if !ok {
				return
			}
			s.mu.Lock()
			s.last = ev.Data
			s.mu.Unlock()
			s.broadcast(Message{Type: TypeStatus, Payload: ev.Data})
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.broadcast(Message{Type: TypeFrame, Payload: f})
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) broadcast(m Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.push(m)
	}
}

func (c *client) push(v any) bool {
	select {
	case c.send <- v:
		return true
	default:
		return false
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Secret == "" {
		return true
	}
	got := r.URL.Query().Get("secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) == 1
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("websocket rejected: bad secret")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan any, clientBuffer)}
	s.mu.Lock()
	s.clients[c.id] = c
	last := s.last
	s.mu.Unlock()
	s.log.Info().Str("client", c.id).Int("clients", s.Clients()).Msg("client connected")

	if last != nil {
		c.push(Message{Type: TypeStatus, Payload: last})
	}

	done := make(chan struct{})
	go s.writer(c, done)
	s.reader(c)

	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	close(done)
	_ = conn.Close()
	s.log.Info().Str("client", c.id).Msg("client disconnected")
}

func (s *Server) writer(c *client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case v := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(v); err != nil {
				s.log.Debug().Err(err).Str("client", c.id).Msg("write failed")
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (s *Server) reader(c *client) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Str("client", c.id).Msg("read failed")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.push(Result{Type: TypeResult, Error: "parse-error"})
			continue
		}
		if req.Type != TypeCommand {
			c.push(Result{Type: TypeResult, ID: req.ID, Error: "unknown-type"})
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		go s.command(c, req)
	}
}

func (s *Server) command(c *client, req Request) {
	s.log.Debug().Str("client", c.id).Str("id", req.ID).Str("code", req.Code).Msg("command")
	res := Result{Type: TypeResult, ID: req.ID}

	timer := time.NewTimer(commandTimeout)
	defer timer.Stop()
	select {
	case out := <-s.task.Submit(listener.Code(req.Code), req.Data):
		res.OK = out.OK()
		if !res.OK {
			res.Error = string(out.Reason)
			if res.Error == "" {
				res.Error = out.Err.Error()
			}
		}
	case <-timer.C:
		res.Error = "timeout"
	}
	c.push(res)
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(writeTimeout))
		_ = c.conn.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.RLock()
	status := s.last
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"listener": status,
		"clients":  s.Clients(),
		"uptime":   time.Since(s.started).Round(time.Second).String(),
	})
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}
