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

// Package logging is a process-wide registry of named zerolog loggers.
//
// Loggers are fetched once by name (for example "hw.PN7160") and keep their
// identity for the life of the process. Levels are assigned with glob
// patterns, so a later SetLevel call changes loggers that already exist.
package logging

import (
	"bufio"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/ZaparooProject/go-hce/internal/syncutil"
	"github.com/rs/zerolog"
)

// Level aliases the zerolog levels so callers do not import zerolog for
// configuration.
type Level = zerolog.Level

const (
	TraceLevel = zerolog.TraceLevel
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	NoLevel    = zerolog.Disabled
)

// DebugEnv forces the root level to debug when set to any value.
const DebugEnv = "HCE_DEBUG"

// Options tune Init.
type Options struct {
	// Buffered collects console output until Flush or Shutdown.
	Buffered bool
	NoColor  bool
	// JSON writes raw zerolog records instead of the console format.
	JSON bool
}

type registry struct {
	loggers  map[string]*Logger
	patterns map[string]Level
	out      io.Writer
	buffer   *bufio.Writer
	console  zerolog.Logger
	session  *zerolog.Logger
	both     zerolog.Logger
	mu       syncutil.RWMutex
	root     Level
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		loggers:  make(map[string]*Logger),
		patterns: make(map[string]Level),
		root:     WarnLevel,
	}
	r.setOutput(os.Stderr, Options{})
	return r
}

// Init installs the console writer and root level. It may be called again
// to redirect output; existing loggers are kept.
func Init(w io.Writer, level Level, opts Options) {
	zerolog.SetGlobalLevel(zerolog.TraceLevel)
	if os.Getenv(DebugEnv) != "" && level > DebugLevel {
		level = DebugLevel
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.flushLocked()
	reg.setOutput(w, opts)
	reg.root = level
	reg.refreshLocked()
}

// Flush writes buffered console output.
func Flush() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.flushLocked()
}

// Shutdown flushes the console and closes the session log, if any.
func Shutdown() error {
	Flush()
	return CloseSessionLog()
}

// Get returns the logger registered under name, creating it on first use.
func Get(name string) *Logger {
	reg.mu.RLock()
	l, ok := reg.loggers[name]
	reg.mu.RUnlock()
	if ok {
		return l
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if l, ok = reg.loggers[name]; ok {
		return l
	}
	l = &Logger{name: name}
	l.level.Store(int32(reg.resolveLocked(name)))
	reg.loggers[name] = l
	return l
}

// RootLevel returns the level used by loggers no pattern matches.
func RootLevel() Level {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.root
}

// SetRootLevel changes the fallback level.
func SetRootLevel(level Level) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.root = level
	reg.refreshLocked()
}

// SetLevel assigns level to every logger whose name matches the glob expr.
// When several patterns match a name the longest one wins.
func SetLevel(expr string, level Level) error {
	if _, err := path.Match(expr, ""); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.patterns[expr] = level
	reg.refreshLocked()
	return nil
}

// ResetLevels drops every pattern set with SetLevel.
func ResetLevels() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.patterns = make(map[string]Level)
	reg.refreshLocked()
}

// Names lists the registered loggers in order.
func Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.loggers))
	for name := range reg.loggers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseLevel accepts the zerolog level names plus "none".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return NoLevel, nil
	case "":
		return WarnLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
}

func (r *registry) setOutput(w io.Writer, opts Options) {
	r.buffer = nil
	if opts.Buffered {
		r.buffer = bufio.NewWriter(w)
		w = r.buffer
	}
	if !opts.JSON {
		w = consoleWriter(w, opts.NoColor)
	}
	r.out = zerolog.SyncWriter(w)
	r.console = zerolog.New(r.out).With().Timestamp().Logger()
	r.rebuildBothLocked()
}

func (r *registry) rebuildBothLocked() {
	if r.session == nil {
		r.both = r.console
		return
	}
	r.both = zerolog.New(zerolog.MultiLevelWriter(r.out, sessionOut)).With().Timestamp().Logger()
}

func (r *registry) flushLocked() {
	if r.buffer != nil {
		_ = r.buffer.Flush()
	}
}

func (r *registry) resolveLocked(name string) Level {
	best := -1
	level := r.root
	for expr, lvl := range r.patterns {
		if ok, _ := path.Match(expr, name); ok && len(expr) > best {
			best = len(expr)
			level = lvl
		}
	}
	return level
}

func (r *registry) refreshLocked() {
	for name, l := range r.loggers {
		l.level.Store(int32(r.resolveLocked(name)))
	}
}

func consoleWriter(w io.Writer, noColor bool) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:           w,
		NoColor:       noColor,
		TimeFormat:    "15:04:05.000",
		PartsOrder:    []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, nameField, zerolog.MessageFieldName},
		FieldsExclude: []string{nameField},
	}
}

const nameField = "logger"

// Logger is a named handle into the registry. Its level follows the
// registry patterns.
type Logger struct {
	name  string
	level atomic.Int32
}

// Name returns the registered name.
func (l *Logger) Name() string { return l.name }

// Level returns the effective console level.
func (l *Logger) Level() Level { return Level(l.level.Load()) }

// Enabled reports whether records at lvl reach the console.
func (l *Logger) Enabled(lvl Level) bool {
	current := l.Level()
	return current != NoLevel && lvl >= current
}

func (l *Logger) Trace() *zerolog.Event { return l.event(TraceLevel) }
func (l *Logger) Debug() *zerolog.Event { return l.event(DebugLevel) }
func (l *Logger) Info() *zerolog.Event  { return l.event(InfoLevel) }
func (l *Logger) Warn() *zerolog.Event  { return l.event(WarnLevel) }
func (l *Logger) Error() *zerolog.Event { return l.event(ErrorLevel) }

// event returns nil when nothing would record lvl; zerolog treats a nil
// event as a no-op.
func (l *Logger) event(lvl Level) *zerolog.Event {
	console := l.Enabled(lvl)

	reg.mu.RLock()
	session := reg.session != nil && lvl >= DebugLevel
	var base zerolog.Logger
	switch {
	case console && session:
		base = reg.both
	case console:
		base = reg.console
	case session:
		base = *reg.session
	default:
		reg.mu.RUnlock()
		return nil
	}
	reg.mu.RUnlock()

	return base.WithLevel(lvl).Str(nameField, l.name)
}
