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

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Session log state, guarded by reg.mu.
var (
	sessionFile *os.File
	sessionPath string
	sessionOut  io.Writer
)

// InitSessionLog creates a timestamped log file in dir that records every
// logger at debug level or above, whatever its console level. It returns
// the file path for display to the user.
func InitSessionLog(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	name := fmt.Sprintf("hce_%s.log", time.Now().Format("20060102_150405"))
	filename := filepath.Join(dir, name)

	f, err := os.Create(filename) //nolint:gosec // filename is constructed internally
	if err != nil {
		return "", fmt.Errorf("failed to create session log: %w", err)
	}
	writeSessionHeader(f)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	closeSessionLocked()
	sessionFile = f
	sessionPath = filename
	sessionOut = zerolog.SyncWriter(zerolog.ConsoleWriter{
		Out:           f,
		NoColor:       true,
		TimeFormat:    "15:04:05.000",
		PartsOrder:    []string{zerolog.TimestampFieldName, zerolog.LevelFieldName, nameField, zerolog.MessageFieldName},
		FieldsExclude: []string{nameField},
	})
	session := zerolog.New(sessionOut).With().Timestamp().Logger()
	reg.session = &session
	reg.rebuildBothLocked()
	return filename, nil
}

// CloseSessionLog writes the footer and closes the session file.
func CloseSessionLog() error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return closeSessionLocked()
}

// SessionLogPath returns the open session file, or "".
func SessionLogPath() string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return sessionPath
}

func closeSessionLocked() error {
	if sessionFile == nil {
		return nil
	}
	_, _ = fmt.Fprintf(sessionFile, "\n%s === Session ended ===\n", time.Now().Format("15:04:05.000"))
	err := sessionFile.Close()

	sessionFile = nil
	sessionPath = ""
	sessionOut = nil
	reg.session = nil
	reg.rebuildBothLocked()

	if err != nil {
		return fmt.Errorf("failed to close session log: %w", err)
	}
	return nil
}

func writeSessionHeader(w io.Writer) {
	_, _ = fmt.Fprint(w, "=== HCE Session Log ===\n")
	_, _ = fmt.Fprintf(w, "Started: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(w, "PID: %d\n", os.Getpid())
	_, _ = fmt.Fprintf(w, "OS: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	_, _ = fmt.Fprintf(w, "Go Version: %s\n", runtime.Version())
	if exe, err := os.Executable(); err == nil {
		_, _ = fmt.Fprintf(w, "Executable: %s\n", exe)
	}
	_, _ = fmt.Fprintf(w, "Command Line: %s\n", strings.Join(os.Args, " "))
	_, _ = fmt.Fprint(w, "=======================\n\n")
}
