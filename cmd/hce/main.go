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

// Command hce runs a card emulation on an attached NFC controller.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZaparooProject/go-hce/config"
	"github.com/ZaparooProject/go-hce/detection"
	_ "github.com/ZaparooProject/go-hce/detection/hsu"
	_ "github.com/ZaparooProject/go-hce/detection/kdev"
	_ "github.com/ZaparooProject/go-hce/detection/mpsse"
	_ "github.com/ZaparooProject/go-hce/detection/native"
	_ "github.com/ZaparooProject/go-hce/detection/pcsc"
	"github.com/ZaparooProject/go-hce/listener"
	"github.com/ZaparooProject/go-hce/logging"
	"github.com/ZaparooProject/go-hce/server"
)

// Set by the linker.
var version = "dev"

const (
	exitOK    = 0
	exitError = 255

	drainTimeout = 2 * time.Second
)

var errHelp = flag.ErrHelp

type options struct {
	device  string
	port    string
	bus     string
	config  string
	listen  string
	verbose bool
	list    bool
	version bool
}

// parseFlags accepts every option under its short and long name.
func parseFlags(args []string, out io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("hce", flag.ContinueOnError)
	fs.SetOutput(out)

	str := func(p *string, short, long, usage string) {
		fs.StringVar(p, short, "", usage)
		fs.StringVar(p, long, "", usage)
	}
	str(&opts.device, "d", "device", "controller type: ACR, HSU or PN7160")
	str(&opts.port, "p", "port", "serial port, PC/SC reader name or bus device")
	str(&opts.bus, "b", "bus", "PN7160 bus: spi, i2c, native-spi, native-i2c or kernel")
	str(&opts.config, "c", "config", "YAML configuration file")
	str(&opts.listen, "l", "listen", "stream server address, e.g. :8765")
	fs.BoolVar(&opts.verbose, "v", false, "debug logging")
	fs.BoolVar(&opts.verbose, "verbose", false, "debug logging")
	fs.BoolVar(&opts.list, "list", false, "list detected devices and exit")
	fs.BoolVar(&opts.version, "version", false, "print the version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	return opts, nil
}

// loadConfig reads the file in opts, or the defaults, and applies the
// command line overrides.
func loadConfig(opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.config != "" {
		var err error
		if cfg, err = config.Load(opts.config); err != nil {
			return nil, err
		}
	}
	if opts.device != "" {
		cfg.Device.Type = opts.device
	}
	if opts.port != "" {
		cfg.Device.Port = opts.port
	}
	if opts.bus != "" {
		cfg.Device.Bus = opts.bus
	}
	if opts.listen != "" {
		cfg.Server.Listen = opts.listen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, errHelp) {
		return exitOK
	}
	if err != nil {
		return exitError
	}
	if opts.version {
		_, _ = fmt.Fprintf(stdout, "hce %s\n", version)
		return exitOK
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	logging.Init(stderr, logging.WarnLevel, logging.Options{})
	defer func() { _ = logging.Shutdown() }()
	if err := cfg.Log.Apply(opts.verbose); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	if cfg.Log.Session {
		path, err := logging.InitSessionLog(cfg.Log.Dir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		_, _ = fmt.Fprintf(stderr, "Session log: %s\n", path)
		defer func() { _ = logging.CloseSessionLog() }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.list {
		if err := listDevices(ctx, stdout); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitError
		}
		return exitOK
	}

	if err := emulate(ctx, cfg); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	return exitOK
}

func listDevices(ctx context.Context, w io.Writer) error {
	opts := detection.DefaultOptions()
	devices, err := detection.DetectAll(ctx, &opts)
	if err != nil {
		return err
	}
	for _, d := range devices {
		_, _ = fmt.Fprintln(w, d.String())
	}
	return nil
}

// emulate runs the listener until ctx is cancelled or the controller turns
// out to be unusable.
func emulate(ctx context.Context, cfg *config.Config) error {
	log := logging.Get("app.main")
	raisePriority(log)

	dev, err := newTransceiver(cfg.Device)
	if err != nil {
		return err
	}
	factory, err := newTargetFactory(cfg.Target)
	if err != nil {
		return err
	}

	task := listener.New(dev, factory,
		listener.WithWait(cfg.Listener.Wait),
		listener.WithReconnect(reconnectConfig(cfg.Listener)),
	)

	exec := listener.NewExecutor(cfg.Listener.Workers)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := exec.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("executor shutdown")
		}
	}()

	done := exec.Submit(task)
	var served <-chan error
	if cfg.Server.Listen != "" {
		srv := server.New(task, cfg.Server)
		ch := make(chan error, 1)
		served = ch
		go func() { ch <- srv.Run(ctx) }()
		log.Info().Str("addr", cfg.Server.Listen).Msg("stream server listening")
	}

	go watchStatus(ctx, task, log)

	log.Info().Str("device", cfg.Device.Type).Str("target", cfg.Target.Type).Msg("starting emulation")
	go func() {
		if o := <-task.Submit(listener.CodeStart, ""); !o.OK() {
			log.Error().Err(o.Err).Msg("start rejected")
		}
	}()

	// The deferred Shutdown stops the task once ctx is done.
	select {
	case err := <-done:
		return err
	case err := <-served:
		if err != nil {
			return fmt.Errorf("stream server: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info().Msg("stopping")
		return nil
	}
}

func watchStatus(ctx context.Context, task *listener.Task, log *logging.Logger) {
	events, unsubscribe := task.Status()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			log.Info().Stringer("status", ev.Status).Msg("listener status")
		}
	}
}
