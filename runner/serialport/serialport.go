// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package serialport runs probes on a machine reachable only over a serial
// line. A loader on the machine receives the probe as one message, runs it
// and sends back everything the probe printed as one message.
package serialport

import (
	"errors"
	"fmt"
	"time"

	"github.com/probefuzz/probefuzz/pkg/config"
	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/log"
	"github.com/probefuzz/probefuzz/pkg/probe"
	"github.com/probefuzz/probefuzz/pkg/serial"
	"github.com/probefuzz/probefuzz/runner/runnerimpl"
)

func init() {
	runnerimpl.Register("serialport", ctor)
}

type Config struct {
	Device      string `json:"device"`       // /dev/ttyS0 or tcp:host:port
	Baud        int    `json:"baud"`         // line speed for tty devices
	AckTimeout  string `json:"ack_timeout"`  // time to wait for a frame acknowledgment
	ByteTimeout string `json:"byte_timeout"` // max gap between bytes of one frame
	Retries     int    `json:"retries"`      // retransmissions of one frame
	MaxPayload  int    `json:"max_payload"`  // frame payload size
}

type port struct {
	name  string
	debug bool
	link  *serial.Link
}

func ctor(env *runnerimpl.Env) (runnerimpl.Runner, error) {
	def := serial.DefaultConfig()
	cfg := &Config{
		Baud:        115200,
		AckTimeout:  def.AckTimeout.String(),
		ByteTimeout: def.ByteTimeout.String(),
		Retries:     def.Retries,
		MaxPayload:  def.MaxPayload,
	}
	if err := config.LoadData(env.Config, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse serialport config: %w", err)
	}
	if cfg.Device == "" {
		return nil, fmt.Errorf("config param device is empty")
	}
	linkCfg := serial.Config{
		Retries:    cfg.Retries,
		MaxPayload: cfg.MaxPayload,
	}
	var err error
	if linkCfg.AckTimeout, err = time.ParseDuration(cfg.AckTimeout); err != nil {
		return nil, fmt.Errorf("bad ack_timeout %q: %w", cfg.AckTimeout, err)
	}
	if linkCfg.ByteTimeout, err = time.ParseDuration(cfg.ByteTimeout); err != nil {
		return nil, fmt.Errorf("bad byte_timeout %q: %w", cfg.ByteTimeout, err)
	}
	if env.Debug {
		linkCfg.Observer = func(t serial.Transition) {
			log.Logf(0, "%v: %v", env.Name, t)
		}
	}
	conn, err := serial.Open(cfg.Device, cfg.Baud)
	if err != nil {
		return nil, err
	}
	link, err := serial.NewLink(conn, linkCfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &port{
		name:  env.Name,
		debug: env.Debug,
		link:  link,
	}, nil
}

// Budget covers the upload of the largest probe.
func (p *port) Budget(timeout time.Duration) time.Duration {
	return timeout + p.link.SendBudget(probe.DefaultMaxSize)
}

func (p *port) Execute(prog *probe.Program, timeout time.Duration) (*cpustate.Snapshot, error) {
	if err := p.link.Send(prog.Image); err != nil {
		return nil, runnerimpl.MakeError(runnerimpl.ConnectionFailed, p.name, err, nil)
	}
	output, err := p.link.Receive(timeout)
	if err != nil {
		kind := runnerimpl.ConnectionFailed
		if errors.Is(err, serial.ErrTimeout) {
			kind = runnerimpl.ExecutionTimeout
		}
		return nil, runnerimpl.MakeError(kind, p.name, err, nil)
	}
	if p.debug {
		stats := p.link.Stats()
		log.Logf(0, "%v: received %v bytes, %v retransmits, %v naks sent",
			p.name, len(output), stats.Retransmits, stats.NaksSent)
	}
	return runnerimpl.ParseOutput(p.name, output)
}

func (p *port) Close() error {
	return p.link.Close()
}
