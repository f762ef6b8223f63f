// Copyright 2015 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package mgrconfig

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/probefuzz/probefuzz/pkg/compare"
	"github.com/probefuzz/probefuzz/pkg/config"
	"github.com/probefuzz/probefuzz/pkg/cpustate"
	"github.com/probefuzz/probefuzz/pkg/ifuzz"
	"github.com/probefuzz/probefuzz/pkg/osutil"
	"github.com/probefuzz/probefuzz/pkg/x86"
)

func LoadData(data []byte) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadData(data, cfg); err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadFile(filename string) (*Config, error) {
	cfg := defaultValues()
	if err := config.LoadFile(filename, cfg); err != nil {
		return nil, err
	}
	if err := Complete(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultValues() *Config {
	return &Config{
		Name:        "probe-fuzz",
		Timeout:     "10s",
		Minimize:    true,
		MaxFatal:    3,
		MaxPerTitle: 10,
		CPU:         x86.CPU386,
		Generator:   ifuzz.DefaultConfig(),
	}
}

func Complete(cfg *Config) error {
	if cfg.Workdir == "" {
		return fmt.Errorf("config param workdir is empty")
	}
	cfg.Workdir = osutil.Abs(cfg.Workdir)
	if cfg.Iterations < 0 {
		return fmt.Errorf("bad config param iterations: %v", cfg.Iterations)
	}
	var err error
	if cfg.Duration != "" {
		if cfg.ParsedDuration, err = time.ParseDuration(cfg.Duration); err != nil {
			return fmt.Errorf("bad config param duration: %w", err)
		}
	}
	if cfg.ParsedTimeout, err = time.ParseDuration(cfg.Timeout); err != nil || cfg.ParsedTimeout <= 0 {
		return fmt.Errorf("bad config param timeout: %q", cfg.Timeout)
	}
	if cfg.MaxFatal < 1 {
		return fmt.Errorf("bad config param max_fatal: %v, want at least 1", cfg.MaxFatal)
	}
	if cfg.MaxPerTitle < 1 {
		return fmt.Errorf("bad config param max_per_title: %v, want at least 1", cfg.MaxPerTitle)
	}
	if err := completeMask(cfg); err != nil {
		return err
	}
	if err := checkIgnore(cfg.Ignore); err != nil {
		return err
	}
	switch cfg.CPU {
	case x86.CPU8086, x86.CPU186, x86.CPU386:
	default:
		return fmt.Errorf("bad config param cpu: %v, want 86, 186 or 386", cfg.CPU)
	}
	if cfg.Generator.MaxCPU > cfg.CPU {
		return fmt.Errorf("generator max_cpu %v exceeds cpu %v", cfg.Generator.MaxCPU, cfg.CPU)
	}
	if err := cfg.Generator.Validate(); err != nil {
		return fmt.Errorf("bad generator config: %w", err)
	}
	if err := completeBackend(&cfg.Target, "target"); err != nil {
		return err
	}
	if err := completeBackend(&cfg.Reference, "reference"); err != nil {
		return err
	}
	if cfg.Target.Name == cfg.Reference.Name {
		return fmt.Errorf("target and reference are both named %q", cfg.Target.Name)
	}
	return nil
}

func completeMask(cfg *Config) error {
	cfg.Mask = compare.DefaultMask
	if cfg.FlagMask == "" {
		return nil
	}
	mask, ok := x86.ParseFlags(cfg.FlagMask)
	if !ok {
		return fmt.Errorf("bad config param flag_mask: %q", cfg.FlagMask)
	}
	cfg.Mask = mask
	return nil
}

func checkIgnore(ignore []string) error {
	known := map[string]bool{compare.TrapField: true, "flags": true}
	for _, f := range cpustate.Fields {
		known[f.Name] = true
	}
	for _, fb := range x86.FlagBits {
		known["flags."+fb.Name] = true
	}
	for _, name := range ignore {
		if !known[name] {
			return fmt.Errorf("bad config param ignore: unknown field %q", name)
		}
	}
	return nil
}

func completeBackend(b *Backend, what string) error {
	if b.Type == "" {
		return fmt.Errorf("config param %v.type is empty", what)
	}
	if b.Name == "" {
		b.Name = b.Type
	}
	if len(b.Config) == 0 {
		b.Config = []byte("{}")
	}
	return nil
}

// EffectiveFile is where Save stores the config a run actually used.
func (cfg *Config) EffectiveFile() string {
	return filepath.Join(cfg.Workdir, "probe-fuzz.cfg")
}

// Save writes the config, including the seed chosen for the run, to EffectiveFile.
func (cfg *Config) Save() error {
	return config.SaveFile(cfg.EffectiveFile(), cfg)
}

// CorpusDir is where mismatch reports are stored.
func (cfg *Config) CorpusDir() string {
	return filepath.Join(cfg.Workdir, "corpus")
}

// RunnerDir is the scratch directory of a backend.
func (cfg *Config) RunnerDir(b *Backend) string {
	return filepath.Join(cfg.Workdir, "runners", b.Name)
}
