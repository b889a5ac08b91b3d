// Copyright 2026 The gVisor Authors.
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

// Package config holds the configuration of the shimsim tool. It is read
// from a TOML file and then overridden by command line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"sgxshim.dev/shim/pkg/cpuid"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/layout"
	"sgxshim.dev/shim/pkg/enclave/sim"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/log"
)

// Syscaller names.
const (
	SyscallerFake = "fake"
	SyscallerUnix = "unix"
)

// Duration is a time.Duration written as a string, e.g. "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Enclave is the enclave geometry.
type Enclave struct {
	Base     uint64 `toml:"base"`
	SizeBits uint8  `toml:"size_bits"`
	Threads  int    `toml:"threads"`

	// BlockSize, if set, must match the block size the shim was built
	// with.
	BlockSize uint64 `toml:"block_size"`
}

// CPUIDEntry overrides one cpuid leaf.
type CPUIDEntry struct {
	Leaf    uint32 `toml:"leaf"`
	Subleaf uint32 `toml:"subleaf"`
	Eax     uint32 `toml:"eax"`
	Ebx     uint32 `toml:"ebx"`
	Ecx     uint32 `toml:"ecx"`
	Edx     uint32 `toml:"edx"`
}

// Config is the shimsim configuration.
type Config struct {
	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFilename is where logs go. Empty means stderr. It may contain
	// %TIMESTAMP% and %COMMAND%.
	LogFilename string `toml:"log"`

	// LogFormat is one of "text", "json" or "logrus".
	LogFormat string `toml:"log_format"`

	Enclave Enclave `toml:"enclave"`

	// Syscaller is SyscallerFake or SyscallerUnix.
	Syscaller string `toml:"syscaller"`

	// Stdin is the input of the fake syscaller.
	Stdin string `toml:"stdin"`

	SpawnTimeout Duration `toml:"spawn_timeout"`

	CPUID []CPUIDEntry `toml:"cpuid"`

	// Scripts is the workload. The main thread runs "main".
	Scripts sim.Scripts `toml:"scripts"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		LogFormat: "text",
		Enclave: Enclave{
			Base:     uint64(layout.DefaultShimBase),
			SizeBits: layout.DefaultEnclaveSizeBits,
			Threads:  4,
		},
		Syscaller:    SyscallerFake,
		SpawnTimeout: Duration{sim.DefaultSpawnTimeout},
	}
}

// Load reads a configuration file over the defaults. Unknown keys are an
// error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%q: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

// RegisterFlags registers the flags that override a Config.
func RegisterFlags(fs *flag.FlagSet) {
	fs.String("config", "", "path to a TOML configuration file.")
	fs.Bool("debug", false, "enable debug logging.")
	fs.String("log", "", "file path where logs are written, default is stderr. A path ending in '/' is a directory. %TIMESTAMP% and %COMMAND% are expanded.")
	fs.String("log-format", "text", "log format: text (default), json, or logrus.")
	fs.Int("threads", 4, "number of thread slots.")
	fs.Uint("enclave-bits", layout.DefaultEnclaveSizeBits, "binary log of the enclave size.")
	fs.String("syscaller", SyscallerFake, "how proxied syscalls are performed: fake (default) or unix.")
	fs.Duration("spawn-timeout", sim.DefaultSpawnTimeout, "how long a spawn waits for a free thread slot.")
}

// NewFromFlags loads the file named by --config, if any, and applies every
// flag that was set explicitly.
func NewFromFlags(fs *flag.FlagSet) (*Config, error) {
	c := Default()
	if path := fs.Lookup("config").Value.String(); path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err == nil {
			err = c.set(f.Name, f.Value.String())
		}
	})
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) set(name, value string) error {
	var err error
	switch name {
	case "debug":
		c.Debug, err = strconv.ParseBool(value)
	case "log":
		c.LogFilename = value
	case "log-format":
		c.LogFormat = value
	case "threads":
		c.Enclave.Threads, err = strconv.Atoi(value)
	case "enclave-bits":
		var v uint64
		v, err = strconv.ParseUint(value, 10, 8)
		c.Enclave.SizeBits = uint8(v)
	case "syscaller":
		c.Syscaller = value
	case "spawn-timeout":
		c.SpawnTimeout.Duration, err = time.ParseDuration(value)
	}
	if err != nil {
		return fmt.Errorf("flag --%s=%q: %w", name, value, err)
	}
	return nil
}

var errNoScripts = errors.New("no workload scripts")

// Validate rejects inconsistent configurations.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json", "logrus":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json' or 'logrus'", c.LogFormat)
	}
	switch c.Syscaller {
	case SyscallerFake, SyscallerUnix:
	default:
		return fmt.Errorf("invalid syscaller %q, must be %q or %q", c.Syscaller, SyscallerFake, SyscallerUnix)
	}
	if c.Stdin != "" && c.Syscaller != SyscallerFake {
		return fmt.Errorf("stdin is only used by the %q syscaller", SyscallerFake)
	}
	if c.Enclave.BlockSize != 0 && c.Enclave.BlockSize != block.Size {
		return fmt.Errorf("block size %d does not match the shim's %d", c.Enclave.BlockSize, block.Size)
	}
	if c.SpawnTimeout.Duration <= 0 {
		return fmt.Errorf("spawn timeout %v must be positive", c.SpawnTimeout)
	}
	if err := c.EnclaveGeometry().Validate(); err != nil {
		return err
	}
	if c.Scripts != nil {
		if err := c.Scripts.Validate(); err != nil {
			return fmt.Errorf("scripts: %w", err)
		}
	}
	return nil
}

// EnclaveGeometry returns the configured geometry.
func (c *Config) EnclaveGeometry() layout.Enclave {
	return layout.Enclave{
		Base:     hostarch.Addr(c.Enclave.Base),
		SizeBits: c.Enclave.SizeBits,
		Threads:  c.Enclave.Threads,
	}
}

// CPUIDTable returns the default table with the overrides applied.
func (c *Config) CPUIDTable() cpuid.Static {
	t := cpuid.Default()
	for _, e := range c.CPUID {
		t.Set(cpuid.In{Eax: e.Leaf, Ecx: e.Subleaf}, cpuid.Out{Eax: e.Eax, Ebx: e.Ebx, Ecx: e.Ecx, Edx: e.Edx})
	}
	return t
}

// MachineConfig returns the machine configuration, minus the syscaller.
func (c *Config) MachineConfig() sim.Config {
	return sim.Config{
		Enclave:      c.EnclaveGeometry(),
		CPUID:        c.CPUIDTable(),
		SpawnTimeout: c.SpawnTimeout.Duration,
	}
}

// Workload returns the scripts to run.
func (c *Config) Workload() (sim.Scripts, error) {
	if c.Scripts == nil {
		return nil, errNoScripts
	}
	return c.Scripts, nil
}

// Log writes the configuration to the log.
func (c *Config) Log() {
	log.Infof("Config: debug=%t log=%q log-format=%s syscaller=%s spawn-timeout=%v", c.Debug, c.LogFilename, c.LogFormat, c.Syscaller, c.SpawnTimeout)
	log.Infof("Enclave: base=%#x size-bits=%d threads=%d cpuid-overrides=%d scripts=%d", c.Enclave.Base, c.Enclave.SizeBits, c.Enclave.Threads, len(c.CPUID), len(c.Scripts))
}

// StdinBytes returns the fake syscaller's input. A Stdin starting with '@'
// names a file to read it from.
func (c *Config) StdinBytes() ([]byte, error) {
	if !strings.HasPrefix(c.Stdin, "@") {
		return []byte(c.Stdin), nil
	}
	return os.ReadFile(c.Stdin[1:])
}
