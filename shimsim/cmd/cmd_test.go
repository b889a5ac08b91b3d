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

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v2"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/layout"
	"sgxshim.dev/shim/pkg/enclave/note"
	"sgxshim.dev/shim/pkg/enclave/sim"
	"sgxshim.dev/shim/shimsim/config"
)

func testConfig(scripts sim.Scripts) *config.Config {
	c := config.Default()
	c.Enclave.Threads = 2
	c.SpawnTimeout.Duration = time.Second
	c.Scripts = scripts
	return c
}

func TestRunWorkload(t *testing.T) {
	conf := testConfig(sim.Scripts{
		sim.MainScript: {
			{Op: "write", FD: 1, Text: "hello"},
			{Op: "getpid"},
			{Op: "exit_group", Code: 9},
		},
	})
	fake := sim.NewFakeSyscaller(nil)
	var out bytes.Buffer
	code, err := runWorkload(context.Background(), conf, fake, &out, "text")
	require.NoError(t, err)
	require.EqualValues(t, 9, code)
	require.Equal(t, "hello", fake.Stdout())
	require.Contains(t, out.String(), "tid 0 #1 getpid = 1\n")
	require.Contains(t, out.String(), "status 9\n")
}

func TestRunWorkloadJSON(t *testing.T) {
	conf := testConfig(sim.Scripts{sim.MainScript: {{Op: "gettid"}}})
	var out bytes.Buffer
	_, err := runWorkload(context.Background(), conf, sim.NewFakeSyscaller(nil), &out, "json")
	require.NoError(t, err)

	var res sim.Result
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Len(t, res.Threads, 1)
	require.Equal(t, []sim.Event{{Op: "gettid"}}, res.Threads[0].Events)
}

func TestRunWorkloadHalt(t *testing.T) {
	conf := testConfig(sim.Scripts{sim.MainScript: {{Op: "ud2"}}})
	var out bytes.Buffer
	_, err := runWorkload(context.Background(), conf, sim.NewFakeSyscaller(nil), &out, "text")
	require.ErrorIs(t, err, sim.ErrHalted)
}

func TestRunWorkloadNoScripts(t *testing.T) {
	_, err := runWorkload(context.Background(), testConfig(nil), sim.NewFakeSyscaller(nil), new(bytes.Buffer), "text")
	require.Error(t, err)
}

func TestNotesELFRoundTrip(t *testing.T) {
	d := note.Default()
	d.PID = 7
	path := filepath.Join(t.TempDir(), "notes.o")
	require.NoError(t, emitELF(path, &d))

	n := &Notes{elf: path}
	got, err := n.descriptor(config.Default())
	require.NoError(t, err)
	require.Equal(t, d, got)

	var out bytes.Buffer
	require.NoError(t, writeDescriptor(&out, "text", &got))
	require.Regexp(t, `product id\s+7\n`, out.String())
	require.Contains(t, out.String(), note.Requires)
}

func TestNotesDefaultUsesConfig(t *testing.T) {
	c := config.Default()
	c.Enclave.SizeBits = 32
	d, err := new(Notes).descriptor(c)
	require.NoError(t, err)
	require.EqualValues(t, 32, d.Bits)
	require.EqualValues(t, block.Size, d.BlockSize)

	_, err = (&Notes{elf: filepath.Join(t.TempDir(), "missing")}).descriptor(c)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLayout(t *testing.T) {
	e := layout.Default(2)
	var out bytes.Buffer
	require.NoError(t, writeLayout(&out, "json", e))

	var info LayoutInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	require.Len(t, info.Slots, 2)
	require.Equal(t, e.TCS(1), info.Slots[1].TCS)
	require.Equal(t, layout.TCBAddr(e.TCS(1)), info.Slots[1].TCB)
	require.Equal(t, layout.SSAAddr(e.TCS(0), 2), info.Slots[0].SSA[2])
	require.EqualValues(t, layout.SlotSize, info.SlotSize)

	out.Reset()
	require.NoError(t, writeLayout(&out, "yaml", e))
	var fromYAML LayoutInfo
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &fromYAML))
	require.Equal(t, info, fromYAML)

	out.Reset()
	require.NoError(t, writeLayout(&out, "text", e))
	require.Contains(t, out.String(), "SLOT")

	require.Error(t, writeLayout(&out, "text", layout.Enclave{}))
}

func TestCheckFormat(t *testing.T) {
	require.NoError(t, checkFormat("text"))
	require.NoError(t, checkFormat("json"))
	require.NoError(t, checkFormat("yaml"))
	require.Error(t, checkFormat("csv"))
}
