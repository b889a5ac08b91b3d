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
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/enclave/layout"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/shimsim/cmd/util"
	"sgxshim.dev/shim/shimsim/config"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "Print the thread slot geometry of the configured enclave."
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [options] - print where each thread slot lives.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.output, "o", "text", "Output format ("+outputFormats+").")
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := checkFormat(l.output); err != nil {
		util.Fatalf("%v", err)
	}
	if err := writeLayout(os.Stdout, l.output, conf.EnclaveGeometry()); err != nil {
		util.Fatalf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}

// SlotInfo is the geometry of one thread slot.
type SlotInfo struct {
	Index      int                       `json:"index" yaml:"index"`
	TCS        hostarch.Addr             `json:"tcs" yaml:"tcs"`
	TCB        hostarch.Addr             `json:"tcb" yaml:"tcb"`
	CSSA0Stack hostarch.AddrRange        `json:"cssa0_stack" yaml:"cssa0_stack"`
	CSSA1Stack hostarch.AddrRange        `json:"cssa1_stack" yaml:"cssa1_stack"`
	SSA        [sgx.NumSSA]hostarch.Addr `json:"ssa" yaml:"ssa"`
}

// LayoutInfo is the geometry of an enclave.
type LayoutInfo struct {
	Base     hostarch.Addr      `json:"base" yaml:"base"`
	Size     uint64             `json:"size" yaml:"size"`
	Image    hostarch.AddrRange `json:"image" yaml:"image"`
	SlotSize uint64             `json:"slot_size" yaml:"slot_size"`
	Slots    []SlotInfo         `json:"slots" yaml:"slots"`
}

func describeLayout(e layout.Enclave) LayoutInfo {
	info := LayoutInfo{
		Base:     e.Base,
		Size:     e.Size(),
		Image:    hostarch.AddrRange{Start: e.Base, End: e.SlotBase(0)},
		SlotSize: layout.SlotSize,
	}
	for i := 0; i < e.Threads; i++ {
		tcs := e.TCS(i)
		s := SlotInfo{
			Index:      i,
			TCS:        tcs,
			TCB:        layout.TCBAddr(tcs),
			CSSA0Stack: layout.CSSA0Stack(tcs),
			CSSA1Stack: layout.CSSA1Stack(tcs),
		}
		for n := range s.SSA {
			s.SSA[n] = layout.SSAAddr(tcs, n)
		}
		info.Slots = append(info.Slots, s)
	}
	return info
}

func writeLayout(w io.Writer, format string, e layout.Enclave) error {
	if err := e.Validate(); err != nil {
		return err
	}
	info := describeLayout(e)
	if ok, err := writeStructured(w, format, info); ok {
		return err
	}
	fmt.Fprintf(w, "enclave %v (%#x bytes), image %v, slot size %#x\n", e.Range(), info.Size, info.Image, info.SlotSize)
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "SLOT\tTCS\tTCB\tCSSA0 STACK\tCSSA1 STACK\tSSA0")
	for _, s := range info.Slots {
		fmt.Fprintf(tw, "%d\t%v\t%v\t%v\t%v\t%v\n", s.Index, s.TCS, s.TCB, s.CSSA0Stack, s.CSSA1Stack, s.SSA[0])
	}
	return tw.Flush()
}
