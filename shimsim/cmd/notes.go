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
	"sgxshim.dev/shim/pkg/enclave/note"
	"sgxshim.dev/shim/shimsim/cmd/util"
	"sgxshim.dev/shim/shimsim/config"
)

// Notes implements subcommands.Command for the "notes" command.
type Notes struct {
	output string
	elf    string
	emit   string
}

// Name implements subcommands.Command.Name.
func (*Notes) Name() string {
	return "notes"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Notes) Synopsis() string {
	return "Print or emit the enclave descriptor notes."
}

// Usage implements subcommands.Command.Usage.
func (*Notes) Usage() string {
	return `notes [options] - print the descriptor notes the shim is built with.

With -elf, the notes are read from an ELF file instead. With -emit, an ELF
object holding the notes is written.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (n *Notes) SetFlags(f *flag.FlagSet) {
	f.StringVar(&n.output, "o", "text", "Output format ("+outputFormats+").")
	f.StringVar(&n.elf, "elf", "", "read the notes from this ELF file.")
	f.StringVar(&n.emit, "emit", "", "write an ELF object holding the notes to this path.")
}

// Execute implements subcommands.Command.Execute.
func (n *Notes) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if err := checkFormat(n.output); err != nil {
		util.Fatalf("%v", err)
	}

	d, err := n.descriptor(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	if n.emit != "" {
		if err := emitELF(n.emit, &d); err != nil {
			util.Fatalf("%v", err)
		}
	}
	if err := writeDescriptor(os.Stdout, n.output, &d); err != nil {
		util.Fatalf("writing notes: %v", err)
	}
	return subcommands.ExitSuccess
}

func (n *Notes) descriptor(conf *config.Config) (note.Descriptor, error) {
	if n.elf == "" {
		d := note.Default()
		d.Bits = conf.Enclave.SizeBits
		return d, nil
	}
	f, err := os.Open(n.elf)
	if err != nil {
		return note.Descriptor{}, err
	}
	defer f.Close()
	d, err := note.Read(f)
	if err != nil {
		return note.Descriptor{}, fmt.Errorf("reading notes from %q: %w", n.elf, err)
	}
	return d, nil
}

func emitELF(path string, d *note.Descriptor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := note.WriteELF(f, d); err != nil {
		f.Close()
		return fmt.Errorf("writing %q: %w", path, err)
	}
	return f.Close()
}

func writeDescriptor(w io.Writer, format string, d *note.Descriptor) error {
	if ok, err := writeStructured(w, format, d); ok {
		return err
	}
	tw := newTabWriter(w)
	fmt.Fprintf(tw, "requires\t%s\n", d.Requires)
	fmt.Fprintf(tw, "block size\t%#x\n", d.BlockSize)
	fmt.Fprintf(tw, "size bits\t%d\n", d.Bits)
	fmt.Fprintf(tw, "ssa pages\t%d\n", d.SSAP)
	fmt.Fprintf(tw, "product id\t%d\n", d.PID)
	fmt.Fprintf(tw, "svn\t%d\n", d.SVN)
	fmt.Fprintf(tw, "misc\t%#x/%#x\n", uint32(d.Misc), uint32(d.MiscMask))
	fmt.Fprintf(tw, "attributes\t%v\n", d.Attr)
	fmt.Fprintf(tw, "attributes mask\t%v\n", d.AttrMask)
	return tw.Flush()
}
