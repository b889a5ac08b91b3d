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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"sgxshim.dev/shim/pkg/enclave/sim"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/log"
	"sgxshim.dev/shim/shimsim/cmd/util"
	"sgxshim.dev/shim/shimsim/config"
)

// HaltStatus is the exit status of a run in which the shim halted a thread.
const HaltStatus = 127

// Run implements subcommands.Command for the "run" command.
type Run struct {
	output string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "Run the configured workload scripts in a simulated enclave."
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [options] - run the scripts in the [scripts] table of --config.

The main thread runs the "main" script. The exit status is the workload's.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.output, "o", "text", "Output format for thread results ("+outputFormats+").")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	status := args[1].(*int32)

	if err := checkFormat(r.output); err != nil {
		util.Fatalf("%v", err)
	}
	s, err := newSyscaller(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}
	code, err := runWorkload(ctx, conf, s, os.Stdout, r.output)
	if fake, ok := s.(*sim.FakeSyscaller); ok {
		fmt.Fprint(os.Stdout, fake.Stdout())
		fmt.Fprint(os.Stderr, fake.Stderr())
	}
	switch {
	case errors.Is(err, sim.ErrHalted):
		util.Writef("enclave halted: %v", err)
		*status = HaltStatus
	case err != nil:
		util.Fatalf("running workload: %v", err)
	default:
		*status = code
	}
	return subcommands.ExitSuccess
}

func newSyscaller(conf *config.Config) (sim.Syscaller, error) {
	switch conf.Syscaller {
	case config.SyscallerUnix:
		return sim.NewUnixSyscaller(os.Stdin, os.Stdout, os.Stderr), nil
	default:
		in, err := conf.StdinBytes()
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return sim.NewFakeSyscaller(in), nil
	}
}

// runWorkload runs the configured scripts and writes the thread results to
// w. A halt still writes the results of the threads that finished.
func runWorkload(ctx context.Context, conf *config.Config, s sim.Syscaller, w io.Writer, format string) (int32, error) {
	scripts, err := conf.Workload()
	if err != nil {
		return 0, err
	}
	mc := conf.MachineConfig()
	mc.Syscaller = s
	mc.Threads = thread.Default()
	m, err := sim.NewMachine(mc)
	if err != nil {
		return 0, err
	}
	log.Infof("running workload with %d slots", m.Arena().Len())
	res, runErr := m.Run(ctx, scripts.Program(sim.MainScript))
	if res == nil {
		return 0, runErr
	}
	if err := writeResult(w, format, res); err != nil {
		return 0, err
	}
	return res.Status, runErr
}

func writeResult(w io.Writer, format string, res *sim.Result) error {
	if ok, err := writeStructured(w, format, res); ok {
		return err
	}
	tw := newTabWriter(w)
	fmt.Fprintln(tw, "TID\tSTATUS\tEXITED\tEVENTS")
	for _, t := range res.Threads {
		fmt.Fprintf(tw, "%d\t%d\t%t\t%d\n", t.TID, t.Status, t.Exited, len(t.Events))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, t := range res.Threads {
		for i, e := range t.Events {
			if len(e.Data) > 0 {
				fmt.Fprintf(w, "tid %d #%d %s = %d %q\n", t.TID, i, e.Op, e.Ret, e.Data)
			} else {
				fmt.Fprintf(w, "tid %d #%d %s = %d\n", t.TID, i, e.Op, e.Ret)
			}
		}
	}
	_, err := fmt.Fprintf(w, "status %d\n", res.Status)
	return err
}
