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

package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohae/deepcopy"
	"golang.org/x/sys/unix"
	"sgxshim.dev/shim/pkg/enclave/block"
)

// MainScript is the name of the script the main thread runs.
const MainScript = "main"

// Step is one workload action. Which fields matter depends on Op:
//
//	write       FD, Text
//	read        FD, Len
//	getpid      -
//	gettid      -
//	cpuid       Leaf, Subleaf
//	clock       Clock
//	yield       -
//	sleep       Nanos
//	spawn       Thread (a script name)
//	syscall     Num, Args
//	ud2         -
//	exit        Code
//	exit_group  Code
type Step struct {
	Op      string   `toml:"op" json:"op"`
	FD      uint64   `toml:"fd,omitempty" json:"fd,omitempty"`
	Text    string   `toml:"text,omitempty" json:"text,omitempty"`
	Len     uint64   `toml:"len,omitempty" json:"len,omitempty"`
	Leaf    uint32   `toml:"leaf,omitempty" json:"leaf,omitempty"`
	Subleaf uint32   `toml:"subleaf,omitempty" json:"subleaf,omitempty"`
	Clock   int32    `toml:"clock,omitempty" json:"clock,omitempty"`
	Nanos   int64    `toml:"nanos,omitempty" json:"nanos,omitempty"`
	Thread  string   `toml:"thread,omitempty" json:"thread,omitempty"`
	Num     uint64   `toml:"num,omitempty" json:"num,omitempty"`
	Args    []uint64 `toml:"args,omitempty" json:"args,omitempty"`
	Code    int32    `toml:"code,omitempty" json:"code,omitempty"`
}

// Script is the steps of one thread, run in order. A script that does not end
// with an exit returns 0.
type Script []Step

// Scripts is a named set of scripts. The main thread runs MainScript.
type Scripts map[string]Script

var errNoMain = errors.New("no main script")

// Validate checks that every step is well formed and every spawned script
// exists.
func (s Scripts) Validate() error {
	if _, ok := s[MainScript]; !ok {
		return errNoMain
	}
	for name, script := range s {
		for i, st := range script {
			if err := s.validateStep(&st); err != nil {
				return fmt.Errorf("script %q step %d: %w", name, i, err)
			}
		}
	}
	return nil
}

func (s Scripts) validateStep(st *Step) error {
	switch st.Op {
	case "write", "read", "getpid", "gettid", "cpuid", "clock", "yield", "sleep", "ud2", "exit", "exit_group":
	case "spawn":
		if _, ok := s[st.Thread]; !ok {
			return fmt.Errorf("spawn of unknown script %q", st.Thread)
		}
	case "syscall":
		if len(st.Args) > block.NumArgs {
			return fmt.Errorf("%d arguments, at most %d", len(st.Args), block.NumArgs)
		}
	case "":
		return errors.New("missing op")
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

// Program returns the Program running script name. Each thread works on its
// own copy of the script.
func (s Scripts) Program(name string) Program {
	return func(t *Thread) int32 {
		steps := deepcopy.Copy(s[name]).(Script)
		for i := range steps {
			if code, done := s.run(t, &steps[i]); done {
				return code
			}
		}
		return 0
	}
}

// run executes st. done is set once the thread has exited.
func (s Scripts) run(t *Thread, st *Step) (code int32, done bool) {
	var (
		ret  int64
		data []byte
	)
	switch st.Op {
	case "write":
		ret = t.Write(st.FD, []byte(st.Text))
	case "read":
		data, ret = t.Read(st.FD, st.Len)
	case "getpid":
		ret = int64(t.Syscall(unix.SYS_GETPID))
	case "gettid":
		ret = int64(t.Syscall(unix.SYS_GETTID))
	case "cpuid":
		out := t.CPUID(st.Leaf, st.Subleaf)
		data = []byte(fmt.Sprintf("%08x %08x %08x %08x", out.Eax, out.Ebx, out.Ecx, out.Edx))
	case "clock":
		var now time.Time
		now, ret = t.ClockGettime(st.Clock)
		if ret == 0 {
			data = []byte(now.UTC().Format(time.RFC3339Nano))
		}
	case "yield":
		ret = int64(t.Syscall(unix.SYS_SCHED_YIELD))
	case "sleep":
		ret = t.Nanosleep(time.Duration(st.Nanos))
	case "spawn":
		tid, err := t.Spawn(s.Program(st.Thread))
		if err != nil {
			ret = -int64(unix.EAGAIN)
			data = []byte(err.Error())
		} else {
			ret = int64(tid)
		}
	case "syscall":
		ret = int64(t.Syscall(st.Num, st.Args...))
	case "ud2":
		t.UD2()
	case "exit":
		t.Record(st.Op, 0, nil)
		return t.Exit(st.Code), true
	case "exit_group":
		t.Record(st.Op, 0, nil)
		return t.ExitGroup(st.Code), true
	}
	t.Record(st.Op, ret, data)
	return 0, false
}
