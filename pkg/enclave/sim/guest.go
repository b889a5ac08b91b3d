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
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/arch"
	"sgxshim.dev/shim/pkg/cpuid"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
)

// Program is the code of one workload thread. Its return value is the
// thread's status.
type Program func(t *Thread) int32

// Event is one recorded workload action.
type Event struct {
	Op   string
	Ret  int64
	Data []byte `json:",omitempty"`
}

// Thread is a workload thread running at level 0 of a slot. Its methods
// execute instructions the enclave traps on.
type Thread struct {
	m       *Machine
	v       *vcpu
	tcb     *thread.TCB
	regs    arch.Registers
	scratch hostarch.AddrRange
	events  []Event
}

// TID returns the thread's identifier as the shim assigned it.
func (t *Thread) TID() uint64 { return t.tcb.TID }

// ClearOnExit returns the host word cleared when the thread exits, or 0.
func (t *Thread) ClearOnExit() hostarch.Addr { return t.tcb.ClearOnExit }

// Registers returns the thread's current registers.
func (t *Thread) Registers() arch.Registers { return t.regs }

// Scratch returns a buffer in enclave memory owned by the thread.
func (t *Thread) Scratch() hostarch.AddrRange { return t.scratch }

// Poke writes enclave memory.
func (t *Thread) Poke(addr hostarch.Addr, data []byte) error {
	return t.m.mem.WriteAt(addr, data)
}

// Peek reads enclave memory.
func (t *Thread) Peek(addr hostarch.Addr, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := t.m.mem.ReadAt(addr, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Record appends an event to the thread's result.
func (t *Thread) Record(op string, ret int64, data []byte) {
	t.events = append(t.events, Event{Op: op, Ret: ret, Data: data})
}

// trap executes the instruction at off in the image, which faults with #UD.
func (t *Thread) trap(off hostarch.Addr) sgx.GenPurposeRegs {
	t.regs.Rip = uint64(t.m.image.Base + off)
	g := t.m.aex(t.v, t.regs, sgx.NewExitInfo(sgx.InvalidOpcode, sgx.ExitTypeHardware))
	t.regs = arch.FromGPR(&g)
	return g
}

// Syscall executes a syscall instruction and returns rax.
func (t *Thread) Syscall(num uint64, args ...uint64) uint64 {
	if len(args) > block.NumArgs {
		panic(fmt.Sprintf("syscall %d with %d arguments", num, len(args)))
	}
	r := &t.regs
	r.Rax = num
	dst := [block.NumArgs]*uint64{&r.Rdi, &r.Rsi, &r.Rdx, &r.R10, &r.R8, &r.R9}
	for i, a := range args {
		*dst[i] = a
	}
	return t.trap(SyscallOffset).Rax
}

// CPUID executes cpuid.
func (t *Thread) CPUID(leaf, subleaf uint32) cpuid.Out {
	t.regs.Rax = uint64(leaf)
	t.regs.Rcx = uint64(subleaf)
	g := t.trap(CPUIDOffset)
	return cpuid.Out{Eax: uint32(g.Rax), Ebx: uint32(g.Rbx), Ecx: uint32(g.Rcx), Edx: uint32(g.Rdx)}
}

// UD2 executes ud2. The shim halts the thread.
func (t *Thread) UD2() {
	t.trap(UD2Offset)
}

// Write writes data to fd through the scratch buffer.
func (t *Thread) Write(fd uint64, data []byte) int64 {
	if uint64(len(data)) > t.scratch.Length() {
		data = data[:t.scratch.Length()]
	}
	if err := t.Poke(t.scratch.Start, data); err != nil {
		panic(err)
	}
	return int64(t.Syscall(unix.SYS_WRITE, fd, uint64(t.scratch.Start), uint64(len(data))))
}

// Read reads up to n bytes from fd through the scratch buffer.
func (t *Thread) Read(fd, n uint64) ([]byte, int64) {
	n = min(n, t.scratch.Length())
	ret := int64(t.Syscall(unix.SYS_READ, fd, uint64(t.scratch.Start), n))
	if ret <= 0 {
		return nil, ret
	}
	b, err := t.Peek(t.scratch.Start, int(ret))
	if err != nil {
		panic(err)
	}
	return b, ret
}

// ClockGettime reads clock.
func (t *Thread) ClockGettime(clock int32) (time.Time, int64) {
	ret := int64(t.Syscall(unix.SYS_CLOCK_GETTIME, uint64(clock), uint64(t.scratch.Start)))
	if ret != 0 {
		return time.Time{}, ret
	}
	b, err := t.Peek(t.scratch.Start, timespecSize)
	if err != nil {
		panic(err)
	}
	ts, _ := getTimespec(b)
	return time.Unix(ts.Sec, ts.Nsec), 0
}

// Nanosleep sleeps for d.
func (t *Thread) Nanosleep(d time.Duration) int64 {
	if err := t.Poke(t.scratch.Start, putTimespec(unix.NsecToTimespec(d.Nanoseconds()))); err != nil {
		panic(err)
	}
	return int64(t.Syscall(unix.SYS_NANOSLEEP, uint64(t.scratch.Start), 0))
}

// NanosleepRemaining sleeps for d and also returns the unslept time the host
// reports when the sleep is interrupted.
func (t *Thread) NanosleepRemaining(d time.Duration) (time.Duration, int64) {
	req, rem := t.scratch.Start, t.scratch.Start+timespecSize
	if err := t.Poke(req, putTimespec(unix.NsecToTimespec(d.Nanoseconds()))); err != nil {
		panic(err)
	}
	if err := t.Poke(rem, make([]byte, timespecSize)); err != nil {
		panic(err)
	}
	ret := int64(t.Syscall(unix.SYS_NANOSLEEP, uint64(req), uint64(rem)))
	b, err := t.Peek(rem, timespecSize)
	if err != nil {
		panic(err)
	}
	ts, _ := getTimespec(b)
	return time.Duration(ts.Nano()), ret
}

// Spawn creates a thread running p. The new thread gets a clear-on-exit word
// of its own, set to the TID until the thread exits.
func (t *Thread) Spawn(p Program) (uint64, error) {
	tid := t.m.nextTID()
	clear, err := t.m.allocClearWord(tid)
	if err != nil {
		return 0, err
	}
	if err := t.m.setHostWord(clear, uint32(tid)); err != nil {
		t.m.releaseClearWord(tid)
		return 0, err
	}
	regs := t.regs
	regs.Rax = 0
	req := thread.FromRegisters{TID: tid, ClearOnExit: clear, Regs: regs}
	if err := t.m.SpawnThread(req, p); err != nil {
		t.m.releaseClearWord(tid)
		return 0, err
	}
	return tid, nil
}

// Exit makes an exit request and returns code.
func (t *Thread) Exit(code int32) int32 {
	t.Syscall(unix.SYS_EXIT, uint64(code))
	return code
}

// ExitGroup makes an exit_group request and returns code.
func (t *Thread) ExitGroup(code int32) int32 {
	t.Syscall(unix.SYS_EXIT_GROUP, uint64(code))
	return code
}
