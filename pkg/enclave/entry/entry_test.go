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

package entry

import (
	"debug/elf"
	"testing"
	"time"

	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/arch"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/dispatch"
	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/enclave/layout"
	"sgxshim.dev/shim/pkg/enclave/reloc"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
)

const (
	hostBlock  = hostarch.Addr(0x10000)
	hostResume = 0x400123
	hostRSP    = 0x7ffd_0000_1008
)

type hostBlocks map[hostarch.Addr]*block.Block

func (h hostBlocks) Block(addr hostarch.Addr) *block.Block {
	return h[addr]
}

// stub is the workload, register loader and handler at once. It records the
// CPU state trusted code observed.
type stub struct {
	cpu      *arch.CPU
	observed []arch.Registers
	fpClean  []bool
}

func (s *stub) observe() int32 {
	if s.cpu != nil {
		s.observed = append(s.observed, s.cpu.Regs)
		s.fpClean = append(s.fpClean, s.cpu.FP.IsBaseline())
	}
	return -3
}

func (s *stub) Entry(hostarch.Addr, *thread.TCB) int32 { return s.observe() }

func (s *stub) LoadRegisters(arch.Registers, *thread.TCB) int32 { return s.observe() }

func (s *stub) Handle(*sgx.StateSaveArea, *block.Location, *thread.TCB) int32 { return s.observe() }

func (s *stub) Finish(*sgx.StateSaveArea, *block.Location, *thread.TCB) int32 { return s.observe() }

type fixture struct {
	t     *Trampoline
	stub  *stub
	arena *layout.Arena
	img   *reloc.Image
}

func newFixture(threads int) *fixture {
	e := layout.Default(threads)
	arena := layout.NewArena(e)
	st := &stub{}
	img := &reloc.Image{Base: e.Base, Mem: make([]byte, 64)}
	mgr := new(thread.Manager)
	for i := 0; i < threads; i++ {
		mgr.Queue.Enqueue(thread.FromRegisters{TID: uint64(i + 1)})
	}
	return &fixture{
		stub:  st,
		arena: arena,
		img:   img,
		t: &Trampoline{
			Arena:     arena,
			Image:     img,
			Relocator: new(reloc.Relocator),
			Blocks:    hostBlocks{hostBlock: new(block.Block)},
			Dispatcher: &dispatch.Dispatcher{
				Shim:     e.Range(),
				Threads:  mgr,
				Workload: st,
				Loader:   st,
				Handler:  st,
			},
		},
	}
}

func entryCPU(cssa uint64, tcs hostarch.Addr) *arch.CPU {
	c := arch.NewCPU()
	c.Regs = arch.Registers{
		Rax: cssa,
		Rbx: uint64(tcs),
		Rcx: hostResume,
		Rdi: uint64(hostBlock),
		Rsi: 0x51, Rdx: 0xd1, R8: 0x8, R9: 0x9, R10: 0x10, R11: 0x11, R12: 0x12,
		Rsp:    hostRSP,
		Rflags: arch.FlagReserved | arch.FlagDF | arch.FlagCF,
	}
	c.FP.SetMXCSR(0xffbf)
	c.FP.SetXStateBV(0x7)
	return c
}

func (f *fixture) enter(cssa uint64, slot int) (Exit, *arch.CPU) {
	cpu := entryCPU(cssa, f.arena.Enclave.TCS(slot))
	f.stub.cpu = cpu
	return f.t.Enter(cpu), cpu
}

func TestExitRegisters(t *testing.T) {
	f := newFixture(1)
	exit, cpu := f.enter(0, 0)

	if exit.Leaf != sgx.EEXIT || exit.Target != hostResume || exit.Result != -3 {
		t.Errorf("Exit = %+v", exit)
	}
	r := cpu.Regs
	if r.Rax != uint64(sgx.EEXIT) || r.Rbx != hostResume || r.Rsp != hostRSP {
		t.Errorf("exit rax=%#x rbx=%#x rsp=%#x", r.Rax, r.Rbx, r.Rsp)
	}
	if int64(r.R8) != -3 {
		t.Errorf("r8 = %#x, want -3", r.R8)
	}
	if r.Rdi|r.Rsi|r.Rdx|r.Rcx|r.R9|r.R10|r.R11 != 0 {
		t.Errorf("scratch or parameter registers leak: %+v", r)
	}
	if r.R12 != 0x12 {
		t.Errorf("callee-saved r12 changed to %#x", r.R12)
	}
	if r.Rflags != arch.FlagReserved {
		t.Errorf("rflags = %#x", r.Rflags)
	}
	if !cpu.FP.IsBaseline() {
		t.Errorf("extended state leaks to the host: %v", &cpu.FP)
	}

	// Trusted code ran with clean flags and extended state, and with the
	// parameter registers intact.
	if len(f.stub.observed) != 1 {
		t.Fatalf("observed %d calls", len(f.stub.observed))
	}
	in := f.stub.observed[0]
	if in.Rflags&arch.UserWritableFlags != 0 || in.R10 != 0 || in.R11 != 0 || !f.stub.fpClean[0] {
		t.Errorf("dispatcher entered with dirty state: %+v", in)
	}
	if in.Rdi != uint64(hostBlock) || in.Rsi != 0x51 || in.Rdx != 0xd1 {
		t.Errorf("parameter registers clobbered: %+v", in)
	}
}

// Every level runs on a 16-byte aligned stack inside its slot's stacks, and
// exceptions run on the exception stack.
func TestStackSelection(t *testing.T) {
	f := newFixture(2)
	for slot := 0; slot < 2; slot++ {
		tcs := f.arena.Enclave.TCS(slot)
		s := f.arena.Slot(slot)

		exit, _ := f.enter(0, slot)
		checkStack(t, 0, exit.Stack, layout.CSSA0Stack(tcs))
		if exit.Stack != uint64(layout.TCBAddr(tcs))-16 {
			t.Errorf("level 0 stack = %#x", exit.Stack)
		}

		s.SSA[0].EnableExceptions()
		exit, _ = f.enter(1, slot)
		checkStack(t, 1, exit.Stack, layout.CSSA1Stack(tcs))

		for _, rsp := range []uint64{
			uint64(layout.CSSA1Stack(tcs).End) - 0x40,
			uint64(layout.CSSA1Stack(tcs).End) - 0x1237,
			uint64(layout.CSSA1Stack(tcs).Start) + 0x1001,
		} {
			s.SSA[1].EnableExceptions()
			s.SSA[1].GPR.Rsp = rsp
			exit, _ = f.enter(2, slot)
			checkStack(t, 2, exit.Stack, layout.CSSA1Stack(tcs))
			if exit.Stack > rsp-sgx.RedZone {
				t.Errorf("level 2 stack %#x reaches into the red zone below %#x", exit.Stack, rsp)
			}
		}
	}
}

func checkStack(t *testing.T, level int, sp uint64, r hostarch.AddrRange) {
	t.Helper()
	if sp%16 != 0 {
		t.Errorf("level %d: stack %#x not 16-byte aligned", level, sp)
	}
	if !r.Contains(hostarch.Addr(sp)) {
		t.Errorf("level %d: stack %#x outside %v", level, sp, r)
	}
}

func TestRelocatesOnce(t *testing.T) {
	f := newFixture(2)
	f.t.Arena.Slot(0).SSA[0].EnableExceptions()
	f.enter(1, 0)
	if f.t.Relocator.Done() {
		t.Fatalf("level 1 entry relocated")
	}
	f.enter(0, 0)
	if !f.t.Relocator.Done() {
		t.Fatalf("first level 0 entry did not relocate")
	}
	// A second relocation would halt with DoubleRelocation.
	if v := fatal.Catch(func() { f.enter(0, 1) }); v != nil {
		t.Errorf("second level 0 entry halted: %v", v)
	}
}

// unsupportedImage has one R_X86_64_64 relocation, which the relocator
// refuses.
func unsupportedImage(base hostarch.Addr) *reloc.Image {
	mem := make([]byte, hostarch.PageSize)
	put := func(off, v uint64) { hostarch.ByteOrder.PutUint64(mem[off:], v) }
	put(0x100, uint64(elf.DT_RELA))
	put(0x108, 0x200)
	put(0x110, uint64(elf.DT_RELASZ))
	put(0x118, 24)
	put(0x120, uint64(elf.DT_RELAENT))
	put(0x128, 24)
	put(0x130, uint64(elf.DT_NULL))
	put(0x200, 0x400)
	put(0x208, uint64(elf.R_X86_64_64))
	return &reloc.Image{Base: base, Mem: mem, Dynamic: 0x100}
}

func TestFailedRelocationHaltsLaterEntries(t *testing.T) {
	f := newFixture(2)
	f.t.Image = unsupportedImage(f.arena.Enclave.Base)

	for slot := 0; slot < 2; slot++ {
		v := fatal.Catch(func() { f.enter(0, slot) })
		if v == nil || v.Kind != fatal.BadRelocation {
			t.Errorf("slot %d: Enter = %v, want BadRelocation", slot, v)
		}
	}
	if n := len(f.stub.observed); n != 0 {
		t.Errorf("dispatcher ran %d times on an unrelocated image", n)
	}
	if n := f.t.Dispatcher.Threads.Queue.Len(); n != 2 {
		t.Errorf("queue has %d requests, want 2", n)
	}
}

func TestHalts(t *testing.T) {
	f := newFixture(1)
	for _, tc := range []struct {
		name string
		cpu  *arch.CPU
		want fatal.Kind
	}{
		{"unknown tcs", entryCPU(0, f.arena.Enclave.TCS(0)+hostarch.PageSize), fatal.UnknownSlot},
		{"tcb page as tcs", entryCPU(0, layout.TCBAddr(f.arena.Enclave.TCS(0))), fatal.UnknownSlot},
		{"level too deep", entryCPU(sgx.NumSSA, f.arena.Enclave.TCS(0)), fatal.BadNestingLevel},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := fatal.Catch(func() { f.t.Enter(tc.cpu) })
			if v == nil || v.Kind != tc.want {
				t.Errorf("Enter = %v, want %v", v, tc.want)
			}
		})
	}
}

// A level 1 entry that races the level 0 bring-up waits for it instead of
// failing.
func TestSpinsOnRacingLevel(t *testing.T) {
	f := newFixture(1)
	cpu := entryCPU(1, f.arena.Enclave.TCS(0))
	done := make(chan Exit, 1)
	go func() {
		done <- f.t.Enter(cpu)
	}()

	select {
	case <-done:
		t.Fatalf("level 1 entry did not wait for level 0")
	case <-time.After(50 * time.Millisecond):
	}
	f.arena.Slot(0).SSA[0].EnableExceptions()
	select {
	case exit := <-done:
		if exit.Result != -3 {
			t.Errorf("Exit = %+v", exit)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("level 1 entry never finished")
	}
}
