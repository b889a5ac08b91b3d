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

// Package entry is the enclave entry point.
//
// EENTER lands here with:
//
//	rax  the current SSA index (CSSA), which is the nesting level
//	rbx  the address of the TCS
//	rcx  the address of the instruction after EENTER
//	rdi  the address of the shared block, chosen by the host
//
// Level 0 is normal execution; any other level is an exception being handled.
// Enter is the only code that reads raw registers. It picks the stack for the
// level, relocates the image on the very first entry, scrubs CPU state
// around the call into the dispatcher and returns the EEXIT the hardware
// performs.
package entry

import (
	"time"

	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/arch"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/dispatch"
	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/enclave/layout"
	"sgxshim.dev/shim/pkg/enclave/reloc"
	"sgxshim.dev/shim/pkg/enclave/sanitize"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/log"
	"sgxshim.dev/shim/pkg/sync"
)

// Blocks resolves the block address a host passes in rdi. The memory behind
// the address is untrusted; nil means nothing is mapped there.
type Blocks interface {
	Block(addr hostarch.Addr) *block.Block
}

// Exit describes the EEXIT at the end of an entry.
type Exit struct {
	// Leaf is always EEXIT.
	Leaf sgx.Leaf

	// Target is the host address execution continues at.
	Target uint64

	// Result is the dispatcher's result code, also left in r8.
	Result int32

	// Stack is the stack pointer the dispatcher ran on.
	Stack uint64
}

// Trampoline holds everything an entry needs.
type Trampoline struct {
	Arena      *layout.Arena
	Image      *reloc.Image
	Relocator  *reloc.Relocator
	Dispatcher *dispatch.Dispatcher
	Blocks     Blocks

	relocate sync.Once
}

// spinLog reports entries held up by a racing lower level.
var spinLog = log.BasicRateLimitedLogger(time.Second)

// Enter runs one entry on cpu, which holds the registers EENTER left.
func (t *Trampoline) Enter(cpu *arch.CPU) Exit {
	r := &cpu.Regs
	r.Rflags &^= arch.FlagDF
	r.Rbx, r.Rcx = r.Rcx, r.Rbx

	cssa := r.Rax
	tcs := hostarch.Addr(r.Rcx)
	slot := t.Arena.SlotFor(tcs)
	if slot == nil {
		fatal.Halt(fatal.UnknownSlot, "no thread slot has its TCS at %v", tcs)
	}
	if cssa >= sgx.NumSSA {
		fatal.Halt(fatal.BadNestingLevel, "slot %d entered at level %d", slot.Index, cssa)
	}

	var sp uint64
	switch cssa {
	case 0:
		sp = uint64(layout.TCBAddr(tcs))
	default:
		prev := &slot.SSA[cssa-1]
		sync.SpinUntil(prev.ExceptionsEnabled, func(polls uint64) {
			spinLog.Debugf("slot %d level %d waiting on level %d after %d polls", slot.Index, cssa, cssa-1, polls)
		})
		if cssa == 1 {
			sp = uint64(layout.CSSA1Stack(tcs).End)
		} else {
			sp = prev.GPR.Rsp - sgx.RedZone
		}
	}

	// Align, then push the host's stack pointer keeping the alignment.
	sp &^= sgx.StackAlign - 1
	slot.SavedRSP[cssa] = r.Rsp
	r.Rsp = sp - 2*8
	slot.StackPointer[cssa] = r.Rsp

	if cssa == 0 {
		t.relocate.Do(func() {
			t.Relocator.Relocate(t.Image)
		})
		// Once counts a halted Relocate as done.
		if !t.Relocator.Relocated() {
			fatal.Halt(fatal.BadRelocation, "image at %v is not relocated", t.Image.Base)
		}
	}

	blk := block.Location{Addr: hostarch.Addr(r.Rdi)}
	blk.Block = t.Blocks.Block(blk.Addr)

	sanitize.ClearExtended(cpu)
	ret := t.Dispatcher.Main(&blk, &slot.SSA, cssa, &slot.TCB)
	sanitize.ClearExtended(cpu)
	sanitize.ClearParams(cpu)

	r.R8 = uint64(int64(ret))
	r.Rsp = slot.SavedRSP[cssa]
	r.Rax = uint64(sgx.EEXIT)
	return Exit{
		Leaf:   sgx.EEXIT,
		Target: r.Rbx,
		Result: ret,
		Stack:  slot.StackPointer[cssa],
	}
}
