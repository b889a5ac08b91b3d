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

// Package dispatch is the first trusted code reached on every entry. It
// validates the shared block and routes by nesting level.
package dispatch

import (
	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/enclave/handler"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/log"
)

// Dispatcher routes entries.
type Dispatcher struct {
	// Shim is the enclave's own address range. No block may touch it.
	Shim hostarch.AddrRange

	// ExecStart is where the primary thread starts.
	ExecStart hostarch.Addr

	Threads  *thread.Manager
	Workload thread.Workload
	Loader   thread.RegisterLoader
	Handler  handler.Handler
}

// Main handles one entry at nesting level cssa. Exceptions are enabled for
// the level for the duration of the call.
func (d *Dispatcher) Main(blk *block.Location, ssas *[sgx.NumSSA]sgx.StateSaveArea, cssa uint64, tcb *thread.TCB) int32 {
	if cssa >= sgx.NumSSA {
		fatal.Halt(fatal.BadNestingLevel, "entered at level %d", cssa)
	}
	ssas[cssa].EnableExceptions()

	d.checkBlock(blk)

	var ret int32
	switch cssa {
	case 0:
		ret = d.bringUp(tcb)
	case 1:
		ret = d.Handler.Handle(&ssas[0], blk, tcb)
	default:
		ret = d.Handler.Finish(&ssas[cssa-1], blk, tcb)
	}

	ssas[cssa].DisableExceptions()
	return ret
}

// checkBlock halts unless the block lies entirely outside the shim.
func (d *Dispatcher) checkBlock(blk *block.Location) {
	r, ok := blk.Range()
	if !ok {
		fatal.Halt(fatal.BlockOverlap, "block at %v wraps the address space", blk.Addr)
	}
	if r.Overlaps(d.Shim) {
		fatal.Halt(fatal.BlockOverlap, "block %v overlaps the enclave %v", r, d.Shim)
	}
	if blk.Block == nil {
		fatal.Halt(fatal.BlockOverlap, "no block mapped at %v", blk.Addr)
	}
}

func (d *Dispatcher) bringUp(tcb *thread.TCB) int32 {
	*tcb = thread.TCB{}

	nt, ok := d.Threads.Queue.Dequeue()
	if !ok {
		fatal.Halt(fatal.EmptyQueue, "level 0 entry with no thread queued")
	}

	var ret int32
	switch nt := nt.(type) {
	case thread.Main:
		tcb.TID = thread.MainTID
		log.Infof("starting main thread at %v", d.ExecStart)
		ret = d.Workload.Entry(d.ExecStart, tcb)
	case thread.FromRegisters:
		tcb.TID = nt.TID
		tcb.ClearOnExit = nt.ClearOnExit
		log.Debugf("starting thread %d at rip %#x", nt.TID, nt.Regs.Rip)
		ret = d.Loader.LoadRegisters(nt.Regs, tcb)
	default:
		panic("unknown thread request")
	}

	free := d.Threads.Free.Increment()
	log.Debugf("thread %d returned %d, %d threads freed", tcb.TID, ret, free)
	return ret
}
