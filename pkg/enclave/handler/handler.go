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

// Package handler services the exceptions the workload takes: syscall and
// cpuid, both of which fault with #UD inside an enclave.
//
// A trapped instruction reaches Handle at nesting level 1 with the
// workload's registers in SSA frame 0. Handle either answers it inside the
// enclave or writes a request into the shared block and exits to the host.
// The host performs the request and enters again at level 2, where Finish
// reads the reply back and stores the result into the level 1 frame. ERESUME
// then continues Handle, which moves the result into frame 0 and steps the
// workload past the trapped instruction.
package handler

import (
	"fmt"

	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/log"
)

// Handler is what the dispatcher drives at nesting levels 1 and above.
type Handler interface {
	// Handle services the exception recorded in ssa0.
	Handle(ssa0 *sgx.StateSaveArea, blk *block.Location, tcb *thread.TCB) int32

	// Finish completes the request pending in tcb, storing the result into
	// the frame of the level that made it.
	Finish(ssaPrev *sgx.StateSaveArea, blk *block.Location, tcb *thread.TCB) int32
}

// Exiter leaves the enclave so the host can service the request pending in
// tcb. On hardware this executes an instruction that faults at level 1; the
// returned registers are what ERESUME restores once the host has entered at
// level 2 and Finish has run.
type Exiter interface {
	Exit(tcb *thread.TCB) sgx.GenPurposeRegs
}

// Memory is enclave memory.
type Memory interface {
	ReadAt(addr hostarch.Addr, dst []byte) error
	WriteAt(addr hostarch.Addr, src []byte) error
}

// Trapped instruction encodings.
var (
	opSyscall = [2]byte{0x0f, 0x05}
	opCPUID   = [2]byte{0x0f, 0xa2}
)

// Proxy is the Handler that forwards to the host through the shared block.
type Proxy struct {
	Memory Memory
	Exiter Exiter

	// Enclave is the enclave range. Workload buffers must lie inside it.
	Enclave hostarch.AddrRange
}

var _ Handler = (*Proxy)(nil)

// Handle implements Handler.Handle.
func (p *Proxy) Handle(ssa0 *sgx.StateSaveArea, blk *block.Location, tcb *thread.TCB) int32 {
	gpr := &ssa0.GPR
	if !gpr.ExitInfo.Valid() || gpr.ExitInfo.Vector() != sgx.InvalidOpcode {
		fatal.Halt(fatal.UnhandledException, "exception %v at rip %#x", gpr.ExitInfo, gpr.Rip)
	}
	var insn [2]byte
	if err := p.Memory.ReadAt(hostarch.Addr(gpr.Rip), insn[:]); err != nil {
		fatal.Halt(fatal.UnhandledException, "fetching instruction at %#x: %v", gpr.Rip, err)
	}
	switch insn {
	case opSyscall:
		p.syscall(gpr, blk, tcb)
	case opCPUID:
		p.cpuid(gpr, blk, tcb)
	default:
		fatal.Halt(fatal.UnhandledException, "#UD on % x at rip %#x", insn[:], gpr.Rip)
	}
	gpr.Rip += uint64(len(insn))
	return 0
}

func (p *Proxy) cpuid(gpr *sgx.GenPurposeRegs, blk *block.Location, tcb *thread.TCB) {
	req := block.Request{
		Kind: block.KindCPUID,
		Args: [block.NumArgs]uint64{uint64(uint32(gpr.Rax)), uint64(uint32(gpr.Rcx))},
	}
	regs := p.roundTrip(&req, blk, tcb)
	gpr.Rax = uint64(uint32(regs.Rax))
	gpr.Rbx = uint64(uint32(regs.Rbx))
	gpr.Rcx = uint64(uint32(regs.Rcx))
	gpr.Rdx = uint64(uint32(regs.Rdx))
}

func (p *Proxy) syscall(gpr *sgx.GenPurposeRegs, blk *block.Location, tcb *thread.TCB) {
	num := gpr.Rax
	args := [block.NumArgs]uint64{gpr.Rdi, gpr.Rsi, gpr.Rdx, gpr.R10, gpr.R8, gpr.R9}

	if ret, ok := p.local(num, args, gpr, tcb); ok {
		gpr.Rax = ret
		return
	}
	req, errno := p.request(num, args, tcb)
	if errno != 0 {
		gpr.Rax = errno
		return
	}
	regs := p.roundTrip(&req, blk, tcb)
	gpr.Rax = regs.Rax
	gpr.Rdx = regs.Rdx
}

// roundTrip publishes req and exits to the host. The request is in the block
// and recorded in tcb before the exit.
func (p *Proxy) roundTrip(req *block.Request, blk *block.Location, tcb *thread.TCB) sgx.GenPurposeRegs {
	if err := req.Encode(blk.Block); err != nil {
		// Requests are sized to fit when they are built.
		panic(fmt.Sprintf("encoding %v %d: %v", req.Kind, req.Num, err))
	}
	tcb.Pending = *req
	if log.IsLogging(log.Debug) {
		log.Debugf("tid %d: %v %d exits to host", tcb.TID, req.Kind, req.Num)
	}
	regs := p.Exiter.Exit(tcb)
	if tcb.Pending.Pending() {
		fatal.Halt(fatal.MalformedReply, "resumed with %v %d still pending", req.Kind, req.Num)
	}
	return regs
}

// Finish implements Handler.Finish.
func (p *Proxy) Finish(ssaPrev *sgx.StateSaveArea, blk *block.Location, tcb *thread.TCB) int32 {
	req := &tcb.Pending
	if !req.Pending() {
		fatal.Halt(fatal.NoPendingRequest, "tid %d re-entered with nothing pending", tcb.TID)
	}
	reply, err := block.DecodeReply(blk.Block, req)
	if err != nil {
		fatal.Halt(fatal.MalformedReply, "tid %d: %v", tcb.TID, err)
	}

	gpr := &ssaPrev.GPR
	switch req.Kind {
	case block.KindCPUID:
		gpr.Rax = uint64(uint32(reply.Ret[0]))
		gpr.Rbx = uint64(uint32(reply.Ret[1]))
		gpr.Rcx = uint64(uint32(reply.Ret[2]))
		gpr.Rdx = uint64(uint32(reply.Ret[3]))
	case block.KindSyscall:
		gpr.Rax = p.complete(req, &reply)
		gpr.Rdx = reply.Ret[1]
	}
	*req = block.Request{}
	return 0
}
