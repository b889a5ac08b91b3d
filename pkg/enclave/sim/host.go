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
	"golang.org/x/sys/unix"
	"sgxshim.dev/shim/pkg/cpuid"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/log"
)

// Syscaller performs the proxied syscalls the host receives. Exit requests
// never reach it.
type Syscaller interface {
	Syscall(req *block.Request) block.Reply
}

// Host is the untrusted side of the shared blocks.
type Host struct {
	Syscaller Syscaller
	CPUID     cpuid.Function

	// Memory is host memory. Clear-on-exit words live in it.
	Memory *Memory
}

// errnoReply returns the reply for a failed syscall.
func errnoReply(e unix.Errno) block.Reply {
	return block.Reply{Ret: [block.NumRets]uint64{uint64(-int64(e))}}
}

// Serve answers the request in blk. It returns the decoded request so the
// caller can observe exits.
func (h *Host) Serve(blk *block.Block) block.Request {
	req, err := block.DecodeRequest(blk)
	if err != nil {
		log.Warningf("host: undecodable request: %v", err)
		return block.Request{}
	}
	reply := h.handle(&req)
	if err := reply.Encode(blk); err != nil {
		log.Warningf("host: %v %d: %v", req.Kind, req.Num, err)
		reply = errnoReply(unix.EIO)
		_ = reply.Encode(blk)
	}
	return req
}

func (h *Host) handle(req *block.Request) block.Reply {
	switch req.Kind {
	case block.KindCPUID:
		out := h.CPUID.Query(cpuid.In{Eax: uint32(req.Args[0]), Ecx: uint32(req.Args[1])})
		return block.Reply{Ret: [block.NumRets]uint64{uint64(out.Eax), uint64(out.Ebx), uint64(out.Ecx), uint64(out.Edx)}}
	case block.KindSyscall:
		switch req.Num {
		case unix.SYS_EXIT, unix.SYS_EXIT_GROUP:
			h.clearOnExit(hostarch.Addr(req.ClearOnExit))
			return block.Reply{}
		}
		reply := h.Syscaller.Syscall(req)
		if uint64(len(reply.Data)) > req.OutLen {
			log.Warningf("host: %v %d: %d reply bytes for a %d byte buffer", req.Kind, req.Num, len(reply.Data), req.OutLen)
			return errnoReply(unix.EIO)
		}
		return reply
	}
	return errnoReply(unix.ENOSYS)
}

// clearOnExit zeroes the 32-bit word a thread asked to have cleared when it
// exits.
func (h *Host) clearOnExit(addr hostarch.Addr) {
	if addr == 0 {
		return
	}
	var zero [4]byte
	if err := h.Memory.WriteAt(addr, zero[:]); err != nil {
		log.Warningf("host: clearing %v on exit: %v", addr, err)
	}
}
