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

package handler

import (
	"golang.org/x/sys/unix"
	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
)

// arch_prctl codes.
const (
	archSetGS = 0x1001
	archSetFS = 0x1002
	archGetFS = 0x1003
	archGetGS = 0x1004
)

// timespecSize is sizeof(struct timespec).
const timespecSize = 16

// enclavePID is the process ID the workload sees.
const enclavePID = 1

func errno(e unix.Errno) uint64 {
	return uint64(-int64(e))
}

// local answers the syscalls that never leave the enclave.
func (p *Proxy) local(num uint64, args [block.NumArgs]uint64, gpr *sgx.GenPurposeRegs, tcb *thread.TCB) (uint64, bool) {
	switch num {
	case unix.SYS_GETPID:
		return enclavePID, true
	case unix.SYS_GETUID, unix.SYS_GETGID, unix.SYS_GETEUID, unix.SYS_GETEGID:
		return 0, true
	case unix.SYS_GETTID:
		return tcb.TID, true
	case unix.SYS_SET_TID_ADDRESS:
		tcb.ClearOnExit = hostarch.Addr(args[0])
		return tcb.TID, true
	case unix.SYS_ARCH_PRCTL:
		return p.archPrctl(args[0], args[1], gpr), true
	}
	return 0, false
}

func (p *Proxy) archPrctl(code, addr uint64, gpr *sgx.GenPurposeRegs) uint64 {
	var val uint64
	switch code {
	case archSetFS:
		gpr.FSBase = addr
		return 0
	case archSetGS:
		gpr.GSBase = addr
		return 0
	case archGetFS:
		val = gpr.FSBase
	case archGetGS:
		val = gpr.GSBase
	default:
		return errno(unix.EINVAL)
	}
	var buf [8]byte
	hostarch.ByteOrder.PutUint64(buf[:], val)
	if !p.inEnclave(addr, uint64(len(buf))) || p.Memory.WriteAt(hostarch.Addr(addr), buf[:]) != nil {
		return errno(unix.EFAULT)
	}
	return 0
}

func (p *Proxy) inEnclave(addr, length uint64) bool {
	r, ok := hostarch.Addr(addr).ToRange(length)
	return ok && p.Enclave.IsSupersetOf(r)
}

// readIn copies a workload buffer that is sent to the host.
func (p *Proxy) readIn(addr, length uint64) ([]byte, bool) {
	if !p.inEnclave(addr, length) {
		return nil, false
	}
	buf := make([]byte, length)
	if err := p.Memory.ReadAt(hostarch.Addr(addr), buf); err != nil {
		return nil, false
	}
	return buf, true
}

// request builds the host request for a proxied syscall. A non-zero errno is
// returned to the workload instead.
func (p *Proxy) request(num uint64, args [block.NumArgs]uint64, tcb *thread.TCB) (block.Request, uint64) {
	req := block.Request{Kind: block.KindSyscall, Num: num, Args: args}
	switch num {
	case unix.SYS_READ, unix.SYS_PREAD64:
		n := min(args[2], block.DataCap)
		if !p.inEnclave(args[1], n) {
			return block.Request{}, errno(unix.EFAULT)
		}
		req.Args[2] = n
		req.OutAddr = hostarch.Addr(args[1])
		req.OutLen = n
	case unix.SYS_WRITE, unix.SYS_PWRITE64:
		n := min(args[2], block.DataCap)
		in, ok := p.readIn(args[1], n)
		if !ok {
			return block.Request{}, errno(unix.EFAULT)
		}
		req.Args[2] = n
		req.In = in
	case unix.SYS_CLOCK_GETTIME:
		if !p.inEnclave(args[1], timespecSize) {
			return block.Request{}, errno(unix.EFAULT)
		}
		req.OutAddr = hostarch.Addr(args[1])
		req.OutLen = timespecSize
	case unix.SYS_NANOSLEEP:
		in, ok := p.readIn(args[0], timespecSize)
		if !ok {
			return block.Request{}, errno(unix.EFAULT)
		}
		req.In = in
		if args[1] != 0 {
			if !p.inEnclave(args[1], timespecSize) {
				return block.Request{}, errno(unix.EFAULT)
			}
			req.OutAddr = hostarch.Addr(args[1])
			req.OutLen = timespecSize
		}
	case unix.SYS_EXIT, unix.SYS_EXIT_GROUP:
		req.ClearOnExit = uint64(tcb.ClearOnExit)
	case unix.SYS_CLOSE, unix.SYS_FSYNC, unix.SYS_SCHED_YIELD:
	default:
		return block.Request{}, errno(unix.ENOSYS)
	}
	return req, 0
}

// complete validates a syscall reply against its request, copies any payload
// into the workload's buffer and returns the value for rax. Errors are passed
// through verbatim; results no honest host could produce halt.
func (p *Proxy) complete(req *block.Request, reply *block.Reply) uint64 {
	ret := reply.Ret[0]
	failed := int64(ret) < 0
	switch req.Num {
	case unix.SYS_READ, unix.SYS_PREAD64:
		want := uint64(0)
		if !failed {
			want = ret
		}
		if !failed && ret > req.OutLen || uint64(len(reply.Data)) != want {
			fatal.Halt(fatal.MalformedReply, "read of %d returned %d with %d bytes", req.OutLen, int64(ret), len(reply.Data))
		}
	case unix.SYS_WRITE, unix.SYS_PWRITE64:
		if !failed && ret > uint64(len(req.In)) {
			fatal.Halt(fatal.MalformedReply, "write of %d returned %d", len(req.In), ret)
		}
	case unix.SYS_CLOCK_GETTIME:
		if !failed && len(reply.Data) != timespecSize {
			fatal.Halt(fatal.MalformedReply, "clock_gettime returned %d bytes", len(reply.Data))
		}
	}
	if len(reply.Data) > 0 {
		if err := p.Memory.WriteAt(req.OutAddr, reply.Data); err != nil {
			return errno(unix.EFAULT)
		}
	}
	return ret
}
