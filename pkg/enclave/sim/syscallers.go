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
	"bytes"
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/sync"
)

const timespecSize = 16

func putTimespec(ts unix.Timespec) []byte {
	b := make([]byte, timespecSize)
	hostarch.ByteOrder.PutUint64(b, uint64(ts.Sec))
	hostarch.ByteOrder.PutUint64(b[8:], uint64(ts.Nsec))
	return b
}

func getTimespec(b []byte) (unix.Timespec, bool) {
	if len(b) != timespecSize {
		return unix.Timespec{}, false
	}
	return unix.Timespec{
		Sec:  int64(hostarch.ByteOrder.Uint64(b)),
		Nsec: int64(hostarch.ByteOrder.Uint64(b[8:])),
	}, true
}

func retReply(n uint64) block.Reply {
	return block.Reply{Ret: [block.NumRets]uint64{n}}
}

// FakeSyscaller is a deterministic Syscaller backed by in-memory streams.
// Descriptor 0 reads Stdin, descriptors 1 and 2 write Stdout and Stderr.
type FakeSyscaller struct {
	mu     sync.Mutex
	stdin  *bytes.Reader
	stdout bytes.Buffer
	stderr bytes.Buffer
	closed map[uint64]bool
	now    time.Time
	slept  time.Duration

	// maxSleep, if set, cuts longer sleeps short with EINTR.
	maxSleep time.Duration
}

// fakeEpoch is the wall clock a FakeSyscaller starts at.
var fakeEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFakeSyscaller returns a FakeSyscaller whose standard input holds stdin.
func NewFakeSyscaller(stdin []byte) *FakeSyscaller {
	return &FakeSyscaller{
		stdin:  bytes.NewReader(stdin),
		closed: make(map[uint64]bool),
		now:    fakeEpoch,
	}
}

// Stdout returns everything written to descriptor 1.
func (f *FakeSyscaller) Stdout() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdout.String()
}

// Stderr returns everything written to descriptor 2.
func (f *FakeSyscaller) Stderr() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stderr.String()
}

// Slept returns the total time requested through nanosleep.
func (f *FakeSyscaller) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}

// InterruptSleeps makes every nanosleep longer than d sleep for d and fail
// with EINTR, as if a signal arrived.
func (f *FakeSyscaller) InterruptSleeps(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxSleep = d
}

// Syscall implements Syscaller.Syscall.
func (f *FakeSyscaller) Syscall(req *block.Request) block.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Every call advances the clock so timestamps are strictly increasing.
	f.now = f.now.Add(time.Millisecond)

	fd := req.Args[0]
	if f.closed[fd] {
		switch req.Num {
		case unix.SYS_READ, unix.SYS_PREAD64, unix.SYS_WRITE, unix.SYS_PWRITE64, unix.SYS_CLOSE, unix.SYS_FSYNC:
			return errnoReply(unix.EBADF)
		}
	}
	switch req.Num {
	case unix.SYS_READ:
		if fd != 0 {
			return errnoReply(unix.EBADF)
		}
		buf := make([]byte, req.Args[2])
		n, _ := f.stdin.Read(buf)
		return block.Reply{Ret: [block.NumRets]uint64{uint64(n)}, Data: buf[:n]}
	case unix.SYS_WRITE:
		switch fd {
		case 1:
			f.stdout.Write(req.In)
		case 2:
			f.stderr.Write(req.In)
		default:
			return errnoReply(unix.EBADF)
		}
		return retReply(uint64(len(req.In)))
	case unix.SYS_PREAD64, unix.SYS_PWRITE64:
		if fd > 2 {
			return errnoReply(unix.EBADF)
		}
		return errnoReply(unix.ESPIPE)
	case unix.SYS_CLOSE:
		if fd > 2 {
			return errnoReply(unix.EBADF)
		}
		f.closed[fd] = true
		return retReply(0)
	case unix.SYS_FSYNC:
		if fd > 2 {
			return errnoReply(unix.EBADF)
		}
		return errnoReply(unix.EINVAL)
	case unix.SYS_SCHED_YIELD:
		return retReply(0)
	case unix.SYS_CLOCK_GETTIME:
		return block.Reply{Data: putTimespec(unix.NsecToTimespec(f.now.UnixNano()))}
	case unix.SYS_NANOSLEEP:
		ts, ok := getTimespec(req.In)
		if !ok || ts.Sec < 0 || ts.Nsec < 0 || ts.Nsec >= int64(time.Second) {
			return errnoReply(unix.EINVAL)
		}
		d := time.Duration(ts.Nano())
		if f.maxSleep == 0 || d <= f.maxSleep {
			f.slept += d
			f.now = f.now.Add(d)
			return block.Reply{}
		}
		f.slept += f.maxSleep
		f.now = f.now.Add(f.maxSleep)
		reply := errnoReply(unix.EINTR)
		if req.OutLen > 0 {
			reply.Data = putTimespec(unix.NsecToTimespec((d - f.maxSleep).Nanoseconds()))
		}
		return reply
	}
	return errnoReply(unix.ENOSYS)
}

// UnixSyscaller performs proxied syscalls on real host descriptors. Only the
// descriptors it was created with are reachable, and close only forgets a
// descriptor.
type UnixSyscaller struct {
	mu  sync.Mutex
	fds map[uint64]int
}

// NewUnixSyscaller maps enclave descriptors 0, 1 and 2 to the given files.
// A nil file leaves the descriptor unmapped.
func NewUnixSyscaller(stdin, stdout, stderr *os.File) *UnixSyscaller {
	u := &UnixSyscaller{fds: make(map[uint64]int)}
	for fd, f := range []*os.File{stdin, stdout, stderr} {
		if f != nil {
			u.fds[uint64(fd)] = int(f.Fd())
		}
	}
	return u
}

func unixReply(n int, err error) block.Reply {
	if err != nil {
		var e unix.Errno
		if !errors.As(err, &e) {
			e = unix.EIO
		}
		return errnoReply(e)
	}
	return retReply(uint64(n))
}

func (u *UnixSyscaller) hostFD(fd uint64) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	h, ok := u.fds[fd]
	return h, ok
}

// Syscall implements Syscaller.Syscall.
func (u *UnixSyscaller) Syscall(req *block.Request) block.Reply {
	switch req.Num {
	case unix.SYS_SCHED_YIELD:
		_, _, e := unix.RawSyscall(unix.SYS_SCHED_YIELD, 0, 0, 0)
		if e != 0 {
			return errnoReply(e)
		}
		return retReply(0)
	case unix.SYS_CLOCK_GETTIME:
		var ts unix.Timespec
		if err := unix.ClockGettime(int32(req.Args[0]), &ts); err != nil {
			return unixReply(0, err)
		}
		return block.Reply{Data: putTimespec(ts)}
	case unix.SYS_NANOSLEEP:
		ts, ok := getTimespec(req.In)
		if !ok {
			return errnoReply(unix.EINVAL)
		}
		var rem unix.Timespec
		err := unix.Nanosleep(&ts, &rem)
		reply := unixReply(0, err)
		if errors.Is(err, unix.EINTR) && req.OutLen > 0 {
			reply.Data = putTimespec(rem)
		}
		return reply
	}

	fd, ok := u.hostFD(req.Args[0])
	if !ok {
		return errnoReply(unix.EBADF)
	}
	switch req.Num {
	case unix.SYS_READ:
		buf := make([]byte, req.Args[2])
		n, err := unix.Read(fd, buf)
		reply := unixReply(n, err)
		if err == nil {
			reply.Data = buf[:n]
		}
		return reply
	case unix.SYS_PREAD64:
		buf := make([]byte, req.Args[2])
		n, err := unix.Pread(fd, buf, int64(req.Args[3]))
		reply := unixReply(n, err)
		if err == nil {
			reply.Data = buf[:n]
		}
		return reply
	case unix.SYS_WRITE:
		return unixReply(unix.Write(fd, req.In))
	case unix.SYS_PWRITE64:
		return unixReply(unix.Pwrite(fd, req.In, int64(req.Args[3])))
	case unix.SYS_FSYNC:
		return unixReply(0, unix.Fsync(fd))
	case unix.SYS_CLOSE:
		u.mu.Lock()
		delete(u.fds, req.Args[0])
		u.mu.Unlock()
		return retReply(0)
	}
	return errnoReply(unix.ENOSYS)
}
