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
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"sgxshim.dev/shim/pkg/cpuid"
	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/enclave/layout"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
)

func newMachine(t *testing.T, threads int, mod func(*Config)) (*Machine, *FakeSyscaller) {
	t.Helper()
	fake := NewFakeSyscaller([]byte("input"))
	cfg := Config{
		Enclave:      layout.Default(threads),
		Syscaller:    fake,
		Threads:      new(thread.Manager),
		SpawnTimeout: time.Second,
	}
	if mod != nil {
		mod(&cfg)
	}
	m, err := NewMachine(cfg)
	require.NoError(t, err)
	return m, fake
}

func TestMainThread(t *testing.T) {
	m, fake := newMachine(t, 1, nil)
	var pid, tid uint64
	res, err := m.Run(context.Background(), func(th *Thread) int32 {
		pid = th.Syscall(unix.SYS_GETPID)
		tid = th.Syscall(unix.SYS_GETTID)
		assert.EqualValues(t, 6, th.Write(1, []byte("hello\n")))
		data, n := th.Read(0, 100)
		assert.EqualValues(t, 5, n)
		assert.Equal(t, "input", string(data))
		return 7
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, pid)
	require.EqualValues(t, thread.MainTID, tid)
	require.Equal(t, "hello\n", fake.Stdout())
	require.EqualValues(t, 7, res.Status)
	require.Len(t, res.Threads, 1)
	require.False(t, res.Threads[0].Exited)
	require.EqualValues(t, 1, m.Threads().Free.Load())
}

func TestRelocatedOnFirstEntry(t *testing.T) {
	m, _ := newMachine(t, 1, nil)
	_, err := m.Run(context.Background(), func(*Thread) int32 { return 0 })
	require.NoError(t, err)
	got := hostarch.ByteOrder.Uint64(m.Image().Mem[RelocOffset:])
	require.Equal(t, uint64(m.Image().Base+StartOffset), got)
}

func TestCPUID(t *testing.T) {
	m, _ := newMachine(t, 1, nil)
	var out cpuid.Out
	_, err := m.Run(context.Background(), func(th *Thread) int32 {
		out = th.CPUID(0, 0)
		return 0
	})
	require.NoError(t, err)
	want := cpuid.Default().Query(cpuid.In{})
	require.Equal(t, want, out)
	require.Equal(t, "GenuineIntel", cpuid.Vendor(cpuid.Static{cpuid.In{}: out}))
}

func TestLocalAndUnsupportedSyscalls(t *testing.T) {
	m, _ := newMachine(t, 1, nil)
	var fs, got, enosys uint64
	_, err := m.Run(context.Background(), func(th *Thread) int32 {
		buf := uint64(th.Scratch().Start)
		assert.Zero(t, th.Syscall(unix.SYS_ARCH_PRCTL, 0x1002, 0x1234000))
		assert.Zero(t, th.Syscall(unix.SYS_ARCH_PRCTL, 0x1003, buf))
		fs = th.Registers().FSBase
		b, err := th.Peek(th.Scratch().Start, 8)
		assert.NoError(t, err)
		got = hostarch.ByteOrder.Uint64(b)
		enosys = th.Syscall(unix.SYS_MMAP)
		return 0
	})
	require.NoError(t, err)
	require.EqualValues(t, 0x1234000, fs)
	require.EqualValues(t, 0x1234000, got)
	require.Equal(t, errnoRet(unix.ENOSYS), enosys)
}

func TestClockAndSleep(t *testing.T) {
	m, fake := newMachine(t, 1, nil)
	var first, second time.Time
	_, err := m.Run(context.Background(), func(th *Thread) int32 {
		var ret int64
		first, ret = th.ClockGettime(unix.CLOCK_REALTIME)
		assert.Zero(t, ret)
		assert.Zero(t, th.Nanosleep(time.Second))
		second, ret = th.ClockGettime(unix.CLOCK_REALTIME)
		assert.Zero(t, ret)
		return 0
	})
	require.NoError(t, err)
	require.Equal(t, time.Second, fake.Slept())
	require.True(t, second.Sub(first) > time.Second, "clock went from %v to %v", first, second)
}

func TestInterruptedSleepReportsRemainder(t *testing.T) {
	m, fake := newMachine(t, 1, nil)
	fake.InterruptSleeps(300 * time.Millisecond)
	var (
		rem       time.Duration
		ret, ret2 int64
		untilEnd  time.Duration
	)
	_, err := m.Run(context.Background(), func(th *Thread) int32 {
		rem, ret = th.NanosleepRemaining(time.Second)
		untilEnd, ret2 = th.NanosleepRemaining(100 * time.Millisecond)
		return 0
	})
	require.NoError(t, err)
	require.Equal(t, -int64(unix.EINTR), ret)
	require.Equal(t, 700*time.Millisecond, rem)
	require.Zero(t, ret2)
	require.Zero(t, untilEnd)
	require.Equal(t, 400*time.Millisecond, fake.Slept())
}

func TestSpawn(t *testing.T) {
	m, fake := newMachine(t, 2, nil)
	var (
		child uint64
		word  hostarch.Addr
	)
	res, err := m.Run(context.Background(), func(th *Thread) int32 {
		var err error
		child, err = th.Spawn(func(c *Thread) int32 {
			word = c.ClearOnExit()
			c.Write(2, []byte("child"))
			return c.Exit(3)
		})
		assert.NoError(t, err)
		return 0
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, child)
	require.Equal(t, "child", fake.Stderr())
	require.Len(t, res.Threads, 2)
	require.Equal(t, ThreadResult{TID: child, Status: 3, Exited: true}, res.Threads[1])
	require.EqualValues(t, 2, m.Threads().Free.Load())

	// The host cleared the child's word when it exited.
	require.NotZero(t, word)
	w, err := m.HostWord(word)
	require.NoError(t, err)
	require.Zero(t, w)
	_, ok := m.ClearWord(child)
	require.False(t, ok, "finished thread still holds its word")
}

func TestClearWordsNeverShared(t *testing.T) {
	m, _ := newMachine(t, 3, nil)
	var (
		first, second uint64
		firstWord     hostarch.Addr
		firstValue    uint32
		readErr       error
	)
	secondDone := make(chan struct{})
	_, err := m.Run(context.Background(), func(th *Thread) int32 {
		var err error
		first, err = th.Spawn(func(c *Thread) int32 {
			<-secondDone
			firstWord = c.ClearOnExit()
			firstValue, readErr = m.HostWord(firstWord)
			return c.Exit(0)
		})
		assert.NoError(t, err)
		// The next TID is a whole futex page of words after the first.
		m.lastTID.Store(first + clearWords - 1)
		second, err = th.Spawn(func(c *Thread) int32 {
			defer close(secondDone)
			return c.Exit(0)
		})
		assert.NoError(t, err)
		return 0
	})
	require.NoError(t, err)
	require.EqualValues(t, first+clearWords, second)
	require.NoError(t, readErr)
	// The second thread's exit left the first thread's word alone.
	require.EqualValues(t, first, firstValue)
}

func TestSpawnReusesSlots(t *testing.T) {
	m, _ := newMachine(t, 2, nil)
	const children = 4
	var tids []uint64
	res, err := m.Run(context.Background(), func(th *Thread) int32 {
		for i := 0; i < children; i++ {
			tid, err := th.Spawn(func(c *Thread) int32 {
				return int32(c.Syscall(unix.SYS_GETTID))
			})
			assert.NoError(t, err)
			tids = append(tids, tid)
		}
		return 0
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4}, tids)
	require.Len(t, res.Threads, children+1)
	for _, r := range res.Threads {
		require.EqualValues(t, r.TID, r.Status)
	}
	require.EqualValues(t, children+1, m.Threads().Free.Load())
}

func TestSpawnNoFreeSlot(t *testing.T) {
	m, _ := newMachine(t, 1, func(c *Config) { c.SpawnTimeout = 20 * time.Millisecond })
	var spawnErr error
	_, err := m.Run(context.Background(), func(th *Thread) int32 {
		_, spawnErr = th.Spawn(func(*Thread) int32 { return 0 })
		return 0
	})
	require.NoError(t, err)
	require.ErrorIs(t, spawnErr, ErrNoFreeSlot)
	require.Zero(t, m.Threads().Queue.Len())
}

func TestExitGroupStatus(t *testing.T) {
	m, _ := newMachine(t, 1, nil)
	res, err := m.Run(context.Background(), func(th *Thread) int32 {
		return th.ExitGroup(42)
	})
	require.NoError(t, err)
	require.EqualValues(t, 42, res.Status)
	require.True(t, res.Threads[0].Exited)
}

func requireHalt(t *testing.T, err error, kind fatal.Kind) {
	t.Helper()
	require.ErrorIs(t, err, ErrHalted)
	var v *fatal.Violation
	require.True(t, errors.As(err, &v), "error %v carries no violation", err)
	require.Equal(t, kind, v.Kind)
}

func TestHaltOnUnhandledException(t *testing.T) {
	m, _ := newMachine(t, 1, nil)
	_, err := m.Run(context.Background(), func(th *Thread) int32 {
		th.UD2()
		t.Errorf("thread continued after ud2")
		return 0
	})
	requireHalt(t, err, fatal.UnhandledException)

	_, err = m.EEnter(0)
	require.Error(t, err)
}

func TestHaltOnBlockInsideEnclave(t *testing.T) {
	m, _ := newMachine(t, 1, func(c *Config) {
		c.BlockBase = c.Enclave.Base + layout.ImageReserve/2
	})
	ran := false
	_, err := m.Run(context.Background(), func(*Thread) int32 {
		ran = true
		return 0
	})
	requireHalt(t, err, fatal.BlockOverlap)
	require.False(t, ran)
}

func TestHaltOnEmptyQueue(t *testing.T) {
	m, _ := newMachine(t, 2, nil)
	_, err := m.EEnter(1)
	requireHalt(t, err, fatal.EmptyQueue)
}

func TestScripts(t *testing.T) {
	scripts := Scripts{
		MainScript: {
			{Op: "write", FD: 1, Text: "a"},
			{Op: "spawn", Thread: "worker"},
			{Op: "gettid"},
			{Op: "exit", Code: 5},
			{Op: "write", FD: 1, Text: "never"},
		},
		"worker": {
			{Op: "write", FD: 2, Text: "w"},
			{Op: "cpuid", Leaf: 1},
		},
	}
	require.NoError(t, scripts.Validate())

	m, fake := newMachine(t, 2, nil)
	res, err := m.Run(context.Background(), scripts.Program(MainScript))
	require.NoError(t, err)
	require.EqualValues(t, 5, res.Status)
	require.Equal(t, "a", fake.Stdout())
	require.Equal(t, "w", fake.Stderr())

	require.Len(t, res.Threads, 2)
	main := res.Threads[0]
	require.Equal(t, []string{"write", "spawn", "gettid", "exit"}, ops(main.Events))
	require.EqualValues(t, 1, main.Events[1].Ret)
	worker := res.Threads[1]
	require.Equal(t, []string{"write", "cpuid"}, ops(worker.Events))
	require.Zero(t, worker.Status)
}

func ops(evs []Event) []string {
	var s []string
	for _, e := range evs {
		s = append(s, e.Op)
	}
	return s
}

func TestScriptsValidate(t *testing.T) {
	for _, tc := range []struct {
		name    string
		scripts Scripts
	}{
		{"no main", Scripts{"x": {}}},
		{"unknown op", Scripts{MainScript: {{Op: "fork"}}}},
		{"missing op", Scripts{MainScript: {{}}}},
		{"unknown spawn", Scripts{MainScript: {{Op: "spawn", Thread: "nope"}}}},
		{"too many args", Scripts{MainScript: {{Op: "syscall", Args: make([]uint64, 7)}}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.scripts.Validate())
		})
	}
}
