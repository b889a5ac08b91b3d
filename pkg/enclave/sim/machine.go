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

// Package sim models the processor and the untrusted host around the shim.
//
// A Machine owns one enclave: its thread slots, its image and the shared
// block of every slot. Each active slot is a goroutine. EENTER runs the entry
// trampoline on a fresh register file; an exception inside the enclave is an
// asynchronous exit that saves the interrupted registers into the slot's next
// SSA frame, lets the host handle it by entering again one level deeper, and
// resumes from the frame afterwards.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/arch"
	"sgxshim.dev/shim/pkg/atomicbitops"
	"sgxshim.dev/shim/pkg/cpuid"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/dispatch"
	"sgxshim.dev/shim/pkg/enclave/entry"
	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/enclave/handler"
	"sgxshim.dev/shim/pkg/enclave/layout"
	"sgxshim.dev/shim/pkg/enclave/reloc"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/log"
	"sgxshim.dev/shim/pkg/sync"
)

var (
	// ErrHalted is returned when the shim halted a thread. The slot cannot
	// be entered again.
	ErrHalted = errors.New("enclave thread halted")

	// ErrNoFreeSlot is returned when no thread slot became free in time.
	ErrNoFreeSlot = errors.New("no free thread slot")

	// ErrNoClearWord is returned when every clear-on-exit word belongs to a
	// live thread.
	ErrNoClearWord = errors.New("no free clear-on-exit word")
)

// clearWords is the number of clear-on-exit words in the futex page.
const clearWords = hostarch.PageSize / 4

const (
	// DefaultBlockBase is where the host maps shared blocks by default.
	DefaultBlockBase hostarch.Addr = 0x5000_0000_0000

	// DefaultSpawnTimeout bounds how long a spawn waits for a free slot.
	DefaultSpawnTimeout = 5 * time.Second

	// ScratchSize is the size of the workload buffer at the bottom of each
	// slot's normal-execution stack.
	ScratchSize = 64 << 10

	// hostAEP is the host address after its EENTER instruction.
	hostAEP = 0x4000_1000

	// hostStackTop is the host stack of slot 0. Slots are 64 KiB apart.
	hostStackTop = 0x7ffd_0000_0000
)

// Config configures a Machine.
type Config struct {
	Enclave layout.Enclave

	// Syscaller performs proxied syscalls. Nil means a FakeSyscaller with
	// empty input.
	Syscaller Syscaller

	// CPUID answers proxied cpuid. Nil means cpuid.Default.
	CPUID cpuid.Function

	// Threads is the thread state. Nil means thread.Default.
	Threads *thread.Manager

	// BlockBase is where the blocks are mapped, one per slot.
	BlockBase hostarch.Addr

	SpawnTimeout time.Duration
}

// vcpu is the host's view of one thread slot.
type vcpu struct {
	slot      *layout.Slot
	blockAddr hostarch.Addr
	block     *block.Block
	hostRSP   uint64

	// cssa is touched only by the goroutine running the slot.
	cssa uint64

	// exited and status record an exit request seen on this slot.
	exited bool
	status int32

	// Guarded by Machine.mu.
	busy bool
	dead bool
}

// Machine is a simulated enclave and its host.
type Machine struct {
	enclave      layout.Enclave
	arena        *layout.Arena
	image        *reloc.Image
	threads      *thread.Manager
	tramp        *entry.Trampoline
	host         *Host
	mem          *Memory
	hostMem      *Memory
	futexBase    hostarch.Addr
	spawnTimeout time.Duration
	vcpus        []*vcpu
	lastTID      atomicbitops.Uint64

	mu          sync.Mutex
	group       *errgroup.Group
	ctx         context.Context
	activations uint64
	programs    map[uint64]Program
	results     map[uint64]*ThreadResult
	groupStatus *int32

	// clearWord maps live spawned threads to their clear-on-exit words.
	clearWord map[uint64]hostarch.Addr
	freeWords []hostarch.Addr
}

// NewMachine builds a machine. Nothing runs until Run.
func NewMachine(cfg Config) (*Machine, error) {
	e := cfg.Enclave
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid enclave: %w", err)
	}
	if cfg.Syscaller == nil {
		cfg.Syscaller = NewFakeSyscaller(nil)
	}
	if cfg.CPUID == nil {
		cfg.CPUID = cpuid.Default()
	}
	if cfg.Threads == nil {
		cfg.Threads = thread.Default()
	}
	if cfg.BlockBase == 0 {
		cfg.BlockBase = DefaultBlockBase
	}
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = DefaultSpawnTimeout
	}

	m := &Machine{
		enclave:      e,
		arena:        layout.NewArena(e),
		image:        NewImage(e.Base),
		threads:      cfg.Threads,
		mem:          NewMemory(),
		hostMem:      NewMemory(),
		spawnTimeout: cfg.SpawnTimeout,
		programs:     make(map[uint64]Program),
		results:      make(map[uint64]*ThreadResult),
		clearWord:    make(map[uint64]hostarch.Addr),
		// The counter may be shared with earlier machines.
		activations: cfg.Threads.Free.Load(),
	}
	if err := m.mem.Map(&Region{Name: "image", Start: m.image.Base, Data: m.image.Mem}); err != nil {
		return nil, err
	}
	for i := 0; i < m.arena.Len(); i++ {
		slot := m.arena.Slot(i)
		scratch := &Region{
			Name:  fmt.Sprintf("scratch %d", i),
			Start: layout.CSSA0Stack(slot.TCS).Start,
			Data:  make([]byte, ScratchSize),
		}
		if err := m.mem.Map(scratch); err != nil {
			return nil, err
		}
		addr := cfg.BlockBase + hostarch.Addr(i)*block.Size
		blk, err := m.hostMem.MapBlock(addr, fmt.Sprintf("block %d", i))
		if err != nil {
			return nil, err
		}
		m.vcpus = append(m.vcpus, &vcpu{
			slot:      slot,
			blockAddr: addr,
			block:     blk,
			hostRSP:   hostStackTop - uint64(i)<<16,
		})
	}
	m.futexBase = cfg.BlockBase + hostarch.Addr(m.arena.Len())*block.Size
	if err := m.hostMem.Map(&Region{Name: "futex", Start: m.futexBase, Data: make([]byte, hostarch.PageSize)}); err != nil {
		return nil, err
	}
	for i := clearWords - 1; i >= 0; i-- {
		m.freeWords = append(m.freeWords, m.futexBase+hostarch.Addr(i)*4)
	}

	m.host = &Host{Syscaller: cfg.Syscaller, CPUID: cfg.CPUID, Memory: m.hostMem}
	proxy := &handler.Proxy{
		Memory:  m.mem,
		Exiter:  exiter{m},
		Enclave: e.Range(),
	}
	m.tramp = &entry.Trampoline{
		Arena:     m.arena,
		Image:     m.image,
		Relocator: new(reloc.Relocator),
		Dispatcher: &dispatch.Dispatcher{
			Shim:      e.Range(),
			ExecStart: e.Base + StartOffset,
			Threads:   m.threads,
			Workload:  workload{m},
			Loader:    workload{m},
			Handler:   proxy,
		},
		Blocks: m.hostMem,
	}
	return m, nil
}

// Enclave returns the enclave geometry.
func (m *Machine) Enclave() layout.Enclave { return m.enclave }

// Arena returns the thread slots.
func (m *Machine) Arena() *layout.Arena { return m.arena }

// Image returns the shim image.
func (m *Machine) Image() *reloc.Image { return m.image }

// Threads returns the thread state.
func (m *Machine) Threads() *thread.Manager { return m.threads }

// Memory returns enclave memory.
func (m *Machine) Memory() *Memory { return m.mem }

// HostMemory returns host memory.
func (m *Machine) HostMemory() *Memory { return m.hostMem }

// BlockAddr returns the address of slot i's shared block.
func (m *Machine) BlockAddr(i int) hostarch.Addr { return m.vcpus[i].blockAddr }

// ClearWord returns the host word cleared when thread tid exits. ok is false
// unless tid is a spawned thread that has not finished.
func (m *Machine) ClearWord(tid uint64) (addr hostarch.Addr, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr, ok = m.clearWord[tid]
	return addr, ok
}

// allocClearWord gives tid a word of the futex page no other live thread
// holds.
func (m *Machine) allocClearWord(tid uint64) (hostarch.Addr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clearWord[tid]; ok {
		return 0, fmt.Errorf("thread %d already has a clear-on-exit word", tid)
	}
	n := len(m.freeWords)
	if n == 0 {
		return 0, ErrNoClearWord
	}
	addr := m.freeWords[n-1]
	m.freeWords = m.freeWords[:n-1]
	m.clearWord[tid] = addr
	return addr, nil
}

func (m *Machine) releaseClearWord(tid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr, ok := m.clearWord[tid]; ok {
		delete(m.clearWord, tid)
		m.freeWords = append(m.freeWords, addr)
	}
}

// HostWord reads a 32-bit word of host memory.
func (m *Machine) HostWord(addr hostarch.Addr) (uint32, error) {
	var b [4]byte
	if err := m.hostMem.ReadAt(addr, b[:]); err != nil {
		return 0, err
	}
	return hostarch.ByteOrder.Uint32(b[:]), nil
}

func (m *Machine) setHostWord(addr hostarch.Addr, v uint32) error {
	var b [4]byte
	hostarch.ByteOrder.PutUint32(b[:], v)
	return m.hostMem.WriteAt(addr, b[:])
}

// enter performs EENTER on v at its current level.
func (m *Machine) enter(v *vcpu) (entry.Exit, *arch.CPU, *fatal.Violation) {
	cpu := arch.NewCPU()
	r := &cpu.Regs
	r.Rax = v.cssa
	r.Rbx = uint64(v.slot.TCS)
	r.Rcx = hostAEP
	r.Rdi = uint64(v.blockAddr)
	r.Rsp = v.hostRSP
	// Host state the shim must not inherit.
	r.Rflags |= arch.FlagDF | arch.FlagAC
	r.R10, r.R11 = ^uint64(0), ^uint64(0)
	cpu.FP.SetMXCSR(0)

	if log.IsLogging(log.Debug) {
		log.Debugf("slot %d: EENTER at level %d", v.slot.Index, v.cssa)
	}
	var exit entry.Exit
	vio := fatal.Catch(func() {
		exit = m.tramp.Enter(cpu)
	})
	return exit, cpu, vio
}

// eenter is the outermost EENTER of a slot activation.
func (m *Machine) eenter(v *vcpu) (entry.Exit, error) {
	exit, cpu, vio := m.enter(v)
	if vio != nil {
		m.mu.Lock()
		v.dead = true
		m.mu.Unlock()
		return entry.Exit{}, fmt.Errorf("slot %d: %w: %w", v.slot.Index, ErrHalted, vio)
	}
	if exit.Leaf != sgx.EEXIT || exit.Target != hostAEP || cpu.Regs.Rsp != v.hostRSP {
		return exit, fmt.Errorf("slot %d: exit to %#x with rsp %#x, want %#x and %#x", v.slot.Index, exit.Target, cpu.Regs.Rsp, hostAEP, v.hostRSP)
	}
	return exit, nil
}

// EEnter enters idle slot i at level 0 outside of Run.
func (m *Machine) EEnter(i int) (entry.Exit, error) {
	if i < 0 || i >= len(m.vcpus) {
		return entry.Exit{}, fmt.Errorf("slot %d out of range [0, %d)", i, len(m.vcpus))
	}
	v := m.vcpus[i]
	m.mu.Lock()
	if v.busy || v.dead {
		m.mu.Unlock()
		return entry.Exit{}, fmt.Errorf("slot %d is not idle", i)
	}
	v.busy = true
	m.mu.Unlock()
	defer m.release(v)
	return m.eenter(v)
}

// aex is an asynchronous exit from v: the registers of the interrupted level
// go into its SSA frame, the host handles the exit and ERESUME brings the
// frame back.
func (m *Machine) aex(v *vcpu, regs arch.Registers, info sgx.ExitInfo) sgx.GenPurposeRegs {
	level := v.cssa
	if level+1 >= sgx.NumSSA {
		fatal.Halt(fatal.BadNestingLevel, "slot %d: exception at level %d", v.slot.Index, level)
	}
	frame := &v.slot.SSA[level]
	regs.StoreGPR(&frame.GPR)
	frame.GPR.ExitInfo = info
	v.cssa++

	// An exit above level 0 is the handler asking for the host.
	if level >= 1 {
		req := m.host.Serve(v.block)
		m.noteExit(v, &req)
	}
	if _, _, vio := m.enter(v); vio != nil {
		panic(vio)
	}

	v.cssa--
	return frame.GPR
}

func (m *Machine) noteExit(v *vcpu, req *block.Request) {
	if req.Kind != block.KindSyscall {
		return
	}
	switch req.Num {
	case unix.SYS_EXIT:
	case unix.SYS_EXIT_GROUP:
		m.mu.Lock()
		if m.groupStatus == nil {
			status := int32(req.Args[0])
			m.groupStatus = &status
		}
		m.mu.Unlock()
	default:
		return
	}
	v.exited = true
	v.status = int32(req.Args[0])
}

// claim reserves an idle slot. The Free-Thread Counter bounds the number of
// slots that can be active at once.
func (m *Machine) claim() *vcpu {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activations-m.threads.Free.Load() >= uint64(len(m.vcpus)) {
		return nil
	}
	for _, v := range m.vcpus {
		if !v.busy && !v.dead {
			v.busy = true
			m.activations++
			return v
		}
	}
	return nil
}

func (m *Machine) unclaim(v *vcpu) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.busy = false
	m.activations--
}

func (m *Machine) release(v *vcpu) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.busy = false
	v.cssa = 0
	v.exited = false
}

// waitSlot claims a slot, backing off until one is free or the spawn timeout
// passes.
func (m *Machine) waitSlot(ctx context.Context) (*vcpu, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = m.spawnTimeout
	b.Reset()

	var v *vcpu
	op := func() error {
		if v = m.claim(); v == nil {
			return ErrNoFreeSlot
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("waiting %v for a thread slot: %w", m.spawnTimeout, err)
	}
	return v, nil
}

// activate queues nt and starts a slot to bring it up.
func (m *Machine) activate(ctx context.Context, nt thread.NewThread) error {
	v, err := m.waitSlot(ctx)
	if err != nil {
		return err
	}
	if err := m.threads.Queue.Enqueue(nt); err != nil {
		m.unclaim(v)
		return err
	}
	m.group.Go(func() error {
		defer m.release(v)
		exit, err := m.eenter(v)
		if err != nil {
			return err
		}
		log.Debugf("slot %d: activation returned %d", v.slot.Index, exit.Result)
		return nil
	})
	return nil
}

// Run brings up the main thread running p and waits for every thread to
// finish.
func (m *Machine) Run(ctx context.Context, p Program) (*Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	m.mu.Lock()
	if m.group != nil {
		m.mu.Unlock()
		return nil, errors.New("machine has already run")
	}
	m.group, m.ctx = g, gctx
	m.programs[thread.MainTID] = p
	m.mu.Unlock()

	if err := m.activate(gctx, thread.Main{}); err != nil {
		return nil, err
	}
	err := g.Wait()
	return m.result(), err
}

// SpawnThread is the host's side of thread creation: it queues req and
// activates a slot for it once one is free. p is the code the thread runs.
func (m *Machine) SpawnThread(req thread.FromRegisters, p Program) error {
	m.mu.Lock()
	if m.group == nil {
		m.mu.Unlock()
		return errors.New("machine is not running")
	}
	if _, ok := m.programs[req.TID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("thread %d already exists", req.TID)
	}
	m.programs[req.TID] = p
	ctx := m.ctx
	m.mu.Unlock()

	if err := m.activate(ctx, req); err != nil {
		m.mu.Lock()
		delete(m.programs, req.TID)
		m.mu.Unlock()
		return err
	}
	log.Infof("spawned thread %d", req.TID)
	return nil
}

func (m *Machine) nextTID() uint64 {
	return m.lastTID.Add(1)
}

// ThreadResult is the outcome of one thread.
type ThreadResult struct {
	TID uint64

	// Status is what the thread's code returned.
	Status int32

	// Exited is set if the thread made an exit request.
	Exited bool

	Events []Event
}

// Result is the outcome of Run.
type Result struct {
	// Status is the exit_group status if any thread called it, else the
	// main thread's status.
	Status int32

	// Threads is ordered by TID.
	Threads []ThreadResult
}

func (m *Machine) record(r ThreadResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.TID] = &r
}

func (m *Machine) result() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := &Result{}
	for _, r := range m.results {
		res.Threads = append(res.Threads, *r)
	}
	sort.Slice(res.Threads, func(i, j int) bool {
		return res.Threads[i].TID < res.Threads[j].TID
	})
	switch {
	case m.groupStatus != nil:
		res.Status = *m.groupStatus
	case m.results[thread.MainTID] != nil:
		res.Status = m.results[thread.MainTID].Status
	}
	return res
}

// workload runs Programs for the dispatcher.
type workload struct {
	m *Machine
}

// Entry implements thread.Workload.Entry.
func (w workload) Entry(start hostarch.Addr, tcb *thread.TCB) int32 {
	return w.m.runThread(tcb, arch.Registers{Rip: uint64(start)})
}

// LoadRegisters implements thread.RegisterLoader.LoadRegisters.
func (w workload) LoadRegisters(regs arch.Registers, tcb *thread.TCB) int32 {
	return w.m.runThread(tcb, regs)
}

func (m *Machine) vcpuOf(tcb *thread.TCB) *vcpu {
	slot := m.arena.SlotOf(tcb)
	if slot == nil {
		panic("TCB outside the arena")
	}
	return m.vcpus[slot.Index]
}

func (m *Machine) runThread(tcb *thread.TCB, regs arch.Registers) int32 {
	v := m.vcpuOf(tcb)
	m.mu.Lock()
	p := m.programs[tcb.TID]
	m.mu.Unlock()
	if p == nil {
		log.Warningf("slot %d: no code for thread %d", v.slot.Index, tcb.TID)
		return -1
	}

	regs.Rsp = v.slot.StackPointer[0]
	regs.Rflags |= arch.FlagReserved
	t := &Thread{
		m:    m,
		v:    v,
		tcb:  tcb,
		regs: regs,
		scratch: hostarch.AddrRange{
			Start: layout.CSSA0Stack(v.slot.TCS).Start,
			End:   layout.CSSA0Stack(v.slot.TCS).Start + ScratchSize,
		},
	}
	status := p(t)
	m.releaseClearWord(tcb.TID)
	m.record(ThreadResult{TID: tcb.TID, Status: status, Exited: v.exited, Events: t.events})
	return status
}

// exiter takes the handler out to the host from level 1.
type exiter struct {
	m *Machine
}

// Exit implements handler.Exiter.Exit.
func (e exiter) Exit(tcb *thread.TCB) sgx.GenPurposeRegs {
	v := e.m.vcpuOf(tcb)
	regs := arch.Registers{
		Rip:    uint64(e.m.image.Base + UD2Offset),
		Rsp:    v.slot.StackPointer[v.cssa],
		Rflags: arch.FlagReserved,
	}
	return e.m.aex(v, regs, sgx.NewExitInfo(sgx.InvalidOpcode, sgx.ExitTypeHardware))
}
