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

// Package layout describes where the enclave and its thread slots live.
//
// Each thread slot is laid out around its TCS page, from low to high
// addresses:
//
//	[CSSA1 stack][CSSA0 stack][TCB page][TCS page][SSA0][SSA1][SSA2]
//
// Normal execution runs on the CSSA0 stack, which starts just below the TCB
// page. The first exception level runs on the CSSA1 stack. Deeper levels
// continue below the interrupted stack pointer of the level before them.
package layout

import (
	"fmt"

	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
)

const (
	// DefaultEnclaveSizeBits is the binary log of the default enclave size.
	DefaultEnclaveSizeBits = 36

	// DefaultShimBase is the default load address of the enclave. SGX
	// requires the base to be naturally aligned to the enclave size.
	DefaultShimBase hostarch.Addr = 0x7f00_0000_0000

	// CSSA0StackSize is the size of the stack used for normal execution.
	CSSA0StackSize = 1 << 20

	// CSSA1StackSize is the size of the stack shared by every exception
	// level.
	CSSA1StackSize = 256 << 10

	// SlotSize is the size of one thread slot.
	SlotSize = CSSA1StackSize + CSSA0StackSize + 2*hostarch.PageSize + sgx.NumSSA*sgx.SSAFrameSize

	// ImageReserve is the part of the enclave below the first slot that holds
	// the image.
	ImageReserve = 256 << 20

	// MaxThreads is the number of thread slots an enclave can have.
	MaxThreads = thread.MaxThreads
)

// Enclave is the geometry of one enclave.
type Enclave struct {
	// Base is the enclave's load address.
	Base hostarch.Addr

	// SizeBits is the binary log of the enclave size.
	SizeBits uint8

	// Threads is the number of thread slots.
	Threads int
}

// Default returns the default geometry with the given number of slots.
func Default(threads int) Enclave {
	return Enclave{Base: DefaultShimBase, SizeBits: DefaultEnclaveSizeBits, Threads: threads}
}

// Size returns the enclave size in bytes.
func (e Enclave) Size() uint64 {
	return 1 << e.SizeBits
}

// Range returns the enclave's address range.
func (e Enclave) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: e.Base, End: e.Base + hostarch.Addr(e.Size())}
}

// SlotBase returns the lowest address of slot i.
func (e Enclave) SlotBase(i int) hostarch.Addr {
	return e.Base + ImageReserve + hostarch.Addr(i)*SlotSize
}

// TCS returns the address of the TCS page of slot i.
func (e Enclave) TCS(i int) hostarch.Addr {
	return e.SlotBase(i) + CSSA1StackSize + CSSA0StackSize + hostarch.PageSize
}

// Validate checks that the geometry is usable.
func (e Enclave) Validate() error {
	if e.SizeBits < 24 || e.SizeBits > 47 {
		return fmt.Errorf("enclave size bits %d out of range [24, 47]", e.SizeBits)
	}
	if !e.Base.IsAligned(e.Size()) {
		return fmt.Errorf("enclave base %v is not aligned to its size %#x", e.Base, e.Size())
	}
	if e.Threads < 1 || e.Threads > MaxThreads {
		return fmt.Errorf("thread count %d out of range [1, %d]", e.Threads, MaxThreads)
	}
	if end := e.SlotBase(e.Threads); uint64(end-e.Base) > e.Size() {
		return fmt.Errorf("%d slots end at %v, past the enclave end %v", e.Threads, end, e.Range().End)
	}
	return nil
}

// TCBAddr returns the address of the TCB page of the slot whose TCS is at tcs.
func TCBAddr(tcs hostarch.Addr) hostarch.Addr {
	return tcs - hostarch.PageSize
}

// SSAAddr returns the address of SSA frame n of the slot whose TCS is at tcs.
func SSAAddr(tcs hostarch.Addr, n int) hostarch.Addr {
	return tcs + hostarch.PageSize + hostarch.Addr(n)*sgx.SSAFrameSize
}

// CSSA0Stack returns the normal-execution stack of the slot whose TCS is at
// tcs.
func CSSA0Stack(tcs hostarch.Addr) hostarch.AddrRange {
	top := TCBAddr(tcs)
	return hostarch.AddrRange{Start: top - CSSA0StackSize, End: top}
}

// CSSA1Stack returns the exception stack of the slot whose TCS is at tcs.
func CSSA1Stack(tcs hostarch.Addr) hostarch.AddrRange {
	top := CSSA0Stack(tcs).Start
	return hostarch.AddrRange{Start: top - CSSA1StackSize, End: top}
}

// StackRange returns the whole private stack region of the slot whose TCS is
// at tcs.
func StackRange(tcs hostarch.Addr) hostarch.AddrRange {
	return hostarch.AddrRange{Start: CSSA1Stack(tcs).Start, End: CSSA0Stack(tcs).End}
}
