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

package sgx

import (
	"sync/atomic"
	"unsafe"
)

// GenPurposeRegs is the GPRSGX region of an SSA frame, in hardware order.
type GenPurposeRegs struct {
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rbx      uint64
	Rsp      uint64
	Rbp      uint64
	Rsi      uint64
	Rdi      uint64
	R8       uint64
	R9       uint64
	R10      uint64
	R11      uint64
	R12      uint64
	R13      uint64
	R14      uint64
	R15      uint64
	Rflags   uint64
	Rip      uint64
	Ursp     uint64
	Urbp     uint64
	ExitInfo ExitInfo
	Reserved uint32
	FSBase   uint64
	GSBase   uint64
}

// ExInfo is the EXINFO component of the MISC region, present when
// MiscSelect.EXINFO is set.
type ExInfo struct {
	// MAddr is the faulting linear address for #PF and #GP.
	MAddr uint64

	// ErrCode is the exception error code.
	ErrCode uint32

	Reserved uint32
}

const (
	// SSAFrameSize is the size of one SSA frame. The shim uses single-page
	// frames.
	SSAFrameSize = 4096

	// XSaveSize is the size of the XSAVE region of a frame: the 512-byte
	// legacy region, the 64-byte XSAVE header and the 256-byte AVX state.
	XSaveSize = 512 + 64 + 256

	gprSize  = int(unsafe.Sizeof(GenPurposeRegs{}))
	miscSize = int(unsafe.Sizeof(ExInfo{}))

	// ExtraWords is the number of unused 8-byte words between the XSAVE
	// region and the MISC region.
	ExtraWords = (SSAFrameSize - XSaveSize - miscSize - gprSize) / 8
)

// StateSaveArea is one SSA frame. The processor writes the XSAVE region, the
// MISC region and the GPR region on an asynchronous exit. The Extra words
// are never written by hardware and belong to the shim.
type StateSaveArea struct {
	XSave [XSaveSize]byte

	// Extra[0] is the "exceptions enabled" flag for the nesting level that
	// uses this frame. It must only be accessed through the methods below.
	Extra [ExtraWords]uint64

	Misc ExInfo
	GPR  GenPurposeRegs
}

var (
	// ExtraOffset is the offset of Extra inside a frame.
	ExtraOffset = unsafe.Offsetof(StateSaveArea{}.Extra)

	// RSPOffset is the offset of GPR.Rsp inside a frame. The trampoline
	// reads the interrupted stack pointer of the previous level from it.
	RSPOffset = unsafe.Offsetof(StateSaveArea{}.GPR) + unsafe.Offsetof(GenPurposeRegs{}.Rsp)
)

// ExceptionsEnabled returns true once the nesting level owning this frame has
// started dispatching and may take exceptions.
func (s *StateSaveArea) ExceptionsEnabled() bool {
	return atomic.LoadUint64(&s.Extra[0]) != 0
}

// EnableExceptions publishes that exceptions may be delivered.
func (s *StateSaveArea) EnableExceptions() {
	atomic.StoreUint64(&s.Extra[0], 1)
}

// DisableExceptions withdraws EnableExceptions.
func (s *StateSaveArea) DisableExceptions() {
	atomic.StoreUint64(&s.Extra[0], 0)
}
