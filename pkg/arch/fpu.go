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

package arch

import (
	"fmt"

	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/hostarch"
)

const (
	// fcwOffset is the offset of the x87 control word in the FXSAVE area.
	fcwOffset = 0

	// mxcsrOffset is the offset in bytes of the MXCSR field from the start of
	// the FXSAVE area. (Intel SDM Vol. 1, Table 10-2 "Format of an FXSAVE
	// Area")
	mxcsrOffset = 24

	// mxcsrMaskOffset is the offset in bytes of the MXCSR_MASK field from the
	// start of the FXSAVE area.
	mxcsrMaskOffset = 28

	// xstateBVOffset is the offset in bytes of the XSTATE_BV field in an x86
	// XSAVE area.
	xstateBVOffset = 512

	// xsaveHeaderZeroedOffset and xsaveHeaderZeroedBytes cover XCOMP_BV and
	// the reserved part of the XSAVE header, which must be zero.
	xsaveHeaderZeroedOffset = 512 + 8
	xsaveHeaderZeroedBytes  = 64 - 8
)

const (
	// InitFCW is the x87 control word after FNINIT: all exceptions masked,
	// 64-bit precision, round to nearest.
	InitFCW = 0x037f

	// InitMXCSR is the MXCSR after reset: all exceptions masked, round to
	// nearest.
	InitMXCSR = 0x1f80

	// DefaultMXCSRMask is the MXCSR_MASK to assume when the processor
	// reports zero. (Intel SDM Vol. 1, Section 11.6.6)
	DefaultMXCSRMask = 0xffbf

	// ValidXCR0Mask covers the components the enclave enables: x87, SSE and
	// AVX.
	ValidXCR0Mask = uint64(sgx.XfrmX87 | sgx.XfrmSSE | sgx.XfrmAVX)
)

// FPState is an XSAVE image of the extended register file.
type FPState [sgx.XSaveSize]byte

// NewFPState returns a state at the synthetic baseline.
func NewFPState() FPState {
	var s FPState
	s.Reset()
	return s
}

// Reset returns s to the synthetic baseline: every byte zero except the x87
// control word and MXCSR, which hold their architectural init values.
// XSTATE_BV is zero, so every component is in its init configuration.
func (s *FPState) Reset() {
	clear(s[:])
	hostarch.ByteOrder.PutUint16(s[fcwOffset:], InitFCW)
	hostarch.ByteOrder.PutUint32(s[mxcsrOffset:], InitMXCSR)
}

// IsBaseline returns true if s is at the synthetic baseline.
func (s *FPState) IsBaseline() bool {
	return *s == NewFPState()
}

// Fork returns a copy of s.
func (s *FPState) Fork() FPState {
	return *s
}

// FCW returns the x87 control word.
func (s *FPState) FCW() uint16 {
	return hostarch.ByteOrder.Uint16(s[fcwOffset:])
}

// MXCSR returns the MXCSR control/status register.
func (s *FPState) MXCSR() uint32 {
	return hostarch.ByteOrder.Uint32(s[mxcsrOffset:])
}

// SetMXCSR sets the MXCSR control/status register in the state.
func (s *FPState) SetMXCSR(mxcsr uint32) {
	hostarch.ByteOrder.PutUint32(s[mxcsrOffset:], mxcsr)
}

// XStateBV returns the XSTATE_BV field of the XSAVE header.
func (s *FPState) XStateBV() uint64 {
	return hostarch.ByteOrder.Uint64(s[xstateBVOffset:])
}

// SetXStateBV sets the XSTATE_BV field of the XSAVE header.
func (s *FPState) SetXStateBV(bv uint64) {
	hostarch.ByteOrder.PutUint64(s[xstateBVOffset:], bv)
}

// SanitizeUser mutates s to ensure that restoring it is safe: reserved MXCSR
// bits are cleared, XSTATE_BV is limited to the enabled components and the
// rest of the XSAVE header is zeroed.
func (s *FPState) SanitizeUser() {
	mask := hostarch.ByteOrder.Uint32(s[mxcsrMaskOffset:])
	if mask == 0 {
		mask = DefaultMXCSRMask
	}
	s.SetMXCSR(s.MXCSR() & mask)
	s.SetXStateBV(s.XStateBV() & ValidXCR0Mask)
	clear(s[xsaveHeaderZeroedOffset : xsaveHeaderZeroedOffset+xsaveHeaderZeroedBytes])
}

// String implements fmt.Stringer.String.
func (s *FPState) String() string {
	return fmt.Sprintf("fcw=%#x mxcsr=%#x xstate_bv=%#x", s.FCW(), s.MXCSR(), s.XStateBV())
}
