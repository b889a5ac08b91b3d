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

// Package sgx contains the hardware-defined structures and constants of the
// SGX enclave entry/exit ABI: ENCLU leaves, exit information, and the State
// Save Area frame the processor writes on an asynchronous exit.
package sgx

import "fmt"

// Leaf is an ENCLU leaf function number, passed in rax.
type Leaf uint64

// ENCLU leaves, from the Intel SDM Vol. 3D, Section 38.
const (
	EREPORT     Leaf = 0x0
	EGETKEY     Leaf = 0x1
	EENTER      Leaf = 0x2
	ERESUME     Leaf = 0x3
	EEXIT       Leaf = 0x4
	EACCEPT     Leaf = 0x5
	EMODPE      Leaf = 0x6
	EACCEPTCOPY Leaf = 0x7
)

// String implements fmt.Stringer.String.
func (l Leaf) String() string {
	switch l {
	case EREPORT:
		return "EREPORT"
	case EGETKEY:
		return "EGETKEY"
	case EENTER:
		return "EENTER"
	case ERESUME:
		return "ERESUME"
	case EEXIT:
		return "EEXIT"
	case EACCEPT:
		return "EACCEPT"
	case EMODPE:
		return "EMODPE"
	case EACCEPTCOPY:
		return "EACCEPTCOPY"
	default:
		return fmt.Sprintf("Leaf(%#x)", uint64(l))
	}
}

const (
	// NumSSA is the number of SSA frames per TCS, and so the number of
	// nesting levels the shim supports: normal execution, a trapped
	// exception, and the host round trip the exception handler needs.
	NumSSA = 3

	// RedZone is the number of bytes below the interrupted stack pointer
	// that the System V ABI allows a leaf function to use without
	// adjusting the stack pointer.
	RedZone = 128

	// StackAlign is the stack alignment required at a call boundary.
	StackAlign = 16
)

// Vector is an exception vector number.
type Vector uint8

// Exception vectors that can be reported in ExitInfo.
const (
	DivideByZero               Vector = 0
	Debug                      Vector = 1
	Breakpoint                 Vector = 3
	BoundRangeExceeded         Vector = 5
	InvalidOpcode              Vector = 6
	GeneralProtectionFault     Vector = 13
	PageFault                  Vector = 14
	X87FloatingPointException  Vector = 16
	AlignmentCheck             Vector = 17
	SIMDFloatingPointException Vector = 19
)

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	switch v {
	case DivideByZero:
		return "#DE"
	case Debug:
		return "#DB"
	case Breakpoint:
		return "#BP"
	case BoundRangeExceeded:
		return "#BR"
	case InvalidOpcode:
		return "#UD"
	case GeneralProtectionFault:
		return "#GP"
	case PageFault:
		return "#PF"
	case X87FloatingPointException:
		return "#MF"
	case AlignmentCheck:
		return "#AC"
	case SIMDFloatingPointException:
		return "#XM"
	default:
		return fmt.Sprintf("Vector(%d)", uint8(v))
	}
}

// ExitType is the exception type field of ExitInfo.
type ExitType uint8

// Exit types.
const (
	ExitTypeHardware ExitType = 3
	ExitTypeSoftware ExitType = 6
)

// ExitInfo is the EXITINFO field of the GPR region of an SSA frame.
//
// Bits 7:0 hold the vector, bits 10:8 the exit type and bit 31 is set when
// the field is valid.
type ExitInfo uint32

const exitInfoValid = 1 << 31

// NewExitInfo returns a valid ExitInfo for the given vector and type.
func NewExitInfo(v Vector, t ExitType) ExitInfo {
	return ExitInfo(uint32(v) | uint32(t&0x7)<<8 | exitInfoValid)
}

// Valid returns true if the processor recorded exit information.
func (e ExitInfo) Valid() bool {
	return e&exitInfoValid != 0
}

// Vector returns the exception vector.
func (e ExitInfo) Vector() Vector {
	return Vector(e & 0xff)
}

// Type returns the exit type.
func (e ExitInfo) Type() ExitType {
	return ExitType((e >> 8) & 0x7)
}

// String implements fmt.Stringer.String.
func (e ExitInfo) String() string {
	if !e.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%v type %d", e.Vector(), e.Type())
}
