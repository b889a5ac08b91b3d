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

// Package arch describes the x86-64 register file the shim saves, restores
// and sanitizes on every enclave transition.
package arch

import (
	"fmt"

	"sgxshim.dev/shim/pkg/abi/sgx"
)

// RFLAGS bits.
const (
	FlagCF = 1 << 0
	FlagPF = 1 << 2
	FlagAF = 1 << 4
	FlagZF = 1 << 6
	FlagSF = 1 << 7
	FlagTF = 1 << 8
	FlagIF = 1 << 9
	FlagDF = 1 << 10
	FlagOF = 1 << 11
	FlagAC = 1 << 18

	// FlagReserved is bit 1, which always reads as one.
	FlagReserved = 1 << 1
)

// UserWritableFlags are the RFLAGS bits user code can change with POPF.
const UserWritableFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF | FlagDF | FlagOF | FlagAC

// Registers is the general-purpose register file.
type Registers struct {
	Rax    uint64
	Rbx    uint64
	Rcx    uint64
	Rdx    uint64
	Rsi    uint64
	Rdi    uint64
	Rbp    uint64
	Rsp    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	Rip    uint64
	Rflags uint64
	FSBase uint64
	GSBase uint64
}

// SetFlags writes v through the user-writable bits of Rflags, leaving the
// others alone.
func (r *Registers) SetFlags(v uint64) {
	r.Rflags = r.Rflags&^UserWritableFlags | v&UserWritableFlags
}

// String implements fmt.Stringer.String.
func (r *Registers) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x rax=%#x rflags=%#x", r.Rip, r.Rsp, r.Rax, r.Rflags)
}

// FromGPR returns the registers saved in an SSA frame.
func FromGPR(g *sgx.GenPurposeRegs) Registers {
	return Registers{
		Rax:    g.Rax,
		Rbx:    g.Rbx,
		Rcx:    g.Rcx,
		Rdx:    g.Rdx,
		Rsi:    g.Rsi,
		Rdi:    g.Rdi,
		Rbp:    g.Rbp,
		Rsp:    g.Rsp,
		R8:     g.R8,
		R9:     g.R9,
		R10:    g.R10,
		R11:    g.R11,
		R12:    g.R12,
		R13:    g.R13,
		R14:    g.R14,
		R15:    g.R15,
		Rip:    g.Rip,
		Rflags: g.Rflags,
		FSBase: g.FSBase,
		GSBase: g.GSBase,
	}
}

// StoreGPR writes r into an SSA frame. The exit information and the untrusted
// stack fields are left as they were.
func (r *Registers) StoreGPR(g *sgx.GenPurposeRegs) {
	g.Rax = r.Rax
	g.Rbx = r.Rbx
	g.Rcx = r.Rcx
	g.Rdx = r.Rdx
	g.Rsi = r.Rsi
	g.Rdi = r.Rdi
	g.Rbp = r.Rbp
	g.Rsp = r.Rsp
	g.R8 = r.R8
	g.R9 = r.R9
	g.R10 = r.R10
	g.R11 = r.R11
	g.R12 = r.R12
	g.R13 = r.R13
	g.R14 = r.R14
	g.R15 = r.R15
	g.Rip = r.Rip
	g.Rflags = r.Rflags
	g.FSBase = r.FSBase
	g.GSBase = r.GSBase
}
