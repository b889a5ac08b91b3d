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

// Package sanitize scrubs CPU state at enclave transitions.
package sanitize

import "sgxshim.dev/shim/pkg/arch"

// ClearExtended clears the temporary registers r10 and r11, the arithmetic,
// direction and alignment-check flags, and the extended state. It does not
// touch rax or the parameter registers.
//
// Writing zero through the user-writable flag bits is enough; system flags
// and reserved bits are not writable from inside the enclave.
func ClearExtended(cpu *arch.CPU) {
	cpu.Regs.R10 = 0
	cpu.Regs.R11 = 0
	cpu.Regs.SetFlags(0)
	cpu.FP.Reset()
}

// ClearParams clears rax and the parameter registers.
func ClearParams(cpu *arch.CPU) {
	r := &cpu.Regs
	r.Rax = 0
	r.Rdi = 0
	r.Rsi = 0
	r.Rdx = 0
	r.Rcx = 0
	r.R8 = 0
	r.R9 = 0
}
