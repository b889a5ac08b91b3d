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

// CPU is the architectural state of one logical processor as seen by code
// running inside the enclave.
type CPU struct {
	Regs Registers
	FP   FPState
}

// NewCPU returns a CPU with zeroed registers, the reserved flag bit set, and
// the extended state at the baseline.
func NewCPU() *CPU {
	return &CPU{
		Regs: Registers{Rflags: FlagReserved},
		FP:   NewFPState(),
	}
}

// Clone returns a deep copy of c.
func (c *CPU) Clone() *CPU {
	n := *c
	return &n
}
