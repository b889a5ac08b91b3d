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
	"debug/elf"

	"sgxshim.dev/shim/pkg/enclave/reloc"
	"sgxshim.dev/shim/pkg/hostarch"
)

// Offsets into the simulated shim image.
const (
	// SyscallOffset holds a syscall instruction.
	SyscallOffset = 0x0

	// CPUIDOffset holds a cpuid instruction.
	CPUIDOffset = 0x2

	// UD2Offset holds ud2, which no handler accepts.
	UD2Offset = 0x4

	// StartOffset is the workload entry point.
	StartOffset = 0x10

	// RelocOffset is a pointer the image relocates to its own
	// StartOffset.
	RelocOffset = 0x100

	dynamicOffset = 0x200
	relaOffset    = 0x300
	imageSize     = hostarch.PageSize
)

// NewImage returns a one-page image loaded at base. It carries the trapping
// instructions the workload executes and a _DYNAMIC section with one
// R_X86_64_RELATIVE relocation.
func NewImage(base hostarch.Addr) *reloc.Image {
	mem := make([]byte, imageSize)
	copy(mem[SyscallOffset:], []byte{0x0f, 0x05})
	copy(mem[CPUIDOffset:], []byte{0x0f, 0xa2})
	copy(mem[UD2Offset:], []byte{0x0f, 0x0b})
	// The entry point is never executed.
	mem[StartOffset] = 0xf4

	le := hostarch.ByteOrder
	off := dynamicOffset
	for _, d := range []struct {
		tag elf.DynTag
		val uint64
	}{
		{elf.DT_RELA, relaOffset},
		{elf.DT_RELASZ, 24},
		{elf.DT_RELAENT, 24},
		{elf.DT_NULL, 0},
	} {
		le.PutUint64(mem[off:], uint64(d.tag))
		le.PutUint64(mem[off+8:], d.val)
		off += 16
	}
	le.PutUint64(mem[relaOffset:], RelocOffset)
	le.PutUint64(mem[relaOffset+8:], elf.R_INFO(0, uint32(elf.R_X86_64_RELATIVE)))
	le.PutUint64(mem[relaOffset+16:], StartOffset)

	return &reloc.Image{Base: base, Mem: mem, Dynamic: dynamicOffset}
}
