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

// Package reloc applies the enclave image's self-relocation.
//
// The image is linked at address zero and loaded at an address chosen at
// build time. Only R_X86_64_RELATIVE relocations are supported; the linker
// emits nothing else for a static position-independent shim.
package reloc

import (
	"debug/elf"

	"sgxshim.dev/shim/pkg/atomicbitops"
	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/log"
)

const (
	dynSize  = 16
	relaSize = 24
)

// Image is the loaded enclave image.
type Image struct {
	// Base is the address the image is loaded at.
	Base hostarch.Addr

	// Mem is the image as mapped at Base.
	Mem []byte

	// Dynamic is the offset of _DYNAMIC in Mem.
	Dynamic uint64
}

// Range returns the address range of the image.
func (img *Image) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: img.Base, End: img.Base + hostarch.Addr(len(img.Mem))}
}

// Relocator relocates an image once.
type Relocator struct {
	done atomicbitops.Bool

	// ok is set once every relocation has been applied. A Relocate that
	// halted leaves it clear for good.
	ok atomicbitops.Bool
}

// Done returns true once Relocate has been called.
func (r *Relocator) Done() bool {
	return r.done.Load()
}

// Relocated returns true if Relocate ran to completion.
func (r *Relocator) Relocated() bool {
	return r.ok.Load()
}

// Relocate applies the relocations of img in place. A second call halts, as
// does any table the linker could not have produced.
func (r *Relocator) Relocate(img *Image) {
	if r.done.Swap(true) {
		fatal.Halt(fatal.DoubleRelocation, "image at %v relocated twice", img.Base)
	}

	var rela, relasz, relaent uint64
	for off := img.Dynamic; ; off += dynSize {
		if off+dynSize > uint64(len(img.Mem)) || off+dynSize < off {
			fatal.Halt(fatal.BadRelocation, "_DYNAMIC at %#x runs off the image", img.Dynamic)
		}
		tag := elf.DynTag(hostarch.ByteOrder.Uint64(img.Mem[off:]))
		val := hostarch.ByteOrder.Uint64(img.Mem[off+8:])
		if tag == elf.DT_NULL {
			break
		}
		switch tag {
		case elf.DT_RELA:
			rela = val
		case elf.DT_RELASZ:
			relasz = val
		case elf.DT_RELAENT:
			relaent = val
		}
	}
	if relasz == 0 {
		log.Debugf("image at %v has no relocations", img.Base)
		r.ok.Store(true)
		return
	}
	if relaent != relaSize {
		fatal.Halt(fatal.BadRelocation, "DT_RELAENT is %d, want %d", relaent, relaSize)
	}
	if relasz%relaSize != 0 || rela+relasz < rela || rela+relasz > uint64(len(img.Mem)) {
		fatal.Halt(fatal.BadRelocation, "relocation table [%#x, +%#x) outside the image", rela, relasz)
	}

	applied := 0
	for off := rela; off < rela+relasz; off += relaSize {
		where := hostarch.ByteOrder.Uint64(img.Mem[off:])
		info := hostarch.ByteOrder.Uint64(img.Mem[off+8:])
		addend := hostarch.ByteOrder.Uint64(img.Mem[off+16:])
		switch typ := elf.R_X86_64(elf.R_TYPE64(info)); typ {
		case elf.R_X86_64_NONE:
		case elf.R_X86_64_RELATIVE:
			if where+8 > uint64(len(img.Mem)) || where+8 < where {
				fatal.Halt(fatal.BadRelocation, "relocation at %#x outside the image", where)
			}
			hostarch.ByteOrder.PutUint64(img.Mem[where:], uint64(img.Base)+addend)
			applied++
		default:
			fatal.Halt(fatal.BadRelocation, "unsupported relocation %v at %#x", typ, where)
		}
	}
	log.Debugf("applied %d relocations to image at %v", applied, img.Base)
	r.ok.Store(true)
}
