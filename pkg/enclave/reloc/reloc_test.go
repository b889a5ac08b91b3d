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

package reloc

import (
	"debug/elf"
	"testing"

	"sgxshim.dev/shim/pkg/enclave/fatal"
	"sgxshim.dev/shim/pkg/hostarch"
)

// imageBuilder lays out a tiny image: _DYNAMIC at 0x100, the RELA table at
// 0x200 and data words from 0x400.
type imageBuilder struct {
	mem  []byte
	dyn  uint64
	rela uint64
}

func newImageBuilder() *imageBuilder {
	return &imageBuilder{mem: make([]byte, 0x1000), dyn: 0x100, rela: 0x200}
}

func (b *imageBuilder) putDyn(tag elf.DynTag, val uint64) {
	hostarch.ByteOrder.PutUint64(b.mem[b.dyn:], uint64(tag))
	hostarch.ByteOrder.PutUint64(b.mem[b.dyn+8:], val)
	b.dyn += dynSize
}

func (b *imageBuilder) putRela(where uint64, typ elf.R_X86_64, addend uint64) {
	hostarch.ByteOrder.PutUint64(b.mem[b.rela:], where)
	hostarch.ByteOrder.PutUint64(b.mem[b.rela+8:], elf.R_INFO(0, uint32(typ)))
	hostarch.ByteOrder.PutUint64(b.mem[b.rela+16:], addend)
	b.rela += relaSize
}

func (b *imageBuilder) image(base hostarch.Addr) *Image {
	b.putDyn(elf.DT_RELA, 0x200)
	b.putDyn(elf.DT_RELASZ, b.rela-0x200)
	b.putDyn(elf.DT_RELAENT, relaSize)
	b.putDyn(elf.DT_NULL, 0)
	return &Image{Base: base, Mem: b.mem, Dynamic: 0x100}
}

func TestRelocate(t *testing.T) {
	const base = hostarch.Addr(0x7f00_0000_0000)
	b := newImageBuilder()
	b.putRela(0x400, elf.R_X86_64_RELATIVE, 0x1234)
	b.putRela(0x408, elf.R_X86_64_NONE, 0x9999)
	b.putRela(0x410, elf.R_X86_64_RELATIVE, 0)
	img := b.image(base)

	var r Relocator
	if v := fatal.Catch(func() { r.Relocate(img) }); v != nil {
		t.Fatalf("Relocate halted: %v", v)
	}
	for _, tc := range []struct {
		off  uint64
		want uint64
	}{
		{0x400, uint64(base) + 0x1234},
		{0x408, 0},
		{0x410, uint64(base)},
	} {
		if got := hostarch.ByteOrder.Uint64(img.Mem[tc.off:]); got != tc.want {
			t.Errorf("word at %#x = %#x, want %#x", tc.off, got, tc.want)
		}
	}
	if !r.Done() || !r.Relocated() {
		t.Errorf("Done = %t, Relocated = %t after Relocate", r.Done(), r.Relocated())
	}
}

func TestRelocateTwiceHalts(t *testing.T) {
	img := newImageBuilder().image(0x1000)
	var r Relocator
	r.Relocate(img)
	v := fatal.Catch(func() { r.Relocate(img) })
	if v == nil || v.Kind != fatal.DoubleRelocation {
		t.Errorf("second Relocate = %v, want DoubleRelocation", v)
	}
}

func TestBadTables(t *testing.T) {
	for _, tc := range []struct {
		name  string
		build func() *Image
	}{
		{
			name: "unsupported type",
			build: func() *Image {
				b := newImageBuilder()
				b.putRela(0x400, elf.R_X86_64_64, 0)
				return b.image(0x1000)
			},
		},
		{
			name: "target outside the image",
			build: func() *Image {
				b := newImageBuilder()
				b.putRela(0xffc, elf.R_X86_64_RELATIVE, 0)
				return b.image(0x1000)
			},
		},
		{
			name: "wrong entry size",
			build: func() *Image {
				b := newImageBuilder()
				b.putRela(0x400, elf.R_X86_64_RELATIVE, 0)
				b.putDyn(elf.DT_RELA, 0x200)
				b.putDyn(elf.DT_RELASZ, relaSize)
				b.putDyn(elf.DT_RELAENT, 16)
				b.putDyn(elf.DT_NULL, 0)
				return &Image{Base: 0x1000, Mem: b.mem, Dynamic: 0x100}
			},
		},
		{
			name: "table outside the image",
			build: func() *Image {
				b := newImageBuilder()
				b.putDyn(elf.DT_RELASZ, 0x10000*relaSize)
				b.putDyn(elf.DT_RELAENT, relaSize)
				b.putDyn(elf.DT_RELA, 0x200)
				b.putDyn(elf.DT_NULL, 0)
				return &Image{Base: 0x1000, Mem: b.mem, Dynamic: 0x100}
			},
		},
		{
			name: "unterminated dynamic",
			build: func() *Image {
				return &Image{Base: 0x1000, Mem: make([]byte, 0x1000), Dynamic: 0xff8}
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var r Relocator
			v := fatal.Catch(func() { r.Relocate(tc.build()) })
			if v == nil || v.Kind != fatal.BadRelocation {
				t.Errorf("Relocate = %v, want BadRelocation", v)
			}
			if r.Relocated() {
				t.Errorf("Relocated = true after a halted Relocate")
			}
		})
	}
}
