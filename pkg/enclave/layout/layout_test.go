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

package layout

import (
	"testing"

	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/hostarch"
)

func TestGeometry(t *testing.T) {
	e := Default(4)
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	for i := 0; i < e.Threads; i++ {
		tcs := e.TCS(i)
		if !tcs.IsPageAligned() {
			t.Errorf("slot %d: TCS %v not page aligned", i, tcs)
		}
		if !e.Range().Contains(tcs) {
			t.Errorf("slot %d: TCS %v outside %v", i, tcs, e.Range())
		}
		stacks := StackRange(tcs)
		if stacks.Start != e.SlotBase(i) {
			t.Errorf("slot %d: stacks start at %v, slot at %v", i, stacks.Start, e.SlotBase(i))
		}
		if got := SSAAddr(tcs, sgx.NumSSA) - e.SlotBase(i); got != SlotSize {
			t.Errorf("slot %d: size %#x, want %#x", i, uint64(got), SlotSize)
		}
		if CSSA0Stack(tcs).Overlaps(CSSA1Stack(tcs)) {
			t.Errorf("slot %d: stacks overlap", i)
		}
		if TCBAddr(tcs) != CSSA0Stack(tcs).End {
			t.Errorf("slot %d: CSSA0 stack does not end at the TCB page", i)
		}
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		e    Enclave
	}{
		{"no threads", Enclave{Base: DefaultShimBase, SizeBits: 36}},
		{"too many threads", Enclave{Base: DefaultShimBase, SizeBits: 36, Threads: MaxThreads + 1}},
		{"misaligned", Enclave{Base: DefaultShimBase + hostarch.PageSize, SizeBits: 36, Threads: 1}},
		{"slots do not fit", Enclave{Base: 0, SizeBits: 28, Threads: 64}},
		{"tiny", Enclave{Base: 0, SizeBits: 12, Threads: 1}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.e.Validate(); err == nil {
				t.Errorf("Validate(%+v) succeeded", tc.e)
			}
		})
	}
}

func TestSlotFor(t *testing.T) {
	a := NewArena(Default(3))
	for i := 0; i < a.Len(); i++ {
		if s := a.SlotFor(a.Enclave.TCS(i)); s == nil || s.Index != i {
			t.Errorf("SlotFor(TCS(%d)) = %v", i, s)
		}
		if s := a.SlotOf(&a.Slot(i).TCB); s != a.Slot(i) {
			t.Errorf("SlotOf(slot %d TCB) = %v", i, s)
		}
	}
	for _, addr := range []hostarch.Addr{
		0,
		a.Enclave.TCS(0) - hostarch.PageSize,
		a.Enclave.TCS(0) + hostarch.PageSize,
		a.Enclave.TCS(3),
		^hostarch.Addr(0) &^ (hostarch.PageSize - 1),
	} {
		if s := a.SlotFor(addr); s != nil {
			t.Errorf("SlotFor(%v) = slot %d, want nil", addr, s.Index)
		}
	}
}
