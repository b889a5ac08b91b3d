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
	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/enclave/thread"
	"sgxshim.dev/shim/pkg/hostarch"
)

// Slot is the enclave memory owned by one thread slot.
type Slot struct {
	Index int
	TCS   hostarch.Addr

	TCB thread.TCB
	SSA [sgx.NumSSA]sgx.StateSaveArea

	// SavedRSP is the word pushed on the private stack at each level: the
	// stack pointer the host had at EENTER, restored before EEXIT.
	SavedRSP [sgx.NumSSA]uint64

	// StackPointer is the stack pointer each level runs trusted code on.
	StackPointer [sgx.NumSSA]uint64
}

// Arena is the fixed set of thread slots of an enclave. It is allocated once
// and never grows.
type Arena struct {
	Enclave Enclave
	slots   []Slot
}

// NewArena allocates the slots of e.
func NewArena(e Enclave) *Arena {
	a := &Arena{Enclave: e, slots: make([]Slot, e.Threads)}
	for i := range a.slots {
		a.slots[i].Index = i
		a.slots[i].TCS = e.TCS(i)
	}
	return a
}

// Len returns the number of slots.
func (a *Arena) Len() int {
	return len(a.slots)
}

// Slot returns slot i.
func (a *Arena) Slot(i int) *Slot {
	return &a.slots[i]
}

// SlotFor resolves a TCS address supplied on entry. It returns nil unless tcs
// is exactly the TCS page of one of the slots.
func (a *Arena) SlotFor(tcs hostarch.Addr) *Slot {
	first := a.Enclave.TCS(0)
	if tcs < first {
		return nil
	}
	off := uint64(tcs - first)
	if off%SlotSize != 0 {
		return nil
	}
	i := off / SlotSize
	if i >= uint64(len(a.slots)) {
		return nil
	}
	return &a.slots[i]
}

// SlotOf returns the slot whose TCB is tcb, or nil.
func (a *Arena) SlotOf(tcb *thread.TCB) *Slot {
	for i := range a.slots {
		if &a.slots[i].TCB == tcb {
			return &a.slots[i]
		}
	}
	return nil
}
