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

// Package thread holds per-thread bookkeeping: the thread control block of
// each slot, the queue of pending bring-up requests, and the counter of
// slots whose threads have finished.
package thread

import (
	"sgxshim.dev/shim/pkg/arch"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/hostarch"
)

// MaxThreads is the number of thread slots an enclave can have.
const MaxThreads = 256

// MainTID is the identifier of the primary thread.
const MainTID = 0

// TCB is the thread control block. It lives in the page below the slot's TCS
// and is owned by the thread running in the slot.
type TCB struct {
	// TID is unique for the lifetime of the enclave.
	TID uint64

	// ClearOnExit is a host address cleared when the thread exits, or 0.
	ClearOnExit hostarch.Addr

	// Pending is the in-flight proxied request.
	Pending block.Request
}

// NewThread is a request to bring up a thread in a fresh slot. It is either
// Main or FromRegisters.
type NewThread interface {
	isNewThread()
}

// Main brings up the primary thread at the image's start address.
type Main struct{}

func (Main) isNewThread() {}

// FromRegisters brings up a worker thread from a register snapshot taken by
// its creator.
type FromRegisters struct {
	TID         uint64
	ClearOnExit hostarch.Addr
	Regs        arch.Registers
}

func (FromRegisters) isNewThread() {}

// Workload is the program the enclave runs.
type Workload interface {
	// Entry runs the primary thread from start and returns its exit code.
	Entry(start hostarch.Addr, tcb *TCB) int32
}

// RegisterLoader resumes a worker thread from a register snapshot.
type RegisterLoader interface {
	LoadRegisters(regs arch.Registers, tcb *TCB) int32
}
