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

package thread

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"sgxshim.dev/shim/pkg/arch"
)

func TestQueueOrder(t *testing.T) {
	var q Queue
	want := []NewThread{
		Main{},
		FromRegisters{TID: 1, ClearOnExit: 0x1000, Regs: arch.Registers{Rip: 0x10}},
		FromRegisters{TID: 2, Regs: arch.Registers{Rip: 0x20}},
	}
	for _, nt := range want {
		if err := q.Enqueue(nt); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	if q.Len() != len(want) {
		t.Fatalf("Len = %d, want %d", q.Len(), len(want))
	}
	var got []NewThread
	for {
		nt, ok := q.Dequeue()
		if !ok {
			break
		}
		got = append(got, nt)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dequeue order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueueFullAndWrap(t *testing.T) {
	var q Queue
	for i := 0; i < MaxThreads; i++ {
		if err := q.Enqueue(FromRegisters{TID: uint64(i)}); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if err := q.Enqueue(Main{}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue on a full queue = %v, want ErrQueueFull", err)
	}
	// Drain half and refill so the ring wraps.
	for i := 0; i < MaxThreads/2; i++ {
		q.Dequeue()
	}
	for i := 0; i < MaxThreads/2; i++ {
		if err := q.Enqueue(FromRegisters{TID: uint64(MaxThreads + i)}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	for i := MaxThreads / 2; i < MaxThreads+MaxThreads/2; i++ {
		nt, ok := q.Dequeue()
		if !ok {
			t.Fatalf("queue drained early at %d", i)
		}
		if tid := nt.(FromRegisters).TID; tid != uint64(i) {
			t.Fatalf("dequeued TID %d, want %d", tid, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Errorf("Dequeue on an empty queue succeeded")
	}
}

// Each request is consumed by exactly one of several concurrent consumers.
func TestQueueConcurrentDrain(t *testing.T) {
	var q Queue
	const n = 100
	for i := 0; i < n; i++ {
		if err := q.Enqueue(FromRegisters{TID: uint64(i)}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}
	seen := make([][]uint64, 8)
	var g errgroup.Group
	for w := range seen {
		w := w
		g.Go(func() error {
			for {
				nt, ok := q.Dequeue()
				if !ok {
					return nil
				}
				seen[w] = append(seen[w], nt.(FromRegisters).TID)
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	count := make(map[uint64]int)
	for _, s := range seen {
		for i, tid := range s {
			count[tid]++
			if i > 0 && s[i-1] >= tid {
				t.Errorf("consumer saw %d after %d", tid, s[i-1])
			}
		}
	}
	for i := uint64(0); i < n; i++ {
		if count[i] != 1 {
			t.Errorf("TID %d consumed %d times", i, count[i])
		}
	}
}

func TestFreeCounter(t *testing.T) {
	var c FreeCounter
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			if v := c.Increment(); v == 0 {
				return fmt.Errorf("Increment returned 0")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := c.Load(); got != 16 {
		t.Errorf("Load = %d, want 16", got)
	}
}

func TestDefaultIsShared(t *testing.T) {
	if Default() != Default() {
		t.Errorf("Default returned different managers")
	}
}
