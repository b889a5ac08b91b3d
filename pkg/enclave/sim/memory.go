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
	"errors"
	"fmt"

	"github.com/google/btree"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/hostarch"
	"sgxshim.dev/shim/pkg/sync"
)

// ErrFault is returned for accesses that are not contained in one mapped
// region.
var ErrFault = errors.New("bad address")

// Region is a mapped range of simulated memory.
type Region struct {
	Name  string
	Start hostarch.Addr
	Data  []byte

	// Block is set for regions that hold a shared block. Data is then a view
	// of the block.
	Block *block.Block
}

// Range returns the addresses the region covers.
func (r *Region) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.Start, End: r.Start + hostarch.Addr(len(r.Data))}
}

func regionLess(a, b *Region) bool {
	return a.Start < b.Start
}

// Memory is a sparse address space made of non-overlapping regions, ordered
// by start address.
type Memory struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*Region]
}

// NewMemory returns an empty address space.
func NewMemory() *Memory {
	return &Memory{tree: btree.NewG(8, regionLess)}
}

// Map adds r. It fails if r is empty, wraps, or overlaps a mapped region.
func (m *Memory) Map(r *Region) error {
	rr := r.Range()
	if len(r.Data) == 0 || !rr.WellFormed() {
		return fmt.Errorf("mapping %q at %v with %d bytes: invalid range", r.Name, r.Start, len(r.Data))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var clash *Region
	m.tree.DescendLessOrEqual(&Region{Start: r.Start}, func(prev *Region) bool {
		if prev.Range().Overlaps(rr) {
			clash = prev
		}
		return false
	})
	m.tree.AscendGreaterOrEqual(&Region{Start: r.Start}, func(next *Region) bool {
		if next.Start < rr.End {
			clash = next
		}
		return false
	})
	if clash != nil {
		return fmt.Errorf("mapping %q at %v overlaps %q at %v", r.Name, rr, clash.Name, clash.Range())
	}
	m.tree.ReplaceOrInsert(r)
	return nil
}

// MapBlock maps a fresh shared block at addr.
func (m *Memory) MapBlock(addr hostarch.Addr, name string) (*block.Block, error) {
	b := new(block.Block)
	if err := m.Map(&Region{Name: name, Start: addr, Data: b[:], Block: b}); err != nil {
		return nil, err
	}
	return b, nil
}

// Unmap removes the region starting at addr.
func (m *Memory) Unmap(addr hostarch.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tree.Delete(&Region{Start: addr})
	return ok
}

// Find returns the region containing addr, or nil.
func (m *Memory) Find(addr hostarch.Addr) *Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *Region
	m.tree.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if r.Range().Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// Regions returns the mapped regions in address order.
func (m *Memory) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs := make([]*Region, 0, m.tree.Len())
	m.tree.Ascend(func(r *Region) bool {
		rs = append(rs, r)
		return true
	})
	return rs
}

// Block implements entry.Blocks.Block. Only the exact start of a block
// region resolves.
func (m *Memory) Block(addr hostarch.Addr) *block.Block {
	r := m.Find(addr)
	if r == nil || r.Block == nil || r.Start != addr {
		return nil
	}
	return r.Block
}

func (m *Memory) slice(addr hostarch.Addr, n int) ([]byte, error) {
	r := m.Find(addr)
	if r == nil {
		return nil, fmt.Errorf("%v: %w", addr, ErrFault)
	}
	off := uint64(addr - r.Start)
	if off+uint64(n) > uint64(len(r.Data)) {
		return nil, fmt.Errorf("%d bytes at %v cross the end of %q: %w", n, addr, r.Name, ErrFault)
	}
	return r.Data[off : off+uint64(n)], nil
}

// ReadAt copies len(dst) bytes at addr into dst.
func (m *Memory) ReadAt(addr hostarch.Addr, dst []byte) error {
	s, err := m.slice(addr, len(dst))
	if err != nil {
		return err
	}
	copy(dst, s)
	return nil
}

// WriteAt copies src to addr.
func (m *Memory) WriteAt(addr hostarch.Addr, src []byte) error {
	s, err := m.slice(addr, len(src))
	if err != nil {
		return err
	}
	copy(s, src)
	return nil
}
