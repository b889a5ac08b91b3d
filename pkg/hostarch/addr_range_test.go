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

package hostarch

import (
	"testing"
)

func TestOverlaps(t *testing.T) {
	enclave := AddrRange{0x10000, 0x20000}
	for _, tc := range []struct {
		name string
		r    AddrRange
		want bool
	}{
		{"below", AddrRange{0x0, 0x10000}, false},
		{"above", AddrRange{0x20000, 0x21000}, false},
		{"straddles start", AddrRange{0xf000, 0x11000}, true},
		{"straddles end", AddrRange{0x1f000, 0x21000}, true},
		{"contained", AddrRange{0x11000, 0x12000}, true},
		{"contains", AddrRange{0x0, 0x30000}, true},
		{"same", enclave, true},
		{"first byte", AddrRange{0x10000, 0x10001}, true},
		{"last byte", AddrRange{0x1ffff, 0x20000}, true},
		{"empty inside", AddrRange{0x11000, 0x11000}, false},
		{"empty at start", AddrRange{0x10000, 0x10000}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.r.Overlaps(enclave); got != tc.want {
				t.Errorf("%v.Overlaps(%v) = %v, want %v", tc.r, enclave, got, tc.want)
			}
			if got := enclave.Overlaps(tc.r); got != tc.want {
				t.Errorf("%v.Overlaps(%v) = %v, want %v", enclave, tc.r, got, tc.want)
			}
		})
	}
}

func TestIntersect(t *testing.T) {
	a := AddrRange{0x1000, 0x3000}
	if got, want := a.Intersect(AddrRange{0x2000, 0x5000}), (AddrRange{0x2000, 0x3000}); got != want {
		t.Errorf("Intersect = %v, want %v", got, want)
	}
	if got := a.Intersect(AddrRange{0x4000, 0x5000}); got.Length() != 0 {
		t.Errorf("disjoint Intersect = %v, want empty", got)
	}
}

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		down Addr
		up   Addr
	}{
		{0, 0, 0},
		{1, 0, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 17, PageSize, 2 * PageSize},
	} {
		if got := tc.addr.RoundDown(); got != tc.down {
			t.Errorf("%v.RoundDown() = %v, want %v", tc.addr, got, tc.down)
		}
		if got, ok := tc.addr.RoundUp(); !ok || got != tc.up {
			t.Errorf("%v.RoundUp() = %v, %v, want %v, true", tc.addr, got, ok, tc.up)
		}
	}
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should wrap")
	}
	if got := Addr(0x1234f).AlignDown(16); got != 0x12340 {
		t.Errorf("AlignDown = %v, want 0x12340", got)
	}
}

func TestToRange(t *testing.T) {
	if _, ok := Addr(^uintptr(0) - 4).ToRange(16); ok {
		t.Errorf("ToRange should report overflow")
	}
	r, ok := Addr(0x1000).ToRange(0x20)
	if !ok || r != (AddrRange{0x1000, 0x1020}) {
		t.Errorf("ToRange = %v, %v", r, ok)
	}
}
