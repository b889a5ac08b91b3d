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

package cpuid

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	s := Default()
	if got := Vendor(s); got != "GenuineIntel" {
		t.Errorf("Vendor = %q", got)
	}
	if !HasXSAVE(s) {
		t.Errorf("default table lacks XSAVE")
	}
	if got := XSaveSize(s); got != maxXsaveSize {
		t.Errorf("XSaveSize = %d, want %d", got, maxXsaveSize)
	}
}

func TestNormalize(t *testing.T) {
	s := make(Static)
	s.Set(In{Eax: 1, Ecx: 42}, Out{Eax: 7})
	s.Set(In{Eax: 0xd, Ecx: 1}, Out{Eax: 9})

	for _, tc := range []struct {
		in   In
		want Out
	}{
		{In{Eax: 1}, Out{Eax: 7}},
		{In{Eax: 1, Ecx: 3}, Out{Eax: 7}},
		{In{Eax: 0xd, Ecx: 1}, Out{Eax: 9}},
		{In{Eax: 0xd}, Out{}},
		{In{Eax: 0x40000000}, Out{}},
	} {
		t.Run(tc.in.String(), func(t *testing.T) {
			if diff := cmp.Diff(tc.want, s.Query(tc.in)); diff != "" {
				t.Errorf("Query mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestKeys(t *testing.T) {
	s := make(Static)
	s.Set(In{Eax: 7}, Out{})
	s.Set(In{Eax: 0xd, Ecx: 1}, Out{})
	s.Set(In{Eax: 0}, Out{})
	s.Set(In{Eax: 0xd}, Out{})
	want := []In{{0, 0}, {7, 0}, {0xd, 0}, {0xd, 1}}
	if diff := cmp.Diff(want, s.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}
