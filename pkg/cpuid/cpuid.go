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

// Package cpuid models the CPUID instruction as a pure function.
//
// CPUID is illegal inside an enclave, so the shim forwards the leaf and
// subleaf to the host and hands whatever the host answers back to the
// workload. The host side answers from a Function, usually a Static table.
package cpuid

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Function is a CPUID function.
type Function interface {
	Query(In) Out
}

// In is input to the Query function.
type In struct {
	Eax uint32
	Ecx uint32
}

// String implements fmt.Stringer.String.
func (i In) String() string {
	return fmt.Sprintf("%#x.%#x", i.Eax, i.Ecx)
}

type cpuidFunction uint32

const (
	vendorID                      cpuidFunction = 0x0
	featureInfo                   cpuidFunction = 0x1
	intelDeterministicCacheParams cpuidFunction = 0x4
	extendedFeatureInfo           cpuidFunction = 0x7
	xSaveInfo                     cpuidFunction = 0xd
	sgxInfo                       cpuidFunction = 0x12
	extendedFunctionInfo          cpuidFunction = 0x80000000
	extendedFeatures              cpuidFunction = 0x80000001
)

// normalize drops irrelevant Ecx values.
func (i *In) normalize() {
	switch cpuidFunction(i.Eax) {
	case intelDeterministicCacheParams, extendedFeatureInfo, xSaveInfo, sgxInfo:
		// Subleaf is significant.
	default:
		i.Ecx = 0
	}
}

// Out is output from the Query function.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// Static is a static CPUID function.
type Static map[In]Out

// Set sets the output for in.
func (s Static) Set(in In, out Out) {
	in.normalize()
	s[in] = out
}

// Query implements Function.Query. Leaves that are not in the table answer
// all zeroes, like leaves above the maximum basic leaf on real hardware.
func (s Static) Query(in In) Out {
	in.normalize()
	return s[in]
}

// Keys returns the populated inputs in ascending order.
func (s Static) Keys() []In {
	keys := make([]In, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Eax != keys[j].Eax {
			return keys[i].Eax < keys[j].Eax
		}
		return keys[i].Ecx < keys[j].Ecx
	})
	return keys
}

// Feature bits of leaf 1.
const (
	// Edx.
	featureFPU  = 1 << 0
	featureTSC  = 1 << 4
	featureCX8  = 1 << 8
	featureCMOV = 1 << 15
	featureFXSR = 1 << 24
	featureSSE  = 1 << 25
	featureSSE2 = 1 << 26

	// Ecx.
	featureSSE3    = 1 << 0
	featureSSSE3   = 1 << 9
	featureSSE41   = 1 << 19
	featureSSE42   = 1 << 20
	featurePOPCNT  = 1 << 23
	featureXSAVE   = 1 << 26
	featureOSXSAVE = 1 << 27
	featureAVX     = 1 << 28
	featureRDRAND  = 1 << 30
)

// maxXsaveSize is the size of the XSAVE area the shim saves and restores:
// x87, SSE and AVX state only.
const maxXsaveSize = 832

// vendor packs a 12-byte vendor string in ebx, edx, ecx order.
func vendor(s string) (ebx, edx, ecx uint32) {
	var b [12]byte
	copy(b[:], s)
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), binary.LittleEndian.Uint32(b[8:12])
}

// Vendor returns the vendor string reported by leaf 0.
func Vendor(f Function) string {
	out := f.Query(In{Eax: uint32(vendorID)})
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:4], out.Ebx)
	binary.LittleEndian.PutUint32(b[4:8], out.Edx)
	binary.LittleEndian.PutUint32(b[8:12], out.Ecx)
	return string(b[:])
}

// Default returns a conservative table describing an SGX-capable x86-64
// processor with x87, SSE and AVX state enabled.
func Default() Static {
	s := make(Static)
	ebx, edx, ecx := vendor("GenuineIntel")
	s.Set(In{Eax: uint32(vendorID)}, Out{Eax: uint32(xSaveInfo), Ebx: ebx, Ecx: ecx, Edx: edx})
	s.Set(In{Eax: uint32(featureInfo)}, Out{
		Eax: 0x000906ea,
		Ecx: featureSSE3 | featureSSSE3 | featureSSE41 | featureSSE42 | featurePOPCNT | featureXSAVE | featureOSXSAVE | featureAVX | featureRDRAND,
		Edx: featureFPU | featureTSC | featureCX8 | featureCMOV | featureFXSR | featureSSE | featureSSE2,
	})
	// SGX is ebx bit 2.
	s.Set(In{Eax: uint32(extendedFeatureInfo)}, Out{Ebx: 1 << 2})
	s.Set(In{Eax: uint32(xSaveInfo)}, Out{Eax: 0x7, Ebx: maxXsaveSize, Ecx: maxXsaveSize})
	s.Set(In{Eax: uint32(xSaveInfo), Ecx: 1}, Out{})
	s.Set(In{Eax: uint32(extendedFunctionInfo)}, Out{Eax: uint32(extendedFeatures)})
	// LAHF/SAHF, SYSCALL, NX and long mode.
	s.Set(In{Eax: uint32(extendedFeatures)}, Out{Ecx: 1 << 0, Edx: 1<<11 | 1<<20 | 1<<29})
	return s
}

// HasXSAVE returns true if leaf 1 reports XSAVE.
func HasXSAVE(f Function) bool {
	return f.Query(In{Eax: uint32(featureInfo)}).Ecx&featureXSAVE != 0
}

// XSaveSize returns the XSAVE area size reported by leaf 0xd, or 0.
func XSaveSize(f Function) uint32 {
	if !HasXSAVE(f) {
		return 0
	}
	return f.Query(In{Eax: uint32(xSaveInfo)}).Ecx
}
