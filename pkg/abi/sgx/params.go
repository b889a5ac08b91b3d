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

package sgx

import (
	"fmt"
	"strings"
)

// Features are the ATTRIBUTES.FLAGS bits of an enclave.
type Features uint64

// Feature bits.
const (
	FeatureInit          Features = 1 << 0
	FeatureDebug         Features = 1 << 1
	FeatureMode64Bit     Features = 1 << 2
	FeatureProvisionKey  Features = 1 << 4
	FeatureEInitTokenKey Features = 1 << 5
	FeatureCET           Features = 1 << 6
	FeatureKSS           Features = 1 << 7
)

var featureNames = []struct {
	bit  Features
	name string
}{
	{FeatureInit, "INIT"},
	{FeatureDebug, "DEBUG"},
	{FeatureMode64Bit, "MODE64BIT"},
	{FeatureProvisionKey, "PROVISIONKEY"},
	{FeatureEInitTokenKey, "EINITTOKENKEY"},
	{FeatureCET, "CET"},
	{FeatureKSS, "KSS"},
}

// String implements fmt.Stringer.String.
func (f Features) String() string {
	var parts []string
	for _, n := range featureNames {
		if f&n.bit != 0 {
			parts = append(parts, n.name)
			f &^= n.bit
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint64(f)))
	}
	if len(parts) == 0 {
		return "0"
	}
	return strings.Join(parts, "|")
}

// Xfrm is the XSAVE feature request mask of an enclave.
type Xfrm uint64

// XFRM bits.
const (
	XfrmX87 Xfrm = 1 << 0
	XfrmSSE Xfrm = 1 << 1
	XfrmAVX Xfrm = 1 << 2
)

// Attributes is the ATTRIBUTES field of SECS and SIGSTRUCT.
type Attributes struct {
	Features Features
	Xfrm     Xfrm
}

// String implements fmt.Stringer.String.
func (a Attributes) String() string {
	return fmt.Sprintf("{features: %v, xfrm: %#x}", a.Features, uint64(a.Xfrm))
}

// MiscSelect selects the extra information written into the MISC region of
// SSA frames.
type MiscSelect uint32

// MiscSelect bits.
const (
	MiscExInfo MiscSelect = 1 << 0
)
