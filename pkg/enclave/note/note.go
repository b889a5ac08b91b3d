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

// Package note encodes the descriptor metadata embedded in the enclave image
// as ELF notes. The loader reads them to configure the enclave; the shim
// never reads them at runtime.
package note

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"sgxshim.dev/shim/pkg/abi/sgx"
	"sgxshim.dev/shim/pkg/enclave/block"
	"sgxshim.dev/shim/pkg/enclave/layout"
)

const (
	// Name is the owner name of every descriptor note.
	Name = "sgxshim"

	// SectionName is the section the notes are placed in.
	SectionName = ".note.sgxshim"

	// Requires is the protocol the shim speaks over the shared block.
	Requires = "sgxshim-block/1"
)

// Type is a note type.
type Type uint32

// Note types.
const (
	TypeRequires  Type = 1
	TypeBlockSize Type = 2
	TypeBits      Type = 0x10
	TypeSSAP      Type = 0x11
	TypePID       Type = 0x12
	TypeSVN       Type = 0x13
	TypeMisc      Type = 0x14
	TypeMiscMask  Type = 0x15
	TypeAttr      Type = 0x16
	TypeAttrMask  Type = 0x17
)

// ErrMissing is returned when a required note is absent.
var ErrMissing = errors.New("missing note")

// Descriptor is the build-time configuration of an enclave.
type Descriptor struct {
	// Requires names the host protocol the shim needs.
	Requires string `json:"requires"`

	// BlockSize is the size of the shared block.
	BlockSize uint64 `json:"block_size"`

	// Bits is the binary log of the enclave size.
	Bits uint8 `json:"bits"`

	// SSAP is the number of pages per SSA frame.
	SSAP uint8 `json:"ssa_pages"`

	PID      uint16         `json:"product_id"`
	SVN      uint16         `json:"security_version"`
	Misc     sgx.MiscSelect `json:"misc"`
	MiscMask sgx.MiscSelect `json:"misc_mask"`
	Attr     sgx.Attributes `json:"attributes"`
	AttrMask sgx.Attributes `json:"attributes_mask"`
}

// Default returns the descriptor the shim is built with.
func Default() Descriptor {
	attr := sgx.Attributes{
		Features: sgx.FeatureMode64Bit,
		Xfrm:     sgx.XfrmX87 | sgx.XfrmSSE | sgx.XfrmAVX,
	}
	return Descriptor{
		Requires:  Requires,
		BlockSize: block.Size,
		Bits:      layout.DefaultEnclaveSizeBits,
		SSAP:      sgx.SSAFrameSize / 4096,
		Misc:      sgx.MiscExInfo,
		MiscMask:  sgx.MiscExInfo,
		Attr:      attr,
		AttrMask:  attr,
	}
}

func le(v any) []byte {
	var buf bytes.Buffer
	// Only fixed-size values are passed; Write cannot fail.
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// Encode returns the notes as they appear in the note section.
func (d *Descriptor) Encode() []byte {
	var buf bytes.Buffer
	for _, n := range []struct {
		typ  Type
		desc []byte
	}{
		{TypeRequires, []byte(d.Requires)},
		{TypeBlockSize, le(d.BlockSize)},
		{TypeBits, le(d.Bits)},
		{TypeSSAP, le(d.SSAP)},
		{TypePID, le(d.PID)},
		{TypeSVN, le(d.SVN)},
		{TypeMisc, le(uint32(d.Misc))},
		{TypeMiscMask, le(uint32(d.MiscMask))},
		{TypeAttr, le(d.Attr)},
		{TypeAttrMask, le(d.AttrMask)},
	} {
		writeNote(&buf, Name, n.typ, n.desc)
	}
	return buf.Bytes()
}

func pad4(n int) int {
	return (n + 3) &^ 3
}

func writeNote(buf *bytes.Buffer, name string, typ Type, desc []byte) {
	nameb := append([]byte(name), 0)
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(nameb)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(desc)))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(typ))
	buf.Write(hdr[:])
	buf.Write(nameb)
	buf.Write(make([]byte, pad4(len(nameb))-len(nameb)))
	buf.Write(desc)
	buf.Write(make([]byte, pad4(len(desc))-len(desc)))
}

// Decode parses a note section. Notes owned by anyone else are skipped.
func Decode(b []byte) (Descriptor, error) {
	var d Descriptor
	seen := make(map[Type]bool)
	for len(b) > 0 {
		if len(b) < 12 {
			return Descriptor{}, fmt.Errorf("truncated note header (%d bytes)", len(b))
		}
		namesz := int(binary.LittleEndian.Uint32(b[0:]))
		descsz := int(binary.LittleEndian.Uint32(b[4:]))
		typ := Type(binary.LittleEndian.Uint32(b[8:]))
		b = b[12:]
		if namesz < 0 || descsz < 0 || pad4(namesz) > len(b) || pad4(namesz)+pad4(descsz) > len(b) {
			return Descriptor{}, fmt.Errorf("note type %d overruns the section", typ)
		}
		name := string(bytes.TrimRight(b[:namesz], "\x00"))
		desc := b[pad4(namesz) : pad4(namesz)+descsz]
		b = b[pad4(namesz)+pad4(descsz):]
		if name != Name {
			continue
		}
		if err := d.set(typ, desc); err != nil {
			return Descriptor{}, err
		}
		seen[typ] = true
	}
	for _, typ := range []Type{TypeRequires, TypeBlockSize, TypeBits, TypeSSAP, TypeMisc, TypeMiscMask, TypeAttr, TypeAttrMask} {
		if !seen[typ] {
			return Descriptor{}, fmt.Errorf("note type %#x: %w", uint32(typ), ErrMissing)
		}
	}
	return d, nil
}

func (d *Descriptor) set(typ Type, desc []byte) error {
	var dst any
	switch typ {
	case TypeRequires:
		d.Requires = string(desc)
		return nil
	case TypeBlockSize:
		dst = &d.BlockSize
	case TypeBits:
		dst = &d.Bits
	case TypeSSAP:
		dst = &d.SSAP
	case TypePID:
		dst = &d.PID
	case TypeSVN:
		dst = &d.SVN
	case TypeMisc:
		dst = &d.Misc
	case TypeMiscMask:
		dst = &d.MiscMask
	case TypeAttr:
		dst = &d.Attr
	case TypeAttrMask:
		dst = &d.AttrMask
	default:
		return nil
	}
	if want := binary.Size(dst); want != len(desc) {
		return fmt.Errorf("note type %#x is %d bytes, want %d", uint32(typ), len(desc), want)
	}
	return binary.Read(bytes.NewReader(desc), binary.LittleEndian, dst)
}
