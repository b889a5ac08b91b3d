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

package note

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
)

// Read extracts the descriptor from an enclave image.
func Read(r io.ReaderAt) (Descriptor, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return Descriptor{}, fmt.Errorf("parsing ELF: %w", err)
	}
	defer f.Close()

	sec := f.Section(SectionName)
	if sec == nil {
		return Descriptor{}, fmt.Errorf("section %s: %w", SectionName, ErrMissing)
	}
	if sec.Type != elf.SHT_NOTE {
		return Descriptor{}, fmt.Errorf("section %s has type %v", SectionName, sec.Type)
	}
	data, err := sec.Data()
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading %s: %w", SectionName, err)
	}
	return Decode(data)
}

// WriteELF writes a relocatable x86-64 ELF object holding only the note
// section. It can be linked into an image or inspected with readelf -n.
func WriteELF(w io.Writer, d *Descriptor) error {
	notes := d.Encode()
	shstrtab := []byte("\x00" + SectionName + "\x00.shstrtab\x00")

	const ehsize = 64
	notesOff := uint64(ehsize)
	strOff := notesOff + uint64(len(notes))
	shOff := (strOff + uint64(len(shstrtab)) + 7) &^ 7

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     shOff,
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     3,
		Shstrndx:  2,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	sections := []elf.Section64{
		{},
		{
			Name:      1,
			Type:      uint32(elf.SHT_NOTE),
			Flags:     uint64(elf.SHF_ALLOC),
			Off:       notesOff,
			Size:      uint64(len(notes)),
			Addralign: 4,
		},
		{
			Name:      uint32(1 + len(SectionName) + 1),
			Type:      uint32(elf.SHT_STRTAB),
			Off:       strOff,
			Size:      uint64(len(shstrtab)),
			Addralign: 1,
		},
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	buf.Write(notes)
	buf.Write(shstrtab)
	buf.Write(make([]byte, shOff-uint64(buf.Len())))
	if err := binary.Write(&buf, binary.LittleEndian, sections); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
