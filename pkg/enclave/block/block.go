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

// Package block defines the shared communication block: the untrusted,
// host-addressable page range the shim and the host exchange proxied
// requests and replies through.
//
// Layout, in little-endian 64-bit words:
//
//	word 0      kind (KindSyscall, KindCPUID)
//	word 1      syscall number
//	words 2-7   arguments
//	words 8-11  return values, written by the host
//	word 12     data length
//	word 13     clear-on-exit address for exit requests
//	word 14     reply capacity: the most payload bytes the shim accepts back
//	words 16-   data area
//
// The host can rewrite any word at any time. Everything read back out of a
// block is copied first and validated second.
package block

import (
	"errors"
	"fmt"

	"sgxshim.dev/shim/pkg/hostarch"
)

const (
	// Size is the size of a block in bytes. It is recorded in the enclave's
	// descriptor metadata so the loader can allocate blocks of this size.
	Size = 4 * hostarch.PageSize

	// Words is the number of 64-bit words in a block.
	Words = Size / 8

	// DataOffset is the byte offset of the data area.
	DataOffset = 16 * 8

	// DataCap is the capacity of the data area in bytes.
	DataCap = Size - DataOffset
)

const (
	wordKind = iota
	wordNum
	wordArg0
	wordRet0     = wordArg0 + NumArgs
	wordDataLen  = wordRet0 + NumRets
	wordClearTID = wordDataLen + 1
	wordOutLen   = wordClearTID + 1
)

const (
	// NumArgs is the number of argument words.
	NumArgs = 6

	// NumRets is the number of return words.
	NumRets = 4
)

// Kind is the request kind.
type Kind uint64

// Request kinds.
const (
	KindNone Kind = iota
	KindSyscall
	KindCPUID
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSyscall:
		return "syscall"
	case KindCPUID:
		return "cpuid"
	default:
		return fmt.Sprintf("Kind(%d)", uint64(k))
	}
}

// ErrMalformed is returned when a reply read back from a block fails
// validation. The shim treats it as a protocol violation.
var ErrMalformed = errors.New("malformed reply")

// Block is the memory of one shared block.
type Block [Size]byte

// Word returns word i.
func (b *Block) Word(i int) uint64 {
	return hostarch.ByteOrder.Uint64(b[i*8:])
}

// SetWord sets word i.
func (b *Block) SetWord(i int, v uint64) {
	hostarch.ByteOrder.PutUint64(b[i*8:], v)
}

// Data returns the data area.
func (b *Block) Data() []byte {
	return b[DataOffset:]
}

// Location is a block together with the address the host claims it lives at.
// The address is untrusted until checked against the enclave range.
type Location struct {
	Addr  hostarch.Addr
	Block *Block
}

// Range returns the address range the host claims for the block. ok is false
// if the range wraps.
func (l *Location) Range() (hostarch.AddrRange, bool) {
	return l.Addr.ToRange(Size)
}

// Request is a proxied request as the shim remembers it. The shim never reads
// a request back out of the block.
type Request struct {
	Kind Kind
	Num  uint64
	Args [NumArgs]uint64

	// In is copied into the data area.
	In []byte

	// ClearOnExit is sent with exit requests.
	ClearOnExit uint64

	// OutAddr and OutLen describe the enclave buffer a reply payload is
	// copied to. OutLen bounds the payload the host may return.
	OutAddr hostarch.Addr
	OutLen  uint64
}

// Pending returns true if r is an in-flight request.
func (r *Request) Pending() bool {
	return r.Kind != KindNone
}

// Encode writes r into b. It fails if the payload does not fit.
func (r *Request) Encode(b *Block) error {
	if uint64(len(r.In)) > DataCap || r.OutLen > DataCap {
		return fmt.Errorf("payload of %d/%d bytes exceeds %d", len(r.In), r.OutLen, DataCap)
	}
	b.SetWord(wordKind, uint64(r.Kind))
	b.SetWord(wordNum, r.Num)
	for i, a := range r.Args {
		b.SetWord(wordArg0+i, a)
	}
	for i := 0; i < NumRets; i++ {
		b.SetWord(wordRet0+i, 0)
	}
	b.SetWord(wordDataLen, uint64(len(r.In)))
	b.SetWord(wordClearTID, r.ClearOnExit)
	b.SetWord(wordOutLen, r.OutLen)
	copy(b.Data(), r.In)
	return nil
}

// DecodeRequest reads a request out of b. It is used by the host side, which
// never learns OutAddr.
func DecodeRequest(b *Block) (Request, error) {
	r := Request{
		Kind:        Kind(b.Word(wordKind)),
		Num:         b.Word(wordNum),
		ClearOnExit: b.Word(wordClearTID),
		OutLen:      b.Word(wordOutLen),
	}
	for i := range r.Args {
		r.Args[i] = b.Word(wordArg0 + i)
	}
	n := b.Word(wordDataLen)
	if n > DataCap {
		return Request{}, fmt.Errorf("data length %d exceeds %d: %w", n, DataCap, ErrMalformed)
	}
	if r.OutLen > DataCap {
		return Request{}, fmt.Errorf("reply capacity %d exceeds %d: %w", r.OutLen, DataCap, ErrMalformed)
	}
	switch r.Kind {
	case KindSyscall, KindCPUID:
	default:
		return Request{}, fmt.Errorf("unknown kind %v: %w", r.Kind, ErrMalformed)
	}
	r.In = append([]byte(nil), b.Data()[:n]...)
	return r, nil
}

// Reply is the host's answer to a request.
type Reply struct {
	Ret  [NumRets]uint64
	Data []byte
}

// Encode writes the reply into b. It is used by the host side.
func (r *Reply) Encode(b *Block) error {
	if uint64(len(r.Data)) > DataCap {
		return fmt.Errorf("reply payload of %d bytes exceeds %d", len(r.Data), DataCap)
	}
	for i, v := range r.Ret {
		b.SetWord(wordRet0+i, v)
	}
	b.SetWord(wordDataLen, uint64(len(r.Data)))
	copy(b.Data(), r.Data)
	return nil
}

// DecodeReply copies the reply to req out of b and validates it: the host
// must not have changed the kind or number, and the payload must fit in the
// buffer req named.
func DecodeReply(b *Block, req *Request) (Reply, error) {
	// Snapshot the header words once; the host may be racing us.
	kind := Kind(b.Word(wordKind))
	num := b.Word(wordNum)
	n := b.Word(wordDataLen)

	if kind != req.Kind || num != req.Num {
		return Reply{}, fmt.Errorf("reply is for %v %d, request was %v %d: %w", kind, num, req.Kind, req.Num, ErrMalformed)
	}
	if n > req.OutLen || n > DataCap {
		return Reply{}, fmt.Errorf("reply payload of %d bytes, at most %d expected: %w", n, req.OutLen, ErrMalformed)
	}
	var r Reply
	for i := range r.Ret {
		r.Ret[i] = b.Word(wordRet0 + i)
	}
	if n > 0 {
		r.Data = make([]byte, n)
		copy(r.Data, b.Data()[:n])
	}
	return r, nil
}
