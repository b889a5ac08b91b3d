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

// Package fatal implements the halt path for trust-boundary violations.
//
// A violation is never reported to the host as a value: the enclave thread
// stops and control never returns the way the host expects. In Go that is a
// panic carrying a *Violation that nothing in the trusted core recovers.
package fatal

import (
	"fmt"

	"sgxshim.dev/shim/pkg/log"
)

// Kind classifies a violation.
type Kind int

// Violation kinds.
const (
	BlockOverlap Kind = iota + 1
	EmptyQueue
	DoubleRelocation
	BadRelocation
	UnknownSlot
	BadNestingLevel
	MalformedReply
	UnhandledException
	NoPendingRequest
)

var kindNames = map[Kind]string{
	BlockOverlap:       "block overlaps enclave",
	EmptyQueue:         "empty thread queue",
	DoubleRelocation:   "double relocation",
	BadRelocation:      "bad relocation",
	UnknownSlot:        "unknown thread slot",
	BadNestingLevel:    "bad nesting level",
	MalformedReply:     "malformed host reply",
	UnhandledException: "unhandled exception",
	NoPendingRequest:   "no pending request",
}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Violation is the panic value of Halt.
type Violation struct {
	Kind Kind
	Msg  string
}

// Error implements error.Error.
func (v *Violation) Error() string {
	return fmt.Sprintf("%v: %s", v.Kind, v.Msg)
}

// Halt stops the calling enclave thread. It does not return.
func Halt(kind Kind, format string, args ...any) {
	v := &Violation{Kind: kind, Msg: fmt.Sprintf(format, args...)}
	log.Warningf("halting: %v", v)
	panic(v)
}

// Catch runs f and returns the violation it halted with, or nil if it
// returned normally. Panics that are not violations are propagated.
//
// Only the machine model and tests call Catch.
func Catch(f func()) (v *Violation) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		vv, ok := r.(*Violation)
		if !ok {
			panic(r)
		}
		v = vv
	}()
	f()
	return nil
}
