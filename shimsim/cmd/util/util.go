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

// Package util holds helpers shared by the shimsim commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"sgxshim.dev/shim/pkg/log"
)

// ErrorLogger, if set, receives fatal errors as JSON records in addition to
// stderr.
var ErrorLogger io.Writer

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Writef writes a message to stderr and to ErrorLogger.
func Writef(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, msg)
	if ErrorLogger != nil {
		_ = json.NewEncoder(ErrorLogger).Encode(jsonError{Msg: msg, Level: "error", Time: time.Now()})
	}
}

// Fatalf logs the same message as Writef and exits with status 128, which
// workloads cannot produce.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	Writef("shimsim: "+format, args...)
	os.Exit(128)
}
