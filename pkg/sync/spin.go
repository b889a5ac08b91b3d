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

package sync

import (
	"runtime"
)

// activeSpinCount is the number of busy polls between yields.
const activeSpinCount = 64

// SpinUntil polls cond until it returns true and returns the number of polls
// it took.
//
// There is no timeout and no cancellation. Liveness depends on the writer that
// makes cond true finishing in bounded time; callers use it only to wait out
// a racing writer that has already started. onSlow, if non-nil, is called
// each time the loop yields the processor, which lets callers report
// unusually long waits.
func SpinUntil(cond func() bool, onSlow func(polls uint64)) uint64 {
	var polls uint64
	for {
		for i := 0; i < activeSpinCount; i++ {
			polls++
			if cond() {
				return polls
			}
		}
		if onSlow != nil {
			onSlow(polls)
		}
		runtime.Gosched()
	}
}
