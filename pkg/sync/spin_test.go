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
	"sync/atomic"
	"testing"
)

func TestSpinUntilImmediate(t *testing.T) {
	if polls := SpinUntil(func() bool { return true }, nil); polls != 1 {
		t.Errorf("SpinUntil took %d polls, want 1", polls)
	}
}

func TestSpinUntilRacingWriter(t *testing.T) {
	var flag atomic.Uint32
	var slow atomic.Uint64
	started := make(chan struct{})
	go func() {
		<-started
		flag.Store(1)
	}()
	polls := SpinUntil(func() bool {
		select {
		case <-started:
		default:
			close(started)
		}
		return flag.Load() == 1
	}, func(uint64) { slow.Add(1) })
	if polls == 0 {
		t.Errorf("SpinUntil returned without polling")
	}
	if flag.Load() != 1 {
		t.Errorf("SpinUntil returned before the writer finished")
	}
}
