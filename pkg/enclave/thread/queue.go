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

package thread

import (
	"errors"

	"sgxshim.dev/shim/pkg/sync"
)

// ErrQueueFull is returned by Enqueue when every slot already has a pending
// request.
var ErrQueueFull = errors.New("thread queue is full")

// Queue is a fixed-capacity FIFO of NewThread requests.
type Queue struct {
	mu    sync.RWMutex
	items [MaxThreads]NewThread
	head  int
	n     int
}

// Enqueue appends t.
func (q *Queue) Enqueue(t NewThread) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.items) {
		return ErrQueueFull
	}
	q.items[(q.head+q.n)%len(q.items)] = t
	q.n++
	return nil
}

// Dequeue removes and returns the oldest request. ok is false if the queue is
// empty.
func (q *Queue) Dequeue() (t NewThread, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return nil, false
	}
	t = q.items[q.head]
	q.items[q.head] = nil
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return t, true
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.n
}

// FreeCounter counts threads that have completed their base-level segment.
// It never decreases.
type FreeCounter struct {
	mu sync.RWMutex
	n  uint64
}

// Increment adds one and returns the new value.
func (c *FreeCounter) Increment() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Load returns the current value.
func (c *FreeCounter) Load() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.n
}

// Manager is the cross-slot thread state of one enclave.
type Manager struct {
	Queue Queue
	Free  FreeCounter
}

// Default returns the process-wide manager. It is created on first use and
// never torn down.
var Default = sync.OnceValue(func() *Manager {
	return new(Manager)
})
