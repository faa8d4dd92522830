// Copyright 2023 LiveKit, Inc.
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

package clock

import (
	"sync"
	"time"
)

// TestClock only moves when told to, which makes sink synchronization
// deterministic in tests.
type TestClock struct {
	mu      sync.Mutex
	now     time.Duration
	pending map[*ID]*testWait
	changed chan struct{}
}

type testWait struct {
	t    time.Duration
	done chan struct{}
}

func NewTestClock(start time.Duration) *TestClock {
	return &TestClock{
		now:     start,
		pending: make(map[*ID]*testWait),
		changed: make(chan struct{}),
	}
}

func (c *TestClock) Name() string {
	return "testclock"
}

func (c *TestClock) Time() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *TestClock) Resolution() time.Duration {
	return time.Nanosecond
}

func (c *TestClock) NewSingleShotID(t time.Duration) *ID {
	return newID(c, t, 0)
}

func (c *TestClock) NewPeriodicID(start, interval time.Duration) *ID {
	return newID(c, start, interval)
}

// Set moves the clock to t, releasing every wait scheduled at or before t.
// Moving backwards is ignored.
func (c *TestClock) Set(t time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t < c.now {
		return
	}
	c.now = t
	for id, w := range c.pending {
		if w.t <= t {
			close(w.done)
			delete(c.pending, id)
		}
	}
	c.notifyLocked()
}

func (c *TestClock) Advance(d time.Duration) {
	c.Set(c.Time() + d)
}

func (c *TestClock) PendingIDs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NextPendingTime returns the earliest scheduled wait.
func (c *TestClock) NextPendingTime() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, found := None, false
	for _, w := range c.pending {
		if !found || w.t < next {
			next, found = w.t, true
		}
	}
	return next, found
}

// WaitForPendingIDs blocks until at least n waits are pending or the
// timeout expires.
func (c *TestClock) WaitForPendingIDs(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		c.mu.Lock()
		count := len(c.pending)
		changed := c.changed
		c.mu.Unlock()
		if count >= n {
			return true
		}

		select {
		case <-changed:
		case <-deadline:
			return false
		}
	}
}

func (c *TestClock) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *TestClock) waitUntil(id *ID, t time.Duration) Return {
	c.mu.Lock()
	if t <= c.now {
		c.mu.Unlock()
		return Early
	}
	w := &testWait{t: t, done: make(chan struct{})}
	c.pending[id] = w
	c.notifyLocked()
	c.mu.Unlock()

	select {
	case <-w.done:
		return OK
	case <-id.unscheduled.Watch():
		c.mu.Lock()
		delete(c.pending, id)
		c.notifyLocked()
		c.mu.Unlock()
		return Unscheduled
	}
}
