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
	"fmt"
	"sync"
	"time"

	"github.com/frostbyte73/core"
)

// None marks an unset timestamp.
const None time.Duration = -1

func IsValid(t time.Duration) bool {
	return t != None
}

func Format(t time.Duration) string {
	if t == None {
		return "none"
	}
	return fmt.Sprintf("%d:%02d:%02d.%09d",
		t/time.Hour, (t%time.Hour)/time.Minute, (t%time.Minute)/time.Second, t%time.Second)
}

type Return int

const (
	OK Return = iota
	Early
	Unscheduled
	Busy
	BadTime
)

func (r Return) String() string {
	switch r {
	case OK:
		return "ok"
	case Early:
		return "early"
	case Unscheduled:
		return "unscheduled"
	case Busy:
		return "busy"
	case BadTime:
		return "bad-time"
	default:
		return "unknown"
	}
}

// Clock is a monotonic time source shared by every element of a pipeline.
type Clock interface {
	Name() string
	Time() time.Duration
	Resolution() time.Duration
	NewSingleShotID(t time.Duration) *ID
	NewPeriodicID(start, interval time.Duration) *ID
}

type waiter interface {
	Time() time.Duration
	waitUntil(id *ID, t time.Duration) Return
}

// ID is a pending notification on a clock.
type ID struct {
	clock    waiter
	mu       sync.Mutex
	time     time.Duration
	interval time.Duration
	waiting  bool

	unscheduled core.Fuse
}

func newID(w waiter, t, interval time.Duration) *ID {
	return &ID{
		clock:    w,
		time:     t,
		interval: interval,
	}
}

func (id *ID) Time() time.Duration {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.time
}

// Wait blocks until the clock reaches the time of the ID. The returned
// jitter is the clock time minus the requested time at the moment the wait
// ended; a positive jitter means the notification was late.
func (id *ID) Wait() (Return, time.Duration) {
	id.mu.Lock()
	if id.waiting {
		id.mu.Unlock()
		return Busy, 0
	}
	t := id.time
	if t == None {
		id.mu.Unlock()
		return BadTime, 0
	}
	id.waiting = true
	id.mu.Unlock()

	var ret Return
	if id.unscheduled.IsBroken() {
		ret = Unscheduled
	} else if now := id.clock.Time(); now >= t {
		ret = Early
	} else {
		ret = id.clock.waitUntil(id, t)
	}
	jitter := id.clock.Time() - t

	id.mu.Lock()
	id.waiting = false
	if id.interval > 0 {
		id.time += id.interval
	}
	id.mu.Unlock()

	return ret, jitter
}

// Unschedule cancels the ID. Pending and future waits return Unscheduled.
func (id *ID) Unschedule() {
	id.unscheduled.Break()
}

func (id *ID) IsUnscheduled() bool {
	return id.unscheduled.IsBroken()
}
