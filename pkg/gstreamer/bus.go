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

package gstreamer

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/rs/xid"
	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/errors"
)

type BusSyncReply int

const (
	BusDrop BusSyncReply = iota
	BusPass
)

// BusSyncHandler runs in the posting thread, before the message is queued.
type BusSyncHandler func(msg *Message) BusSyncReply

// BusWatchFunc handles queued messages in the watch goroutine. Returning
// false removes the watch.
type BusWatchFunc func(msg *Message) bool

type BusStats struct {
	Posted  uint64
	Dropped uint64
	Pending int
}

// Bus is the queue carrying messages from streaming threads to the
// application. Messages are delivered in posting order.
type Bus struct {
	mu          sync.Mutex
	queue       []*Message
	signal      chan struct{}
	flushing    bool
	syncHandler BusSyncHandler
	watch       *busWatch

	posted  atomic.Uint64
	dropped atomic.Uint64
}

type busWatch struct {
	id      string
	fn      BusWatchFunc
	stop    core.Fuse
	stopped chan struct{}
}

func NewBus() *Bus {
	return &Bus{
		signal: make(chan struct{}),
	}
}

// Post queues msg. It returns false when the bus is flushing.
func (b *Bus) Post(msg *Message) bool {
	b.mu.Lock()
	if b.flushing {
		b.mu.Unlock()
		b.dropped.Inc()
		return false
	}
	handler := b.syncHandler
	b.mu.Unlock()

	if handler != nil && handler(msg) == BusDrop {
		b.dropped.Inc()
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushing {
		b.dropped.Inc()
		return false
	}
	b.queue = append(b.queue, msg)
	b.broadcastLocked()
	b.posted.Inc()
	return true
}

func (b *Bus) SetSyncHandler(handler BusSyncHandler) {
	b.mu.Lock()
	b.syncHandler = handler
	b.mu.Unlock()
}

// SetFlushing drops every queued message and refuses new ones until
// flushing is turned off again.
func (b *Bus) SetFlushing(flushing bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushing = flushing
	if flushing {
		b.dropped.Add(uint64(len(b.queue)))
		b.queue = nil
		b.broadcastLocked()
	}
}

func (b *Bus) HavePending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) > 0
}

func (b *Bus) Peek() *Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	return b.queue[0]
}

func (b *Bus) Pop() *Message {
	return b.TimedPopFiltered(0, MessageAny)
}

func (b *Bus) TimedPop(timeout time.Duration) *Message {
	return b.TimedPopFiltered(timeout, MessageAny)
}

// TimedPopFiltered returns the first queued message matching types, waiting
// up to timeout for one to arrive. A negative timeout waits forever.
// Messages not matching types are dropped on the way.
func (b *Bus) TimedPopFiltered(timeout time.Duration, types MessageType) *Message {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	return b.pop(types, timeout != 0, deadline, nil)
}

// Poll is TimedPopFiltered under its traditional name.
func (b *Bus) Poll(types MessageType, timeout time.Duration) *Message {
	return b.TimedPopFiltered(timeout, types)
}

func (b *Bus) pop(types MessageType, wait bool, deadline <-chan time.Time, stop <-chan struct{}) *Message {
	b.mu.Lock()
	for {
		for len(b.queue) > 0 {
			msg := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			if msg.Type&types != 0 {
				b.mu.Unlock()
				return msg
			}
		}
		if !wait {
			b.mu.Unlock()
			return nil
		}

		ch := b.signal
		b.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return nil
		case <-stop:
			return nil
		}
		b.mu.Lock()
	}
}

// AddWatch dispatches every message to fn from a dedicated goroutine. A bus
// has at most one watch.
func (b *Bus) AddWatch(fn BusWatchFunc) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.watch != nil {
		return "", errors.ErrWatchExists
	}
	w := &busWatch{
		id:      xid.New().String(),
		fn:      fn,
		stopped: make(chan struct{}),
	}
	b.watch = w
	go b.runWatch(w)
	return w.id, nil
}

// RemoveWatch stops the watch and waits for its goroutine, unless called
// from the watch itself.
func (b *Bus) RemoveWatch(id string) bool {
	b.mu.Lock()
	w := b.watch
	if w == nil || w.id != id {
		b.mu.Unlock()
		return false
	}
	b.watch = nil
	b.mu.Unlock()

	w.stop.Break()
	select {
	case <-w.stopped:
	case <-time.After(time.Second):
		// the watch is removing itself from inside its own callback
	}
	return true
}

func (b *Bus) runWatch(w *busWatch) {
	defer close(w.stopped)

	for {
		msg := b.pop(MessageAny, true, nil, w.stop.Watch())
		if msg == nil {
			return
		}
		if !w.fn(msg) {
			b.mu.Lock()
			if b.watch == w {
				b.watch = nil
			}
			b.mu.Unlock()
			return
		}
	}
}

func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	pending := len(b.queue)
	b.mu.Unlock()

	return BusStats{
		Posted:  b.posted.Load(),
		Dropped: b.dropped.Load(),
		Pending: pending,
	}
}

func (b *Bus) broadcastLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}
