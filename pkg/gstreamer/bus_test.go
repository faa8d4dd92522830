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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
)

func appMessage(name string) *Message {
	return NewApplicationMessage(nil, caps.NewStructure(name))
}

func TestBusOrder(t *testing.T) {
	bus := NewBus()
	require.Nil(t, bus.Pop())
	require.False(t, bus.HavePending())

	require.True(t, bus.Post(appMessage("a")))
	require.True(t, bus.Post(NewEOSMessage(nil)))
	require.True(t, bus.Post(appMessage("b")))
	require.True(t, bus.HavePending())
	require.Equal(t, "a", bus.Peek().Structure.Name())

	require.Equal(t, "a", bus.Pop().Structure.Name())
	require.Equal(t, MessageEOS, bus.Pop().Type)
	require.Equal(t, "b", bus.Pop().Structure.Name())
	require.Nil(t, bus.Pop())
}

func TestBusFiltered(t *testing.T) {
	bus := NewBus()
	bus.Post(appMessage("a"))
	bus.Post(NewEOSMessage(nil))
	bus.Post(appMessage("b"))

	// messages ahead of the match are dropped
	msg := bus.TimedPopFiltered(0, MessageEOS|MessageError)
	require.NotNil(t, msg)
	require.Equal(t, MessageEOS, msg.Type)
	require.Equal(t, 1, bus.Stats().Pending)

	require.Nil(t, bus.TimedPopFiltered(0, MessageEOS))
	require.False(t, bus.HavePending())
}

func TestBusTimedPop(t *testing.T) {
	bus := NewBus()

	start := time.Now()
	require.Nil(t, bus.TimedPop(20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		bus.Post(NewEOSMessage(nil))
	}()
	msg := bus.TimedPop(-1)
	require.NotNil(t, msg)
	require.Equal(t, MessageEOS, msg.Type)
}

func TestBusSyncHandler(t *testing.T) {
	bus := NewBus()

	var seen []MessageType
	bus.SetSyncHandler(func(msg *Message) BusSyncReply {
		seen = append(seen, msg.Type)
		if msg.Type == MessageApplication {
			return BusDrop
		}
		return BusPass
	})

	require.True(t, bus.Post(appMessage("a")))
	require.True(t, bus.Post(NewEOSMessage(nil)))
	require.Equal(t, []MessageType{MessageApplication, MessageEOS}, seen)

	stats := bus.Stats()
	require.EqualValues(t, 1, stats.Posted)
	require.EqualValues(t, 1, stats.Dropped)
	require.Equal(t, 1, stats.Pending)
	require.Equal(t, MessageEOS, bus.Pop().Type)
}

func TestBusFlushing(t *testing.T) {
	bus := NewBus()
	bus.Post(appMessage("a"))
	bus.Post(appMessage("b"))

	bus.SetFlushing(true)
	require.False(t, bus.HavePending())
	require.False(t, bus.Post(appMessage("c")))
	require.EqualValues(t, 3, bus.Stats().Dropped)

	bus.SetFlushing(false)
	require.True(t, bus.Post(appMessage("d")))
	require.Equal(t, "d", bus.Pop().Structure.Name())
}

func TestBusConcurrentPost(t *testing.T) {
	const producers, perProducer = 8, 100

	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				bus.Post(NewApplicationMessage(nil, caps.NewStructure("m").Set("producer", i).Set("n", j)))
			}
		}(i)
	}
	wg.Wait()

	// each producer's messages keep their relative order
	last := make(map[int]int)
	count := 0
	for msg := bus.Pop(); msg != nil; msg = bus.Pop() {
		producer, _ := msg.Structure.GetInt("producer")
		n, _ := msg.Structure.GetInt("n")
		if prev, ok := last[producer]; ok {
			require.Greater(t, n, prev)
		}
		last[producer] = n
		count++
	}
	require.Equal(t, producers*perProducer, count)
}

func TestBusWatch(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewBus()
	received := make(chan string, 10)
	id, err := bus.AddWatch(func(msg *Message) bool {
		received <- msg.Structure.Name()
		return true
	})
	require.NoError(t, err)

	_, err = bus.AddWatch(func(*Message) bool { return true })
	require.ErrorIs(t, err, errors.ErrWatchExists)

	bus.Post(appMessage("a"))
	bus.Post(appMessage("b"))
	for _, name := range []string{"a", "b"} {
		select {
		case got := <-received:
			require.Equal(t, name, got)
		case <-time.After(testTimeout):
			require.FailNow(t, "watch did not run")
		}
	}

	require.False(t, bus.RemoveWatch("unknown"))
	require.True(t, bus.RemoveWatch(id))
	require.False(t, bus.RemoveWatch(id))

	// returning false removes the watch
	calls := atomic.NewInt32(0)
	_, err = bus.AddWatch(func(*Message) bool {
		calls.Inc()
		return false
	})
	require.NoError(t, err)
	bus.Post(appMessage("c"))
	require.Eventually(t, func() bool {
		_, err := bus.AddWatch(func(*Message) bool { return false })
		return err == nil
	}, testTimeout, time.Millisecond)
	require.EqualValues(t, 1, calls.Load())

	// the last watch exits on its first message
	bus.Post(appMessage("d"))
	require.Eventually(t, func() bool { return !bus.HavePending() }, testTimeout, time.Millisecond)
	require.Eventually(t, func() bool {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		return bus.watch == nil
	}, testTimeout, time.Millisecond)
}
