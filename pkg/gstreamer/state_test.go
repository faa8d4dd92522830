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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/gstcore/pkg/buffer"
)

const testTimeout = 5 * time.Second

// transitionLog records the ChangeState calls of several elements in the
// order they happen.
type transitionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transitionLog) add(name string, t StateChange) {
	l.mu.Lock()
	l.entries = append(l.entries, fmt.Sprintf("%s:%s", name, t))
	l.mu.Unlock()
}

func (l *transitionLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (l *transitionLog) reset() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

type testElement struct {
	BaseElement

	log *transitionLog

	mu          sync.Mutex
	transitions []StateChange
	fail        StateChange
	async       StateChange
	live        bool
}

func newTestElement(name string, log *transitionLog) *testElement {
	e := &testElement{log: log}
	e.Init(e, name)
	return e
}

// withPads gives the element an always src and sink pad, either of which
// can be skipped.
func (e *testElement) withPads(src, sink bool) *testElement {
	if src {
		_ = e.AddPad(NewPad("src", PadSrc))
	}
	if sink {
		p := NewPad("sink", PadSink)
		p.SetChainFunction(func(*Pad, Element, *buffer.Buffer) FlowReturn { return FlowOK })
		_ = e.AddPad(p)
	}
	return e
}

func (e *testElement) ChangeState(transition StateChange) StateChangeReturn {
	e.mu.Lock()
	e.transitions = append(e.transitions, transition)
	fail, async := e.fail, e.async
	e.mu.Unlock()
	if e.log != nil {
		e.log.add(e.Name(), transition)
	}

	if transition == fail {
		return StateChangeFailure
	}
	ret := e.BaseElement.ChangeState(transition)
	if ret == StateChangeSuccess && transition == async {
		e.PostMessage(NewAsyncStartMessage(e))
		return StateChangeAsync
	}
	if ret == StateChangeSuccess && e.live && (transition == ReadyToPaused || transition == PlayingToPaused) {
		return StateChangeNoPreroll
	}
	return ret
}

func (e *testElement) getTransitions() []StateChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]StateChange(nil), e.transitions...)
}

func TestStateWalksEveryStep(t *testing.T) {
	e := newTestElement("e", nil)

	require.Equal(t, StateChangeSuccess, e.SetState(StatePlaying))
	require.Equal(t, []StateChange{NullToReady, ReadyToPaused, PausedToPlaying}, e.getTransitions())
	require.Equal(t, StatePlaying, e.CurrentState())
	require.Equal(t, StateVoidPending, e.PendingState())

	e.mu.Lock()
	e.transitions = nil
	e.mu.Unlock()

	require.Equal(t, StateChangeSuccess, e.SetState(StateNull))
	require.Equal(t, []StateChange{PlayingToPaused, PausedToReady, ReadyToNull}, e.getTransitions())
	require.Equal(t, StateNull, e.CurrentState())
}

func TestStateChangedMessages(t *testing.T) {
	p := NewPipeline("pipeline")
	p.AutoFlushBus = false
	require.NoError(t, p.Add(newTestElement("e", nil)))

	require.Equal(t, StateChangeSuccess, p.SetState(StatePlaying))

	type change struct{ old, new, pending State }
	var changes []change
	for {
		msg := p.Bus().TimedPopFiltered(0, MessageStateChanged)
		if msg == nil {
			break
		}
		if msg.Src != Element(p) {
			continue
		}
		old, new, pending := msg.ParseStateChanged()
		changes = append(changes, change{old, new, pending})
	}
	require.Equal(t, []change{
		{StateNull, StateReady, StatePlaying},
		{StateReady, StatePaused, StatePlaying},
		{StatePaused, StatePlaying, StateVoidPending},
	}, changes)

	require.Equal(t, StateChangeSuccess, p.SetState(StateNull))
}

func TestStateFailureKeepsCommittedSteps(t *testing.T) {
	e := newTestElement("e", nil)
	e.fail = ReadyToPaused

	require.Equal(t, StateChangeFailure, e.SetState(StatePlaying))
	require.Equal(t, StateReady, e.CurrentState())

	ret, current, _ := e.GetState(0)
	require.Equal(t, StateChangeFailure, ret)
	require.Equal(t, StateReady, current)

	// the failure is forgotten by the next change
	require.Equal(t, StateChangeSuccess, e.SetState(StateNull))
	require.Equal(t, StateNull, e.CurrentState())
}

func TestGetStateTimeout(t *testing.T) {
	e := newTestElement("e", nil)
	e.async = ReadyToPaused

	require.Equal(t, StateChangeAsync, e.SetState(StatePaused))

	start := time.Now()
	ret, current, pending := e.GetState(50 * time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, StateChangeAsync, ret)
	require.Equal(t, StateReady, current)
	require.Equal(t, StatePaused, pending)

	go func() {
		time.Sleep(20 * time.Millisecond)
		e.CompleteState()
	}()
	ret, current, pending = e.GetState(testTimeout)
	require.Equal(t, StateChangeSuccess, ret)
	require.Equal(t, StatePaused, current)
	require.Equal(t, StateVoidPending, pending)

	require.Equal(t, StateChangeSuccess, e.SetState(StateNull))
}

func TestNoPrerollOnlyInPaused(t *testing.T) {
	e := newTestElement("live", nil)
	e.live = true

	require.Equal(t, StateChangeNoPreroll, e.SetState(StatePaused))
	require.Equal(t, StateChangeSuccess, e.SetState(StatePlaying))
	require.Equal(t, StateChangeNoPreroll, e.SetState(StatePaused))
	require.Equal(t, StateChangeSuccess, e.SetState(StatePlaying))

	// the walk through PAUSED does not leak NO_PREROLL into the result
	require.Equal(t, StateChangeSuccess, e.SetState(StateNull))
	require.Equal(t, StateNull, e.CurrentState())
	require.Equal(t, StateChangeSuccess, e.SetState(StatePlaying))
	require.Equal(t, StatePlaying, e.CurrentState())

	p := NewPipeline("pipeline")
	live := newTestElement("src", nil)
	live.live = true
	require.NoError(t, p.AddMany(live, newTestElement("sink", nil)))

	require.Equal(t, StateChangeNoPreroll, p.SetState(StatePaused))
	require.Equal(t, StateChangeSuccess, p.SetState(StatePlaying))
	require.Equal(t, StateChangeSuccess, p.SetState(StateNull))
	require.Equal(t, StateNull, live.CurrentState())
	require.Equal(t, StateChangeSuccess, p.SetState(StatePlaying))
	require.Equal(t, StateChangeSuccess, p.SetState(StateNull))
}

func TestBinChildOrder(t *testing.T) {
	log := &transitionLog{}
	sink := newTestElement("sink", log).withPads(false, true)
	src := newTestElement("src", log).withPads(true, false)
	mid := newTestElement("mid", log).withPads(true, true)

	b := NewBin("bin")
	require.NoError(t, b.AddMany(sink, src, mid))
	require.NoError(t, LinkMany(src, mid, sink))
	require.Equal(t, []Element{sink, mid, src}, b.Sorted())

	require.Equal(t, StateChangeSuccess, b.SetState(StateReady))
	require.Equal(t, []string{
		"sink:NULL->READY", "mid:NULL->READY", "src:NULL->READY",
	}, log.get())

	log.reset()
	require.Equal(t, StateChangeSuccess, b.SetState(StateNull))
	require.Equal(t, []string{
		"sink:READY->NULL", "mid:READY->NULL", "src:READY->NULL",
	}, log.get())
}

func TestBinFailurePostsOneError(t *testing.T) {
	for _, nested := range []bool{false, true} {
		t.Run(fmt.Sprintf("nested=%v", nested), func(t *testing.T) {
			p := NewPipeline("pipeline")
			ok := newTestElement("ok", nil)
			bad := newTestElement("bad", nil)
			bad.fail = ReadyToPaused

			if nested {
				inner := NewBin("inner")
				require.NoError(t, inner.AddMany(ok, bad))
				require.NoError(t, p.Add(inner))
			} else {
				require.NoError(t, p.AddMany(ok, bad))
			}

			require.Equal(t, StateChangeFailure, p.SetState(StatePlaying))
			require.Equal(t, StateReady, p.CurrentState())
			// steps already taken are not rolled back
			require.Equal(t, StatePaused, ok.CurrentState())

			errs := 0
			for msg := p.Bus().Pop(); msg != nil; msg = p.Bus().Pop() {
				if msg.Type == MessageError {
					errs++
				}
			}
			require.Equal(t, 1, errs)

			require.Equal(t, StateChangeSuccess, p.SetState(StateNull))
			require.Equal(t, StateNull, ok.CurrentState())
			require.Equal(t, StateNull, bad.CurrentState())
		})
	}
}

func TestBinAsyncChild(t *testing.T) {
	p := NewPipeline("pipeline")
	e := newTestElement("e", nil)
	e.async = ReadyToPaused
	require.NoError(t, p.Add(e))

	require.Equal(t, StateChangeAsync, p.SetState(StatePlaying))
	ret, _, _ := p.GetState(0)
	require.Equal(t, StateChangeAsync, ret)

	require.True(t, e.CompleteState())
	e.PostMessage(NewAsyncDoneMessage(e, 0))

	ret, current, _ := p.GetState(testTimeout)
	require.Equal(t, StateChangeSuccess, ret)
	require.Equal(t, StatePlaying, current)
	require.Equal(t, StatePlaying, e.CurrentState())

	require.NotNil(t, p.Bus().TimedPopFiltered(0, MessageAsyncDone))
	require.Equal(t, StateChangeSuccess, p.SetState(StateNull))
}

func TestBinAddRemove(t *testing.T) {
	b1 := NewBin("b1")
	b2 := NewBin("b2")
	a := newTestElement("a", nil).withPads(true, false)
	c := newTestElement("c", nil).withPads(false, true)

	require.NoError(t, b1.AddMany(a, c))
	require.Error(t, b2.Add(a), "element already has a parent")
	require.Error(t, b1.Add(newTestElement("a", nil)), "name is taken")
	require.Error(t, b1.Add(b1))

	require.NoError(t, LinkElements(a, c))
	require.Same(t, b1, a.Parent())
	require.Same(t, Element(a), b1.GetByName("a"))

	require.NoError(t, b1.Remove(a))
	require.Nil(t, a.Parent())
	require.Nil(t, b1.GetByName("a"))
	require.False(t, c.StaticPad("sink").IsLinked())
	require.Error(t, b1.Remove(a))

	// the element can move to another bin
	require.NoError(t, b2.Add(a))
	require.NoError(t, b2.Add(b1))
	require.Same(t, Element(c), b2.GetByName("c"))
	require.Len(t, b2.ElementsRecursive(), 3)
}

func TestSyncStateWithParent(t *testing.T) {
	p := NewPipeline("pipeline")
	require.Equal(t, StateChangeSuccess, p.SetState(StatePaused))

	e := newTestElement("late", nil)
	require.False(t, e.SyncStateWithParent())
	require.NoError(t, p.Add(e))
	require.True(t, e.SyncStateWithParent())
	require.Equal(t, StatePaused, e.CurrentState())

	require.Equal(t, StateChangeSuccess, p.SetState(StateNull))
	require.Equal(t, StateNull, e.CurrentState())
}

func TestLockedState(t *testing.T) {
	p := NewPipeline("pipeline")
	e := newTestElement("locked", nil)
	e.SetLockedState(true)
	require.NoError(t, p.Add(e))

	require.Equal(t, StateChangeSuccess, p.SetState(StatePlaying))
	require.Equal(t, StateNull, e.CurrentState())
	require.Empty(t, e.getTransitions())
	require.Equal(t, StateChangeSuccess, p.SetState(StateNull))
}
