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

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
)

// recorder collects what reaches a sink pad.
type recorder struct {
	mu      sync.Mutex
	events  []EventType
	buffers []*buffer.Buffer
}

func (r *recorder) chain(_ *Pad, _ Element, buf *buffer.Buffer) FlowReturn {
	r.mu.Lock()
	r.buffers = append(r.buffers, buf)
	r.mu.Unlock()
	return FlowOK
}

func (r *recorder) event(pad *Pad, parent Element, ev *Event) bool {
	r.mu.Lock()
	r.events = append(r.events, ev.Type)
	r.mu.Unlock()
	return DefaultEvent(pad, parent, ev)
}

func (r *recorder) numBuffers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

func (r *recorder) eventTypes() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventType(nil), r.events...)
}

func newRecordingSink(templ *PadTemplate) (*Pad, *recorder) {
	r := &recorder{}
	var p *Pad
	if templ != nil {
		p = NewPadFromTemplate(templ, "sink")
	} else {
		p = NewPad("sink", PadSink)
	}
	p.SetChainFunction(r.chain)
	p.SetEventFunction(r.event)
	return p, r
}

// newActivePair returns an active src pad linked to an active recording
// sink pad.
func newActivePair(t *testing.T, sinkTempl *PadTemplate) (*Pad, *Pad, *recorder) {
	t.Helper()

	src := NewPad("src", PadSrc)
	sink, r := newRecordingSink(sinkTempl)
	require.Equal(t, PadLinkOK, src.Link(sink))
	require.True(t, src.SetActive(true))
	require.True(t, sink.SetActive(true))
	return src, sink, r
}

func TestLinkWrongDirection(t *testing.T) {
	src1, src2 := NewPad("src1", PadSrc), NewPad("src2", PadSrc)
	sink1, sink2 := NewPad("sink1", PadSink), NewPad("sink2", PadSink)

	require.Equal(t, PadLinkWrongDirection, src1.Link(src2))
	require.Equal(t, PadLinkWrongDirection, sink1.Link(sink2))
	require.Equal(t, PadLinkWrongDirection, sink1.Link(src1))

	for _, p := range []*Pad{src1, src2, sink1, sink2} {
		require.Nil(t, p.Peer())
		require.Zero(t, p.Flags()&PadFlagNeedReconfigure)
	}
}

func TestLinkChecks(t *testing.T) {
	t.Run("was linked", func(t *testing.T) {
		src, src2, sink := NewPad("src", PadSrc), NewPad("src2", PadSrc), NewPad("sink", PadSink)
		require.Equal(t, PadLinkOK, src.Link(sink))
		require.True(t, src.CheckReconfigure())
		require.Equal(t, PadLinkWasLinked, src2.Link(sink))
		require.Same(t, src, sink.Peer())
		require.Nil(t, src2.Peer())

		require.False(t, src2.Unlink(sink))
		require.True(t, src.Unlink(sink))
		require.Nil(t, src.Peer())
		require.Nil(t, sink.Peer())
	})

	t.Run("no common caps", func(t *testing.T) {
		src := NewPadFromTemplate(NewPadTemplate("src", PadSrc, PadAlways, caps.MustParse("x/a")), "")
		sink := NewPadFromTemplate(NewPadTemplate("sink", PadSink, PadAlways, caps.MustParse("x/b")), "")
		require.Equal(t, PadLinkNoCaps, src.Link(sink))
		require.Nil(t, src.Peer())
		require.Nil(t, sink.Peer())

		// skipping the caps check links anyway
		require.Equal(t, PadLinkOK, src.LinkFull(sink, PadLinkCheckNothing))
	})

	t.Run("filtered", func(t *testing.T) {
		src := NewPadFromTemplate(NewPadTemplate("src", PadSrc, PadAlways, caps.MustParse("x/a, n=[1,10]")), "")
		sink := NewPad("sink", PadSink)
		require.Equal(t, PadLinkNoCaps, src.LinkFiltered(sink, caps.MustParse("x/b")))
		require.Equal(t, PadLinkOK, src.LinkFiltered(sink, caps.MustParse("x/a, n=4")))
		require.True(t, src.QueryCaps(nil).IsEqual(caps.MustParse("x/a, n=4")))
	})

	t.Run("wrong hierarchy", func(t *testing.T) {
		a := newTestElement("a", nil).withPads(true, false)
		b := newTestElement("b", nil).withPads(false, true)
		bin1, bin2 := NewBin("bin1"), NewBin("bin2")
		require.NoError(t, bin1.Add(a))
		require.NoError(t, bin2.Add(b))

		require.Equal(t, PadLinkWrongHierarchy, a.StaticPad("src").Link(b.StaticPad("sink")))
		require.Nil(t, a.StaticPad("src").Peer())
		require.Nil(t, b.StaticPad("sink").Peer())
	})
}

func TestPushStickyEvents(t *testing.T) {
	src := NewPad("src", PadSrc)
	sink, r := newRecordingSink(nil)
	require.True(t, src.SetActive(true))
	require.True(t, sink.SetActive(true))

	// sticky events pushed while unlinked wait on the src pad
	c := caps.MustParse("x/a, n=1")
	require.True(t, src.PushEvent(NewStreamStartEvent("stream")))
	require.True(t, src.PushEvent(NewSegmentEvent(NewSegment(FormatTime))))
	require.True(t, src.PushEvent(NewCapsEvent(c)))
	require.Equal(t, FlowNotLinked, src.Push(buffer.NewSize(1)))

	require.Equal(t, PadLinkOK, src.Link(sink))
	require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))

	require.Equal(t, []EventType{EventStreamStart, EventCaps, EventSegment}, r.eventTypes())
	require.Equal(t, 1, r.numBuffers())
	require.True(t, sink.CurrentCaps().IsEqual(c))
	require.Equal(t, "stream", sink.StickyStreamID())

	// nothing is resent for the next buffer
	require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))
	require.Len(t, r.eventTypes(), 3)

	// after EOS the pad refuses data until a flush
	require.True(t, src.PushEvent(NewEOSEvent()))
	require.True(t, sink.IsEOS())
	require.Equal(t, FlowEOS, src.Push(buffer.NewSize(1)))
}

func TestPushNotNegotiated(t *testing.T) {
	templ := NewPadTemplate("sink", PadSink, PadAlways, caps.MustParse("x/b"))
	src, sink, r := newActivePair(t, templ)

	require.False(t, src.PushEvent(NewCapsEvent(caps.MustParse("x/a"))))
	require.Equal(t, FlowNotNegotiated, src.Push(buffer.NewSize(1)))
	require.Zero(t, r.numBuffers())
	require.Nil(t, sink.CurrentCaps())
}

func TestPushFlushing(t *testing.T) {
	src := NewPad("src", PadSrc)
	sink, r := newRecordingSink(nil)
	require.Equal(t, PadLinkOK, src.Link(sink))

	// inactive pads are flushing
	require.Equal(t, FlowFlushing, src.Push(buffer.NewSize(1)))
	require.True(t, src.SetActive(true))
	require.Equal(t, FlowFlushing, src.Push(buffer.NewSize(1)))
	require.True(t, sink.SetActive(true))
	require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))

	require.True(t, src.PushEvent(NewFlushStartEvent()))
	require.True(t, sink.IsFlushing())
	require.Equal(t, FlowFlushing, src.Push(buffer.NewSize(1)))

	require.True(t, src.PushEvent(NewFlushStopEvent(true)))
	require.False(t, sink.IsFlushing())
	require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))
	require.Equal(t, 2, r.numBuffers())

	require.True(t, sink.SetActive(false))
	require.Equal(t, FlowFlushing, src.Push(buffer.NewSize(1)))
}

func TestPullRange(t *testing.T) {
	src := NewPad("src", PadSrc)
	src.SetGetRangeFunction(func(_ *Pad, _ Element, offset uint64, size int) (*buffer.Buffer, FlowReturn) {
		if offset >= 100 {
			return nil, FlowEOS
		}
		buf := buffer.NewSize(size)
		buf.Offset = offset
		return buf, FlowOK
	})
	sink := NewPad("sink", PadSink)
	require.Equal(t, PadLinkOK, src.Link(sink))

	require.True(t, sink.ActivateMode(PadModePull, true))
	require.Equal(t, PadModePull, src.Mode())

	buf, ret := sink.PullRange(10, 5)
	require.Equal(t, FlowOK, ret)
	require.Equal(t, 5, buf.Size())
	require.EqualValues(t, 10, buf.Offset)

	_, ret = sink.PullRange(100, 5)
	require.Equal(t, FlowEOS, ret)

	// a pull-mode src pad cannot push
	require.Equal(t, FlowError, src.Push(buffer.NewSize(1)))

	require.True(t, sink.SetActive(false))
	require.Equal(t, PadModeNone, src.Mode())
	_, ret = sink.PullRange(0, 5)
	require.Equal(t, FlowFlushing, ret)
}

func TestActivateFromScheduling(t *testing.T) {
	for _, seekable := range []bool{true, false} {
		src := NewPad("src", PadSrc)
		src.SetGetRangeFunction(func(*Pad, Element, uint64, int) (*buffer.Buffer, FlowReturn) {
			return buffer.NewSize(1), FlowOK
		})
		src.SetQueryFunction(func(pad *Pad, parent Element, q *Query) bool {
			if q.Type != QueryScheduling {
				return DefaultQuery(pad, parent, q)
			}
			var flags SchedulingFlags
			if seekable {
				flags = SchedulingSeekable
			}
			q.SetScheduling(flags, 1, -1, 0)
			q.AddSchedulingMode(PadModePush)
			q.AddSchedulingMode(PadModePull)
			return true
		})
		sink := NewPad("sink", PadSink)
		require.Equal(t, PadLinkOK, src.Link(sink))

		require.True(t, sink.ActivateFromScheduling())
		if seekable {
			require.Equal(t, PadModePull, sink.Mode())
		} else {
			require.Equal(t, PadModePush, sink.Mode())
		}
		require.True(t, sink.SetActive(false))
	}
}

func TestProbes(t *testing.T) {
	defer goleak.VerifyNone(t)

	src, _, r := newActivePair(t, nil)

	t.Run("drop", func(t *testing.T) {
		id := src.AddProbe(ProbeBuffer, func(*Pad, *PadProbeInfo) PadProbeReturn {
			return ProbeDrop
		})
		require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))
		require.Zero(t, r.numBuffers())
		src.RemoveProbe(id)

		require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))
		require.Equal(t, 1, r.numBuffers())
	})

	t.Run("remove", func(t *testing.T) {
		var calls atomic.Int32
		src.AddProbe(ProbeBuffer, func(*Pad, *PadProbeInfo) PadProbeReturn {
			calls.Inc()
			return ProbeRemove
		})
		require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))
		require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))
		require.EqualValues(t, 1, calls.Load())
		require.Equal(t, 3, r.numBuffers())
	})

	t.Run("block until removed", func(t *testing.T) {
		id := src.AddProbe(ProbeBlock|ProbeBuffer, func(*Pad, *PadProbeInfo) PadProbeReturn {
			return ProbeOK
		})
		require.True(t, src.IsBlocking())

		done := make(chan FlowReturn, 1)
		go func() { done <- src.Push(buffer.NewSize(1)) }()
		require.Eventually(t, src.IsBlocked, testTimeout, time.Millisecond)
		require.Equal(t, 3, r.numBuffers())

		src.RemoveProbe(id)
		select {
		case ret := <-done:
			require.Equal(t, FlowOK, ret)
		case <-time.After(testTimeout):
			require.FailNow(t, "push still blocked")
		}
		require.Equal(t, 4, r.numBuffers())
	})

	t.Run("block until flushed", func(t *testing.T) {
		id := src.AddProbe(ProbeBlock|ProbeBuffer, func(*Pad, *PadProbeInfo) PadProbeReturn {
			return ProbeOK
		})

		done := make(chan FlowReturn, 1)
		go func() { done <- src.Push(buffer.NewSize(1)) }()
		require.Eventually(t, src.IsBlocked, testTimeout, time.Millisecond)

		require.True(t, src.PushEvent(NewFlushStartEvent()))
		select {
		case ret := <-done:
			require.Equal(t, FlowFlushing, ret)
		case <-time.After(testTimeout):
			require.FailNow(t, "flush did not unblock the probe")
		}

		src.RemoveProbe(id)
		require.True(t, src.PushEvent(NewFlushStopEvent(true)))
		require.Equal(t, FlowOK, src.Push(buffer.NewSize(1)))
	})

	t.Run("idle", func(t *testing.T) {
		called := false
		src.AddProbe(ProbeIdle, func(_ *Pad, info *PadProbeInfo) PadProbeReturn {
			called = true
			require.Equal(t, ProbeIdle, info.Type)
			return ProbeRemove
		})
		require.True(t, called)
		require.False(t, src.IsBlocking())
	})

	t.Run("events", func(t *testing.T) {
		var seen []EventType
		id := src.AddProbe(ProbeEventDownstream, func(_ *Pad, info *PadProbeInfo) PadProbeReturn {
			seen = append(seen, info.Event.Type)
			if info.Event.Type == EventTag {
				return ProbeDrop
			}
			return ProbeOK
		})
		require.True(t, src.PushEvent(NewStreamStartEvent("s")))
		require.True(t, src.PushEvent(NewTagEvent(NewTagList("title", "x"))))
		src.RemoveProbe(id)

		require.Equal(t, []EventType{EventStreamStart, EventTag}, seen)
		require.Contains(t, r.eventTypes(), EventStreamStart)
		require.NotContains(t, r.eventTypes(), EventTag)
	})
}

func TestPadTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	src, _, r := newActivePair(t, nil)
	require.True(t, src.StartTask(func() {
		if src.Push(buffer.NewSize(1)) != FlowOK {
			src.PauseTask()
		}
		time.Sleep(100 * time.Microsecond)
	}))
	require.Eventually(t, func() bool { return r.numBuffers() >= 10 }, testTimeout, time.Millisecond)

	require.True(t, src.PauseTask())
	require.Equal(t, TaskPaused, src.Task().State())

	require.True(t, src.StopTask())
	require.Nil(t, src.Task())
	n := r.numBuffers()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, n, r.numBuffers())
}

func TestPadTaskOnElement(t *testing.T) {
	defer goleak.VerifyNone(t)

	e := newTestElement("producer", nil).withPads(true, false)
	src := e.StaticPad("src")

	done := make(chan bool, 1)
	go func() {
		done <- src.StartTask(func() {
			src.PauseTask()
		})
	}()
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(testTimeout):
		t.Fatal("starting the task of an element pad blocked")
	}

	require.Equal(t, "producer:src", src.Task().Name())
	require.True(t, src.StopTask())
}

func TestTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	var mu sync.Mutex
	var n atomic.Int64
	task := NewTask("test", func() {
		n.Inc()
		time.Sleep(time.Millisecond)
	}, &mu)
	require.Equal(t, TaskStopped, task.State())

	require.True(t, task.Start())
	require.Eventually(t, func() bool { return n.Load() > 3 }, testTimeout, time.Millisecond)

	// every iteration holds the lock
	mu.Lock()
	held := n.Load()
	time.Sleep(10 * time.Millisecond)
	require.Equal(t, held, n.Load())
	mu.Unlock()

	require.True(t, task.Pause())
	require.Equal(t, TaskPaused, task.State())
	require.ErrorIs(t, task.Join(), errors.ErrTaskNotStopped)
	time.Sleep(5 * time.Millisecond)
	paused := n.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, paused, n.Load())

	require.True(t, task.Start())
	require.Eventually(t, func() bool { return n.Load() > paused }, testTimeout, time.Millisecond)

	require.True(t, task.Stop())
	require.NoError(t, task.Join())
	require.EqualValues(t, n.Load(), task.Iterations())
}

func TestGhostPads(t *testing.T) {
	a := newTestElement("a", nil).withPads(true, false)
	b := newTestElement("b", nil)
	sinkPad, r := newRecordingSink(nil)
	require.NoError(t, b.AddPad(sinkPad))

	p := NewPipeline("pipeline")
	bin1, bin2 := NewBin("bin1"), NewBin("bin2")
	require.NoError(t, bin1.Add(a))
	require.NoError(t, bin2.Add(b))
	require.NoError(t, p.AddMany(bin1, bin2))

	require.Equal(t, PadLinkOK, LinkPadsMaybeGhosting(a.StaticPad("src"), sinkPad, nil))
	srcGhost := bin1.StaticPad("a_src")
	sinkGhost := bin2.StaticPad("b_sink")
	require.NotNil(t, srcGhost)
	require.NotNil(t, sinkGhost)
	require.Same(t, sinkGhost, srcGhost.Peer())
	require.Equal(t, []Element{bin2, bin1}, p.Sorted())

	require.Equal(t, StateChangeSuccess, p.SetState(StatePaused))
	require.True(t, a.StaticPad("src").PushEvent(NewStreamStartEvent("ghost")))
	require.Equal(t, FlowOK, a.StaticPad("src").Push(buffer.NewSize(4)))
	require.Equal(t, 1, r.numBuffers())
	require.Equal(t, []EventType{EventStreamStart}, r.eventTypes())

	require.Equal(t, StateChangeSuccess, p.SetState(StateNull))
	require.False(t, srcGhost.IsActive())
}

func TestGhostPadRetarget(t *testing.T) {
	target1 := NewPad("t1", PadSrc)
	target2 := NewPad("t2", PadSrc)

	g := NewGhostPad("ghost", target1)
	require.NotNil(t, g)
	require.Same(t, target1, g.Target())
	require.Equal(t, PadSrc, g.Direction())

	require.True(t, g.SetTarget(target2))
	require.Same(t, target2, g.Target())
	require.Nil(t, target1.Peer())

	require.True(t, g.SetTarget(nil))
	require.Nil(t, g.Target())
}

func TestPadTemplateNames(t *testing.T) {
	templ := NewPadTemplate("src_%u", PadSrc, PadRequest, caps.NewAny())
	require.Equal(t, "src_3", templ.PadName(3))
	require.True(t, templ.Matches("src_12"))
	require.False(t, templ.Matches("src_"))
	require.False(t, templ.Matches("src_x"))
	require.False(t, templ.Matches("sink_1"))

	infix := NewPadTemplate("video_%d_out", PadSrc, PadSometimes, nil)
	require.Equal(t, "video_7_out", infix.PadName(7))
	require.True(t, infix.Matches("video_42_out"))
	require.False(t, infix.Matches("video__out"))
	require.False(t, infix.Matches("video_4_in"))
	require.False(t, infix.Matches("audio_4_out"))

	always := NewPadTemplate("sink", PadSink, PadAlways, nil)
	require.Equal(t, "sink", always.PadName(1))
	require.True(t, always.Matches("sink"))
	require.True(t, NewPadFromTemplate(always, "").TemplateCaps().IsAny())
}

func TestLimitedTaskPool(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewLimitedTaskPool(1)
	newTask := func(name string) *Task {
		task := NewTask(name, func() { time.Sleep(time.Millisecond) }, &sync.Mutex{})
		task.SetPool(pool)
		return task
	}

	a, b := newTask("a"), newTask("b")
	require.True(t, a.Start())
	require.False(t, b.Start())
	require.Equal(t, TaskStopped, b.State())
	require.Equal(t, 1, pool.Running())

	require.True(t, a.Stop())
	require.NoError(t, a.Join())
	require.Eventually(t, func() bool { return pool.Running() == 0 }, testTimeout, time.Millisecond)

	require.True(t, b.Start())
	require.True(t, b.Stop())
	require.NoError(t, b.Join())
}
