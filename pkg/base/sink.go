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

package base

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

// SinkImpl consumes the data reaching a sink.
type SinkImpl interface {
	Render(buf *buffer.Buffer) gst.FlowReturn
}

type SinkStarter interface {
	Start() error
	Stop() error
}

// SinkPrerollHandler sees the first buffer of every preroll.
type SinkPrerollHandler interface {
	Preroll(buf *buffer.Buffer) gst.FlowReturn
}

type SinkCapsHandler interface {
	SetCaps(c *caps.Caps) bool
}

// SinkUnlocker interrupts a blocking Render.
type SinkUnlocker interface {
	Unlock()
	UnlockStop()
}

// SinkEventHandler sees serialized and non serialized events before the
// default handling.
type SinkEventHandler interface {
	Event(ev *gst.Event) (handled bool, result bool)
}

// Sink is the base of elements with a single always sink pad. It prerolls,
// synchronizes buffers against the clock and reports EOS to the bus.
type Sink struct {
	gst.BaseElement

	impl    SinkImpl
	sinkPad *gst.Pad

	// preroll lock
	mu          sync.Mutex
	signal      chan struct{}
	flushing    bool
	needPreroll bool
	havePreroll bool
	asyncPosted bool
	eos         bool
	resetTime   bool
	segment     *gst.Segment
	clockID     *clock.ID
	position    time.Duration
	pullOffset  uint64

	rendered atomic.Uint64
	dropped  atomic.Uint64
}

func (s *Sink) InitSink(self gst.Element, impl SinkImpl, name string, templates ...*gst.PadTemplate) {
	s.Init(self, name, templates...)
	s.impl = impl
	s.signal = make(chan struct{})
	s.segment = gst.NewSegment(gst.FormatTime)
	s.position = clock.None

	templ := s.PadTemplate("sink")
	if templ == nil {
		templ = gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny())
	}
	s.sinkPad = gst.NewPadFromTemplate(templ, "sink")
	s.sinkPad.SetChainFunction(s.chain)
	s.sinkPad.SetEventFunction(s.event)
	s.sinkPad.SetActivateFunction(s.activate)
	s.sinkPad.SetActivateModeFunction(s.activateMode)
	_ = s.AddPad(s.sinkPad)

	s.Properties().Install(
		&gst.ParamSpec{
			Name: "sync", Blurb: "Sync on the clock",
			Type: gst.ParamBool, Default: true,
		},
		&gst.ParamSpec{
			Name: "async", Blurb: "Go asynchronously to PAUSED",
			Type: gst.ParamBool, Default: true, MutableState: gst.StateReady,
		},
		&gst.ParamSpec{
			Name: "ts-offset", Blurb: "Timestamp offset in nanoseconds",
			Type: gst.ParamInt64, Default: int64(0),
		},
		&gst.ParamSpec{
			Name: "max-lateness", Blurb: "Maximum number of nanoseconds that a buffer can be late before it is dropped (-1 unlimited)",
			Type: gst.ParamInt64, Default: int64(-1),
		},
		&gst.ParamSpec{
			Name: "can-activate-pull", Blurb: "Allow pull-based scheduling",
			Type: gst.ParamBool, Default: false, MutableState: gst.StateReady,
		},
		&gst.ParamSpec{
			Name: "blocksize", Blurb: "Size in bytes to pull per buffer",
			Type: gst.ParamUint64, Default: uint64(DefaultBlocksize), Min: 1, Max: 1 << 30,
		},
	)
	s.SetFlags(gst.ElementFlagSink)
}

func (s *Sink) SinkPad() *gst.Pad {
	return s.sinkPad
}

// Stats returns the number of buffers rendered and dropped for lateness.
func (s *Sink) Stats() (rendered, dropped uint64) {
	return s.rendered.Load(), s.dropped.Load()
}

func (s *Sink) Segment() *gst.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segment.Copy()
}

func (s *Sink) ChangeState(transition gst.StateChange) gst.StateChangeReturn {
	ret := gst.StateChangeSuccess

	switch transition {
	case gst.NullToReady:
		if st, ok := s.impl.(SinkStarter); ok {
			if err := st.Start(); err != nil {
				s.PostError(errors.ResourceError, errors.ResourceOpenWrite, "could not start sink", err.Error())
				return gst.StateChangeFailure
			}
		}

	case gst.ReadyToPaused:
		async := s.Properties().GetBool("async")
		s.mu.Lock()
		s.flushing = false
		s.needPreroll = true
		s.havePreroll = false
		s.eos = false
		s.resetTime = false
		s.position = clock.None
		s.pullOffset = 0
		s.segment.Init(gst.FormatTime)
		s.asyncPosted = async
		s.mu.Unlock()

		if async {
			// posted before the pads activate so ASYNC_DONE cannot overtake it
			s.PostMessage(gst.NewAsyncStartMessage(s.Self()))
			ret = gst.StateChangeAsync
		}

	case gst.PausedToPlaying:
		s.mu.Lock()
		s.needPreroll = false
		s.signalLocked()
		s.mu.Unlock()

	case gst.PlayingToPaused:
		async := s.Properties().GetBool("async")
		s.mu.Lock()
		s.unscheduleLocked()
		if !s.eos {
			s.needPreroll = true
			s.havePreroll = false
			if async {
				s.asyncPosted = true
				ret = gst.StateChangeAsync
			}
		}
		s.signalLocked()
		s.mu.Unlock()
		if ret == gst.StateChangeAsync {
			s.PostMessage(gst.NewAsyncStartMessage(s.Self()))
		}

	case gst.PausedToReady:
		s.setFlushing(true)
	}

	if base := s.BaseElement.ChangeState(transition); base == gst.StateChangeFailure {
		return base
	}

	switch transition {
	case gst.PausedToReady:
		s.mu.Lock()
		s.asyncPosted = false
		s.mu.Unlock()
		if u, ok := s.impl.(SinkUnlocker); ok {
			u.UnlockStop()
		}

	case gst.ReadyToNull:
		if st, ok := s.impl.(SinkStarter); ok {
			if err := st.Stop(); err != nil {
				s.Logger().Warnw("could not stop sink", err)
			}
		}
	}
	return ret
}

func (s *Sink) signalLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *Sink) unscheduleLocked() {
	if s.clockID != nil {
		s.clockID.Unschedule()
	}
}

// setFlushing wakes up a streaming thread blocked in preroll, on the clock
// or in Render.
func (s *Sink) setFlushing(flushing bool) {
	s.mu.Lock()
	s.flushing = flushing
	if flushing {
		s.unscheduleLocked()
	}
	s.signalLocked()
	s.mu.Unlock()

	if u, ok := s.impl.(SinkUnlocker); ok {
		if flushing {
			u.Unlock()
		} else {
			u.UnlockStop()
		}
	}
}

// ----- Preroll -----

// prerollWait commits the state change on the first buffer or event of a
// preroll and blocks while PAUSED. buf is nil for events.
func (s *Sink) prerollWait(buf *buffer.Buffer) gst.FlowReturn {
	s.mu.Lock()
	for {
		if s.flushing {
			s.mu.Unlock()
			return gst.FlowFlushing
		}
		if !s.needPreroll {
			s.mu.Unlock()
			return gst.FlowOK
		}
		if !s.havePreroll {
			s.havePreroll = true
			s.mu.Unlock()

			if p, ok := s.impl.(SinkPrerollHandler); ok && buf != nil {
				if ret := p.Preroll(buf); ret != gst.FlowOK {
					return ret
				}
			}
			s.commitState()

			s.mu.Lock()
			continue
		}

		ch := s.signal
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
}

// commitState completes the pending async state change and posts
// ASYNC_DONE.
func (s *Sink) commitState() {
	s.mu.Lock()
	posted := s.asyncPosted
	s.asyncPosted = false
	rt := clock.None
	if s.resetTime {
		rt = 0
		s.resetTime = false
	}
	s.mu.Unlock()

	s.CompleteState()
	s.Logger().Debugw("prerolled", "state", s.CurrentState().String())
	if posted {
		s.PostMessage(gst.NewAsyncDoneMessage(s.Self(), rt))
	}

	if s.CurrentState() == gst.StatePlaying {
		s.mu.Lock()
		s.needPreroll = false
		s.mu.Unlock()
	}
}

// ----- Synchronization -----

// doSync waits on the clock until the running time of ts. It reports
// whether the buffer is too late to render.
func (s *Sink) doSync(ts time.Duration) (gst.FlowReturn, bool) {
	if !s.Properties().GetBool("sync") || !clock.IsValid(ts) {
		return gst.FlowOK, false
	}
	offset := time.Duration(s.Properties().GetInt64("ts-offset"))
	maxLateness := time.Duration(s.Properties().GetInt64("max-lateness"))

	for {
		s.mu.Lock()
		rt := s.segment.ToRunningTime(ts)
		if !clock.IsValid(rt) {
			s.mu.Unlock()
			return gst.FlowOK, false
		}
		if s.flushing {
			s.mu.Unlock()
			return gst.FlowFlushing, false
		}
		c := s.Clock()
		if c == nil {
			s.mu.Unlock()
			return gst.FlowOK, false
		}
		target := rt + s.BaseTime() + offset
		if target < 0 {
			target = 0
		}
		id := c.NewSingleShotID(target)
		s.clockID = id
		s.mu.Unlock()

		res, jitter := id.Wait()

		s.mu.Lock()
		s.clockID = nil
		flushing, needPreroll := s.flushing, s.needPreroll
		s.mu.Unlock()

		switch res {
		case clock.Unscheduled:
			if flushing {
				return gst.FlowFlushing, false
			}
			if needPreroll {
				// lost PLAYING while waiting, preroll on this buffer again
				if ret := s.prerollWait(nil); ret != gst.FlowOK {
					return ret, false
				}
				continue
			}
			return gst.FlowOK, false
		case clock.OK, clock.Early:
			late := maxLateness >= 0 && jitter > maxLateness
			return gst.FlowOK, late
		default:
			return gst.FlowOK, false
		}
	}
}

// ----- Push mode -----

func (s *Sink) chain(_ *gst.Pad, _ gst.Element, buf *buffer.Buffer) gst.FlowReturn {
	return s.processBuffer(buf)
}

func (s *Sink) processBuffer(buf *buffer.Buffer) gst.FlowReturn {
	defer buf.Unref()

	ts := buf.PTS
	if !clock.IsValid(ts) {
		ts = buf.DTS
	}

	s.mu.Lock()
	if s.segment.Format == gst.FormatTime && clock.IsValid(ts) {
		end := clock.None
		if clock.IsValid(buf.Duration) {
			end = ts + buf.Duration
		}
		if _, _, ok := s.segment.Clip(ts, end); !ok {
			s.mu.Unlock()
			return gst.FlowOK
		}
		s.position = ts
	} else if buf.Offset != buffer.OffsetNone {
		s.position = time.Duration(buf.Offset)
	}
	s.mu.Unlock()

	if ret := s.prerollWait(buf); ret != gst.FlowOK {
		return ret
	}

	ret, late := s.doSync(ts)
	if ret != gst.FlowOK {
		return ret
	}
	if late {
		s.dropped.Inc()
		return gst.FlowOK
	}

	ret = s.impl.Render(buf)
	if ret == gst.FlowOK {
		s.rendered.Inc()
	}
	return ret
}

func (s *Sink) event(pad *gst.Pad, parent gst.Element, ev *gst.Event) bool {
	if h, ok := s.impl.(SinkEventHandler); ok {
		if handled, res := h.Event(ev); handled {
			return res
		}
	}

	switch ev.Type {
	case gst.EventFlushStart:
		s.setFlushing(true)
		if s.CurrentState() >= gst.StatePaused && s.Properties().GetBool("async") {
			s.mu.Lock()
			s.asyncPosted = true
			s.mu.Unlock()
			s.LostState()
		}
		return true

	case gst.EventFlushStop:
		s.setFlushing(false)
		s.mu.Lock()
		if s.CurrentState() >= gst.StatePaused {
			s.needPreroll = true
			s.havePreroll = false
		}
		s.eos = false
		if ev.ParseFlushStop() {
			s.segment.Init(s.segment.Format)
			s.resetTime = true
			s.position = clock.None
		}
		s.mu.Unlock()
		return true

	case gst.EventEOS:
		return s.handleEOS(ev.Seqnum) == gst.FlowOK

	case gst.EventSegment:
		seg := ev.ParseSegment()
		s.mu.Lock()
		s.segment = seg.Copy()
		s.mu.Unlock()
		return true

	case gst.EventCaps:
		if h, ok := s.impl.(SinkCapsHandler); ok {
			return h.SetCaps(ev.ParseCaps())
		}
		return true

	case gst.EventStreamStart:
		s.PostMessage(gst.NewStreamStartMessage(s.Self()))
		return true

	case gst.EventGap:
		ts, _ := ev.ParseGap()
		if ret := s.prerollWait(nil); ret != gst.FlowOK {
			return false
		}
		ret, _ := s.doSync(ts)
		return ret == gst.FlowOK

	case gst.EventTag:
		s.PostMessage(gst.NewTagMessage(s.Self(), ev.ParseTag()))
		return true

	default:
		return gst.DefaultEvent(pad, parent, ev)
	}
}

// handleEOS prerolls on EOS, waits for PLAYING and then posts EOS.
func (s *Sink) handleEOS(seqnum uint32) gst.FlowReturn {
	s.mu.Lock()
	s.eos = true
	last := s.position
	s.mu.Unlock()

	if ret := s.prerollWait(nil); ret != gst.FlowOK {
		return ret
	}
	if ret, _ := s.doSync(last); ret != gst.FlowOK {
		return ret
	}

	msg := gst.NewEOSMessage(s.Self())
	msg.Seqnum = seqnum
	s.Logger().Debugw("posting EOS")
	s.PostMessage(msg)
	return gst.FlowOK
}

// HandleElementEvent sends upstream events out of the sink pad and
// delivers downstream events to it.
func (s *Sink) HandleElementEvent(ev *gst.Event) bool {
	if ev.IsUpstream() {
		return s.sinkPad.PushEvent(ev)
	}
	return s.sinkPad.SendEvent(ev)
}

// ----- Queries -----

func (s *Sink) HandleElementQuery(q *gst.Query) bool {
	switch q.Type {
	case gst.QueryPosition:
		format, _ := q.ParsePosition()
		if format != gst.FormatTime {
			return s.sinkPad.PeerQuery(q)
		}
		if pos, ok := s.streamPosition(); ok {
			q.SetPosition(format, pos)
			return true
		}
		return s.sinkPad.PeerQuery(q)
	default:
		return s.sinkPad.PeerQuery(q)
	}
}

// streamPosition is the clock position while PLAYING and the last seen
// timestamp otherwise, both in stream time.
func (s *Sink) streamPosition() (time.Duration, bool) {
	playing := s.CurrentState() == gst.StatePlaying
	rt := clock.None
	if playing {
		rt = s.CurrentRunningTime()
	}
	offset := time.Duration(s.Properties().GetInt64("ts-offset"))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.segment.Format != gst.FormatTime {
		return clock.None, false
	}
	if clock.IsValid(rt) {
		pos := rt - offset - s.segment.Base
		if s.segment.Rate != 0 {
			pos = time.Duration(float64(pos) * s.segment.Rate)
		}
		pos += s.segment.Time
		if pos < s.segment.Time {
			pos = s.segment.Time
		}
		return pos, true
	}
	if clock.IsValid(s.position) {
		if st := s.segment.ToStreamTime(s.position); clock.IsValid(st) {
			return st, true
		}
	}
	return clock.None, false
}

// ----- Activation and pull mode -----

func (s *Sink) activate(pad *gst.Pad, _ gst.Element) bool {
	if s.Properties().GetBool("can-activate-pull") {
		return pad.ActivateFromScheduling()
	}
	return pad.ActivateMode(gst.PadModePush, true)
}

func (s *Sink) activateMode(pad *gst.Pad, _ gst.Element, mode gst.PadMode, active bool) bool {
	if !active {
		s.setFlushing(true)
		if mode == gst.PadModePull {
			pad.StopTask()
		}
		return true
	}

	if mode == gst.PadModePull {
		s.mu.Lock()
		s.segment.Init(gst.FormatBytes)
		if size, ok := pad.PeerQueryDuration(gst.FormatBytes); ok {
			s.segment.Duration = size
		}
		s.pullOffset = 0
		s.mu.Unlock()
		return pad.StartTask(s.pullLoop)
	}
	return true
}

func (s *Sink) pullLoop() {
	s.mu.Lock()
	offset := s.pullOffset
	s.mu.Unlock()

	size := int(s.Properties().GetUint64("blocksize"))
	buf, ret := s.sinkPad.PullRange(offset, size)
	if ret == gst.FlowOK && buf == nil {
		return
	}
	if ret == gst.FlowOK {
		s.mu.Lock()
		s.pullOffset = offset + uint64(buf.Size())
		s.mu.Unlock()
		ret = s.processBuffer(buf)
	}
	if ret == gst.FlowOK {
		return
	}

	s.Logger().Debugw("pausing pull task", "reason", ret.String())
	s.sinkPad.PauseTask()
	switch {
	case ret == gst.FlowEOS:
		s.handleEOS(gst.NextSeqnum())
	case ret.IsFatal():
		s.PostFlowError(ret)
	}
}
