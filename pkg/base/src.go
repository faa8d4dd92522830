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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"
	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

const DefaultBlocksize = 4096

// SrcImpl produces the data of a source. Create is called from the
// streaming thread in push mode and from the peer in pull mode.
type SrcImpl interface {
	Create(offset uint64, size int) (*buffer.Buffer, gst.FlowReturn)
}

// SrcStarter opens and closes resources around streaming.
type SrcStarter interface {
	Start() error
	Stop() error
}

// SrcSizer reports the total size of a bytes source.
type SrcSizer interface {
	Size() (uint64, bool)
}

// SrcSeeker is implemented by sources supporting seeks and random access.
type SrcSeeker interface {
	IsSeekable() bool
	DoSeek(seg *gst.Segment) bool
}

// SrcUnlocker interrupts a blocking Create. Unlock is called when the
// source starts flushing, UnlockStop when it stops.
type SrcUnlocker interface {
	Unlock()
	UnlockStop()
}

// SrcNegotiator replaces the default negotiation.
type SrcNegotiator interface {
	Fixate(c *caps.Caps) *caps.Caps
	SetCaps(c *caps.Caps) bool
}

// SrcURIHandler gives the source a stable stream id.
type SrcURIHandler interface {
	URI() string
}

// SrcEventHandler sees upstream events before the default handling.
type SrcEventHandler interface {
	Event(ev *gst.Event) (handled bool, result bool)
}

// SrcQueryHandler answers queries before the default handling.
type SrcQueryHandler interface {
	SrcQuery(q *gst.Query) bool
}

// Src is the base of elements with a single always src pad. It runs the
// streaming task in push mode, answers getrange in pull mode and handles
// live sources, seeking and EOS.
type Src struct {
	gst.BaseElement

	impl   SrcImpl
	srcPad *gst.Pad

	mu            sync.Mutex
	live          bool
	livePlaying   bool
	liveSignal    chan struct{}
	flushing      bool
	started       bool
	format        gst.Format
	segment       *gst.Segment
	segmentSeqnum uint32
	offset        uint64
	produced      int
	needSegment   bool
	needCaps      bool
	streamStarted bool
	streamID      string

	eosPending atomic.Bool
	eosSeqnum  atomic.Uint32
}

func (s *Src) InitSrc(self gst.Element, impl SrcImpl, name string, templates ...*gst.PadTemplate) {
	s.Init(self, name, templates...)
	s.impl = impl
	s.format = gst.FormatBytes
	s.segment = gst.NewSegment(gst.FormatBytes)
	s.liveSignal = make(chan struct{})

	templ := s.PadTemplate("src")
	if templ == nil {
		templ = gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny())
	}
	s.srcPad = gst.NewPadFromTemplate(templ, "src")
	s.srcPad.SetActivateModeFunction(s.activateMode)
	s.srcPad.SetGetRangeFunction(s.getRange)
	s.srcPad.SetEventFunction(s.event)
	s.srcPad.SetQueryFunction(s.query)
	_ = s.AddPad(s.srcPad)

	s.Properties().Install(
		&gst.ParamSpec{
			Name: "blocksize", Blurb: "Size in bytes to read per buffer",
			Type: gst.ParamUint64, Default: uint64(DefaultBlocksize), Min: 1, Max: 1 << 30,
		},
		&gst.ParamSpec{
			Name: "num-buffers", Blurb: "Number of buffers to output before sending EOS (-1 = unlimited)",
			Type: gst.ParamInt, Default: -1, Min: -1, Max: 1 << 31,
		},
		&gst.ParamSpec{
			Name: "do-timestamp", Blurb: "Apply current running time to outgoing buffers",
			Type: gst.ParamBool, Default: false,
		},
	)
	s.SetFlags(gst.ElementFlagSource)
}

func (s *Src) SrcPad() *gst.Pad {
	return s.srcPad
}

// SetLive marks the source as live. Live sources only produce data in
// PLAYING and do not preroll.
func (s *Src) SetLive(live bool) {
	s.mu.Lock()
	s.live = live
	s.mu.Unlock()
}

func (s *Src) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// SetFormat sets the format of the segment the source produces.
func (s *Src) SetFormat(format gst.Format) {
	s.mu.Lock()
	s.format = format
	s.segment.Init(format)
	s.mu.Unlock()
}

func (s *Src) Segment() *gst.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segment.Copy()
}

// Renegotiate makes the source negotiate again before its next buffer.
func (s *Src) Renegotiate() {
	s.mu.Lock()
	s.needCaps = true
	s.mu.Unlock()
}

func (s *Src) ChangeState(transition gst.StateChange) gst.StateChangeReturn {
	noPreroll := false

	switch transition {
	case gst.ReadyToPaused:
		s.mu.Lock()
		noPreroll = s.live
		s.livePlaying = false
		s.mu.Unlock()

	case gst.PausedToPlaying:
		s.mu.Lock()
		s.livePlaying = true
		s.signalLiveLocked()
		s.mu.Unlock()

	case gst.PlayingToPaused:
		s.mu.Lock()
		noPreroll = s.live
		s.livePlaying = false
		s.signalLiveLocked()
		s.mu.Unlock()
	}

	if ret := s.BaseElement.ChangeState(transition); ret == gst.StateChangeFailure {
		return ret
	}
	if noPreroll {
		return gst.StateChangeNoPreroll
	}
	return gst.StateChangeSuccess
}

func (s *Src) signalLiveLocked() {
	close(s.liveSignal)
	s.liveSignal = make(chan struct{})
}

// ----- Activation -----

func (s *Src) activateMode(_ *gst.Pad, _ gst.Element, mode gst.PadMode, active bool) bool {
	if active {
		if err := s.start(); err != nil {
			s.PostError(errors.ResourceError, errors.ResourceOpenRead, "could not start source", err.Error())
			return false
		}
		if mode == gst.PadModePush {
			return s.srcPad.StartTask(s.loop)
		}
		return true
	}

	s.setFlushing(true)
	if mode == gst.PadModePush {
		s.srcPad.StopTask()
	}
	s.setFlushing(false)
	s.stop()
	return true
}

func (s *Src) start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if st, ok := s.impl.(SrcStarter); ok {
		if err := st.Start(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.started = true
	s.offset = 0
	s.produced = 0
	s.flushing = false
	s.needSegment = true
	s.needCaps = true
	s.streamStarted = false
	s.streamID = s.newStreamID()
	if s.segment.Format == gst.FormatBytes {
		if sizer, ok := s.impl.(SrcSizer); ok {
			if size, ok := sizer.Size(); ok {
				s.segment.Duration = time.Duration(size)
			}
		}
	}
	s.mu.Unlock()
	s.eosPending.Store(false)
	return nil
}

func (s *Src) stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.segment.Init(s.format)
	s.mu.Unlock()

	if started {
		if st, ok := s.impl.(SrcStarter); ok {
			if err := st.Stop(); err != nil {
				s.Logger().Warnw("could not stop source", err)
			}
		}
	}
}

// newStreamID hashes the URI of the source when it has one, so a stream
// keeps its id across runs.
func (s *Src) newStreamID() string {
	if h, ok := s.impl.(SrcURIHandler); ok {
		if uri := h.URI(); uri != "" {
			return fmt.Sprintf("%016x", xxh3.HashString(uri))
		}
	}
	return uuid.NewString()
}

func (s *Src) setFlushing(flushing bool) {
	s.mu.Lock()
	s.flushing = flushing
	s.signalLiveLocked()
	s.mu.Unlock()

	if u, ok := s.impl.(SrcUnlocker); ok {
		if flushing {
			u.Unlock()
		} else {
			u.UnlockStop()
		}
	}
}

// ----- Push mode -----

// waitPlaying blocks a live source until PLAYING. It returns false when
// flushing.
func (s *Src) waitPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.live && !s.livePlaying && !s.flushing {
		ch := s.liveSignal
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	return !s.flushing
}

func (s *Src) loop() {
	if !s.waitPlaying() {
		s.pauseTask(gst.FlowFlushing)
		return
	}

	if ret := s.pushPendingEvents(); ret != gst.FlowOK {
		s.pauseTask(ret)
		return
	}

	s.mu.Lock()
	offset := s.offset
	done := false
	if n := s.Properties().GetInt("num-buffers"); n >= 0 && s.produced >= n {
		done = true
	}
	format := s.segment.Format
	if format == gst.FormatBytes && s.segment.Stop != clock.None && time.Duration(offset) >= s.segment.Stop {
		done = true
	}
	s.mu.Unlock()

	if done || s.eosPending.Load() {
		s.pauseTask(gst.FlowEOS)
		return
	}

	size := int(s.Properties().GetUint64("blocksize"))
	buf, ret := s.impl.Create(offset, size)
	if ret != gst.FlowOK {
		s.pauseTask(ret)
		return
	}
	if s.eosPending.Load() {
		buf.Unref()
		s.pauseTask(gst.FlowEOS)
		return
	}

	s.mu.Lock()
	if s.live && s.Properties().GetBool("do-timestamp") && buf.PTS == clock.None {
		if rt := s.CurrentRunningTime(); clock.IsValid(rt) {
			buf.PTS = rt
		}
	}
	if s.produced == 0 || s.segmentSeqnum != 0 {
		buf.SetFlags(buffer.FlagDiscont)
		s.segmentSeqnum = 0
	}
	s.produced++
	switch s.segment.Format {
	case gst.FormatBytes:
		if buf.Offset == buffer.OffsetNone {
			buf.Offset = offset
		}
		s.offset = offset + uint64(buf.Size())
		buf.OffsetEnd = s.offset
		s.segment.Position = time.Duration(s.offset)
	case gst.FormatTime:
		if buf.PTS != clock.None {
			pos := buf.PTS
			if buf.Duration != clock.None {
				pos += buf.Duration
			}
			s.segment.Position = pos
		}
		s.offset++
	default:
		s.offset++
		s.segment.Position = time.Duration(s.offset)
	}
	s.mu.Unlock()

	if ret = s.srcPad.Push(buf); ret != gst.FlowOK {
		s.pauseTask(ret)
	}
}

// pushPendingEvents sends stream-start, caps and segment before the first
// buffer of a stream.
func (s *Src) pushPendingEvents() gst.FlowReturn {
	s.mu.Lock()
	streamStarted, needCaps, needSegment := s.streamStarted, s.needCaps, s.needSegment
	streamID := s.streamID
	s.streamStarted = true
	s.mu.Unlock()

	if !streamStarted {
		s.srcPad.PushEvent(gst.NewStreamStartEvent(streamID))
	}
	if needCaps || s.srcPad.CheckReconfigure() {
		if !s.negotiate() {
			return gst.FlowNotNegotiated
		}
		s.mu.Lock()
		s.needCaps = false
		s.mu.Unlock()
	}
	if needSegment {
		s.mu.Lock()
		seg := s.segment.Copy()
		seqnum := s.segmentSeqnum
		s.needSegment = false
		s.mu.Unlock()

		ev := gst.NewSegmentEvent(seg)
		if seqnum != 0 {
			ev.Seqnum = seqnum
		}
		s.srcPad.PushEvent(ev)
	}
	return gst.FlowOK
}

// negotiate picks fixed caps the peer accepts and sends them downstream.
func (s *Src) negotiate() bool {
	thisCaps := s.srcPad.QueryCaps(nil)
	if thisCaps.IsAny() {
		return true
	}

	peerCaps := s.srcPad.PeerQueryCaps(thisCaps)
	if peerCaps.IsEmpty() {
		s.Logger().Debugw("no common caps with peer", "caps", thisCaps.String())
		return false
	}
	if peerCaps.IsAny() {
		peerCaps = thisCaps
	}

	var c *caps.Caps
	if n, ok := s.impl.(SrcNegotiator); ok {
		c = n.Fixate(peerCaps)
	} else {
		c = peerCaps.Fixate()
	}
	if c == nil || c.IsEmpty() {
		return false
	}
	if n, ok := s.impl.(SrcNegotiator); ok && !n.SetCaps(c) {
		return false
	}
	return s.srcPad.PushEvent(gst.NewCapsEvent(c))
}

// pauseTask stops the loop after a non-OK flow return, sending EOS
// downstream and posting an error when the return is fatal.
func (s *Src) pauseTask(ret gst.FlowReturn) {
	s.Logger().Debugw("pausing task", "reason", ret.String())
	s.srcPad.PauseTask()

	switch {
	case ret == gst.FlowEOS:
		s.mu.Lock()
		seg := s.segment.Copy()
		s.mu.Unlock()

		if seg.Flags&gst.SegmentFlagSegment != 0 {
			s.PostMessage(gst.NewSegmentDoneMessage(s.Self(), seg.Format, seg.Position))
			s.srcPad.PushEvent(gst.NewSegmentDoneEvent(seg.Format, seg.Position))
			return
		}
		eos := gst.NewEOSEvent()
		if seqnum := s.eosSeqnum.Load(); seqnum != 0 {
			eos.Seqnum = seqnum
		}
		s.srcPad.PushEvent(eos)

	case ret == gst.FlowFlushing:

	case ret.IsFatal():
		s.PostFlowError(ret)
		s.srcPad.PushEvent(gst.NewEOSEvent())
	}
}

// ----- Pull mode -----

func (s *Src) getRange(_ *gst.Pad, _ gst.Element, offset uint64, size int) (*buffer.Buffer, gst.FlowReturn) {
	if size <= 0 {
		size = int(s.Properties().GetUint64("blocksize"))
	}
	if sizer, ok := s.impl.(SrcSizer); ok {
		if total, ok := sizer.Size(); ok && offset >= total {
			return nil, gst.FlowEOS
		}
	}

	buf, ret := s.impl.Create(offset, size)
	if ret != gst.FlowOK {
		return nil, ret
	}
	if buf.Offset == buffer.OffsetNone {
		buf.Offset = offset
		buf.OffsetEnd = offset + uint64(buf.Size())
	}
	return buf, gst.FlowOK
}

// ----- Events -----

func (s *Src) isSeekable() bool {
	seeker, ok := s.impl.(SrcSeeker)
	return ok && seeker.IsSeekable()
}

func (s *Src) event(_ *gst.Pad, _ gst.Element, ev *gst.Event) bool {
	if h, ok := s.impl.(SrcEventHandler); ok {
		if handled, res := h.Event(ev); handled {
			return res
		}
	}

	switch ev.Type {
	case gst.EventSeek:
		return s.performSeek(ev)
	case gst.EventReconfigure:
		s.Renegotiate()
		return true
	case gst.EventFlushStart:
		s.setFlushing(true)
		return true
	case gst.EventFlushStop:
		s.setFlushing(false)
		return true
	case gst.EventLatency:
		return true
	default:
		return false
	}
}

// HandleElementEvent handles events sent to the source element: EOS ends
// the stream after the current buffer and seeks are performed directly.
func (s *Src) HandleElementEvent(ev *gst.Event) bool {
	switch ev.Type {
	case gst.EventEOS:
		s.eosSeqnum.Store(ev.Seqnum)
		s.eosPending.Store(true)
		if s.srcPad.Mode() != gst.PadModePush {
			return true
		}
		if u, ok := s.impl.(SrcUnlocker); ok {
			u.Unlock()
			u.UnlockStop()
		}
		return true
	case gst.EventSeek:
		return s.performSeek(ev)
	}
	if ev.IsDownstream() {
		return s.srcPad.PushEvent(ev)
	}
	return s.event(s.srcPad, s.Self(), ev)
}

// performSeek reconfigures the segment. A flushing seek flushes
// downstream first; a non flushing seek waits for the current buffer.
func (s *Src) performSeek(ev *gst.Event) bool {
	rate, format, flags, startType, start, stopType, stop := ev.ParseSeek()

	s.mu.Lock()
	segFormat := s.segment.Format
	started := s.started
	s.mu.Unlock()

	if format != segFormat || !s.isSeekable() {
		s.Logger().Debugw("refusing seek", "format", format.String(), "seekable", s.isSeekable())
		return false
	}

	flush := flags&gst.SeekFlagFlush != 0
	if flush {
		flushStart := gst.NewFlushStartEvent()
		flushStart.Seqnum = ev.Seqnum
		s.srcPad.PushEvent(flushStart)
		s.setFlushing(true)
	} else {
		s.srcPad.PauseTask()
	}

	s.srcPad.StreamLock()

	s.mu.Lock()
	seg := s.segment.Copy()
	s.mu.Unlock()

	ok := true
	seg.DoSeek(rate, format, flags, startType, start, stopType, stop)
	if seeker, isSeeker := s.impl.(SrcSeeker); isSeeker && started {
		ok = seeker.DoSeek(seg)
	}

	if flush {
		s.setFlushing(false)
		flushStop := gst.NewFlushStopEvent(true)
		flushStop.Seqnum = ev.Seqnum
		s.srcPad.PushEvent(flushStop)
	}

	if ok {
		s.mu.Lock()
		s.segment = seg
		s.segmentSeqnum = ev.Seqnum
		s.needSegment = true
		if seg.Format == gst.FormatBytes {
			s.offset = uint64(seg.Start)
		} else {
			s.offset = 0
		}
		s.mu.Unlock()
		s.eosPending.Store(false)
	}

	s.srcPad.StreamUnlock()

	if s.srcPad.Mode() == gst.PadModePush {
		s.srcPad.StartTask(s.loop)
	}
	return ok
}

// ----- Queries -----

func (s *Src) query(pad *gst.Pad, parent gst.Element, q *gst.Query) bool {
	if h, ok := s.impl.(SrcQueryHandler); ok && h.SrcQuery(q) {
		return true
	}

	switch q.Type {
	case gst.QueryScheduling:
		flags := gst.SchedulingSequential
		if s.isSeekable() {
			flags = gst.SchedulingSeekable
		}
		q.SetScheduling(flags, 1, -1, 0)
		q.AddSchedulingMode(gst.PadModePush)
		if s.isSeekable() {
			q.AddSchedulingMode(gst.PadModePull)
		}
		return true

	case gst.QueryPosition:
		format, _ := q.ParsePosition()
		s.mu.Lock()
		defer s.mu.Unlock()
		if format != s.segment.Format {
			return false
		}
		q.SetPosition(format, s.segment.Position)
		return true

	case gst.QueryDuration:
		format, _ := q.ParseDuration()
		s.mu.Lock()
		defer s.mu.Unlock()
		if format != s.segment.Format || s.segment.Duration == clock.None {
			return false
		}
		q.SetDuration(format, s.segment.Duration)
		return true

	case gst.QuerySeeking:
		format, _, _, _ := q.ParseSeeking()
		s.mu.Lock()
		duration := s.segment.Duration
		segFormat := s.segment.Format
		s.mu.Unlock()
		q.SetSeeking(format, format == segFormat && s.isSeekable(), 0, duration)
		return true

	case gst.QueryLatency:
		q.SetLatency(s.IsLive(), 0, clock.None)
		return true

	default:
		return gst.DefaultQuery(pad, parent, q)
	}
}
