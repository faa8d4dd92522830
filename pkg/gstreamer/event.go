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
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
)

var seqnumCounter atomic.Uint32

// NextSeqnum returns a new sequence number. Events and messages caused by
// the same action share a sequence number.
func NextSeqnum() uint32 {
	return seqnumCounter.Inc()
}

type EventType int

const (
	EventUnknown                EventType = 0
	EventFlushStart             EventType = 10
	EventFlushStop              EventType = 20
	EventStreamStart            EventType = 40
	EventCaps                   EventType = 50
	EventSegment                EventType = 70
	EventTag                    EventType = 80
	EventEOS                    EventType = 110
	EventSegmentDone            EventType = 150
	EventGap                    EventType = 160
	EventSeek                   EventType = 200
	EventLatency                EventType = 220
	EventReconfigure            EventType = 240
	EventCustomUpstream         EventType = 270
	EventCustomDownstream       EventType = 280
	EventCustomDownstreamOOB    EventType = 290
	EventCustomDownstreamSticky EventType = 300
	EventCustomBoth             EventType = 310
)

type eventFlags int

const (
	eventUpstream eventFlags = 1 << iota
	eventDownstream
	eventSerialized
	eventSticky
)

func (t EventType) flags() eventFlags {
	switch t {
	case EventFlushStart:
		return eventUpstream | eventDownstream
	case EventFlushStop:
		return eventUpstream | eventDownstream | eventSerialized
	case EventStreamStart, EventCaps, EventSegment, EventTag, EventEOS, EventCustomDownstreamSticky:
		return eventDownstream | eventSerialized | eventSticky
	case EventSegmentDone, EventGap, EventCustomDownstream:
		return eventDownstream | eventSerialized
	case EventCustomDownstreamOOB:
		return eventDownstream
	case EventSeek, EventLatency, EventReconfigure, EventCustomUpstream:
		return eventUpstream
	case EventCustomBoth:
		return eventUpstream | eventDownstream | eventSerialized
	default:
		return 0
	}
}

// stickyOrder sorts sticky events so that EOS always comes last.
func (t EventType) stickyOrder() int {
	if t == EventEOS {
		return 1 << 16
	}
	return int(t)
}

func (t EventType) String() string {
	switch t {
	case EventFlushStart:
		return "flush-start"
	case EventFlushStop:
		return "flush-stop"
	case EventStreamStart:
		return "stream-start"
	case EventCaps:
		return "caps"
	case EventSegment:
		return "segment"
	case EventTag:
		return "tag"
	case EventEOS:
		return "eos"
	case EventSegmentDone:
		return "segment-done"
	case EventGap:
		return "gap"
	case EventSeek:
		return "seek"
	case EventLatency:
		return "latency"
	case EventReconfigure:
		return "reconfigure"
	case EventCustomUpstream:
		return "custom-upstream"
	case EventCustomDownstream:
		return "custom-downstream"
	case EventCustomDownstreamOOB:
		return "custom-downstream-oob"
	case EventCustomDownstreamSticky:
		return "custom-downstream-sticky"
	case EventCustomBoth:
		return "custom-both"
	default:
		return "unknown"
	}
}

type seekParams struct {
	rate      float64
	format    Format
	flags     SeekFlags
	startType SeekType
	start     time.Duration
	stopType  SeekType
	stop      time.Duration
}

// Event is a control item travelling along links. Serialized events keep
// their position relative to buffers; sticky events are stored on pads and
// replayed to new peers.
type Event struct {
	Type      EventType
	Seqnum    uint32
	Timestamp time.Duration
	Structure *caps.Structure

	caps      *caps.Caps
	segment   *Segment
	tags      *TagList
	streamID  string
	groupID   uint32
	resetTime bool
	seek      seekParams
	duration  time.Duration
	format    Format
	position  time.Duration
}

func newEvent(t EventType) *Event {
	return &Event{
		Type:      t,
		Seqnum:    NextSeqnum(),
		Timestamp: clock.None,
		duration:  clock.None,
	}
}

func NewFlushStartEvent() *Event {
	return newEvent(EventFlushStart)
}

// NewFlushStopEvent ends a flush. With resetTime the running time of the
// pipeline starts again from zero.
func NewFlushStopEvent(resetTime bool) *Event {
	ev := newEvent(EventFlushStop)
	ev.resetTime = resetTime
	return ev
}

func NewStreamStartEvent(streamID string) *Event {
	ev := newEvent(EventStreamStart)
	ev.streamID = streamID
	return ev
}

func NewCapsEvent(c *caps.Caps) *Event {
	ev := newEvent(EventCaps)
	ev.caps = c
	return ev
}

func NewSegmentEvent(seg *Segment) *Event {
	ev := newEvent(EventSegment)
	ev.segment = seg.Copy()
	return ev
}

func NewTagEvent(tags *TagList) *Event {
	ev := newEvent(EventTag)
	ev.tags = tags
	return ev
}

func NewEOSEvent() *Event {
	return newEvent(EventEOS)
}

func NewSegmentDoneEvent(format Format, position time.Duration) *Event {
	ev := newEvent(EventSegmentDone)
	ev.format = format
	ev.position = position
	return ev
}

func NewGapEvent(timestamp, duration time.Duration) *Event {
	ev := newEvent(EventGap)
	ev.Timestamp = timestamp
	ev.duration = duration
	return ev
}

func NewSeekEvent(rate float64, format Format, flags SeekFlags,
	startType SeekType, start time.Duration, stopType SeekType, stop time.Duration) *Event {

	ev := newEvent(EventSeek)
	ev.seek = seekParams{
		rate:      rate,
		format:    format,
		flags:     flags,
		startType: startType,
		start:     start,
		stopType:  stopType,
		stop:      stop,
	}
	return ev
}

func NewLatencyEvent(latency time.Duration) *Event {
	ev := newEvent(EventLatency)
	ev.duration = latency
	return ev
}

func NewReconfigureEvent() *Event {
	return newEvent(EventReconfigure)
}

// NewCustomEvent creates an application event. t must be one of the
// custom event types.
func NewCustomEvent(t EventType, s *caps.Structure) *Event {
	ev := newEvent(t)
	ev.Structure = s
	return ev
}

func (ev *Event) IsUpstream() bool {
	return ev.Type.flags()&eventUpstream != 0
}

func (ev *Event) IsDownstream() bool {
	return ev.Type.flags()&eventDownstream != 0
}

func (ev *Event) IsSerialized() bool {
	return ev.Type.flags()&eventSerialized != 0
}

func (ev *Event) IsSticky() bool {
	return ev.Type.flags()&eventSticky != 0
}

func (ev *Event) ParseCaps() *caps.Caps {
	return ev.caps
}

func (ev *Event) ParseSegment() *Segment {
	if ev.segment == nil {
		return nil
	}
	return ev.segment.Copy()
}

func (ev *Event) ParseTag() *TagList {
	return ev.tags
}

func (ev *Event) ParseStreamStart() string {
	return ev.streamID
}

func (ev *Event) GroupID() uint32 {
	return ev.groupID
}

func (ev *Event) SetGroupID(id uint32) {
	ev.groupID = id
}

func (ev *Event) ParseFlushStop() bool {
	return ev.resetTime
}

func (ev *Event) ParseSeek() (float64, Format, SeekFlags, SeekType, time.Duration, SeekType, time.Duration) {
	s := ev.seek
	return s.rate, s.format, s.flags, s.startType, s.start, s.stopType, s.stop
}

func (ev *Event) ParseGap() (time.Duration, time.Duration) {
	return ev.Timestamp, ev.duration
}

func (ev *Event) ParseLatency() time.Duration {
	return ev.duration
}

func (ev *Event) ParseSegmentDone() (Format, time.Duration) {
	return ev.format, ev.position
}

func (ev *Event) String() string {
	switch ev.Type {
	case EventCaps:
		return fmt.Sprintf("caps event: %s", ev.caps)
	case EventSegment:
		return fmt.Sprintf("segment event: %s", ev.segment)
	case EventStreamStart:
		return fmt.Sprintf("stream-start event: %s", ev.streamID)
	case EventTag:
		return fmt.Sprintf("tag event: %s", ev.tags)
	default:
		return fmt.Sprintf("%s event", ev.Type)
	}
}
