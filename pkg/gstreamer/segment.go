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

	"github.com/livekit/gstcore/pkg/clock"
)

type SeekFlags uint32

const (
	SeekFlagNone  SeekFlags = 0
	SeekFlagFlush SeekFlags = 1 << (iota - 1)
	SeekFlagAccurate
	SeekFlagKeyUnit
	SeekFlagSegment
)

type SeekType int

const (
	SeekTypeNone SeekType = iota
	SeekTypeSet
	SeekTypeEnd
)

type SegmentFlags uint32

const (
	SegmentFlagNone  SegmentFlags = 0
	SegmentFlagReset SegmentFlags = 1 << (iota - 1)
	SegmentFlagSegment
)

// Segment maps the timestamps of a stream to running time and stream time.
// Positions in non-time formats use the same arithmetic with the Duration
// type as a plain 64 bit counter.
type Segment struct {
	Format      Format
	Flags       SegmentFlags
	Rate        float64
	AppliedRate float64

	Base     time.Duration
	Offset   time.Duration
	Start    time.Duration
	Stop     time.Duration
	Time     time.Duration
	Position time.Duration
	Duration time.Duration
}

func NewSegment(format Format) *Segment {
	s := &Segment{}
	s.Init(format)
	return s
}

func (s *Segment) Init(format Format) {
	*s = Segment{
		Format:      format,
		Rate:        1,
		AppliedRate: 1,
		Stop:        clock.None,
		Duration:    clock.None,
	}
}

func (s *Segment) Copy() *Segment {
	c := *s
	return &c
}

// Clip reports whether [start, stop) overlaps the segment and returns the
// clipped boundaries. stop may be clock.None.
func (s *Segment) Clip(start, stop time.Duration) (time.Duration, time.Duration, bool) {
	if s.Stop != clock.None && start != clock.None &&
		(start > s.Stop || (s.Start != s.Stop && start == s.Stop)) {
		return 0, 0, false
	}
	if stop != clock.None && (stop < s.Start || (start != stop && stop == s.Start)) {
		return 0, 0, false
	}

	cstart := start
	if cstart != clock.None && cstart < s.Start {
		cstart = s.Start
	}
	cstop := stop
	if cstop == clock.None {
		cstop = s.Stop
	} else if s.Stop != clock.None && cstop > s.Stop {
		cstop = s.Stop
	}
	return cstart, cstop, true
}

// ToRunningTime converts a position inside the segment to running time.
// Positions outside the segment map to clock.None.
func (s *Segment) ToRunningTime(position time.Duration) time.Duration {
	if position == clock.None {
		return clock.None
	}
	if position < s.Start {
		return clock.None
	}
	if s.Stop != clock.None && position > s.Stop {
		return clock.None
	}

	var result time.Duration
	if s.Rate > 0 {
		result = position - s.Start
		if result < s.Offset {
			return clock.None
		}
		result -= s.Offset
	} else {
		if s.Stop == clock.None {
			return clock.None
		}
		result = s.Stop - position
		if result < s.Offset {
			return clock.None
		}
		result -= s.Offset
	}

	abs := s.Rate
	if abs < 0 {
		abs = -abs
	}
	if abs != 1 {
		result = time.Duration(float64(result) / abs)
	}
	return result + s.Base
}

// ToStreamTime converts a position inside the segment to stream time.
func (s *Segment) ToStreamTime(position time.Duration) time.Duration {
	if position == clock.None || s.Time == clock.None {
		return clock.None
	}
	if position < s.Start {
		return clock.None
	}
	if s.Stop != clock.None && position > s.Stop {
		return clock.None
	}

	abs := s.AppliedRate
	if abs < 0 {
		abs = -abs
	}
	var result time.Duration
	if s.Rate*s.AppliedRate > 0 {
		result = time.Duration(float64(position-s.Start)*abs) + s.Time
	} else {
		result = s.Time - time.Duration(float64(position-s.Start)*abs)
		if result < 0 {
			result = 0
		}
	}
	return result
}

// DoSeek applies a seek to the segment. It returns whether the position
// must be updated by the caller.
func (s *Segment) DoSeek(rate float64, format Format, flags SeekFlags,
	startType SeekType, start time.Duration, stopType SeekType, stop time.Duration) bool {

	if rate == 0 || format != s.Format {
		return false
	}

	if flags&SeekFlagFlush != 0 {
		s.Base = 0
	} else {
		s.Base = s.ToRunningTime(s.Position)
		if s.Base == clock.None {
			s.Base = 0
		}
	}

	switch startType {
	case SeekTypeNone:
		start = s.Start
	case SeekTypeEnd:
		if s.Duration == clock.None {
			return false
		}
		start = s.Duration + start
	}
	if start < 0 {
		start = 0
	}

	switch stopType {
	case SeekTypeNone:
		stop = s.Stop
	case SeekTypeEnd:
		if s.Duration != clock.None && stop != clock.None {
			stop = s.Duration + stop
		} else {
			stop = clock.None
		}
	}
	if s.Duration != clock.None && stop != clock.None && stop > s.Duration {
		stop = s.Duration
	}
	if stop != clock.None && start > stop {
		return false
	}

	s.Rate = rate
	s.AppliedRate = 1
	s.Offset = 0
	s.Start = start
	s.Stop = stop
	s.Time = start
	if flags&SeekFlagSegment != 0 {
		s.Flags |= SegmentFlagSegment
	} else {
		s.Flags &^= SegmentFlagSegment
	}
	if flags&SeekFlagFlush != 0 {
		s.Flags |= SegmentFlagReset
	}

	update := s.Position != start
	if rate > 0 {
		s.Position = start
	} else if stop != clock.None {
		s.Position = stop
	}
	return update
}

func (s *Segment) String() string {
	return fmt.Sprintf("segment: fmt=%s rate=%.3f start=%s stop=%s time=%s base=%s pos=%s",
		s.Format, s.Rate, clock.Format(s.Start), clock.Format(s.Stop),
		clock.Format(s.Time), clock.Format(s.Base), clock.Format(s.Position))
}
