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
	"slices"
	"time"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
)

type QueryType int

const (
	QueryUnknown QueryType = iota
	QueryPosition
	QueryDuration
	QueryLatency
	QuerySeeking
	QueryCaps
	QueryAcceptCaps
	QueryScheduling
	QueryCustom
)

func (t QueryType) String() string {
	switch t {
	case QueryPosition:
		return "position"
	case QueryDuration:
		return "duration"
	case QueryLatency:
		return "latency"
	case QuerySeeking:
		return "seeking"
	case QueryCaps:
		return "caps"
	case QueryAcceptCaps:
		return "accept-caps"
	case QueryScheduling:
		return "scheduling"
	case QueryCustom:
		return "custom"
	default:
		return "unknown"
	}
}

type SchedulingFlags int

const (
	SchedulingSeekable SchedulingFlags = 1 << iota
	SchedulingSequential
	SchedulingBandwidthLimited
)

// Query asks a pad or element for information. The answering side fills
// in the result fields.
type Query struct {
	Type      QueryType
	Structure *caps.Structure

	filter   *caps.Caps
	result   *caps.Caps
	accepted bool

	modes      []PadMode
	schedFlags SchedulingFlags
	minSize    int
	maxSize    int
	align      int

	format   Format
	value    time.Duration
	live     bool
	minLat   time.Duration
	maxLat   time.Duration
	seekable bool
	segStart time.Duration
	segEnd   time.Duration
}

// NewCapsQuery asks for the formats a pad can handle, limited to filter
// when it is not nil.
func NewCapsQuery(filter *caps.Caps) *Query {
	return &Query{Type: QueryCaps, filter: filter}
}

func (q *Query) ParseCaps() *caps.Caps {
	return q.filter
}

func (q *Query) SetCapsResult(c *caps.Caps) {
	q.result = c
}

func (q *Query) CapsResult() *caps.Caps {
	return q.result
}

func NewAcceptCapsQuery(c *caps.Caps) *Query {
	return &Query{Type: QueryAcceptCaps, filter: c}
}

func (q *Query) ParseAcceptCaps() *caps.Caps {
	return q.filter
}

func (q *Query) SetAcceptCapsResult(accepted bool) {
	q.accepted = accepted
}

func (q *Query) AcceptCapsResult() bool {
	return q.accepted
}

func NewSchedulingQuery() *Query {
	return &Query{Type: QueryScheduling, maxSize: -1, align: 0}
}

func (q *Query) SetScheduling(flags SchedulingFlags, minSize, maxSize, align int) {
	q.schedFlags = flags
	q.minSize = minSize
	q.maxSize = maxSize
	q.align = align
}

func (q *Query) ParseScheduling() (SchedulingFlags, int, int, int) {
	return q.schedFlags, q.minSize, q.maxSize, q.align
}

func (q *Query) AddSchedulingMode(mode PadMode) {
	if !slices.Contains(q.modes, mode) {
		q.modes = append(q.modes, mode)
	}
}

func (q *Query) HasSchedulingMode(mode PadMode) bool {
	return slices.Contains(q.modes, mode)
}

// HasSchedulingModeWithFlags also requires every flag in flags to be set.
func (q *Query) HasSchedulingModeWithFlags(mode PadMode, flags SchedulingFlags) bool {
	return q.HasSchedulingMode(mode) && q.schedFlags&flags == flags
}

func NewPositionQuery(format Format) *Query {
	return &Query{Type: QueryPosition, format: format, value: clock.None}
}

func (q *Query) SetPosition(format Format, position time.Duration) {
	q.format = format
	q.value = position
}

func (q *Query) ParsePosition() (Format, time.Duration) {
	return q.format, q.value
}

func NewDurationQuery(format Format) *Query {
	return &Query{Type: QueryDuration, format: format, value: clock.None}
}

func (q *Query) SetDuration(format Format, duration time.Duration) {
	q.format = format
	q.value = duration
}

func (q *Query) ParseDuration() (Format, time.Duration) {
	return q.format, q.value
}

func NewLatencyQuery() *Query {
	return &Query{Type: QueryLatency, maxLat: clock.None}
}

func (q *Query) SetLatency(live bool, minLatency, maxLatency time.Duration) {
	q.live = live
	q.minLat = minLatency
	q.maxLat = maxLatency
}

func (q *Query) ParseLatency() (bool, time.Duration, time.Duration) {
	return q.live, q.minLat, q.maxLat
}

func NewSeekingQuery(format Format) *Query {
	return &Query{Type: QuerySeeking, format: format, segStart: clock.None, segEnd: clock.None}
}

func (q *Query) SetSeeking(format Format, seekable bool, start, end time.Duration) {
	q.format = format
	q.seekable = seekable
	q.segStart = start
	q.segEnd = end
}

func (q *Query) ParseSeeking() (Format, bool, time.Duration, time.Duration) {
	return q.format, q.seekable, q.segStart, q.segEnd
}

func NewCustomQuery(s *caps.Structure) *Query {
	return &Query{Type: QueryCustom, Structure: s}
}

func (q *Query) String() string {
	return q.Type.String() + " query"
}
