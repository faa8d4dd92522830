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
)

type StateChangeReturn int

const (
	StateChangeFailure StateChangeReturn = iota
	StateChangeSuccess
	StateChangeAsync
	StateChangeNoPreroll
)

func (r StateChangeReturn) String() string {
	switch r {
	case StateChangeFailure:
		return "failure"
	case StateChangeSuccess:
		return "success"
	case StateChangeAsync:
		return "async"
	case StateChangeNoPreroll:
		return "no-preroll"
	default:
		return "unknown"
	}
}

// StateChange is a single step between two adjacent states.
type StateChange int

func Transition(current, next State) StateChange {
	return StateChange(int(current)<<3 | int(next))
}

const (
	NullToReady     = StateChange(int(StateNull)<<3 | int(StateReady))
	ReadyToPaused   = StateChange(int(StateReady)<<3 | int(StatePaused))
	PausedToPlaying = StateChange(int(StatePaused)<<3 | int(StatePlaying))
	PlayingToPaused = StateChange(int(StatePlaying)<<3 | int(StatePaused))
	PausedToReady   = StateChange(int(StatePaused)<<3 | int(StateReady))
	ReadyToNull     = StateChange(int(StateReady)<<3 | int(StateNull))
)

func (t StateChange) Current() State {
	return State(int(t) >> 3)
}

func (t StateChange) Next() State {
	return State(int(t) & 0x7)
}

func (t StateChange) IsUpward() bool {
	return t.Next() > t.Current()
}

func (t StateChange) String() string {
	return fmt.Sprintf("%s->%s", t.Current(), t.Next())
}

// FlowReturn is the result of moving a buffer across a link. Values below
// FlowOK stop the streaming thread that sees them.
type FlowReturn int

const (
	FlowCustomSuccess FlowReturn = 100
	FlowOK            FlowReturn = 0
	FlowNotLinked     FlowReturn = -1
	FlowFlushing      FlowReturn = -2
	FlowEOS           FlowReturn = -3
	FlowNotNegotiated FlowReturn = -4
	FlowError         FlowReturn = -5
	FlowNotSupported  FlowReturn = -6
	FlowCustomError   FlowReturn = -100
)

func (f FlowReturn) String() string {
	switch f {
	case FlowOK:
		return "ok"
	case FlowNotLinked:
		return "not-linked"
	case FlowFlushing:
		return "flushing"
	case FlowEOS:
		return "eos"
	case FlowNotNegotiated:
		return "not-negotiated"
	case FlowError:
		return "error"
	case FlowNotSupported:
		return "not-supported"
	}
	if f >= FlowCustomSuccess {
		return fmt.Sprintf("custom-success-%d", f)
	}
	if f <= FlowCustomError {
		return fmt.Sprintf("custom-error-%d", f)
	}
	return "unknown"
}

// IsFatal reports whether a streaming thread seeing f must post an ERROR.
func (f FlowReturn) IsFatal() bool {
	return f == FlowNotLinked || f <= FlowNotNegotiated
}

type PadDirection int

const (
	PadUnknown PadDirection = iota
	PadSrc
	PadSink
)

func (d PadDirection) String() string {
	switch d {
	case PadSrc:
		return "src"
	case PadSink:
		return "sink"
	default:
		return "unknown"
	}
}

type PadPresence int

const (
	PadAlways PadPresence = iota
	PadSometimes
	PadRequest
)

func (p PadPresence) String() string {
	switch p {
	case PadAlways:
		return "always"
	case PadSometimes:
		return "sometimes"
	case PadRequest:
		return "request"
	default:
		return "unknown"
	}
}

type PadMode int

const (
	PadModeNone PadMode = iota
	PadModePush
	PadModePull
)

func (m PadMode) String() string {
	switch m {
	case PadModeNone:
		return "none"
	case PadModePush:
		return "push"
	case PadModePull:
		return "pull"
	default:
		return "unknown"
	}
}

type PadLinkReturn int

const (
	PadLinkOK             PadLinkReturn = 0
	PadLinkWrongHierarchy PadLinkReturn = -1
	PadLinkWasLinked      PadLinkReturn = -2
	PadLinkWrongDirection PadLinkReturn = -3
	PadLinkNoCaps         PadLinkReturn = -4
	PadLinkNoSched        PadLinkReturn = -5
	PadLinkRefused        PadLinkReturn = -6
)

func (r PadLinkReturn) String() string {
	switch r {
	case PadLinkOK:
		return "ok"
	case PadLinkWrongHierarchy:
		return "wrong hierarchy"
	case PadLinkWasLinked:
		return "was linked"
	case PadLinkWrongDirection:
		return "wrong direction"
	case PadLinkNoCaps:
		return "no common caps"
	case PadLinkNoSched:
		return "incompatible scheduling"
	case PadLinkRefused:
		return "refused"
	default:
		return "unknown"
	}
}

type PadLinkCheck int

const (
	PadLinkCheckNothing   PadLinkCheck = 0
	PadLinkCheckHierarchy PadLinkCheck = 1 << 0
	PadLinkCheckTemplate  PadLinkCheck = 1 << 1
	PadLinkCheckCaps      PadLinkCheck = 1 << 2

	PadLinkCheckDefault = PadLinkCheckHierarchy | PadLinkCheckCaps
)

type Format int

const (
	FormatUndefined Format = iota
	FormatDefault
	FormatBytes
	FormatTime
	FormatBuffers
	FormatPercent
)

func (f Format) String() string {
	switch f {
	case FormatUndefined:
		return "undefined"
	case FormatDefault:
		return "default"
	case FormatBytes:
		return "bytes"
	case FormatTime:
		return "time"
	case FormatBuffers:
		return "buffers"
	case FormatPercent:
		return "percent"
	default:
		return "unknown"
	}
}
