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
	"strings"
	"time"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
	"github.com/livekit/gstcore/pkg/errors"
)

type MessageType uint32

const (
	MessageUnknown MessageType = 0
	MessageEOS     MessageType = 1 << (iota - 1)
	MessageError
	MessageWarning
	MessageInfo
	MessageTag
	MessageBuffering
	MessageStateChanged
	MessageClockLost
	MessageNewClock
	MessageApplication
	MessageElement
	MessageSegmentDone
	MessageDurationChanged
	MessageLatency
	MessageAsyncStart
	MessageAsyncDone
	MessageRequestState
	MessageStreamStart

	MessageAny MessageType = ^MessageType(0)
)

var messageNames = map[MessageType]string{
	MessageEOS:             "eos",
	MessageError:           "error",
	MessageWarning:         "warning",
	MessageInfo:            "info",
	MessageTag:             "tag",
	MessageBuffering:       "buffering",
	MessageStateChanged:    "state-changed",
	MessageClockLost:       "clock-lost",
	MessageNewClock:        "new-clock",
	MessageApplication:     "application",
	MessageElement:         "element",
	MessageSegmentDone:     "segment-done",
	MessageDurationChanged: "duration-changed",
	MessageLatency:         "latency",
	MessageAsyncStart:      "async-start",
	MessageAsyncDone:       "async-done",
	MessageRequestState:    "request-state",
	MessageStreamStart:     "stream-start",
}

func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	var names []string
	for bit := MessageType(1); bit != 0 && bit <= MessageStreamStart; bit <<= 1 {
		if t&bit != 0 {
			names = append(names, messageNames[bit])
		}
	}
	if len(names) == 0 {
		return "unknown"
	}
	return strings.Join(names, "+")
}

// Message is a notification posted by an element for the application.
type Message struct {
	Type      MessageType
	Src       Element
	Seqnum    uint32
	Timestamp time.Time
	Structure *caps.Structure

	gerr        *errors.GError
	oldState    State
	newState    State
	pending     State
	tags        *TagList
	clock       clock.Clock
	runningTime time.Duration
	format      Format
	position    time.Duration
	percent     int
}

func newMessage(t MessageType, src Element) *Message {
	return &Message{
		Type:        t,
		Src:         src,
		Seqnum:      NextSeqnum(),
		Timestamp:   time.Now(),
		runningTime: clock.None,
	}
}

// SrcName is the name of the posting element, or an empty string.
func (m *Message) SrcName() string {
	if m.Src == nil {
		return ""
	}
	return m.Src.Name()
}

func NewEOSMessage(src Element) *Message {
	return newMessage(MessageEOS, src)
}

func NewErrorMessage(src Element, gerr *errors.GError) *Message {
	m := newMessage(MessageError, src)
	m.gerr = gerr
	return m
}

func NewWarningMessage(src Element, gerr *errors.GError) *Message {
	m := newMessage(MessageWarning, src)
	m.gerr = gerr
	return m
}

func NewInfoMessage(src Element, gerr *errors.GError) *Message {
	m := newMessage(MessageInfo, src)
	m.gerr = gerr
	return m
}

func NewTagMessage(src Element, tags *TagList) *Message {
	m := newMessage(MessageTag, src)
	m.tags = tags
	return m
}

func NewBufferingMessage(src Element, percent int) *Message {
	m := newMessage(MessageBuffering, src)
	m.percent = percent
	return m
}

func NewStateChangedMessage(src Element, old, new, pending State) *Message {
	m := newMessage(MessageStateChanged, src)
	m.oldState = old
	m.newState = new
	m.pending = pending
	return m
}

func NewClockLostMessage(src Element, c clock.Clock) *Message {
	m := newMessage(MessageClockLost, src)
	m.clock = c
	return m
}

func NewNewClockMessage(src Element, c clock.Clock) *Message {
	m := newMessage(MessageNewClock, src)
	m.clock = c
	return m
}

func NewApplicationMessage(src Element, s *caps.Structure) *Message {
	m := newMessage(MessageApplication, src)
	m.Structure = s
	return m
}

func NewElementMessage(src Element, s *caps.Structure) *Message {
	m := newMessage(MessageElement, src)
	m.Structure = s
	return m
}

func NewSegmentDoneMessage(src Element, format Format, position time.Duration) *Message {
	m := newMessage(MessageSegmentDone, src)
	m.format = format
	m.position = position
	return m
}

func NewDurationChangedMessage(src Element) *Message {
	return newMessage(MessageDurationChanged, src)
}

func NewLatencyMessage(src Element) *Message {
	return newMessage(MessageLatency, src)
}

func NewAsyncStartMessage(src Element) *Message {
	return newMessage(MessageAsyncStart, src)
}

// NewAsyncDoneMessage completes an async state change. A valid running time
// asks the pipeline to restart its running time from that value.
func NewAsyncDoneMessage(src Element, runningTime time.Duration) *Message {
	m := newMessage(MessageAsyncDone, src)
	m.runningTime = runningTime
	return m
}

func NewRequestStateMessage(src Element, state State) *Message {
	m := newMessage(MessageRequestState, src)
	m.newState = state
	return m
}

func NewStreamStartMessage(src Element) *Message {
	return newMessage(MessageStreamStart, src)
}

func (m *Message) ParseError() *errors.GError {
	if m.Type != MessageError {
		return nil
	}
	return m.gerr
}

func (m *Message) ParseWarning() *errors.GError {
	if m.Type != MessageWarning {
		return nil
	}
	return m.gerr
}

func (m *Message) ParseInfo() *errors.GError {
	if m.Type != MessageInfo {
		return nil
	}
	return m.gerr
}

func (m *Message) ParseTag() *TagList {
	return m.tags
}

func (m *Message) ParseBuffering() int {
	return m.percent
}

func (m *Message) ParseStateChanged() (State, State, State) {
	return m.oldState, m.newState, m.pending
}

func (m *Message) ParseClock() clock.Clock {
	return m.clock
}

func (m *Message) ParseSegmentDone() (Format, time.Duration) {
	return m.format, m.position
}

func (m *Message) ParseAsyncDone() time.Duration {
	return m.runningTime
}

func (m *Message) ParseRequestState() State {
	return m.newState
}

func (m *Message) String() string {
	switch m.Type {
	case MessageError, MessageWarning, MessageInfo:
		return fmt.Sprintf("%s from %s: %s", m.Type, m.SrcName(), m.gerr)
	case MessageStateChanged:
		return fmt.Sprintf("%s from %s: %s -> %s (pending %s)",
			m.Type, m.SrcName(), m.oldState, m.newState, m.pending)
	default:
		return fmt.Sprintf("%s from %s", m.Type, m.SrcName())
	}
}
