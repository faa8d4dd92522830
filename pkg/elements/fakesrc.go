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

package elements

import (
	"sync"
	"time"

	"github.com/livekit/gstcore/pkg/base"
	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

const (
	fillNothing = iota
	fillZero
	fillPattern
)

var fakeSrcTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny()),
}

var fakeSrcFactory = &gst.ElementFactory{
	Name:        "fakesrc",
	LongName:    "Fake Source",
	Klass:       "Source",
	Description: "Push empty (no data) buffers around",
	Author:      "LiveKit",
	Rank:        gst.RankNone,
	Templates:   fakeSrcTemplates,
	New:         func(name string) gst.Element { return NewFakeSrc(name) },
}

// FakeSrc produces buffers of blocksize bytes. With a datarate it
// timestamps them as if the bytes were played at that rate.
type FakeSrc struct {
	base.Src

	mu      sync.Mutex
	handoff func(*buffer.Buffer)
	bytes   uint64
}

func NewFakeSrc(name string) *FakeSrc {
	s := &FakeSrc{}
	s.InitSrc(s, s, name, fakeSrcTemplates...)

	s.Properties().Install(
		&gst.ParamSpec{
			Name: "is-live", Blurb: "True if the element cannot produce data in PAUSED",
			Type: gst.ParamBool, Default: false, MutableState: gst.StateReady,
		},
		&gst.ParamSpec{
			Name: "format", Blurb: "The format of the segment events",
			Type: gst.ParamEnum, Default: int(gst.FormatBytes), MutableState: gst.StateReady,
			Enum: []gst.EnumValue{
				{Value: int(gst.FormatBytes), Name: "GST_FORMAT_BYTES", Nick: "bytes"},
				{Value: int(gst.FormatTime), Name: "GST_FORMAT_TIME", Nick: "time"},
			},
		},
		&gst.ParamSpec{
			Name: "filltype", Blurb: "How to fill the buffer, if at all",
			Type: gst.ParamEnum, Default: fillNothing,
			Enum: []gst.EnumValue{
				{Value: fillNothing, Name: "FAKE_SRC_FILLTYPE_NOTHING", Nick: "nothing"},
				{Value: fillZero, Name: "FAKE_SRC_FILLTYPE_ZERO", Nick: "zero"},
				{Value: fillPattern, Name: "FAKE_SRC_FILLTYPE_PATTERN", Nick: "pattern"},
			},
		},
		&gst.ParamSpec{
			Name: "datarate", Blurb: "Timestamps buffers with number of bytes per second (0 = none)",
			Type: gst.ParamInt, Default: 0, Min: 0, Max: 1 << 31,
		},
		&gst.ParamSpec{
			Name: "can-activate-pull", Blurb: "Can activate in pull mode",
			Type: gst.ParamBool, Default: false, MutableState: gst.StateReady,
		},
		&gst.ParamSpec{
			Name: "signal-handoffs", Blurb: "Send a signal before pushing the buffer",
			Type: gst.ParamBool, Default: false,
		},
	)
	s.Properties().OnNotify("is-live", func(v any) { s.SetLive(v.(bool)) })
	s.Properties().OnNotify("format", func(v any) { s.SetFormat(gst.Format(v.(int))) })
	return s
}

// OnHandoff sets a function called with every buffer before it is pushed,
// when signal-handoffs is set.
func (s *FakeSrc) OnHandoff(f func(*buffer.Buffer)) {
	s.mu.Lock()
	s.handoff = f
	s.mu.Unlock()
}

func (s *FakeSrc) Start() error {
	s.mu.Lock()
	s.bytes = 0
	s.mu.Unlock()
	return nil
}

func (s *FakeSrc) Stop() error {
	return nil
}

func (s *FakeSrc) IsSeekable() bool {
	return s.Properties().GetBool("can-activate-pull")
}

func (s *FakeSrc) DoSeek(seg *gst.Segment) bool {
	if seg.Format == gst.FormatBytes {
		s.mu.Lock()
		s.bytes = uint64(seg.Start)
		s.mu.Unlock()
	}
	return true
}

func (s *FakeSrc) Create(offset uint64, size int) (*buffer.Buffer, gst.FlowReturn) {
	buf := buffer.NewSize(size)
	switch s.Properties().GetEnum("filltype") {
	case fillPattern:
		data := buf.WritableBytes()
		for i := range data {
			data[i] = byte(i)
		}
	case fillZero:
		clear(buf.WritableBytes())
	}

	s.mu.Lock()
	start := s.bytes
	s.bytes += uint64(size)
	handoff := s.handoff
	s.mu.Unlock()

	if rate := s.Properties().GetInt("datarate"); rate > 0 {
		buf.PTS = time.Duration(float64(start) * float64(time.Second) / float64(rate))
		buf.Duration = time.Duration(float64(size) * float64(time.Second) / float64(rate))
	}
	buf.Offset = offset

	if handoff != nil && s.Properties().GetBool("signal-handoffs") {
		handoff(buf)
	}
	return buf, gst.FlowOK
}
