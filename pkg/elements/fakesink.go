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

	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/base"
	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

var fakeSinkTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny()),
}

var fakeSinkFactory = &gst.ElementFactory{
	Name:        "fakesink",
	LongName:    "Fake Sink",
	Klass:       "Sink",
	Description: "Black hole for data",
	Author:      "LiveKit",
	Rank:        gst.RankNone,
	Templates:   fakeSinkTemplates,
	New:         func(name string) gst.Element { return NewFakeSink(name) },
}

// FakeSink drops everything it receives. Tests count buffers through its
// handoff.
type FakeSink struct {
	base.Sink

	mu             sync.Mutex
	handoff        func(*buffer.Buffer)
	prerollHandoff func(*buffer.Buffer)
	count          atomic.Int64
}

func NewFakeSink(name string) *FakeSink {
	s := &FakeSink{}
	s.InitSink(s, s, name, fakeSinkTemplates...)

	s.Properties().Install(
		&gst.ParamSpec{
			Name: "silent", Blurb: "Don't log handoffs",
			Type: gst.ParamBool, Default: true,
		},
		&gst.ParamSpec{
			Name: "signal-handoffs", Blurb: "Send a signal before unreffing the buffer",
			Type: gst.ParamBool, Default: false,
		},
		&gst.ParamSpec{
			Name: "num-buffers", Blurb: "Number of buffers to accept going EOS (-1 = unlimited)",
			Type: gst.ParamInt, Default: -1, Min: -1, Max: 1 << 31,
		},
	)
	_ = s.SetProperty("sync", false)
	return s
}

func (s *FakeSink) OnHandoff(f func(*buffer.Buffer)) {
	s.mu.Lock()
	s.handoff = f
	s.mu.Unlock()
}

func (s *FakeSink) OnPrerollHandoff(f func(*buffer.Buffer)) {
	s.mu.Lock()
	s.prerollHandoff = f
	s.mu.Unlock()
}

// Count is the number of buffers rendered since the last READY.
func (s *FakeSink) Count() int64 {
	return s.count.Load()
}

func (s *FakeSink) Start() error {
	s.count.Store(0)
	return nil
}

func (s *FakeSink) Stop() error {
	return nil
}

func (s *FakeSink) Preroll(buf *buffer.Buffer) gst.FlowReturn {
	s.mu.Lock()
	f := s.prerollHandoff
	s.mu.Unlock()
	if f != nil && s.Properties().GetBool("signal-handoffs") {
		f(buf)
	}
	return gst.FlowOK
}

func (s *FakeSink) Render(buf *buffer.Buffer) gst.FlowReturn {
	if n := s.Properties().GetInt("num-buffers"); n >= 0 && s.count.Load() >= int64(n) {
		return gst.FlowEOS
	}
	s.count.Inc()

	if !s.Properties().GetBool("silent") {
		s.Logger().Debugw("chain", "buffer", buf.String())
	}

	s.mu.Lock()
	f := s.handoff
	s.mu.Unlock()
	if f != nil && s.Properties().GetBool("signal-handoffs") {
		f(buf)
	}
	return gst.FlowOK
}
