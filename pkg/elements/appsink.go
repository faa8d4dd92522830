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

var appSinkTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny()),
}

var appSinkFactory = &gst.ElementFactory{
	Name:        "appsink",
	LongName:    "AppSink",
	Klass:       "Generic/Sink",
	Description: "Allow the application to get access to raw buffer",
	Author:      "LiveKit",
	Rank:        gst.RankNone,
	Templates:   appSinkTemplates,
	New:         func(name string) gst.Element { return NewAppSink(name) },
}

// Sample is a buffer together with the caps and segment it was received in.
type Sample struct {
	Buffer  *buffer.Buffer
	Caps    *caps.Caps
	Segment *gst.Segment
}

// AppSinkCallbacks are called from the streaming thread.
type AppSinkCallbacks struct {
	// NewSample is called after a sample was queued.
	NewSample func(sink *AppSink) gst.FlowReturn
	EOS       func(sink *AppSink)
}

// AppSink hands the buffers reaching it to the application.
type AppSink struct {
	base.Sink

	mu        sync.Mutex
	signal    chan struct{}
	queue     []*Sample
	caps      *caps.Caps
	eos       bool
	flushing  bool
	callbacks AppSinkCallbacks
}

func NewAppSink(name string) *AppSink {
	s := &AppSink{
		signal: make(chan struct{}),
	}
	s.InitSink(s, s, name, appSinkTemplates...)
	s.Properties().Install(
		&gst.ParamSpec{
			Name: "max-buffers", Blurb: "The maximum number of buffers to queue internally (0 = unlimited)",
			Type: gst.ParamInt, Default: 0, Min: 0, Max: 1 << 30,
		},
		&gst.ParamSpec{
			Name: "drop", Blurb: "Drop old buffers when the buffer queue is filled",
			Type: gst.ParamBool, Default: false,
		},
		&gst.ParamSpec{
			Name: "eos", Blurb: "Check if the sink is EOS or not started",
			Type: gst.ParamBool, Default: true, Flags: gst.ParamReadable,
		},
	)
	return s
}

func (s *AppSink) SetCallbacks(cb AppSinkCallbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

func (s *AppSink) signalLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *AppSink) setEOSLocked(eos bool) {
	s.eos = eos
	s.Properties().SetInternal("eos", eos)
}

// IsEOS reports whether the sink received EOS and the queue is drained.
func (s *AppSink) IsEOS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos && len(s.queue) == 0
}

// PullSample blocks until a sample is available or the sink is EOS or
// stopped, in which case it returns nil.
func (s *AppSink) PullSample() *Sample {
	return s.TryPullSample(-1)
}

// TryPullSample is PullSample with a timeout. A negative timeout waits
// forever.
func (s *AppSink) TryPullSample(timeout time.Duration) *Sample {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.queue) > 0 {
			sample := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.signalLocked()
			return sample
		}
		if s.eos || s.flushing {
			return nil
		}

		ch := s.signal
		s.mu.Unlock()
		select {
		case <-ch:
			s.mu.Lock()
		case <-deadline:
			s.mu.Lock()
			if len(s.queue) == 0 {
				return nil
			}
		}
	}
}

func (s *AppSink) Start() error {
	s.mu.Lock()
	s.flushing = false
	s.setEOSLocked(false)
	s.mu.Unlock()
	return nil
}

func (s *AppSink) Stop() error {
	s.mu.Lock()
	s.flushing = true
	s.setEOSLocked(true)
	s.clearLocked()
	s.caps = nil
	s.signalLocked()
	s.mu.Unlock()
	return nil
}

func (s *AppSink) ChangeState(transition gst.StateChange) gst.StateChangeReturn {
	if transition == gst.ReadyToPaused {
		s.mu.Lock()
		s.flushing = false
		s.setEOSLocked(false)
		s.mu.Unlock()
	}

	ret := s.Sink.ChangeState(transition)

	if transition == gst.PausedToReady {
		// pullers must not block on a stopped sink
		s.mu.Lock()
		s.clearLocked()
		s.setEOSLocked(true)
		s.signalLocked()
		s.mu.Unlock()
	}
	return ret
}

func (s *AppSink) clearLocked() {
	for _, sample := range s.queue {
		sample.Buffer.Unref()
	}
	s.queue = nil
}

func (s *AppSink) Unlock() {
	s.mu.Lock()
	s.flushing = true
	s.signalLocked()
	s.mu.Unlock()
}

func (s *AppSink) UnlockStop() {
	s.mu.Lock()
	s.flushing = false
	s.mu.Unlock()
}

func (s *AppSink) SetCaps(c *caps.Caps) bool {
	s.mu.Lock()
	s.caps = c
	s.mu.Unlock()
	return true
}

func (s *AppSink) Event(ev *gst.Event) (bool, bool) {
	switch ev.Type {
	case gst.EventFlushStop:
		s.mu.Lock()
		s.clearLocked()
		s.setEOSLocked(false)
		s.mu.Unlock()

	case gst.EventEOS:
		s.mu.Lock()
		s.setEOSLocked(true)
		s.signalLocked()
		cb := s.callbacks.EOS
		s.mu.Unlock()
		if cb != nil {
			cb(s)
		}
	}
	return false, false
}

func (s *AppSink) Render(buf *buffer.Buffer) gst.FlowReturn {
	s.mu.Lock()
	max := s.Properties().GetInt("max-buffers")
	for max > 0 && len(s.queue) >= max {
		if s.flushing {
			s.mu.Unlock()
			return gst.FlowFlushing
		}
		if s.Properties().GetBool("drop") {
			s.queue[0].Buffer.Unref()
			s.queue = s.queue[1:]
			break
		}
		ch := s.signal
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	if s.flushing {
		s.mu.Unlock()
		return gst.FlowFlushing
	}

	s.queue = append(s.queue, &Sample{
		Buffer:  buf.Ref(),
		Caps:    s.caps,
		Segment: s.Segment(),
	})
	s.signalLocked()
	cb := s.callbacks.NewSample
	s.mu.Unlock()

	if cb != nil {
		return cb(s)
	}
	return gst.FlowOK
}
