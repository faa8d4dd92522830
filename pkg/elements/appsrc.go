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

	"github.com/livekit/gstcore/pkg/base"
	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

var appSrcTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny()),
}

var appSrcFactory = &gst.ElementFactory{
	Name:        "appsrc",
	LongName:    "AppSrc",
	Klass:       "Generic/Source",
	Description: "Allow the application to feed buffers to a pipeline",
	Author:      "LiveKit",
	Rank:        gst.RankNone,
	Templates:   appSrcTemplates,
	New:         func(name string) gst.Element { return NewAppSrc(name) },
}

// AppSrcCallbacks are called from the streaming thread.
type AppSrcCallbacks struct {
	// NeedData is called when the internal queue runs empty.
	NeedData func(src *AppSrc, length uint)
	// EnoughData is called when the internal queue is full.
	EnoughData func(src *AppSrc)
}

// AppSrc feeds buffers pushed by the application into the pipeline.
type AppSrc struct {
	base.Src

	mu        sync.Mutex
	signal    chan struct{}
	queue     []*buffer.Buffer
	bytes     uint64
	eos       bool
	flushing  bool
	started   bool
	callbacks AppSrcCallbacks
	needData  bool
}

func NewAppSrc(name string) *AppSrc {
	s := &AppSrc{
		signal: make(chan struct{}),
	}
	s.InitSrc(s, s, name, appSrcTemplates...)

	s.Properties().Install(
		&gst.ParamSpec{
			Name: "caps", Blurb: "The allowed caps for the src pad",
			Type: gst.ParamCaps,
		},
		&gst.ParamSpec{
			Name: "is-live", Blurb: "Whether to act as a live source",
			Type: gst.ParamBool, Default: false, MutableState: gst.StateReady,
		},
		&gst.ParamSpec{
			Name: "format", Blurb: "The format of the segment events and seek",
			Type: gst.ParamEnum, Default: int(gst.FormatBytes), MutableState: gst.StateReady,
			Enum: []gst.EnumValue{
				{Value: int(gst.FormatBytes), Name: "GST_FORMAT_BYTES", Nick: "bytes"},
				{Value: int(gst.FormatTime), Name: "GST_FORMAT_TIME", Nick: "time"},
			},
		},
		&gst.ParamSpec{
			Name: "max-bytes", Blurb: "The maximum number of bytes to queue internally (0 = unlimited)",
			Type: gst.ParamUint64, Default: uint64(200000),
		},
		&gst.ParamSpec{
			Name: "block", Blurb: "Block push-buffer when max-bytes are queued",
			Type: gst.ParamBool, Default: false,
		},
	)
	s.Properties().OnNotify("is-live", func(v any) { s.SetLive(v.(bool)) })
	s.Properties().OnNotify("format", func(v any) { s.SetFormat(gst.Format(v.(int))) })
	s.Properties().OnNotify("caps", func(any) { s.Renegotiate() })
	return s
}

func (s *AppSrc) SetCallbacks(cb AppSrcCallbacks) {
	s.mu.Lock()
	s.callbacks = cb
	s.mu.Unlock()
}

func (s *AppSrc) signalLocked() {
	close(s.signal)
	s.signal = make(chan struct{})
}

func (s *AppSrc) waitLocked() {
	ch := s.signal
	s.mu.Unlock()
	<-ch
	s.mu.Lock()
}

// PushBuffer queues buf for the streaming thread and takes ownership of
// it. It returns FLUSHING when the element is not running and EOS after
// EndOfStream.
func (s *AppSrc) PushBuffer(buf *buffer.Buffer) gst.FlowReturn {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		switch {
		case !s.started || s.flushing:
			buf.Unref()
			return gst.FlowFlushing
		case s.eos:
			buf.Unref()
			return gst.FlowEOS
		}

		max := s.Properties().GetUint64("max-bytes")
		if max == 0 || s.bytes < max {
			break
		}
		if cb := s.callbacks.EnoughData; cb != nil {
			s.mu.Unlock()
			cb(s)
			s.mu.Lock()
		}
		if !s.Properties().GetBool("block") {
			break
		}
		s.waitLocked()
	}

	s.queue = append(s.queue, buf)
	s.bytes += uint64(buf.Size())
	s.signalLocked()
	return gst.FlowOK
}

// EndOfStream makes the source send EOS once the queued buffers are out.
func (s *AppSrc) EndOfStream() gst.FlowReturn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.flushing {
		return gst.FlowFlushing
	}
	s.eos = true
	s.signalLocked()
	return gst.FlowOK
}

// CurrentLevelBytes is the number of bytes queued.
func (s *AppSrc) CurrentLevelBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

func (s *AppSrc) Start() error {
	s.mu.Lock()
	s.started = true
	s.flushing = false
	s.eos = false
	s.needData = true
	s.mu.Unlock()
	return nil
}

func (s *AppSrc) Stop() error {
	s.mu.Lock()
	s.started = false
	s.flushQueueLocked()
	s.signalLocked()
	s.mu.Unlock()
	return nil
}

func (s *AppSrc) flushQueueLocked() {
	for _, buf := range s.queue {
		buf.Unref()
	}
	s.queue = nil
	s.bytes = 0
}

func (s *AppSrc) Unlock() {
	s.mu.Lock()
	s.flushing = true
	s.signalLocked()
	s.mu.Unlock()
}

func (s *AppSrc) UnlockStop() {
	s.mu.Lock()
	s.flushing = false
	s.mu.Unlock()
}

func (s *AppSrc) Fixate(c *caps.Caps) *caps.Caps {
	return c.Fixate()
}

func (s *AppSrc) SetCaps(*caps.Caps) bool {
	return true
}

// Query answers caps queries with the caps property when it is set.
func (s *AppSrc) SrcQuery(q *gst.Query) bool {
	if q.Type != gst.QueryCaps {
		return false
	}
	c := s.Properties().GetCaps("caps")
	if c == nil {
		return false
	}
	if filter := q.ParseCaps(); filter != nil {
		c = filter.IntersectFirst(c)
	}
	q.SetCapsResult(c)
	return true
}

func (s *AppSrc) Create(_ uint64, _ int) (*buffer.Buffer, gst.FlowReturn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.flushing {
			return nil, gst.FlowFlushing
		}
		if len(s.queue) > 0 {
			buf := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.bytes -= uint64(buf.Size())
			s.needData = true
			s.signalLocked()
			return buf, gst.FlowOK
		}
		if s.eos {
			return nil, gst.FlowEOS
		}

		if cb := s.callbacks.NeedData; cb != nil && s.needData {
			s.needData = false
			s.mu.Unlock()
			cb(s, uint(s.Properties().GetUint64("blocksize")))
			s.mu.Lock()
			continue
		}
		s.waitLocked()
	}
}
