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
	"sync"

	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

// FlowDropped is returned by a transform function to drop the buffer
// without an error.
const FlowDropped = gst.FlowCustomSuccess

type TransformInPlace interface {
	TransformIP(buf *buffer.Buffer) gst.FlowReturn
}

type TransformCopier interface {
	TransformBuffer(in *buffer.Buffer) (*buffer.Buffer, gst.FlowReturn)
}

// TransformCapsHandler maps caps from one side of the element to the
// other. direction is the direction of the pad c belongs to.
type TransformCapsHandler interface {
	TransformCaps(direction gst.PadDirection, c *caps.Caps) *caps.Caps
}

type TransformSetCaps interface {
	SetCaps(in, out *caps.Caps) bool
}

type TransformEventHandler interface {
	SinkEvent(ev *gst.Event) (handled bool, result bool)
}

// Transform is the base of one sink pad, one src pad filters. Without a
// transform function buffers pass through untouched.
type Transform struct {
	gst.BaseElement

	impl    any
	sinkPad *gst.Pad
	srcPad  *gst.Pad

	passthrough atomic.Bool

	mu      sync.Mutex
	inCaps  *caps.Caps
	outCaps *caps.Caps
}

func (t *Transform) InitTransform(self gst.Element, impl any, name string, templates ...*gst.PadTemplate) {
	t.Init(self, name, templates...)
	t.impl = impl

	sinkTempl := t.PadTemplate("sink")
	if sinkTempl == nil {
		sinkTempl = gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny())
	}
	srcTempl := t.PadTemplate("src")
	if srcTempl == nil {
		srcTempl = gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny())
	}

	t.sinkPad = gst.NewPadFromTemplate(sinkTempl, "sink")
	t.sinkPad.SetChainFunction(t.chain)
	t.sinkPad.SetEventFunction(t.sinkEvent)
	t.sinkPad.SetQueryFunction(t.query)

	t.srcPad = gst.NewPadFromTemplate(srcTempl, "src")
	t.srcPad.SetGetRangeFunction(t.getRange)
	t.srcPad.SetActivateModeFunction(t.srcActivateMode)
	t.srcPad.SetQueryFunction(t.query)
	t.srcPad.SetFlags(gst.PadFlagProxyScheduling)

	if _, ok := impl.(TransformCapsHandler); !ok {
		t.sinkPad.SetFlags(gst.PadFlagProxyCaps)
		t.srcPad.SetFlags(gst.PadFlagProxyCaps)
	}

	_ = t.AddPad(t.sinkPad)
	_ = t.AddPad(t.srcPad)

	_, ip := impl.(TransformInPlace)
	_, cp := impl.(TransformCopier)
	t.passthrough.Store(!ip && !cp)
}

func (t *Transform) SinkPad() *gst.Pad {
	return t.sinkPad
}

func (t *Transform) SrcPad() *gst.Pad {
	return t.srcPad
}

// SetPassthrough makes the element push buffers unchanged.
func (t *Transform) SetPassthrough(passthrough bool) {
	t.passthrough.Store(passthrough)
}

func (t *Transform) IsPassthrough() bool {
	return t.passthrough.Load()
}

func (t *Transform) ChangeState(transition gst.StateChange) gst.StateChangeReturn {
	ret := t.BaseElement.ChangeState(transition)
	if transition == gst.PausedToReady {
		t.mu.Lock()
		t.inCaps = nil
		t.outCaps = nil
		t.mu.Unlock()
	}
	return ret
}

// ----- Data -----

func (t *Transform) process(in *buffer.Buffer) (*buffer.Buffer, gst.FlowReturn) {
	if t.passthrough.Load() {
		return in, gst.FlowOK
	}

	if ip, ok := t.impl.(TransformInPlace); ok {
		buf := in.MakeWritable()
		if ret := ip.TransformIP(buf); ret != gst.FlowOK {
			buf.Unref()
			return nil, ret
		}
		return buf, gst.FlowOK
	}

	if tr, ok := t.impl.(TransformCopier); ok {
		out, ret := tr.TransformBuffer(in)
		in.Unref()
		if ret != gst.FlowOK {
			if out != nil {
				out.Unref()
			}
			return nil, ret
		}
		return out, gst.FlowOK
	}

	return in, gst.FlowOK
}

func (t *Transform) chain(_ *gst.Pad, _ gst.Element, buf *buffer.Buffer) gst.FlowReturn {
	out, ret := t.process(buf)
	switch {
	case ret == FlowDropped:
		return gst.FlowOK
	case ret != gst.FlowOK:
		return ret
	}
	return t.srcPad.Push(out)
}

func (t *Transform) getRange(_ *gst.Pad, _ gst.Element, offset uint64, size int) (*buffer.Buffer, gst.FlowReturn) {
	for {
		buf, ret := t.sinkPad.PullRange(offset, size)
		if ret != gst.FlowOK {
			return nil, ret
		}
		if buf == nil {
			continue
		}
		n := buf.Size()
		out, ret := t.process(buf)
		if ret == FlowDropped {
			offset += uint64(n)
			continue
		}
		return out, ret
	}
}

func (t *Transform) srcActivateMode(_ *gst.Pad, _ gst.Element, mode gst.PadMode, active bool) bool {
	if mode != gst.PadModePull {
		return true
	}
	return t.sinkPad.ActivateMode(gst.PadModePull, active)
}

// ----- Events and queries -----

func (t *Transform) sinkEvent(pad *gst.Pad, parent gst.Element, ev *gst.Event) bool {
	if h, ok := t.impl.(TransformEventHandler); ok {
		if handled, res := h.SinkEvent(ev); handled {
			return res
		}
	}

	if ev.Type == gst.EventCaps {
		return t.setCaps(ev.ParseCaps())
	}
	return gst.DefaultEvent(pad, parent, ev)
}

// setCaps picks output caps for in and sends them downstream.
func (t *Transform) setCaps(in *caps.Caps) bool {
	out := in
	if h, ok := t.impl.(TransformCapsHandler); ok {
		possible := h.TransformCaps(gst.PadSink, in)
		possible = possible.Intersect(t.srcPad.TemplateCaps())
		peer := t.srcPad.PeerQueryCaps(possible)
		if peer.IsEmpty() {
			t.Logger().Debugw("no output caps", "in", in.String())
			return false
		}
		out = peer.Fixate()
	}

	if h, ok := t.impl.(TransformSetCaps); ok && !h.SetCaps(in, out) {
		return false
	}

	t.mu.Lock()
	t.inCaps = in
	t.outCaps = out
	t.mu.Unlock()

	return t.srcPad.PushEvent(gst.NewCapsEvent(out))
}

func (t *Transform) query(pad *gst.Pad, parent gst.Element, q *gst.Query) bool {
	h, ok := t.impl.(TransformCapsHandler)
	if !ok {
		return gst.DefaultQuery(pad, parent, q)
	}

	switch q.Type {
	case gst.QueryCaps:
		other := t.otherPad(pad)
		peer := other.PeerQueryCaps(nil).Intersect(other.TemplateCaps())
		result := h.TransformCaps(other.Direction(), peer).Intersect(pad.TemplateCaps())
		if filter := q.ParseCaps(); filter != nil {
			result = filter.IntersectFirst(result)
		}
		q.SetCapsResult(result)
		return true

	case gst.QueryAcceptCaps:
		other := t.otherPad(pad)
		allowed := h.TransformCaps(other.Direction(), other.TemplateCaps()).Intersect(pad.TemplateCaps())
		c := q.ParseAcceptCaps()
		q.SetAcceptCapsResult(c != nil && c.CanIntersect(allowed))
		return true

	default:
		return gst.DefaultQuery(pad, parent, q)
	}
}

func (t *Transform) otherPad(pad *gst.Pad) *gst.Pad {
	if pad == t.sinkPad {
		return t.srcPad
	}
	return t.sinkPad
}
