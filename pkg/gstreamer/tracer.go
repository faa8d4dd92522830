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
	"sync"

	"go.uber.org/zap"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/protocol/logger"
)

// Tracer observes a pipeline from inside the streaming threads. Hooks must
// not block.
type Tracer interface {
	PadPushPre(pad *Pad, buf *buffer.Buffer)
	PadPushPost(pad *Pad, ret FlowReturn)
	PadPushEventPre(pad *Pad, ev *Event)
	PadPushEventPost(pad *Pad, res bool)
	PadQueryPre(pad *Pad, q *Query)
	PadQueryPost(pad *Pad, q *Query, res bool)
	PadLinkPost(src, sink *Pad, ret PadLinkReturn)
	ElementChangeStatePre(e Element, transition StateChange)
	ElementChangeStatePost(e Element, transition StateChange, ret StateChangeReturn)
	ElementPostMessage(e Element, msg *Message)
}

// BaseTracer implements every hook as a no-op.
type BaseTracer struct{}

func (BaseTracer) PadPushPre(*Pad, *buffer.Buffer)                                {}
func (BaseTracer) PadPushPost(*Pad, FlowReturn)                                   {}
func (BaseTracer) PadPushEventPre(*Pad, *Event)                                   {}
func (BaseTracer) PadPushEventPost(*Pad, bool)                                    {}
func (BaseTracer) PadQueryPre(*Pad, *Query)                                       {}
func (BaseTracer) PadQueryPost(*Pad, *Query, bool)                                {}
func (BaseTracer) PadLinkPost(*Pad, *Pad, PadLinkReturn)                          {}
func (BaseTracer) ElementChangeStatePre(Element, StateChange)                     {}
func (BaseTracer) ElementChangeStatePost(Element, StateChange, StateChangeReturn) {}
func (BaseTracer) ElementPostMessage(Element, *Message)                           {}

// LogTracer logs state changes, links, messages and flow errors.
type LogTracer struct {
	BaseTracer
	logger *zap.SugaredLogger
}

func NewLogTracer() *LogTracer {
	l := zap.NewNop().Sugar()
	if zl, ok := logger.GetLogger().(logger.ZapLogger); ok {
		l = zl.ToZap().WithOptions(zap.WithCaller(false))
	}
	return &LogTracer{logger: l.With("tracer", "log")}
}

func (t *LogTracer) PadPushPost(pad *Pad, ret FlowReturn) {
	if ret != FlowOK {
		t.logger.Debugw("push returned", "pad", pad.String(), "flow", ret.String())
	}
}

func (t *LogTracer) PadLinkPost(src, sink *Pad, ret PadLinkReturn) {
	t.logger.Debugw("link", "src", src.String(), "sink", sink.String(), "result", ret.String())
}

func (t *LogTracer) ElementChangeStatePost(e Element, transition StateChange, ret StateChangeReturn) {
	t.logger.Debugw("state change", "element", e.Name(), "transition", transition.String(), "result", ret.String())
}

func (t *LogTracer) ElementPostMessage(e Element, msg *Message) {
	t.logger.Debugw("message", "element", e.Name(), "type", msg.Type.String())
}

// tracerSet is an immutable list of tracers shared by all elements of a
// pipeline. All methods accept a nil set.
type tracerSet struct {
	tracers []Tracer
}

func (s *tracerSet) with(t Tracer) *tracerSet {
	next := &tracerSet{}
	if s != nil {
		next.tracers = append(next.tracers, s.tracers...)
	}
	next.tracers = append(next.tracers, t)
	return next
}

func (s *tracerSet) empty() bool {
	return s == nil || len(s.tracers) == 0
}

func (s *tracerSet) padPushPre(pad *Pad, buf *buffer.Buffer) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.PadPushPre(pad, buf)
	}
}

func (s *tracerSet) padPushPost(pad *Pad, ret FlowReturn) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.PadPushPost(pad, ret)
	}
}

func (s *tracerSet) padPushEventPre(pad *Pad, ev *Event) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.PadPushEventPre(pad, ev)
	}
}

func (s *tracerSet) padPushEventPost(pad *Pad, res bool) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.PadPushEventPost(pad, res)
	}
}

func (s *tracerSet) padQueryPre(pad *Pad, q *Query) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.PadQueryPre(pad, q)
	}
}

func (s *tracerSet) padQueryPost(pad *Pad, q *Query, res bool) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.PadQueryPost(pad, q, res)
	}
}

func (s *tracerSet) padLinkPost(src, sink *Pad, ret PadLinkReturn) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.PadLinkPost(src, sink, ret)
	}
}

func (s *tracerSet) changeStatePre(e Element, transition StateChange) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.ElementChangeStatePre(e, transition)
	}
}

func (s *tracerSet) changeStatePost(e Element, transition StateChange, ret StateChangeReturn) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.ElementChangeStatePost(e, transition, ret)
	}
}

func (s *tracerSet) postMessage(e Element, msg *Message) {
	if s.empty() {
		return
	}
	for _, t := range s.tracers {
		t.ElementPostMessage(e, msg)
	}
}

func (e *BaseElement) tracerSnapshot() *tracerSet {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.tracers
}

func (e *BaseElement) setTracers(s *tracerSet) {
	e.objMu.Lock()
	e.tracers = s
	e.objMu.Unlock()
}

// AddTracer installs t on b and every element below it, including
// elements added later.
func (b *Bin) AddTracer(t Tracer) {
	setTracersRecursive(b, b.tracerSnapshot().with(t))
}

type segmentSnapshot struct {
	seg *Segment
}

func (s segmentSnapshot) String() string {
	return s.seg.String()
}

func (s segmentSnapshot) equal(o segmentSnapshot) bool {
	a, b := s.seg, o.seg
	return a.Format == b.Format &&
		a.Rate == b.Rate &&
		a.AppliedRate == b.AppliedRate &&
		a.Flags == b.Flags &&
		a.Start == b.Start &&
		a.Stop == b.Stop &&
		a.Time == b.Time &&
		a.Base == b.Base &&
		a.Position == b.Position
}

// TraceSegmentFlow attaches probes to every element in root, recursively.
// It logs the first origin of each segment event (by seqnum) and every
// element that modifies the segment between its sink and src pads.
func TraceSegmentFlow(root *Bin, logf func(msg string, kv ...any)) {
	var originOnce sync.Map // seqnum -> seen
	var incoming sync.Map   // key(elem,seq) -> segmentSnapshot
	key := func(e Element, seq uint32) string {
		return fmt.Sprintf("%p:%d", e, seq)
	}

	for _, elem := range root.ElementsRecursive() {
		for _, sp := range elem.SinkPads() {
			sp.AddProbe(ProbeEventDownstream, func(_ *Pad, info *PadProbeInfo) PadProbeReturn {
				ev := info.Event
				if ev == nil || ev.Type != EventSegment {
					return ProbeOK
				}
				incoming.Store(key(elem, ev.Seqnum), segmentSnapshot{ev.ParseSegment()})
				return ProbeOK
			})
		}

		for _, sp := range elem.SrcPads() {
			sp.AddProbe(ProbeEventDownstream, func(p *Pad, info *PadProbeInfo) PadProbeReturn {
				ev := info.Event
				if ev == nil || ev.Type != EventSegment {
					return ProbeOK
				}
				seq := ev.Seqnum
				out := segmentSnapshot{ev.ParseSegment()}

				if v, found := incoming.LoadAndDelete(key(elem, seq)); found {
					in := v.(segmentSnapshot)
					if !in.equal(out) {
						logf("segment modified",
							"elem", elem.Name(), "pad", p.Name(), "seqnum", seq,
							"in", in.String(), "out", out.String())
					}
				} else if _, seen := originOnce.LoadOrStore(seq, struct{}{}); !seen {
					// no incoming segment seen at this element: treat as origin
					logf("segment origin",
						"elem", elem.Name(), "pad", p.Name(), "seqnum", seq,
						"segment", out.String())
				}
				return ProbeOK
			})
		}
	}
}
