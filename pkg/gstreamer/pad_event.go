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
	"time"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
)

// PushEvent sends ev to the peer of p. Downstream events leave from src
// pads and upstream events from sink pads. Sticky events are stored on a
// src pad first, so pushing one while unlinked succeeds and the event
// reaches whatever peer is linked later.
func (p *Pad) PushEvent(ev *Event) bool {
	if p.direction == PadSrc && !ev.IsDownstream() {
		return false
	}
	if p.direction == PadSink && !ev.IsUpstream() {
		return false
	}

	p.mu.Lock()
	switch ev.Type {
	case EventFlushStart:
		p.flushing = true
		p.signalProbesLocked()
	case EventFlushStop:
		if p.mode == PadModeNone {
			p.mu.Unlock()
			return false
		}
		p.flushing = false
		p.removeStickyLocked(EventEOS)
		p.removeStickyLocked(EventSegment)
		p.eos = false
	default:
		if p.flushing {
			p.mu.Unlock()
			return false
		}
		if p.eos && ev.IsSerialized() {
			p.mu.Unlock()
			return false
		}
	}

	if p.direction == PadSrc && ev.IsSticky() {
		p.storeStickyLocked(ev, false)
		p.mu.Unlock()
		return p.checkSticky(ev) == FlowOK
	}
	p.mu.Unlock()

	if p.direction == PadSrc && ev.IsSerialized() {
		// serialized events must not overtake pending sticky events
		if ret := p.checkSticky(nil); ret != FlowOK && ret != FlowNotLinked {
			return false
		}
	}
	return p.pushEventUnchecked(ev) == FlowOK
}

func (p *Pad) pushEventUnchecked(ev *Event) FlowReturn {
	ptype := ProbeEventDownstream
	if p.direction == PadSink {
		ptype = ProbeEventUpstream
	}
	if ev.Type == EventFlushStart || ev.Type == EventFlushStop {
		ptype |= ProbeEventFlush
	}
	switch p.runProbes(ptype|ProbePush, &PadProbeInfo{Event: ev}) {
	case probeDropped, probeHandled:
		return FlowOK
	case probeFlushing:
		return FlowFlushing
	}

	peer := p.Peer()
	if peer == nil {
		return FlowNotLinked
	}

	if tracers := p.tracers(); tracers != nil {
		tracers.padPushEventPre(p, ev)
		ret := peer.sendEvent(ev)
		tracers.padPushEventPost(p, ret == FlowOK)
		return ret
	}
	return peer.sendEvent(ev)
}

// checkSticky pushes every sticky event the peer has not received yet, up
// to and including upTo when it is given.
func (p *Pad) checkSticky(upTo *Event) FlowReturn {
	p.mu.Lock()
	var pending []*stickyEvent
	for _, se := range p.sticky {
		if !se.received {
			pending = append(pending, se)
		}
		if upTo != nil && se.ev == upTo {
			break
		}
	}
	p.mu.Unlock()

	for _, se := range pending {
		ret := p.pushEventUnchecked(se.ev)
		switch ret {
		case FlowOK:
			p.mu.Lock()
			se.received = true
			p.mu.Unlock()
		case FlowNotLinked:
			// resent once a peer is linked
			if se.ev.Type == EventEOS {
				return ret
			}
			ret = FlowOK
		}
		if ret != FlowOK {
			return ret
		}
	}
	return FlowOK
}

// SendEvent delivers ev to p itself, as if its peer had pushed it.
func (p *Pad) SendEvent(ev *Event) bool {
	return p.sendEvent(ev) == FlowOK
}

func (p *Pad) sendEvent(ev *Event) FlowReturn {
	serialized := p.direction == PadSink && ev.IsSerialized()
	if serialized {
		p.streamMu.Lock()
		defer p.streamMu.Unlock()
	}

	p.mu.Lock()
	switch ev.Type {
	case EventFlushStart:
		p.flushing = true
		p.signalProbesLocked()
	case EventFlushStop:
		if p.mode == PadModeNone {
			p.mu.Unlock()
			return FlowFlushing
		}
		p.flushing = false
		p.removeStickyLocked(EventEOS)
		p.removeStickyLocked(EventSegment)
		p.eos = false
	default:
		if p.flushing {
			p.mu.Unlock()
			return FlowFlushing
		}
		if p.eos && serialized {
			p.mu.Unlock()
			return FlowEOS
		}
	}
	p.mu.Unlock()

	if ev.Type == EventCaps && p.direction == PadSink {
		if !p.QueryAcceptCaps(ev.ParseCaps()) {
			p.log().Debugw("caps not accepted", "caps", ev.ParseCaps().String())
			return FlowNotNegotiated
		}
	}

	ptype := ProbeEventDownstream
	if p.direction == PadSrc {
		ptype = ProbeEventUpstream
	}
	if ev.Type == EventFlushStart || ev.Type == EventFlushStop {
		ptype |= ProbeEventFlush
	}
	switch p.runProbes(ptype|ProbePush, &PadProbeInfo{Event: ev}) {
	case probeDropped, probeHandled:
		return FlowOK
	case probeFlushing:
		return FlowFlushing
	}

	fn := p.eventFunc
	if fn == nil {
		fn = DefaultEvent
	}
	if !fn(p, p.parentElement(), ev) {
		if ev.Type == EventCaps {
			return FlowNotNegotiated
		}
		return FlowError
	}

	if ev.IsSticky() && p.direction == PadSink {
		p.mu.Lock()
		if !p.flushing {
			p.storeStickyLocked(ev, true)
		}
		p.mu.Unlock()
	}
	return FlowOK
}

// storeStickyLocked keeps ev in sticky order, replacing an older event of
// the same type. A new stream-start forgets the EOS and tags of the
// previous stream.
func (p *Pad) storeStickyLocked(ev *Event, received bool) {
	switch ev.Type {
	case EventStreamStart:
		p.removeStickyLocked(EventEOS)
		p.removeStickyLocked(EventTag)
		p.eos = false
	case EventCaps:
		p.caps = ev.ParseCaps()
	case EventEOS:
		p.eos = true
	}

	for i, se := range p.sticky {
		if se.ev.Type == ev.Type && sameStickyName(se.ev, ev) {
			p.sticky[i] = &stickyEvent{ev: ev, received: received}
			return
		}
		if se.ev.Type.stickyOrder() > ev.Type.stickyOrder() {
			p.sticky = append(p.sticky, nil)
			copy(p.sticky[i+1:], p.sticky[i:])
			p.sticky[i] = &stickyEvent{ev: ev, received: received}
			return
		}
	}
	p.sticky = append(p.sticky, &stickyEvent{ev: ev, received: received})
}

func sameStickyName(a, b *Event) bool {
	if a.Type != EventCustomDownstreamSticky {
		return true
	}
	if a.Structure == nil || b.Structure == nil {
		return a.Structure == b.Structure
	}
	return a.Structure.Name() == b.Structure.Name()
}

func (p *Pad) removeStickyLocked(t EventType) {
	kept := p.sticky[:0]
	for _, se := range p.sticky {
		if se.ev.Type != t {
			kept = append(kept, se)
		}
	}
	for i := len(kept); i < len(p.sticky); i++ {
		p.sticky[i] = nil
	}
	p.sticky = kept
	if t == EventCaps {
		p.caps = nil
	}
}

// StickyStreamID returns the id of the current stream, or an empty string.
func (p *Pad) StickyStreamID() string {
	if ev := p.StickyEvent(EventStreamStart); ev != nil {
		return ev.ParseStreamStart()
	}
	return ""
}

// DefaultEvent forwards ev to the pads on the other side of the element.
// Downstream events arriving at a sink pad with nowhere to go are
// considered handled.
func DefaultEvent(pad *Pad, _ Element, ev *Event) bool {
	targets := pad.InternalLinks()
	if len(targets) == 0 {
		return pad.direction == PadSink
	}

	result := false
	for _, t := range targets {
		if t.PushEvent(ev) {
			result = true
		}
	}
	return result
}

// ----- Queries -----

// Query asks p itself.
func (p *Pad) Query(q *Query) bool {
	ptype := ProbeQueryDownstream
	if p.direction == PadSink {
		ptype = ProbeQueryUpstream
	}
	switch p.runProbes(ptype|ProbePush, &PadProbeInfo{Query: q}) {
	case probeHandled:
		return true
	case probeDropped, probeFlushing:
		return false
	}

	fn := p.queryFunc
	if fn == nil {
		fn = DefaultQuery
	}
	res := fn(p, p.parentElement(), q)

	if res && q.Type == QueryCaps {
		p.mu.Lock()
		filter := p.linkFilter
		p.mu.Unlock()
		if filter != nil && q.result != nil {
			q.result = filter.IntersectFirst(q.result)
		}
	}
	return res
}

// PeerQuery asks the peer of p. It fails when p is not linked.
func (p *Pad) PeerQuery(q *Query) bool {
	peer := p.Peer()
	if peer == nil {
		return false
	}
	if tracers := p.tracers(); tracers != nil {
		tracers.padQueryPre(p, q)
		res := peer.Query(q)
		tracers.padQueryPost(p, q, res)
		return res
	}
	return peer.Query(q)
}

// QueryCaps returns the formats p can handle, restricted to filter. A pad
// that cannot answer is assumed to take anything.
func (p *Pad) QueryCaps(filter *caps.Caps) *caps.Caps {
	q := NewCapsQuery(filter)
	if p.Query(q) && q.CapsResult() != nil {
		return q.CapsResult()
	}
	if filter != nil {
		return filter
	}
	return caps.NewAny()
}

// PeerQueryCaps asks the peer for its formats; ANY (or filter) when
// unlinked.
func (p *Pad) PeerQueryCaps(filter *caps.Caps) *caps.Caps {
	peer := p.Peer()
	if peer == nil {
		if filter != nil {
			return filter
		}
		return caps.NewAny()
	}
	return peer.QueryCaps(filter)
}

func (p *Pad) QueryAcceptCaps(c *caps.Caps) bool {
	q := NewAcceptCapsQuery(c)
	if !p.Query(q) {
		return false
	}
	if !q.AcceptCapsResult() {
		return false
	}

	p.mu.Lock()
	filter := p.linkFilter
	p.mu.Unlock()
	return filter == nil || c.IsSubset(filter)
}

func (p *Pad) PeerQueryAcceptCaps(c *caps.Caps) bool {
	peer := p.Peer()
	if peer == nil {
		return true
	}
	return peer.QueryAcceptCaps(c)
}

// AllowedCaps returns the formats both p and its peer can handle, or nil
// when p is unlinked.
func (p *Pad) AllowedCaps() *caps.Caps {
	if p.Peer() == nil {
		return nil
	}
	mine := p.QueryCaps(nil)
	return p.PeerQueryCaps(mine)
}

func (p *Pad) QueryPosition(format Format) (time.Duration, bool) {
	q := NewPositionQuery(format)
	if !p.Query(q) {
		return clock.None, false
	}
	_, pos := q.ParsePosition()
	return pos, true
}

func (p *Pad) PeerQueryPosition(format Format) (time.Duration, bool) {
	q := NewPositionQuery(format)
	if !p.PeerQuery(q) {
		return clock.None, false
	}
	_, pos := q.ParsePosition()
	return pos, true
}

func (p *Pad) QueryDuration(format Format) (time.Duration, bool) {
	q := NewDurationQuery(format)
	if !p.Query(q) {
		return clock.None, false
	}
	_, dur := q.ParseDuration()
	return dur, true
}

func (p *Pad) PeerQueryDuration(format Format) (time.Duration, bool) {
	q := NewDurationQuery(format)
	if !p.PeerQuery(q) {
		return clock.None, false
	}
	_, dur := q.ParseDuration()
	return dur, true
}

// DefaultQuery answers caps and accept-caps from the pad itself and
// forwards the rest to the other side of the element.
func DefaultQuery(pad *Pad, _ Element, q *Query) bool {
	switch q.Type {
	case QueryCaps:
		q.SetCapsResult(pad.defaultCaps(q.ParseCaps()))
		return true

	case QueryAcceptCaps:
		c := q.ParseAcceptCaps()
		if c == nil {
			q.SetAcceptCapsResult(false)
			return true
		}
		allowed := pad.QueryCaps(nil)
		if pad.Flags()&PadFlagAcceptIntersect != 0 {
			q.SetAcceptCapsResult(c.CanIntersect(allowed))
		} else {
			q.SetAcceptCapsResult(c.IsSubset(allowed))
		}
		return true

	case QueryScheduling:
		if pad.Flags()&PadFlagProxyScheduling == 0 {
			return false
		}
		return pad.forwardQuery(q)

	case QueryPosition, QueryDuration, QueryLatency, QuerySeeking, QueryCustom:
		return pad.forwardQuery(q)

	default:
		return false
	}
}

func (p *Pad) defaultCaps(filter *caps.Caps) *caps.Caps {
	p.mu.Lock()
	flags, current := p.flags, p.caps
	p.mu.Unlock()

	var result *caps.Caps
	switch {
	case flags&PadFlagFixedCaps != 0 && current != nil:
		result = current
	case flags&PadFlagProxyCaps != 0:
		result = p.proxyCaps(filter).Intersect(p.TemplateCaps())
	default:
		result = p.TemplateCaps()
	}

	if filter != nil {
		result = filter.IntersectFirst(result)
	}
	return result
}

// proxyCaps intersects what the peers of the pads on the other side of the
// element accept.
func (p *Pad) proxyCaps(filter *caps.Caps) *caps.Caps {
	result := caps.NewAny()
	for _, other := range p.InternalLinks() {
		peerCaps := other.PeerQueryCaps(filter)
		result = result.Intersect(peerCaps.Intersect(other.TemplateCaps()))
		if result.IsEmpty() {
			break
		}
	}
	return result
}

func (p *Pad) forwardQuery(q *Query) bool {
	for _, other := range p.InternalLinks() {
		if other.PeerQuery(q) {
			return true
		}
	}
	return false
}
