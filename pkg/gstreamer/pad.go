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
	"slices"
	"strings"
	"sync"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/protocol/logger"
)

type PadFlags uint32

const (
	// PadFlagProxyCaps answers caps queries with what the pads on the other
	// side of the element accept.
	PadFlagProxyCaps PadFlags = 1 << iota
	// PadFlagProxyScheduling forwards scheduling queries.
	PadFlagProxyScheduling
	// PadFlagAcceptIntersect accepts caps that merely intersect the pad caps.
	PadFlagAcceptIntersect
	// PadFlagFixedCaps answers caps queries with the current caps once set.
	PadFlagFixedCaps
	// PadFlagNeedReconfigure is set when the pad was linked or asked to
	// renegotiate.
	PadFlagNeedReconfigure
)

type (
	PadChainFunc        func(pad *Pad, parent Element, buf *buffer.Buffer) FlowReturn
	PadEventFunc        func(pad *Pad, parent Element, ev *Event) bool
	PadQueryFunc        func(pad *Pad, parent Element, q *Query) bool
	PadGetRangeFunc     func(pad *Pad, parent Element, offset uint64, size int) (*buffer.Buffer, FlowReturn)
	PadActivateFunc     func(pad *Pad, parent Element) bool
	PadActivateModeFunc func(pad *Pad, parent Element, mode PadMode, active bool) bool
	PadLinkFunc         func(pad *Pad, parent Element, peer *Pad) PadLinkReturn
	PadUnlinkFunc       func(pad *Pad, parent Element)
)

type stickyEvent struct {
	ev       *Event
	received bool
}

// Pad is a connection point of an element. A src pad links to exactly one
// sink pad; data moves over the link by push (src to sink) or pull (sink
// asks src).
type Pad struct {
	name      string
	direction PadDirection
	template  *PadTemplate

	// object lock
	mu          sync.Mutex
	parent      Element
	peer        *Pad
	proxy       *Pad
	internal    bool
	flags       PadFlags
	caps        *caps.Caps
	linkFilter  *caps.Caps
	mode        PadMode
	flushing    bool
	eos         bool
	sticky      []*stickyEvent
	probes      []*padProbe
	probeSignal chan struct{}
	blocked     int
	streaming   int
	task        *Task

	// stream lock, held while data or serialized events pass through
	streamMu sync.Mutex

	chainFunc        PadChainFunc
	eventFunc        PadEventFunc
	queryFunc        PadQueryFunc
	getRangeFunc     PadGetRangeFunc
	activateFunc     PadActivateFunc
	activateModeFunc PadActivateModeFunc
	linkFunc         PadLinkFunc
	unlinkFunc       PadUnlinkFunc

	// ElementPrivate is free for the owning element to use.
	ElementPrivate any
}

func NewPad(name string, direction PadDirection) *Pad {
	return &Pad{
		name:        name,
		direction:   direction,
		flushing:    true,
		probeSignal: make(chan struct{}),
	}
}

// NewPadFromTemplate creates a pad named name, or after the template when
// name is empty.
func NewPadFromTemplate(templ *PadTemplate, name string) *Pad {
	if name == "" {
		name = templ.NameTemplate
	}
	p := NewPad(name, templ.Direction)
	p.template = templ
	return p
}

func (p *Pad) Name() string {
	return p.name
}

func (p *Pad) Direction() PadDirection {
	return p.direction
}

func (p *Pad) Template() *PadTemplate {
	return p.template
}

func (p *Pad) String() string {
	if parent := p.parentElement(); parent != nil {
		return fmt.Sprintf("%s:%s", parent.Name(), p.name)
	}
	return p.name
}

func (p *Pad) Parent() Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// parentElement is the element whose functions handle the pad. Internal
// pads of ghost pads belong to the bin of their ghost.
func (p *Pad) parentElement() Element {
	p.mu.Lock()
	parent, proxy, internal := p.parent, p.proxy, p.internal
	p.mu.Unlock()
	if parent == nil && internal && proxy != nil {
		return proxy.Parent()
	}
	return parent
}

func (p *Pad) log() logger.Logger {
	if parent := p.parentElement(); parent != nil {
		return parent.Logger().WithValues("pad", p.name)
	}
	return logger.GetLogger().WithValues("pad", p.name)
}

func (p *Pad) Peer() *Pad {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

func (p *Pad) IsLinked() bool {
	return p.Peer() != nil
}

func (p *Pad) Flags() PadFlags {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flags
}

func (p *Pad) SetFlags(f PadFlags) {
	p.mu.Lock()
	p.flags |= f
	p.mu.Unlock()
}

func (p *Pad) UnsetFlags(f PadFlags) {
	p.mu.Lock()
	p.flags &^= f
	p.mu.Unlock()
}

// CheckReconfigure clears and returns the need-reconfigure flag.
func (p *Pad) CheckReconfigure() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	need := p.flags&PadFlagNeedReconfigure != 0
	p.flags &^= PadFlagNeedReconfigure
	return need
}

func (p *Pad) Mode() PadMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Pad) IsActive() bool {
	return p.Mode() != PadModeNone
}

func (p *Pad) IsFlushing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushing
}

func (p *Pad) IsEOS() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eos
}

// CurrentCaps returns the caps of the last accepted caps event, or nil.
func (p *Pad) CurrentCaps() *caps.Caps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.caps
}

func (p *Pad) HasCurrentCaps() bool {
	return p.CurrentCaps() != nil
}

// TemplateCaps returns the caps of the pad template, or ANY.
func (p *Pad) TemplateCaps() *caps.Caps {
	if p.template == nil || p.template.Caps == nil {
		return caps.NewAny()
	}
	return p.template.Caps
}

// StickyEvent returns the stored sticky event of type t, or nil.
func (p *Pad) StickyEvent(t EventType) *Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, se := range p.sticky {
		if se.ev.Type == t {
			return se.ev
		}
	}
	return nil
}

// StickyEvents returns the stored sticky events in order.
func (p *Pad) StickyEvents() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]*Event, 0, len(p.sticky))
	for _, se := range p.sticky {
		events = append(events, se.ev)
	}
	return events
}

func (p *Pad) SetChainFunction(f PadChainFunc)               { p.chainFunc = f }
func (p *Pad) SetEventFunction(f PadEventFunc)               { p.eventFunc = f }
func (p *Pad) SetQueryFunction(f PadQueryFunc)               { p.queryFunc = f }
func (p *Pad) SetGetRangeFunction(f PadGetRangeFunc)         { p.getRangeFunc = f }
func (p *Pad) SetActivateFunction(f PadActivateFunc)         { p.activateFunc = f }
func (p *Pad) SetActivateModeFunction(f PadActivateModeFunc) { p.activateModeFunc = f }
func (p *Pad) SetLinkFunction(f PadLinkFunc)                 { p.linkFunc = f }
func (p *Pad) SetUnlinkFunction(f PadUnlinkFunc)             { p.unlinkFunc = f }

// InternalLinks returns the pads data entering p leaves through: the
// other side of a ghost pad, or the pads of opposite direction on the
// parent element.
func (p *Pad) InternalLinks() []*Pad {
	p.mu.Lock()
	proxy, parent := p.proxy, p.parent
	p.mu.Unlock()

	if proxy != nil {
		return []*Pad{proxy}
	}
	if parent == nil {
		return nil
	}
	if p.direction == PadSink {
		return parent.SrcPads()
	}
	return parent.SinkPads()
}

// ----- Linking -----

func (p *Pad) Link(sink *Pad) PadLinkReturn {
	return p.link(sink, PadLinkCheckDefault, nil)
}

func (p *Pad) LinkFull(sink *Pad, check PadLinkCheck) PadLinkReturn {
	return p.link(sink, check, nil)
}

// LinkFiltered links p to sink and restricts the formats allowed over the
// link to filter.
func (p *Pad) LinkFiltered(sink *Pad, filter *caps.Caps) PadLinkReturn {
	return p.link(sink, PadLinkCheckDefault, filter)
}

// link leaves both pads untouched unless it returns PadLinkOK.
func (p *Pad) link(sink *Pad, check PadLinkCheck, filter *caps.Caps) PadLinkReturn {
	src := p
	ret := src.linkPrepare(sink, check, filter)
	if ret == PadLinkOK {
		if f := src.linkFunc; f != nil {
			ret = f(src, src.parentElement(), sink)
		}
	}
	if ret == PadLinkOK {
		if f := sink.linkFunc; f != nil {
			ret = f(sink, sink.parentElement(), src)
		}
	}

	if ret == PadLinkOK {
		src.mu.Lock()
		sink.mu.Lock()
		if src.peer != nil || sink.peer != nil {
			ret = PadLinkWasLinked
		} else {
			src.peer = sink
			sink.peer = src
			src.linkFilter = filter
			sink.linkFilter = filter
			src.flags |= PadFlagNeedReconfigure
			for _, se := range src.sticky {
				se.received = false
			}
		}
		sink.mu.Unlock()
		src.mu.Unlock()
	}

	if parent := src.parentElement(); parent != nil {
		parent.base().tracerSnapshot().padLinkPost(src, sink, ret)
	}
	if ret != PadLinkOK {
		src.log().Debugw("link failed", "sink", sink.String(), "reason", ret.String())
	}
	return ret
}

func (p *Pad) linkPrepare(sink *Pad, check PadLinkCheck, filter *caps.Caps) PadLinkReturn {
	src := p
	if src.direction != PadSrc || sink.direction != PadSink {
		return PadLinkWrongDirection
	}

	src.mu.Lock()
	sink.mu.Lock()
	wasLinked := src.peer != nil || sink.peer != nil
	srcParent, sinkParent := src.parent, sink.parent
	sink.mu.Unlock()
	src.mu.Unlock()

	if wasLinked {
		return PadLinkWasLinked
	}
	if check&PadLinkCheckHierarchy != 0 && !checkHierarchy(srcParent, sinkParent) {
		return PadLinkWrongHierarchy
	}

	if check&(PadLinkCheckCaps|PadLinkCheckTemplate) != 0 {
		var srcCaps, sinkCaps *caps.Caps
		if check&PadLinkCheckCaps != 0 {
			srcCaps = src.QueryCaps(nil)
			sinkCaps = sink.QueryCaps(nil)
		} else {
			srcCaps = src.TemplateCaps()
			sinkCaps = sink.TemplateCaps()
		}
		if filter != nil {
			srcCaps = srcCaps.Intersect(filter)
		}
		if !srcCaps.CanIntersect(sinkCaps) {
			return PadLinkNoCaps
		}
	}
	return PadLinkOK
}

// checkHierarchy allows links between pads of siblings, or when either pad
// has no parent.
func checkHierarchy(a, b Element) bool {
	if a == nil || b == nil {
		return true
	}
	if a == b {
		return false
	}
	return a.Parent() == b.Parent()
}

// Unlink removes the link between src pad p and sink.
func (p *Pad) Unlink(sink *Pad) bool {
	src := p
	src.mu.Lock()
	sink.mu.Lock()
	if src.peer != sink || sink.peer != src {
		sink.mu.Unlock()
		src.mu.Unlock()
		return false
	}
	src.peer = nil
	sink.peer = nil
	src.linkFilter = nil
	sink.linkFilter = nil
	sink.mu.Unlock()
	src.mu.Unlock()

	if f := src.unlinkFunc; f != nil {
		f(src, src.parentElement())
	}
	if f := sink.unlinkFunc; f != nil {
		f(sink, sink.parentElement())
	}
	return true
}

// ----- Activation -----

// SetActive activates the pad in its preferred mode, or deactivates it.
func (p *Pad) SetActive(active bool) bool {
	old := p.Mode()
	if active {
		if old != PadModeNone {
			return true
		}
		if f := p.activateFunc; f != nil {
			return f(p, p.parentElement())
		}
		return p.ActivateMode(PadModePush, true)
	}

	if old == PadModeNone {
		return true
	}
	return p.ActivateMode(old, false)
}

// ActivateMode switches the scheduling mode. Activating a sink pad in pull
// mode activates its peer as well. Deactivation makes the pad flush and
// waits for the streaming thread to leave it.
func (p *Pad) ActivateMode(mode PadMode, active bool) bool {
	old := p.Mode()
	newMode := PadModeNone
	if active {
		newMode = mode
	}
	if old == newMode {
		return true
	}
	if !active && old != mode {
		return true
	}
	if active && old != PadModeNone {
		if !p.ActivateMode(old, false) {
			return false
		}
	}

	if mode == PadModePull && p.direction == PadSink {
		peer := p.Peer()
		if active {
			if peer == nil || !peer.ActivateMode(PadModePull, true) {
				p.log().Debugw("peer cannot be activated in pull mode")
				return false
			}
		} else if peer != nil {
			peer.ActivateMode(PadModePull, false)
		}
	}
	if mode == PadModePull && active && p.direction == PadSrc && p.getRangeFunc == nil {
		return false
	}

	p.mu.Lock()
	if active {
		p.mode = mode
		p.flushing = false
	} else {
		p.mode = PadModeNone
		p.flushing = true
		p.signalProbesLocked()
	}
	p.mu.Unlock()

	if f := p.activateModeFunc; f != nil {
		if !f(p, p.parentElement(), mode, active) {
			if active {
				p.mu.Lock()
				p.mode = PadModeNone
				p.flushing = true
				p.mu.Unlock()
			}
			return false
		}
	}

	if !active {
		// wait for the streaming thread to leave, then forget the stream
		p.streamMu.Lock()
		p.mu.Lock()
		p.sticky = nil
		p.caps = nil
		p.eos = false
		p.mu.Unlock()
		p.streamMu.Unlock()
	}
	return true
}

// ActivateFromScheduling activates a sink pad in pull mode when its peer
// supports random access, in push mode otherwise.
func (p *Pad) ActivateFromScheduling() bool {
	q := NewSchedulingQuery()
	if p.PeerQuery(q) && q.HasSchedulingModeWithFlags(PadModePull, SchedulingSeekable) {
		if p.ActivateMode(PadModePull, true) {
			return true
		}
	}
	return p.ActivateMode(PadModePush, true)
}

// ----- Push mode -----

// Push sends buf to the peer. Pending sticky events are sent first. The
// caller's reference to buf is consumed.
func (p *Pad) Push(buf *buffer.Buffer) FlowReturn {
	tracers := p.tracers()
	tracers.padPushPre(p, buf)
	ret := p.push(buf)
	tracers.padPushPost(p, ret)
	return ret
}

func (p *Pad) push(buf *buffer.Buffer) FlowReturn {
	p.mu.Lock()
	switch {
	case p.flushing:
		p.mu.Unlock()
		buf.Unref()
		return FlowFlushing
	case p.eos:
		p.mu.Unlock()
		buf.Unref()
		return FlowEOS
	case p.mode == PadModePull:
		p.mu.Unlock()
		buf.Unref()
		return FlowError
	}
	p.streaming++
	p.mu.Unlock()
	defer p.leaveStreaming()

	if ret := p.checkSticky(nil); ret != FlowOK {
		buf.Unref()
		return ret
	}

	switch p.runProbes(ProbeBuffer|ProbePush, &PadProbeInfo{Buffer: buf}) {
	case probeDropped, probeHandled:
		buf.Unref()
		return FlowOK
	case probeFlushing:
		buf.Unref()
		return FlowFlushing
	}

	peer := p.Peer()
	if peer == nil {
		buf.Unref()
		return FlowNotLinked
	}
	return peer.chainData(buf)
}

func (p *Pad) chainData(buf *buffer.Buffer) FlowReturn {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	p.mu.Lock()
	switch {
	case p.flushing:
		p.mu.Unlock()
		buf.Unref()
		return FlowFlushing
	case p.eos:
		p.mu.Unlock()
		buf.Unref()
		return FlowEOS
	case p.mode != PadModePush:
		p.mu.Unlock()
		buf.Unref()
		return FlowError
	}
	p.streaming++
	p.mu.Unlock()
	defer p.leaveStreaming()

	switch p.runProbes(ProbeBuffer|ProbePush, &PadProbeInfo{Buffer: buf}) {
	case probeDropped, probeHandled:
		buf.Unref()
		return FlowOK
	case probeFlushing:
		buf.Unref()
		return FlowFlushing
	}

	chain := p.chainFunc
	if chain == nil {
		buf.Unref()
		return FlowNotSupported
	}
	return chain(p, p.parentElement(), buf)
}

// ----- Pull mode -----

// PullRange asks the peer of sink pad p for size bytes at offset.
func (p *Pad) PullRange(offset uint64, size int) (*buffer.Buffer, FlowReturn) {
	p.mu.Lock()
	switch {
	case p.flushing:
		p.mu.Unlock()
		return nil, FlowFlushing
	case p.mode != PadModePull:
		p.mu.Unlock()
		return nil, FlowError
	}
	peer := p.peer
	p.mu.Unlock()

	if peer == nil {
		return nil, FlowNotLinked
	}

	buf, ret := peer.GetRange(offset, size)
	if ret != FlowOK {
		return nil, ret
	}

	switch p.runProbes(ProbeBuffer|ProbePull, &PadProbeInfo{Buffer: buf, Offset: offset, Size: size}) {
	case probeDropped, probeHandled:
		buf.Unref()
		return nil, FlowOK
	case probeFlushing:
		buf.Unref()
		return nil, FlowFlushing
	}
	return buf, FlowOK
}

// GetRange calls the getrange function of src pad p under its stream lock.
func (p *Pad) GetRange(offset uint64, size int) (*buffer.Buffer, FlowReturn) {
	p.streamMu.Lock()
	defer p.streamMu.Unlock()

	p.mu.Lock()
	switch {
	case p.flushing:
		p.mu.Unlock()
		return nil, FlowFlushing
	case p.mode != PadModePull:
		p.mu.Unlock()
		return nil, FlowError
	}
	p.mu.Unlock()

	f := p.getRangeFunc
	if f == nil {
		return nil, FlowNotSupported
	}
	buf, ret := f(p, p.parentElement(), offset, size)
	if ret != FlowOK {
		return nil, ret
	}

	switch p.runProbes(ProbeBuffer|ProbePull, &PadProbeInfo{Buffer: buf, Offset: offset, Size: size}) {
	case probeDropped, probeHandled:
		buf.Unref()
		return nil, FlowOK
	case probeFlushing:
		buf.Unref()
		return nil, FlowFlushing
	}
	return buf, FlowOK
}

// ----- Tasks -----

// StartTask runs fn repeatedly in its own goroutine, holding the stream
// lock of the pad during each iteration.
func (p *Pad) StartTask(fn func()) bool {
	name := p.String()

	p.mu.Lock()
	task := p.task
	if task == nil {
		task = NewTask(name, fn, &p.streamMu)
		p.task = task
	}
	p.mu.Unlock()
	return task.Start()
}

// PauseTask stops the task after the current iteration. It does not wait,
// so it may be called from the task itself.
func (p *Pad) PauseTask() bool {
	p.mu.Lock()
	task := p.task
	p.mu.Unlock()
	if task == nil {
		return true
	}
	return task.Pause()
}

// StopTask stops the task and waits for its goroutine to exit. It must not
// be called from the task itself.
func (p *Pad) StopTask() bool {
	p.mu.Lock()
	task := p.task
	p.task = nil
	p.mu.Unlock()
	if task == nil {
		return true
	}
	task.Stop()
	return task.Join() == nil
}

func (p *Pad) Task() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task
}

// StreamLock takes the stream lock of the pad. Elements use it to wait for
// the streaming thread, for example around a flushing seek.
func (p *Pad) StreamLock() {
	p.streamMu.Lock()
}

func (p *Pad) StreamUnlock() {
	p.streamMu.Unlock()
}

func (p *Pad) tracers() *tracerSet {
	if parent := p.parentElement(); parent != nil {
		return parent.base().tracerSnapshot()
	}
	return nil
}

func (p *Pad) leaveStreaming() {
	p.mu.Lock()
	p.streaming--
	idle := p.streaming == 0 && p.hasPendingIdleLocked()
	p.mu.Unlock()
	if idle {
		p.runIdleProbes()
	}
}

// ----- Templates -----

// PadTemplate describes the pads an element can have.
type PadTemplate struct {
	NameTemplate string
	Direction    PadDirection
	Presence     PadPresence
	Caps         *caps.Caps
}

func NewPadTemplate(name string, direction PadDirection, presence PadPresence, c *caps.Caps) *PadTemplate {
	return &PadTemplate{
		NameTemplate: name,
		Direction:    direction,
		Presence:     presence,
		Caps:         c,
	}
}

// PadName fills the %u or %d of the template with n.
func (t *PadTemplate) PadName(n int) string {
	for _, verb := range []string{"%u", "%d"} {
		if i := strings.Index(t.NameTemplate, verb); i >= 0 {
			return fmt.Sprintf("%s%d%s", t.NameTemplate[:i], n, t.NameTemplate[i+len(verb):])
		}
	}
	return t.NameTemplate
}

// Matches reports whether name could have been created from the template.
func (t *PadTemplate) Matches(name string) bool {
	for _, verb := range []string{"%u", "%d"} {
		if i := strings.Index(t.NameTemplate, verb); i >= 0 {
			prefix, suffix := t.NameTemplate[:i], t.NameTemplate[i+len(verb):]
			if len(name) <= len(prefix)+len(suffix) || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
				return false
			}
			digits := name[len(prefix) : len(name)-len(suffix)]
			return !slices.ContainsFunc([]byte(digits), func(c byte) bool { return c < '0' || c > '9' })
		}
	}
	return t.NameTemplate == name
}
