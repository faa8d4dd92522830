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
	"sync"
	"time"

	"github.com/linkdata/deadlock"
	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
	"github.com/livekit/gstcore/pkg/errors"
	"github.com/livekit/protocol/logger"
)

type ElementFlags uint32

const (
	ElementFlagSink ElementFlags = 1 << iota
	ElementFlagSource
	ElementFlagProvideClock
	ElementFlagRequireClock
)

// Element is a processing node of a pipeline. Implementations embed
// BaseElement and call Init from their constructor.
type Element interface {
	Name() string
	Factory() *ElementFactory
	Parent() *Bin
	Flags() ElementFlags
	Logger() logger.Logger

	SetState(state State) StateChangeReturn
	GetState(timeout time.Duration) (StateChangeReturn, State, State)
	CurrentState() State
	ChangeState(transition StateChange) StateChangeReturn
	SyncStateWithParent() bool
	SetLockedState(locked bool)
	IsLockedState() bool

	Pads() []*Pad
	SrcPads() []*Pad
	SinkPads() []*Pad
	StaticPad(name string) *Pad
	RequestPad(template, name string, filter *caps.Caps) *Pad
	ReleaseRequestPad(pad *Pad)
	PadTemplates() []*PadTemplate
	PadTemplate(name string) *PadTemplate
	AddPad(pad *Pad) error
	RemovePad(pad *Pad) error
	NoMorePads()

	SetProperty(name string, value any) error
	GetProperty(name string) (any, error)
	SetPropertyFromString(name, value string) error
	Properties() *Properties

	PostMessage(msg *Message) bool
	SendEvent(ev *Event) bool
	Query(q *Query) bool

	Clock() clock.Clock
	SetClock(c clock.Clock) bool
	BaseTime() time.Duration
	SetBaseTime(t time.Duration)
	StartTime() time.Duration
	SetStartTime(t time.Duration)

	Callbacks() *Callbacks

	base() *BaseElement
}

// ClockProvider is implemented by elements able to drive a pipeline clock.
type ClockProvider interface {
	ProvideClock() clock.Clock
}

// RequestPadHandler is implemented by elements with request pad templates.
// RequestNewPad must add the pad it creates, ReleasePad must remove it.
type RequestPadHandler interface {
	RequestNewPad(templ *PadTemplate, name string, filter *caps.Caps) *Pad
	ReleasePad(pad *Pad)
}

// ElementEventHandler replaces the default routing of events sent to the
// element as a whole.
type ElementEventHandler interface {
	HandleElementEvent(ev *Event) bool
}

// ElementQueryHandler replaces the default routing of queries sent to the
// element as a whole.
type ElementQueryHandler interface {
	HandleElementQuery(q *Query) bool
}

var elementCounter atomic.Uint64

type BaseElement struct {
	self      Element
	name      string
	factory   *ElementFactory
	logger    logger.Logger
	templates []*PadTemplate
	props     *Properties
	callbacks *Callbacks

	// object lock
	objMu        sync.Mutex
	flags        ElementFlags
	parent       *Bin
	bus          *Bus
	pads         []*Pad
	clock        clock.Clock
	baseTime     time.Duration
	startTime    time.Duration
	tracers      *tracerSet
	current      State
	next         State
	pending      State
	target       State
	lastReturn   StateChangeReturn
	stateChanged chan struct{}
	lockedState  bool

	// state lock, held for the whole of a SetState call
	stateMu deadlock.Mutex
}

// Init prepares the element. self is the outermost value embedding the
// BaseElement, so overridden behaviour is reached through it.
func (e *BaseElement) Init(self Element, name string, templates ...*PadTemplate) {
	if name == "" {
		name = fmt.Sprintf("element%d", elementCounter.Inc()-1)
	}
	e.self = self
	e.name = name
	e.logger = logger.GetLogger().WithValues("element", name)
	e.templates = templates
	e.props = NewProperties(name, e.CurrentState)
	e.callbacks = &Callbacks{}
	e.tracers = &tracerSet{}
	e.current = StateNull
	e.next = StateVoidPending
	e.pending = StateVoidPending
	e.target = StateNull
	e.lastReturn = StateChangeSuccess
	e.stateChanged = make(chan struct{})
	e.startTime = 0
}

func (e *BaseElement) base() *BaseElement {
	return e
}

// Self returns the outermost element embedding e.
func (e *BaseElement) Self() Element {
	return e.self
}

func (e *BaseElement) Name() string {
	return e.name
}

func (e *BaseElement) String() string {
	return e.name
}

func (e *BaseElement) Factory() *ElementFactory {
	return e.factory
}

func (e *BaseElement) Logger() logger.Logger {
	return e.logger
}

func (e *BaseElement) Callbacks() *Callbacks {
	return e.callbacks
}

func (e *BaseElement) Properties() *Properties {
	return e.props
}

func (e *BaseElement) Parent() *Bin {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.parent
}

func (e *BaseElement) Flags() ElementFlags {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.flags
}

func (e *BaseElement) SetFlags(f ElementFlags) {
	e.objMu.Lock()
	e.flags |= f
	e.objMu.Unlock()
}

func (e *BaseElement) UnsetFlags(f ElementFlags) {
	e.objMu.Lock()
	e.flags &^= f
	e.objMu.Unlock()
}

func (e *BaseElement) SetLockedState(locked bool) {
	e.objMu.Lock()
	e.lockedState = locked
	e.objMu.Unlock()
}

func (e *BaseElement) IsLockedState() bool {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.lockedState
}

// ----- Pads -----

func (e *BaseElement) PadTemplates() []*PadTemplate {
	return slices.Clone(e.templates)
}

func (e *BaseElement) PadTemplate(name string) *PadTemplate {
	for _, t := range e.templates {
		if t.NameTemplate == name {
			return t
		}
	}
	return nil
}

func (e *BaseElement) Pads() []*Pad {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return slices.Clone(e.pads)
}

func (e *BaseElement) SrcPads() []*Pad {
	return e.padsByDirection(PadSrc)
}

func (e *BaseElement) SinkPads() []*Pad {
	return e.padsByDirection(PadSink)
}

func (e *BaseElement) padsByDirection(dir PadDirection) []*Pad {
	e.objMu.Lock()
	defer e.objMu.Unlock()

	var pads []*Pad
	for _, p := range e.pads {
		if p.direction == dir {
			pads = append(pads, p)
		}
	}
	return pads
}

func (e *BaseElement) StaticPad(name string) *Pad {
	e.objMu.Lock()
	defer e.objMu.Unlock()

	for _, p := range e.pads {
		if p.name == name {
			return p
		}
	}
	return nil
}

// AddPad makes pad a pad of e. A pad added to a running element is
// activated right away.
func (e *BaseElement) AddPad(pad *Pad) error {
	e.objMu.Lock()
	for _, p := range e.pads {
		if p.name == pad.name {
			e.objMu.Unlock()
			return errors.ErrNameTaken(e.name, pad.name)
		}
	}
	pad.mu.Lock()
	if pad.parent != nil {
		pad.mu.Unlock()
		e.objMu.Unlock()
		return errors.ErrAlreadyHasParent
	}
	pad.parent = e.self
	pad.mu.Unlock()
	e.pads = append(e.pads, pad)
	running := e.current > StateReady || (e.next != StateVoidPending && e.next > StateReady)
	e.objMu.Unlock()

	if running && !pad.IsActive() {
		pad.SetActive(true)
	}
	e.callbacks.OnPadAdded(pad)
	return nil
}

// RemovePad unlinks and deactivates pad before dropping it.
func (e *BaseElement) RemovePad(pad *Pad) error {
	e.objMu.Lock()
	i := slices.Index(e.pads, pad)
	if i < 0 {
		e.objMu.Unlock()
		return errors.ErrNoSuchPad(e.name, pad.Name())
	}
	e.objMu.Unlock()

	if peer := pad.Peer(); peer != nil {
		if pad.direction == PadSrc {
			pad.Unlink(peer)
		} else {
			peer.Unlink(pad)
		}
	}
	pad.SetActive(false)

	e.objMu.Lock()
	e.pads = slices.DeleteFunc(e.pads, func(p *Pad) bool { return p == pad })
	e.objMu.Unlock()

	pad.mu.Lock()
	pad.parent = nil
	pad.mu.Unlock()

	e.callbacks.OnPadRemoved(pad)
	return nil
}

func (e *BaseElement) NoMorePads() {
	e.callbacks.OnNoMorePads()
}

func (e *BaseElement) RequestPad(template, name string, filter *caps.Caps) *Pad {
	templ := e.PadTemplate(template)
	if templ == nil || templ.Presence != PadRequest {
		return nil
	}
	h, ok := e.self.(RequestPadHandler)
	if !ok {
		return nil
	}
	return h.RequestNewPad(templ, name, filter)
}

func (e *BaseElement) ReleaseRequestPad(pad *Pad) {
	if h, ok := e.self.(RequestPadHandler); ok {
		h.ReleasePad(pad)
	}
}

// ----- Properties -----

func (e *BaseElement) SetProperty(name string, value any) error {
	return e.props.Set(name, value)
}

func (e *BaseElement) GetProperty(name string) (any, error) {
	return e.props.Get(name)
}

func (e *BaseElement) SetPropertyFromString(name, value string) error {
	return e.props.SetFromString(name, value)
}

// ----- Messages, events and queries -----

// PostMessage hands msg to the parent bin, or to the bus of a top level
// element.
func (e *BaseElement) PostMessage(msg *Message) bool {
	e.objMu.Lock()
	parent := e.parent
	bus := e.bus
	tracers := e.tracers
	e.objMu.Unlock()

	tracers.postMessage(e.self, msg)
	if parent != nil {
		parent.handleChildMessage(msg)
		return true
	}
	if bus != nil {
		return bus.Post(msg)
	}
	return false
}

func (e *BaseElement) PostError(domain errors.Domain, code int, message, debug string) {
	gerr := errors.NewGError(domain, code, message, debug)
	e.logger.Warnw("element error", gerr)
	e.PostMessage(NewErrorMessage(e.self, gerr))
}

func (e *BaseElement) PostWarning(domain errors.Domain, code int, message, debug string) {
	gerr := errors.NewGError(domain, code, message, debug)
	e.logger.Infow("element warning", "warning", gerr.Error())
	e.PostMessage(NewWarningMessage(e.self, gerr))
}

func (e *BaseElement) PostInfo(domain errors.Domain, code int, message, debug string) {
	e.PostMessage(NewInfoMessage(e.self, errors.NewGError(domain, code, message, debug)))
}

// PostFlowError reports a fatal flow return seen by a streaming thread.
func (e *BaseElement) PostFlowError(ret FlowReturn) {
	if ret == FlowNotNegotiated {
		e.PostError(errors.CoreError, errors.CodeNegotiation, "not negotiated",
			fmt.Sprintf("streaming stopped, reason %s", ret))
		return
	}
	e.PostError(errors.StreamError, errors.CodeFailed, "internal data stream error",
		fmt.Sprintf("streaming stopped, reason %s", ret))
}

// SendEvent sends ev into the element. Downstream events enter through a
// sink pad, upstream events through a src pad.
func (e *BaseElement) SendEvent(ev *Event) bool {
	if h, ok := e.self.(ElementEventHandler); ok {
		return h.HandleElementEvent(ev)
	}
	return e.DefaultSendEvent(ev)
}

func (e *BaseElement) DefaultSendEvent(ev *Event) bool {
	var pads []*Pad
	if ev.IsDownstream() {
		pads = e.SinkPads()
	} else {
		pads = e.SrcPads()
	}
	if len(pads) == 0 {
		return false
	}
	return pads[0].SendEvent(ev)
}

func (e *BaseElement) Query(q *Query) bool {
	if h, ok := e.self.(ElementQueryHandler); ok {
		return h.HandleElementQuery(q)
	}
	return e.DefaultQuery(q)
}

func (e *BaseElement) DefaultQuery(q *Query) bool {
	if pads := e.SrcPads(); len(pads) > 0 {
		return pads[0].Query(q)
	}
	if pads := e.SinkPads(); len(pads) > 0 {
		return pads[0].PeerQuery(q)
	}
	return false
}

// ----- Clock -----

func (e *BaseElement) Clock() clock.Clock {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.clock
}

func (e *BaseElement) SetClock(c clock.Clock) bool {
	e.objMu.Lock()
	e.clock = c
	e.objMu.Unlock()
	return true
}

func (e *BaseElement) BaseTime() time.Duration {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.baseTime
}

func (e *BaseElement) SetBaseTime(t time.Duration) {
	e.objMu.Lock()
	e.baseTime = t
	e.objMu.Unlock()
}

func (e *BaseElement) StartTime() time.Duration {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.startTime
}

func (e *BaseElement) SetStartTime(t time.Duration) {
	e.objMu.Lock()
	e.startTime = t
	e.objMu.Unlock()
}

// CurrentRunningTime is the running time according to the element clock,
// or clock.None without a clock.
func (e *BaseElement) CurrentRunningTime() time.Duration {
	e.objMu.Lock()
	c, base := e.clock, e.baseTime
	e.objMu.Unlock()
	if c == nil {
		return clock.None
	}
	return c.Time() - base
}
