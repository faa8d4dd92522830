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

	"github.com/livekit/gstcore/pkg/clock"
	"github.com/livekit/gstcore/pkg/errors"
)

// MessageHandler receives the messages posted by the children of a bin.
type MessageHandler interface {
	HandleMessage(msg *Message)
}

// Bin is an element containing other elements. State changes applied to a
// bin are applied to every child, sinks first.
type Bin struct {
	BaseElement

	mu       sync.Mutex
	children []Element
	names    map[string]Element

	changing         bool
	errorSeen        bool
	asyncPending     map[Element]struct{}
	asyncActive      bool
	asyncRunningTime time.Duration
	eosSeen          map[Element]bool
	eosPosted        bool
	streamStartSeen  map[Element]bool
}

func NewBin(name string) *Bin {
	b := &Bin{}
	b.initBin(b, name)
	return b
}

func (b *Bin) initBin(self Element, name string) {
	b.Init(self, name)
	b.names = make(map[string]Element)
	b.asyncPending = make(map[Element]struct{})
	b.asyncRunningTime = clock.None
	b.eosSeen = make(map[Element]bool)
	b.streamStartSeen = make(map[Element]bool)
}

func (b *Bin) bin() *Bin {
	return b
}

// AsBin returns the bin behind e, or nil when e is not a bin.
func AsBin(e Element) *Bin {
	if bl, ok := e.(interface{ bin() *Bin }); ok {
		return bl.bin()
	}
	return nil
}

// Add makes e a child of b. Elements can only have one parent, and names
// are unique within a bin.
func (b *Bin) Add(e Element) error {
	eb := e.base()
	if eb == &b.BaseElement {
		return errors.New("cannot add a bin to itself")
	}

	b.mu.Lock()
	if _, taken := b.names[e.Name()]; taken {
		b.mu.Unlock()
		return errors.ErrNameTaken(b.Name(), e.Name())
	}
	eb.objMu.Lock()
	if eb.parent != nil {
		eb.objMu.Unlock()
		b.mu.Unlock()
		return errors.ErrAlreadyHasParent
	}
	eb.parent = b
	eb.objMu.Unlock()

	b.children = append(b.children, e)
	b.names[e.Name()] = e
	b.mu.Unlock()

	flags := e.Flags()
	b.SetFlags(flags & (ElementFlagSink | ElementFlagSource | ElementFlagProvideClock | ElementFlagRequireClock))

	setTracersRecursive(e, b.tracerSnapshot())
	if c := b.Clock(); c != nil {
		e.SetClock(c)
	}
	e.SetBaseTime(b.BaseTime())

	b.logger.Debugw("added element", "child", e.Name())
	b.callbacks.OnElementAdded(e)
	return nil
}

func (b *Bin) AddMany(elements ...Element) error {
	for _, e := range elements {
		if err := b.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Remove unlinks every pad of e and drops it from the bin. Removing the
// element providing the clock posts CLOCK_LOST.
func (b *Bin) Remove(e Element) error {
	b.mu.Lock()
	i := slices.Index(b.children, e)
	if i < 0 {
		b.mu.Unlock()
		return errors.ErrNotInBin
	}
	b.children = slices.Delete(b.children, i, i+1)
	delete(b.names, e.Name())
	delete(b.asyncPending, e)
	delete(b.eosSeen, e)
	delete(b.streamStartSeen, e)
	asyncDone := b.asyncActive && len(b.asyncPending) == 0
	eosDone := !b.eosPosted && len(b.eosSeen) > 0 && b.allSinksLocked(b.eosSeen)
	if eosDone {
		b.eosPosted = true
	}
	b.mu.Unlock()

	b.updateFlags()

	for _, pad := range e.Pads() {
		if peer := pad.Peer(); peer != nil {
			if pad.Direction() == PadSrc {
				pad.Unlink(peer)
			} else {
				peer.Unlink(pad)
			}
		}
	}

	eb := e.base()
	eb.objMu.Lock()
	eb.parent = nil
	eb.objMu.Unlock()
	setTracersRecursive(e, nil)

	if e.Flags()&ElementFlagProvideClock != 0 {
		if cp, ok := e.(ClockProvider); ok {
			if c := cp.ProvideClock(); c != nil && c == b.Clock() {
				b.PostMessage(NewClockLostMessage(b.self, c))
			}
		}
	}

	b.logger.Debugw("removed element", "child", e.Name())
	b.callbacks.OnElementRemoved(e)

	if asyncDone {
		go b.completeAsync()
	}
	if eosDone {
		b.PostMessage(NewEOSMessage(b.self))
	}
	return nil
}

func (b *Bin) updateFlags() {
	var flags ElementFlags
	for _, c := range b.Children() {
		flags |= c.Flags()
	}
	for _, f := range []ElementFlags{ElementFlagSink, ElementFlagSource, ElementFlagProvideClock, ElementFlagRequireClock} {
		if flags&f == 0 {
			b.UnsetFlags(f)
		}
	}
}

// Children returns the direct children in the order they were added.
func (b *Bin) Children() []Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.children)
}

func (b *Bin) NumChildren() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.children)
}

// GetByName searches b and its sub-bins for an element named name.
func (b *Bin) GetByName(name string) Element {
	b.mu.Lock()
	e, ok := b.names[name]
	children := slices.Clone(b.children)
	b.mu.Unlock()
	if ok {
		return e
	}
	for _, c := range children {
		if sub := AsBin(c); sub != nil {
			if e := sub.GetByName(name); e != nil {
				return e
			}
		}
	}
	return nil
}

// ElementsRecursive returns every element below b.
func (b *Bin) ElementsRecursive() []Element {
	var out []Element
	for _, c := range b.Children() {
		out = append(out, c)
		if sub := AsBin(c); sub != nil {
			out = append(out, sub.ElementsRecursive()...)
		}
	}
	return out
}

func (b *Bin) Sinks() []Element {
	return b.childrenWithFlag(ElementFlagSink)
}

func (b *Bin) Sources() []Element {
	return b.childrenWithFlag(ElementFlagSource)
}

func (b *Bin) childrenWithFlag(f ElementFlags) []Element {
	var out []Element
	for _, c := range b.Sorted() {
		if c.Flags()&f != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Sorted returns the children downstream first: an element comes after
// every sibling it feeds. Loops are broken in insertion order.
func (b *Bin) Sorted() []Element {
	children := b.Children()
	n := len(children)

	index := make(map[Element]int, n)
	for i, c := range children {
		index[c] = i
	}

	downstream := make([]int, n)
	feeders := make([][]int, n)
	for i, c := range children {
		for _, sp := range c.SrcPads() {
			peer := sp.Peer()
			if peer == nil {
				continue
			}
			pe := peer.Parent()
			if pe == nil {
				continue
			}
			j, ok := index[pe]
			if !ok || j == i {
				continue
			}
			downstream[i]++
			feeders[j] = append(feeders[j], i)
		}
	}

	var queue []int
	for i := range children {
		if downstream[i] == 0 {
			queue = append(queue, i)
		}
	}

	done := make([]bool, n)
	sorted := make([]Element, 0, n)
	for len(sorted) < n {
		if len(queue) == 0 {
			for i := range children {
				if !done[i] {
					queue = append(queue, i)
					break
				}
			}
		}
		i := queue[0]
		queue = queue[1:]
		if done[i] {
			continue
		}
		done[i] = true
		sorted = append(sorted, children[i])
		for _, f := range feeders[i] {
			downstream[f]--
			if downstream[f] == 0 && !done[f] {
				queue = append(queue, f)
			}
		}
	}
	return sorted
}

// ----- State -----

// ChangeState applies transition to every child, sinks first. The bin's
// own pads are activated before the children and deactivated after them.
func (b *Bin) ChangeState(transition StateChange) StateChangeReturn {
	next := transition.Next()

	b.mu.Lock()
	b.changing = true
	b.errorSeen = false
	switch transition {
	case ReadyToPaused:
		b.resetEOSLocked()
		b.asyncRunningTime = clock.None
	case PausedToReady:
		clear(b.asyncPending)
		b.asyncActive = false
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.changing = false
		b.mu.Unlock()
	}()

	if transition.IsUpward() {
		if b.BaseElement.ChangeState(transition) == StateChangeFailure {
			return StateChangeFailure
		}
	}

	noPreroll := false
	for _, child := range b.Sorted() {
		if child.IsLockedState() {
			continue
		}
		switch b.setChildState(child, next) {
		case StateChangeFailure:
			b.postStateChangeError(child, transition)
			return StateChangeFailure
		case StateChangeNoPreroll:
			noPreroll = true
		}
	}

	if !transition.IsUpward() {
		if b.BaseElement.ChangeState(transition) == StateChangeFailure {
			return StateChangeFailure
		}
	}

	if noPreroll {
		return StateChangeNoPreroll
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.asyncPending) > 0 && transition != PausedToReady && transition.Next() >= StatePaused {
		b.asyncActive = true
		return StateChangeAsync
	}
	return StateChangeSuccess
}

func (b *Bin) setChildState(child Element, next State) StateChangeReturn {
	cb := child.base()
	cb.objMu.Lock()
	current, pending, last := cb.current, cb.pending, cb.lastReturn
	cb.objMu.Unlock()

	if current == next && pending == StateVoidPending && last != StateChangeFailure {
		// a live child only skips preroll in PAUSED
		if last == StateChangeNoPreroll && next == StatePaused {
			return StateChangeNoPreroll
		}
		return StateChangeSuccess
	}
	if next == StatePlaying {
		child.SetBaseTime(b.BaseTime())
	}
	return child.SetState(next)
}

// postStateChangeError posts an ERROR for a failed child unless one was
// already posted from below during this transition.
func (b *Bin) postStateChangeError(child Element, transition StateChange) {
	b.mu.Lock()
	seen := b.errorSeen
	b.errorSeen = true
	b.mu.Unlock()
	if seen {
		return
	}
	b.PostError(errors.CoreError, errors.CodeStateChange,
		fmt.Sprintf("state change failed for %s", child.Name()),
		fmt.Sprintf("%s returned FAILURE for %s", child.Name(), transition))
}

// SetClock distributes c to b and every child.
func (b *Bin) SetClock(c clock.Clock) bool {
	ok := b.BaseElement.SetClock(c)
	for _, child := range b.Children() {
		if !child.SetClock(c) {
			ok = false
		}
	}
	return ok
}

// SetBaseTime distributes t to b and every child.
func (b *Bin) SetBaseTime(t time.Duration) {
	b.BaseElement.SetBaseTime(t)
	for _, child := range b.Children() {
		child.SetBaseTime(t)
	}
}

// ProvideClock returns the clock of the most downstream child able to
// provide one.
func (b *Bin) ProvideClock() clock.Clock {
	for _, child := range b.Sorted() {
		if child.Flags()&ElementFlagProvideClock == 0 {
			continue
		}
		if cp, ok := child.(ClockProvider); ok {
			if c := cp.ProvideClock(); c != nil {
				return c
			}
		}
	}
	return nil
}

// ----- Messages -----

func (b *Bin) handleChildMessage(msg *Message) {
	if h, ok := b.self.(MessageHandler); ok {
		h.HandleMessage(msg)
		return
	}
	b.HandleMessage(msg)
}

// HandleMessage aggregates EOS, stream-start and async messages of the
// children and forwards everything else to the parent.
func (b *Bin) HandleMessage(msg *Message) {
	switch msg.Type {
	case MessageError:
		b.mu.Lock()
		b.errorSeen = true
		b.mu.Unlock()
		b.PostMessage(msg)
	case MessageEOS:
		b.handleEOS(msg)
	case MessageStreamStart:
		b.handleStreamStart(msg)
	case MessageAsyncStart:
		b.handleAsyncStart(msg)
	case MessageAsyncDone:
		b.handleAsyncDone(msg)
	default:
		b.PostMessage(msg)
	}
}

func (b *Bin) handleEOS(msg *Message) {
	b.mu.Lock()
	b.eosSeen[msg.Src] = true
	post := !b.eosPosted && b.allSinksLocked(b.eosSeen)
	if post {
		b.eosPosted = true
	}
	b.mu.Unlock()

	if post {
		eos := NewEOSMessage(b.self)
		eos.Seqnum = msg.Seqnum
		b.logger.Debugw("all sinks reached EOS")
		b.PostMessage(eos)
	}
}

func (b *Bin) handleStreamStart(msg *Message) {
	b.mu.Lock()
	b.streamStartSeen[msg.Src] = true
	delete(b.eosSeen, msg.Src)
	b.eosPosted = false
	post := b.allSinksLocked(b.streamStartSeen)
	if post {
		clear(b.streamStartSeen)
	}
	b.mu.Unlock()

	if post {
		ss := NewStreamStartMessage(b.self)
		ss.Seqnum = msg.Seqnum
		b.PostMessage(ss)
	}
}

// allSinksLocked reports whether every sink child is in seen.
func (b *Bin) allSinksLocked(seen map[Element]bool) bool {
	for _, c := range b.children {
		if c.Flags()&ElementFlagSink != 0 && !seen[c] {
			return false
		}
	}
	return true
}

func (b *Bin) resetEOSLocked() {
	clear(b.eosSeen)
	clear(b.streamStartSeen)
	b.eosPosted = false
}

func (b *Bin) handleAsyncStart(msg *Message) {
	b.mu.Lock()
	wasEmpty := len(b.asyncPending) == 0
	b.asyncPending[msg.Src] = struct{}{}
	if b.eosSeen[msg.Src] {
		delete(b.eosSeen, msg.Src)
		b.eosPosted = false
	}
	changing := b.changing
	b.mu.Unlock()

	if !wasEmpty {
		return
	}
	toplevel := b.Parent() == nil
	if changing {
		// the state change in progress returns ASYNC
		if !toplevel {
			b.PostMessage(NewAsyncStartMessage(b.self))
		}
		return
	}

	b.mu.Lock()
	b.asyncActive = true
	b.mu.Unlock()
	b.logger.Debugw("lost state", "child", msg.SrcName())
	b.lostState(!toplevel)
}

func (b *Bin) handleAsyncDone(msg *Message) {
	b.mu.Lock()
	if _, ok := b.asyncPending[msg.Src]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.asyncPending, msg.Src)
	if rt := msg.ParseAsyncDone(); clock.IsValid(rt) {
		b.asyncRunningTime = rt
	}
	done := len(b.asyncPending) == 0 && b.asyncActive
	b.mu.Unlock()

	if done {
		go b.completeAsync()
	}
}

// completeAsync finishes the async state change of the bin once all its
// children have prerolled.
func (b *Bin) completeAsync() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	b.mu.Lock()
	if !b.asyncActive || len(b.asyncPending) > 0 {
		b.mu.Unlock()
		return
	}
	b.asyncActive = false
	rt := b.asyncRunningTime
	b.asyncRunningTime = clock.None
	b.mu.Unlock()

	b.PostMessage(NewAsyncDoneMessage(b.self, rt))

	if b.PendingState() == StateVoidPending {
		return
	}
	b.ContinueState(StateChangeSuccess)

	if b.PendingState() == StateVoidPending && b.LastReturn() != StateChangeFailure {
		if target := b.TargetState(); target > b.CurrentState() {
			b.setStateLocked(target)
		}
	}
}

// ----- Events and queries -----

// HandleElementEvent sends upstream events to every sink and downstream
// events to every source.
func (b *Bin) HandleElementEvent(ev *Event) bool {
	var targets []Element
	if ev.IsUpstream() {
		targets = b.Sinks()
	} else {
		targets = b.Sources()
	}
	if len(targets) == 0 {
		return false
	}

	res := true
	for _, t := range targets {
		if !t.SendEvent(ev) {
			res = false
		}
	}

	if ev.Type == EventFlushStop && ev.ParseFlushStop() {
		b.mu.Lock()
		b.resetEOSLocked()
		b.mu.Unlock()
	}
	return res
}

// HandleElementQuery answers position and duration with the maximum over
// the sinks and asks the sinks one by one for anything else.
func (b *Bin) HandleElementQuery(q *Query) bool {
	sinks := b.Sinks()

	switch q.Type {
	case QueryPosition, QueryDuration:
		format := q.format
		best := clock.None
		found := false
		for _, s := range sinks {
			var sq *Query
			if q.Type == QueryPosition {
				sq = NewPositionQuery(format)
			} else {
				sq = NewDurationQuery(format)
			}
			if !s.Query(sq) {
				continue
			}
			if v := sq.value; v > best {
				best = v
			}
			found = true
		}
		if found {
			q.value = best
		}
		return found

	default:
		for _, s := range sinks {
			if s.Query(q) {
				return true
			}
		}
		return false
	}
}

func setTracersRecursive(e Element, s *tracerSet) {
	e.base().setTracers(s)
	if sub := AsBin(e); sub != nil {
		for _, c := range sub.Children() {
			setTracersRecursive(c, s)
		}
	}
}
