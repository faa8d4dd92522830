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
	"time"
)

type State int

const (
	StateVoidPending State = iota
	StateNull
	StateReady
	StatePaused
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateVoidPending:
		return "VOID_PENDING"
	case StateNull:
		return "NULL"
	case StateReady:
		return "READY"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

func ParseState(s string) (State, bool) {
	switch s {
	case "NULL", "null":
		return StateNull, true
	case "READY", "ready":
		return StateReady, true
	case "PAUSED", "paused":
		return StatePaused, true
	case "PLAYING", "playing":
		return StatePlaying, true
	default:
		return StateVoidPending, false
	}
}

func nextState(current, pending State) State {
	switch {
	case pending > current:
		return current + 1
	case pending < current:
		return current - 1
	default:
		return current
	}
}

// SetState moves the element toward state one step at a time. Each step
// runs the element's ChangeState; an ASYNC step on the way up returns
// immediately and the element continues on its own when it commits.
func (e *BaseElement) SetState(state State) StateChangeReturn {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.setStateLocked(state)
}

func (e *BaseElement) setStateLocked(state State) StateChangeReturn {
	e.objMu.Lock()
	if e.lastReturn == StateChangeFailure {
		e.next = StateVoidPending
		e.pending = StateVoidPending
		e.lastReturn = StateChangeSuccess
	}
	current, next, oldPending := e.current, e.next, e.pending
	e.target = state
	e.pending = state

	if oldPending != StateVoidPending {
		switch {
		case oldPending <= state, next == state:
			// already on its way there
			e.lastReturn = StateChangeAsync
			e.objMu.Unlock()
			return StateChangeAsync
		case next > state && e.lastReturn == StateChangeAsync:
			current = next
		}
	}

	next = nextState(current, state)
	e.next = next
	if current != next {
		e.lastReturn = StateChangeAsync
	}
	e.objMu.Unlock()

	e.logger.Debugw(fmt.Sprintf("setting state %v -> %v", current, state))
	return e.changeState(Transition(current, next))
}

func (e *BaseElement) changeState(transition StateChange) StateChangeReturn {
	e.objMu.Lock()
	tracers := e.tracers
	e.objMu.Unlock()

	tracers.changeStatePre(e.self, transition)
	ret := e.self.ChangeState(transition)
	tracers.changeStatePost(e.self, transition, ret)

	switch ret {
	case StateChangeFailure:
		e.logger.Infow("state change failed", "transition", transition.String())
		e.AbortState()
	case StateChangeAsync:
		if transition.IsUpward() {
			return ret
		}
		ret = e.ContinueState(ret)
	case StateChangeSuccess:
		ret = e.ContinueState(ret)
	case StateChangeNoPreroll:
		ret = e.ContinueState(ret)
	}
	return ret
}

// ChangeState is the default transition handler. It activates the pads
// when going to PAUSED and deactivates them when going back to READY.
func (e *BaseElement) ChangeState(transition StateChange) StateChangeReturn {
	switch transition {
	case ReadyToPaused:
		if !e.activatePads(true) {
			return StateChangeFailure
		}
	case PausedToReady:
		if !e.activatePads(false) {
			return StateChangeFailure
		}
	}
	return StateChangeSuccess
}

// activatePads walks the src pads before the sink pads in both directions.
func (e *BaseElement) activatePads(active bool) bool {
	for _, p := range append(e.SrcPads(), e.SinkPads()...) {
		if !p.SetActive(active) {
			return false
		}
	}
	return true
}

// ContinueState commits the step in progress and starts the next one
// toward the pending state. It is called with the result of the step.
func (e *BaseElement) ContinueState(ret StateChangeReturn) StateChangeReturn {
	e.objMu.Lock()
	oldRet := e.lastReturn
	e.lastReturn = ret
	pending := e.pending
	if pending == StateVoidPending {
		e.objMu.Unlock()
		return ret
	}

	oldState := e.current
	oldNext := e.next
	e.current = oldNext

	if pending == oldNext {
		e.pending = StateVoidPending
		e.next = StateVoidPending
		e.broadcastLocked()
		e.objMu.Unlock()

		if oldState != oldNext || oldRet == StateChangeAsync {
			e.postStateChanged(oldState, oldNext, StateVoidPending)
		}
		return ret
	}

	next := nextState(oldNext, pending)
	e.next = next
	e.lastReturn = StateChangeAsync
	e.objMu.Unlock()

	e.postStateChanged(oldState, oldNext, pending)
	return e.changeState(Transition(oldNext, next))
}

// CompleteState commits an asynchronous state change straight to the
// pending state, posting a STATE_CHANGED for every step passed. Sinks call
// it once they have prerolled.
func (e *BaseElement) CompleteState() bool {
	e.objMu.Lock()
	current, pending := e.current, e.pending
	if pending == StateVoidPending || pending < StatePaused {
		e.objMu.Unlock()
		return false
	}

	type step struct{ old, new, pending State }
	var steps []step
	for s := current; s != pending; {
		n := nextState(s, pending)
		p := pending
		if n == pending {
			p = StateVoidPending
		}
		steps = append(steps, step{s, n, p})
		s = n
	}
	if len(steps) == 0 {
		steps = append(steps, step{current, current, StateVoidPending})
	}

	e.current = pending
	e.next = StateVoidPending
	e.pending = StateVoidPending
	e.lastReturn = StateChangeSuccess
	e.broadcastLocked()
	e.objMu.Unlock()

	for _, s := range steps {
		e.postStateChanged(s.old, s.new, s.pending)
	}
	return true
}

// AbortState marks the state change in progress as failed and wakes
// GetState callers.
func (e *BaseElement) AbortState() {
	e.objMu.Lock()
	defer e.objMu.Unlock()

	if e.pending != StateVoidPending && e.lastReturn != StateChangeFailure {
		e.lastReturn = StateChangeFailure
		e.broadcastLocked()
	}
}

// LostState puts a prerolled element back into an async state change, as
// happens to sinks after a flush. A PLAYING element drops to PAUSED.
func (e *BaseElement) LostState() {
	e.lostState(true)
}

func (e *BaseElement) lostState(postAsyncStart bool) {
	e.objMu.Lock()
	if e.lastReturn == StateChangeFailure {
		e.objMu.Unlock()
		return
	}
	if e.pending != StateVoidPending {
		e.objMu.Unlock()
		if postAsyncStart {
			e.PostMessage(NewAsyncStartMessage(e.self))
		}
		return
	}

	state := e.current
	if state > StatePaused {
		state = StatePaused
	}
	e.current = state
	e.next = state
	e.pending = state
	e.lastReturn = StateChangeAsync
	e.objMu.Unlock()

	e.postStateChanged(state, state, state)
	if postAsyncStart {
		e.PostMessage(NewAsyncStartMessage(e.self))
	}
}

// GetState waits up to timeout for an asynchronous state change to finish.
// A negative timeout waits forever, zero does not wait.
func (e *BaseElement) GetState(timeout time.Duration) (StateChangeReturn, State, State) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	e.objMu.Lock()
	defer e.objMu.Unlock()

	for {
		ret := e.lastReturn
		if ret != StateChangeAsync {
			return ret, e.current, e.pending
		}
		if e.pending == StateVoidPending {
			return StateChangeSuccess, e.current, e.pending
		}
		if timeout == 0 {
			return StateChangeAsync, e.current, e.pending
		}

		ch := e.stateChanged
		e.objMu.Unlock()
		select {
		case <-ch:
			e.objMu.Lock()
		case <-deadline:
			e.objMu.Lock()
			return StateChangeAsync, e.current, e.pending
		}
	}
}

func (e *BaseElement) CurrentState() State {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.current
}

func (e *BaseElement) PendingState() State {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.pending
}

func (e *BaseElement) TargetState() State {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.target
}

func (e *BaseElement) LastReturn() StateChangeReturn {
	e.objMu.Lock()
	defer e.objMu.Unlock()
	return e.lastReturn
}

// SyncStateWithParent brings the element to the state its parent is in, or
// is going to.
func (e *BaseElement) SyncStateWithParent() bool {
	parent := e.Parent()
	if parent == nil {
		return false
	}

	pb := parent.base()
	pb.objMu.Lock()
	target := pb.current
	if pb.pending != StateVoidPending {
		target = pb.pending
	}
	pb.objMu.Unlock()

	return e.SetState(target) != StateChangeFailure
}

func (e *BaseElement) broadcastLocked() {
	close(e.stateChanged)
	e.stateChanged = make(chan struct{})
}

func (e *BaseElement) postStateChanged(old, new, pending State) {
	e.logger.Debugw(fmt.Sprintf("state %v -> %v", old, new), "pending", pending.String())
	e.PostMessage(NewStateChangedMessage(e.self, old, new, pending))
}
