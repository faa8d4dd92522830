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
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"go.opentelemetry.io/otel/attribute"

	"github.com/livekit/gstcore/pkg/clock"
	"github.com/livekit/gstcore/pkg/errors"
	"github.com/livekit/gstcore/pkg/tracer"
	"github.com/livekit/protocol/logger"
)

// Pipeline is the top level bin. It owns the bus, selects the clock and
// keeps the running time across pauses.
type Pipeline struct {
	*Bin

	bus          *Bus
	systemClock  clock.Clock
	AutoFlushBus bool

	clockMu    sync.Mutex
	fixedClock clock.Clock
	clockDirty bool
	streamTime time.Duration

	watchID  string
	started  core.Fuse
	eosSent  core.Fuse
	stopped  core.Fuse
	eosTimer *time.Timer
}

func NewPipeline(name string) *Pipeline {
	p := &Pipeline{
		Bin:          &Bin{},
		bus:          NewBus(),
		systemClock:  clock.NewSystemClock("GstSystemClock"),
		AutoFlushBus: true,
		clockDirty:   true,
	}
	p.initBin(p, name)
	p.objMu.Lock()
	p.BaseElement.bus = p.bus
	p.objMu.Unlock()
	return p
}

func (p *Pipeline) Bus() *Bus {
	return p.bus
}

// UseClock forces the pipeline to use c instead of selecting one.
func (p *Pipeline) UseClock(c clock.Clock) {
	p.clockMu.Lock()
	p.fixedClock = c
	p.clockDirty = true
	p.clockMu.Unlock()
}

// AutoClock lets the pipeline select its clock again.
func (p *Pipeline) AutoClock() {
	p.UseClock(nil)
}

// SetState is the traced entry point for state changes of the pipeline.
func (p *Pipeline) SetState(state State) StateChangeReturn {
	_, span := tracer.Start(context.Background(), "Pipeline.SetState",
		attribute.String("pipeline", p.Name()),
		attribute.String("state", state.String()),
	)
	defer span.End()

	return p.Bin.SetState(state)
}

func (p *Pipeline) ChangeState(transition StateChange) StateChangeReturn {
	switch transition {
	case ReadyToPaused:
		p.clockMu.Lock()
		p.streamTime = 0
		p.clockMu.Unlock()

	case PausedToPlaying:
		c := p.selectClock()
		p.clockMu.Lock()
		streamTime := p.streamTime
		p.clockMu.Unlock()

		base := c.Time() - streamTime
		p.SetBaseTime(base)
		p.logger.Debugw("distributed base time", "baseTime", base, "clock", c.Name())

	case PlayingToPaused:
		p.saveStreamTime()
	}

	ret := p.Bin.ChangeState(transition)

	if transition == ReadyToNull && p.AutoFlushBus {
		p.bus.SetFlushing(true)
		p.bus.SetFlushing(false)
	}
	return ret
}

// selectClock picks, in order, the clock set with UseClock, the clock of
// the most downstream element providing one and the system clock. A
// NEW_CLOCK message is posted when the clock changes.
func (p *Pipeline) selectClock() clock.Clock {
	p.clockMu.Lock()
	fixed, dirty := p.fixedClock, p.clockDirty
	p.clockDirty = false
	p.clockMu.Unlock()

	current := p.Clock()
	if !dirty && current != nil {
		return current
	}

	c := fixed
	if c == nil {
		c = p.Bin.ProvideClock()
	}
	if c == nil {
		c = p.systemClock
	}

	p.SetClock(c)
	if c != current {
		p.logger.Debugw("selected clock", "clock", c.Name())
		p.PostMessage(NewNewClockMessage(p, c))
	}
	return c
}

func (p *Pipeline) saveStreamTime() {
	c := p.Clock()
	if c == nil {
		return
	}
	st := c.Time() - p.BaseTime()
	p.clockMu.Lock()
	p.streamTime = st
	p.clockMu.Unlock()
}

// ProvideClock returns the clock the pipeline would select.
func (p *Pipeline) ProvideClock() clock.Clock {
	if c := p.Bin.ProvideClock(); c != nil {
		return c
	}
	return p.systemClock
}

func (p *Pipeline) HandleMessage(msg *Message) {
	switch msg.Type {
	case MessageClockLost:
		// a new clock is selected on the next PAUSED to PLAYING
		if lost := msg.ParseClock(); lost != nil && lost == p.Clock() {
			p.clockMu.Lock()
			p.clockDirty = true
			p.clockMu.Unlock()
		}
		p.PostMessage(msg)
		return

	case MessageAsyncStart:
		if p.CurrentState() == StatePlaying && p.PendingState() == StateVoidPending {
			p.saveStreamTime()
		}

	case MessageAsyncDone:
		if rt := msg.ParseAsyncDone(); clock.IsValid(rt) {
			p.clockMu.Lock()
			p.streamTime = rt
			p.clockMu.Unlock()
		}
	}
	p.Bin.HandleMessage(msg)
}

// Seek sends a seek event to every sink of the pipeline.
func (p *Pipeline) Seek(rate float64, format Format, flags SeekFlags,
	startType SeekType, start time.Duration, stopType SeekType, stop time.Duration) bool {

	ev := NewSeekEvent(rate, format, flags, startType, start, stopType, stop)
	return p.SendEvent(ev)
}

// SeekSimple seeks to position at normal rate, leaving the stop unchanged.
func (p *Pipeline) SeekSimple(format Format, flags SeekFlags, position time.Duration) bool {
	return p.Seek(1.0, format, flags, SeekTypeSet, position, SeekTypeNone, clock.None)
}

func (p *Pipeline) QueryPosition(format Format) (time.Duration, bool) {
	q := NewPositionQuery(format)
	if !p.Query(q) {
		return clock.None, false
	}
	_, pos := q.ParsePosition()
	return pos, true
}

func (p *Pipeline) QueryDuration(format Format) (time.Duration, bool) {
	q := NewDurationQuery(format)
	if !p.Query(q) {
		return clock.None, false
	}
	_, dur := q.ParseDuration()
	return dur, true
}

// ----- Application helpers -----

// Run sets the pipeline to PLAYING and blocks until it stops, either on
// EOS, on an ERROR message or through Stop.
func (p *Pipeline) Run() error {
	var watchErr error
	p.started.Once(func() {
		p.watchID, watchErr = p.bus.AddWatch(p.messageWatch)
	})
	if watchErr != nil {
		return watchErr
	}

	logger.Debugw("setting state to playing", "pipeline", p.Name())
	if p.SetState(StatePlaying) == StateChangeFailure {
		err := errors.ErrStateChangeFailed(p.Name(), StatePlaying.String())
		p.Stop()
		return err
	}

	<-p.stopped.Watch()
	return nil
}

func (p *Pipeline) messageWatch(msg *Message) bool {
	switch msg.Type {
	case MessageEOS:
		if msg.Src == Element(p) {
			logger.Debugw("pipeline reached EOS", "pipeline", p.Name())
			go p.Stop()
			return false
		}
	case MessageError:
		gerr := msg.ParseError()
		logger.Warnw("pipeline error", gerr, "pipeline", p.Name(), "src", msg.SrcName())
		p.callbacks.OnError(gerr)
		go p.Stop()
		return false
	}
	return true
}

// SendEOS pushes EOS into every source. The pipeline is reported frozen
// when it has not stopped within timeout.
func (p *Pipeline) SendEOS(timeout time.Duration) {
	p.eosSent.Once(func() {
		p.clockMu.Lock()
		p.eosTimer = time.AfterFunc(timeout, func() {
			p.callbacks.OnError(errors.ErrPipelineFrozen)
		})
		p.clockMu.Unlock()

		logger.Debugw("sending EOS", "pipeline", p.Name())
		for _, src := range p.Sources() {
			src.SendEvent(NewEOSEvent())
		}
	})
}

// Stop sets the pipeline to NULL and runs the stop callbacks, once.
func (p *Pipeline) Stop() {
	p.stopped.Once(func() {
		p.clockMu.Lock()
		if p.eosTimer != nil {
			p.eosTimer.Stop()
			p.eosTimer = nil
		}
		p.clockMu.Unlock()

		if p.watchID != "" {
			p.bus.RemoveWatch(p.watchID)
		}

		logger.Debugw("setting state to null", "pipeline", p.Name())
		if p.SetState(StateNull) == StateChangeFailure {
			p.callbacks.OnError(errors.ErrStateChangeFailed(p.Name(), StateNull.String()))
		}
		if err := p.callbacks.OnStop(); err != nil {
			p.callbacks.OnError(err)
		}
	})
}

// ----- TimeProvider -----

// RunningTime is the time the pipeline has spent in PLAYING since the
// last reset.
func (p *Pipeline) RunningTime() (time.Duration, bool) {
	if p.CurrentState() == StatePlaying {
		if rt := p.CurrentRunningTime(); clock.IsValid(rt) {
			return rt, true
		}
		return 0, false
	}
	paused := p.CurrentState() == StatePaused
	p.clockMu.Lock()
	defer p.clockMu.Unlock()
	return p.streamTime, paused
}

func (p *Pipeline) PlayheadPosition() (time.Duration, bool) {
	return p.QueryPosition(FormatTime)
}
