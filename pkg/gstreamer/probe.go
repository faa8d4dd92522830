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
	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/buffer"
)

type PadProbeType uint32

const (
	ProbeInvalid PadProbeType = 0
	ProbeIdle    PadProbeType = 1 << (iota - 1)
	ProbeBlock
	_
	_
	ProbeBuffer
	ProbeBufferList
	ProbeEventDownstream
	ProbeEventUpstream
	ProbeEventFlush
	ProbeQueryDownstream
	ProbeQueryUpstream
	_
	ProbePush
	ProbePull

	ProbeBlocking        = ProbeIdle | ProbeBlock
	ProbeDataDownstream  = ProbeBuffer | ProbeBufferList | ProbeEventDownstream
	ProbeDataUpstream    = ProbeEventUpstream
	ProbeDataBoth        = ProbeDataDownstream | ProbeDataUpstream
	ProbeBlockDownstream = ProbeBlock | ProbeDataDownstream
	ProbeBlockUpstream   = ProbeBlock | ProbeDataUpstream
	ProbeEventBoth       = ProbeEventDownstream | ProbeEventUpstream
	ProbeQueryBoth       = ProbeQueryDownstream | ProbeQueryUpstream
	ProbeAllBoth         = ProbeDataBoth | ProbeQueryBoth
	ProbeScheduling      = ProbePush | ProbePull
)

type PadProbeReturn int

const (
	// ProbeDrop drops the data. Flow continues as if it had been handled.
	ProbeDrop PadProbeReturn = iota
	// ProbeOK lets the data pass, or keeps the pad blocked for a blocking
	// probe.
	ProbeOK
	// ProbeRemove removes the probe and lets the data pass.
	ProbeRemove
	// ProbePass lets the data pass without blocking.
	ProbePass
	// ProbeHandled means the callback consumed the data or answered the
	// query itself.
	ProbeHandled
)

// PadProbeInfo carries the item that triggered the probe.
type PadProbeInfo struct {
	Type   PadProbeType
	ID     uint64
	Buffer *buffer.Buffer
	Event  *Event
	Query  *Query
	Offset uint64
	Size   int
}

type PadProbeCallback func(pad *Pad, info *PadProbeInfo) PadProbeReturn

type padProbe struct {
	id       uint64
	mask     PadProbeType
	cb       PadProbeCallback
	idleDone bool
}

type probeResult int

const (
	probePass probeResult = iota
	probeDropped
	probeHandled
	probeFlushing
)

var probeIDs atomic.Uint64

// AddProbe installs cb for the data types in mask. A probe with
// ProbeBlock blocks the streaming thread until the probe is removed or the
// pad flushes. An idle probe runs as soon as no data is passing the pad,
// which may be right away in the calling goroutine.
func (p *Pad) AddProbe(mask PadProbeType, cb PadProbeCallback) uint64 {
	probe := &padProbe{
		id:   probeIDs.Inc(),
		mask: mask,
		cb:   cb,
	}

	p.mu.Lock()
	p.probes = append(p.probes, probe)
	idle := mask&ProbeIdle != 0 && p.streaming == 0
	if idle {
		probe.idleDone = true
	}
	p.mu.Unlock()

	if idle {
		p.callIdleProbe(probe)
	}
	return probe.id
}

func (p *Pad) RemoveProbe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, probe := range p.probes {
		if probe.id == id {
			p.probes = append(p.probes[:i], p.probes[i+1:]...)
			p.signalProbesLocked()
			return
		}
	}
}

// IsBlocked reports whether a streaming thread is waiting in a blocking
// probe of p.
func (p *Pad) IsBlocked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocked > 0
}

// IsBlocking reports whether p has a blocking probe installed.
func (p *Pad) IsBlocking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, probe := range p.probes {
		if probe.mask&ProbeBlocking != 0 {
			return true
		}
	}
	return false
}

func (p *Pad) signalProbesLocked() {
	close(p.probeSignal)
	p.probeSignal = make(chan struct{})
}

func (p *Pad) hasProbeLocked(id uint64) bool {
	for _, probe := range p.probes {
		if probe.id == id {
			return true
		}
	}
	return false
}

func (p *Pad) hasPendingIdleLocked() bool {
	for _, probe := range p.probes {
		if probe.mask&ProbeIdle != 0 && !probe.idleDone {
			return true
		}
	}
	return false
}

func (p *Pad) runIdleProbes() {
	p.mu.Lock()
	var pending []*padProbe
	for _, probe := range p.probes {
		if probe.mask&ProbeIdle != 0 && !probe.idleDone {
			probe.idleDone = true
			pending = append(pending, probe)
		}
	}
	p.mu.Unlock()

	for _, probe := range pending {
		p.callIdleProbe(probe)
	}
}

func (p *Pad) callIdleProbe(probe *padProbe) {
	switch probe.cb(p, &PadProbeInfo{Type: ProbeIdle, ID: probe.id}) {
	case ProbeRemove, ProbeDrop, ProbePass, ProbeHandled:
		p.RemoveProbe(probe.id)
	}
}

// runProbes calls the probes matching ptype and blocks while a blocking
// probe asks for it.
func (p *Pad) runProbes(ptype PadProbeType, info *PadProbeInfo) probeResult {
	p.mu.Lock()
	if len(p.probes) == 0 {
		p.mu.Unlock()
		return probePass
	}
	probes := make([]*padProbe, len(p.probes))
	copy(probes, p.probes)
	p.mu.Unlock()

	var blockOn []uint64
	for _, probe := range probes {
		if probe.mask&ProbeIdle != 0 && probe.mask&^(ProbeIdle|ProbeScheduling) == 0 {
			// an idle probe still installed keeps all data out
			if probe.idleDone {
				blockOn = append(blockOn, probe.id)
			}
			continue
		}
		if !probe.matches(ptype) {
			continue
		}

		info.Type = ptype | probe.mask&ProbeBlocking
		info.ID = probe.id
		switch probe.cb(p, info) {
		case ProbeRemove:
			p.RemoveProbe(probe.id)
		case ProbeDrop:
			return probeDropped
		case ProbeHandled:
			return probeHandled
		case ProbeOK:
			if probe.mask&ProbeBlock != 0 {
				blockOn = append(blockOn, probe.id)
			}
		}
	}

	if len(blockOn) == 0 {
		return probePass
	}
	return p.waitUnblocked(blockOn)
}

func (p *Pad) waitUnblocked(ids []uint64) probeResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.blocked++
	defer func() { p.blocked-- }()
	for !p.flushing {
		stillBlocked := false
		for _, id := range ids {
			if p.hasProbeLocked(id) {
				stillBlocked = true
				break
			}
		}
		if !stillBlocked {
			return probePass
		}
		ch := p.probeSignal
		p.mu.Unlock()
		<-ch
		p.mu.Lock()
	}
	return probeFlushing
}

func (probe *padProbe) matches(ptype PadProbeType) bool {
	data := probe.mask &^ (ProbeBlocking | ProbeScheduling)
	if data == 0 {
		// a bare blocking probe applies to all downstream data
		data = ProbeDataDownstream
	}
	if data&ptype == 0 {
		return false
	}
	if sched := probe.mask & ProbeScheduling; sched != 0 && sched&ptype == 0 {
		return false
	}
	return true
}
