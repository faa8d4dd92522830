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
	"github.com/livekit/gstcore/pkg/buffer"
)

// GhostPad exposes a pad of a child element on its bin. The ghost has an
// internal pad of the opposite direction linked to the target; data and
// events cross between the two.
type GhostPad struct {
	*Pad
	internal *Pad
}

// NewGhostPad creates a ghost for target, or an unlinked ghost with the
// given direction when target is nil.
func NewGhostPad(name string, target *Pad) *GhostPad {
	if target == nil {
		return nil
	}
	g := NewGhostPadNoTarget(name, target.Direction())
	g.template = target.Template()
	if !g.SetTarget(target) {
		return nil
	}
	return g
}

func NewGhostPadNoTarget(name string, direction PadDirection) *GhostPad {
	external := NewPad(name, direction)
	internalDir := PadSink
	if direction == PadSink {
		internalDir = PadSrc
	}
	internal := NewPad(name, internalDir)

	external.proxy = internal
	internal.proxy = external
	internal.internal = true

	for _, p := range []*Pad{external, internal} {
		p.flags |= PadFlagProxyCaps | PadFlagProxyScheduling | PadFlagAcceptIntersect
		p.activateModeFunc = proxyActivateMode
	}

	if direction == PadSink {
		external.chainFunc = proxyChain
		internal.getRangeFunc = proxyGetRange
	} else {
		internal.chainFunc = proxyChain
		external.getRangeFunc = proxyGetRange
	}

	return &GhostPad{
		Pad:      external,
		internal: internal,
	}
}

// Internal returns the pad linked to the target.
func (g *GhostPad) Internal() *Pad {
	return g.internal
}

// Target returns the pad the ghost stands for, or nil.
func (g *GhostPad) Target() *Pad {
	return g.internal.Peer()
}

// SetTarget retargets the ghost. A nil target only unlinks the old one.
func (g *GhostPad) SetTarget(target *Pad) bool {
	if old := g.Target(); old != nil {
		if g.internal.direction == PadSrc {
			g.internal.Unlink(old)
		} else {
			old.Unlink(g.internal)
		}
	}
	if target == nil {
		return true
	}

	var ret PadLinkReturn
	if g.internal.direction == PadSrc {
		ret = g.internal.LinkFull(target, PadLinkCheckNothing)
	} else {
		ret = target.LinkFull(g.internal, PadLinkCheckNothing)
	}
	if ret != PadLinkOK {
		g.log().Warnw("could not link ghost target", nil, "target", target.String(), "reason", ret.String())
		return false
	}
	return true
}

func proxyChain(pad *Pad, _ Element, buf *buffer.Buffer) FlowReturn {
	return pad.proxy.Push(buf)
}

func proxyGetRange(pad *Pad, _ Element, offset uint64, size int) (*buffer.Buffer, FlowReturn) {
	return pad.proxy.PullRange(offset, size)
}

// proxyActivateMode keeps both sides of the ghost in the same mode.
func proxyActivateMode(pad *Pad, _ Element, mode PadMode, active bool) bool {
	return pad.proxy.ActivateMode(mode, active)
}
