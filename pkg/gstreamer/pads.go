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

	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
	"github.com/livekit/protocol/logger"
)

// padTemplate is a template of a specific element, indexed by the media
// names and types its caps mention.
type padTemplate struct {
	element   Element
	template  *PadTemplate
	capsNames map[string]struct{}
	dataTypes map[string]struct{}
}

func newPadTemplate(e Element, t *PadTemplate) *padTemplate {
	p := &padTemplate{
		element:   e,
		template:  t,
		capsNames: make(map[string]struct{}),
		dataTypes: make(map[string]struct{}),
	}

	if t.Caps == nil || t.Caps.IsAny() {
		if strings.HasPrefix(t.NameTemplate, t.Direction.String()) {
			// src/src_%u/sink/sink_%u pad
			p.dataTypes["ANY"] = struct{}{}
		} else {
			// audio/audio_%u/video/video_%u pad
			dataType := t.NameTemplate
			if i := strings.IndexByte(dataType, '_'); i > 0 {
				dataType = dataType[:i]
			}
			p.dataTypes[dataType] = struct{}{}
		}
		return p
	}

	for i := 0; i < t.Caps.Size(); i++ {
		capsName := t.Caps.Structure(i).Name()
		p.capsNames[capsName] = struct{}{}
		p.dataTypes[strings.Split(capsName, "/")[0]] = struct{}{}
	}
	return p
}

// toPad returns an unlinked pad of the template, requesting one if needed.
func (p *padTemplate) toPad() *Pad {
	switch p.template.Presence {
	case PadAlways:
		if pad := p.element.StaticPad(p.template.NameTemplate); pad != nil && !pad.IsLinked() {
			return pad
		}
		return nil
	case PadRequest:
		return p.element.RequestPad(p.template.NameTemplate, "", nil)
	default:
		// sometimes pads only exist once the element creates them
		return nil
	}
}

func (p *padTemplate) findDirectMatch(others []*padTemplate) *padTemplate {
	for _, other := range others {
		for capsName := range p.capsNames {
			if _, ok := other.capsNames[capsName]; ok {
				return other
			}
		}
		for dataType := range p.dataTypes {
			if _, ok := other.dataTypes[dataType]; ok {
				return other
			}
		}
	}
	return nil
}

func (p *padTemplate) findAnyMatch(others []*padTemplate) *padTemplate {
	for _, other := range others {
		if _, ok := p.dataTypes["ANY"]; ok {
			return other
		}
		if _, ok := other.dataTypes["ANY"]; ok {
			return other
		}
	}
	return nil
}

func padTemplates(e Element, direction PadDirection, presence PadPresence) []*padTemplate {
	var templates []*padTemplate
	for _, t := range e.PadTemplates() {
		if t.Direction == direction && t.Presence == presence {
			templates = append(templates, newPadTemplate(e, t))
		}
	}
	return templates
}

// ----- Element linking -----

// LinkElements links src to sink through the first pair of compatible pads.
// Pads of elements in different bins are linked through ghost pads.
func LinkElements(src, sink Element) error {
	return LinkPadsFiltered(src, "", sink, "", nil)
}

func LinkElementsFiltered(src, sink Element, filter *caps.Caps) error {
	return LinkPadsFiltered(src, "", sink, "", filter)
}

// LinkMany links every element to the next one.
func LinkMany(elements ...Element) error {
	for i := 1; i < len(elements); i++ {
		if err := LinkElements(elements[i-1], elements[i]); err != nil {
			return err
		}
	}
	return nil
}

// LinkPads links the named pads. An empty name picks any compatible pad.
func LinkPads(src Element, srcPad string, sink Element, sinkPad string) error {
	return LinkPadsFiltered(src, srcPad, sink, sinkPad, nil)
}

func LinkPadsFiltered(src Element, srcPadName string, sink Element, sinkPadName string, filter *caps.Caps) error {
	var srcPad, sinkPad *Pad
	if srcPadName != "" {
		if srcPad = getPad(src, srcPadName, PadSrc); srcPad == nil {
			return errors.ErrNoSuchPad(src.Name(), srcPadName)
		}
	}
	if sinkPadName != "" {
		if sinkPad = getPad(sink, sinkPadName, PadSink); sinkPad == nil {
			return errors.ErrNoSuchPad(sink.Name(), sinkPadName)
		}
	}

	switch {
	case srcPad != nil && sinkPad != nil:
		if ret := LinkPadsMaybeGhosting(srcPad, sinkPad, filter); ret != PadLinkOK {
			return errors.ErrPadLinkFailed(srcPad.String(), sinkPad.String(), ret.String())
		}
		return nil

	case srcPad != nil:
		if linkToAnyPad(srcPad, sink, filter) {
			return nil
		}

	case sinkPad != nil:
		for _, sp := range src.SrcPads() {
			if !sp.IsLinked() && LinkPadsMaybeGhosting(sp, sinkPad, filter) == PadLinkOK {
				return nil
			}
		}
		for _, t := range padTemplates(src, PadSrc, PadRequest) {
			if t.template.Caps != nil && !t.template.Caps.CanIntersect(sinkPad.QueryCaps(nil)) {
				continue
			}
			if sp := t.toPad(); sp != nil {
				if LinkPadsMaybeGhosting(sp, sinkPad, filter) == PadLinkOK {
					return nil
				}
				src.ReleaseRequestPad(sp)
			}
		}

	default:
		for _, sp := range src.SrcPads() {
			if !sp.IsLinked() && linkToAnyPad(sp, sink, filter) {
				return nil
			}
		}
		if matchRequestPads(src, sink, filter) {
			return nil
		}
	}

	logger.Debugw("could not match pads", "src", src.Name(), "sink", sink.Name())
	return errors.ErrLinkFailed(src.Name(), sink.Name())
}

// linkToAnyPad links src to an existing sink pad of sink, or to a new
// request pad.
func linkToAnyPad(src *Pad, sink Element, filter *caps.Caps) bool {
	for _, sp := range sink.SinkPads() {
		if !sp.IsLinked() && LinkPadsMaybeGhosting(src, sp, filter) == PadLinkOK {
			return true
		}
	}

	srcCaps := src.QueryCaps(nil)
	for _, t := range padTemplates(sink, PadSink, PadRequest) {
		if t.template.Caps != nil && !t.template.Caps.CanIntersect(srcCaps) {
			continue
		}
		if sp := t.toPad(); sp != nil {
			if LinkPadsMaybeGhosting(src, sp, filter) == PadLinkOK {
				return true
			}
			sink.ReleaseRequestPad(sp)
		}
	}
	return false
}

// matchRequestPads pairs request templates of both elements, preferring
// templates sharing a media name or type.
func matchRequestPads(src, sink Element, filter *caps.Caps) bool {
	srcTemplates := padTemplates(src, PadSrc, PadRequest)
	sinkTemplates := append(padTemplates(sink, PadSink, PadAlways), padTemplates(sink, PadSink, PadRequest)...)
	if len(srcTemplates) == 0 || len(sinkTemplates) == 0 {
		return false
	}

	try := func(srcTemplate, sinkTemplate *padTemplate) bool {
		srcPad := srcTemplate.toPad()
		if srcPad == nil {
			return false
		}
		sinkPad := sinkTemplate.toPad()
		if sinkPad != nil && LinkPadsMaybeGhosting(srcPad, sinkPad, filter) == PadLinkOK {
			return true
		}
		src.ReleaseRequestPad(srcPad)
		if sinkPad != nil && sinkTemplate.template.Presence == PadRequest {
			sink.ReleaseRequestPad(sinkPad)
		}
		return false
	}

	for _, srcTemplate := range srcTemplates {
		if sinkTemplate := srcTemplate.findDirectMatch(sinkTemplates); sinkTemplate != nil && try(srcTemplate, sinkTemplate) {
			return true
		}
	}
	for _, srcTemplate := range srcTemplates {
		if sinkTemplate := srcTemplate.findAnyMatch(sinkTemplates); sinkTemplate != nil && try(srcTemplate, sinkTemplate) {
			return true
		}
	}
	return false
}

// getPad finds a pad by name, requesting it when the name matches a
// request template.
func getPad(e Element, name string, direction PadDirection) *Pad {
	if pad := e.StaticPad(name); pad != nil {
		if pad.Direction() == direction {
			return pad
		}
		return nil
	}
	for _, t := range e.PadTemplates() {
		if t.Direction != direction || t.Presence != PadRequest {
			continue
		}
		if t.NameTemplate == name || t.Matches(name) {
			reqName := name
			if t.NameTemplate == name {
				reqName = ""
			}
			return e.RequestPad(t.NameTemplate, reqName, nil)
		}
	}
	return nil
}

// LinkPadsMaybeGhosting links pads of elements placed anywhere below a
// common bin, creating ghost pads on every bin in between.
func LinkPadsMaybeGhosting(src, sink *Pad, filter *caps.Caps) PadLinkReturn {
	srcElem, sinkElem := src.Parent(), sink.Parent()
	if srcElem == nil || sinkElem == nil || srcElem.Parent() == sinkElem.Parent() {
		return linkWithFilter(src, sink, filter)
	}

	var srcBins []*Bin
	for b := srcElem.Parent(); b != nil; b = b.Parent() {
		srcBins = append(srcBins, b)
	}
	var sinkBins []*Bin
	var common *Bin
	for b := sinkElem.Parent(); b != nil; b = b.Parent() {
		if slices.Contains(srcBins, b) {
			common = b
			break
		}
		sinkBins = append(sinkBins, b)
	}
	if common == nil {
		return PadLinkWrongHierarchy
	}
	srcBins = srcBins[:slices.Index(srcBins, common)]

	var ghosts []ghostPlacement
	fail := func(ret PadLinkReturn) PadLinkReturn {
		for _, g := range ghosts {
			_ = g.bin.RemovePad(g.pad.Pad)
		}
		return ret
	}

	for _, b := range srcBins {
		g := NewGhostPad(fmt.Sprintf("%s_%s", src.Parent().Name(), src.Name()), src)
		if g == nil || b.AddPad(g.Pad) != nil {
			return fail(PadLinkRefused)
		}
		ghosts = append(ghosts, ghostPlacement{b, g})
		src = g.Pad
	}
	for _, b := range sinkBins {
		g := NewGhostPad(fmt.Sprintf("%s_%s", sink.Parent().Name(), sink.Name()), sink)
		if g == nil || b.AddPad(g.Pad) != nil {
			return fail(PadLinkRefused)
		}
		ghosts = append(ghosts, ghostPlacement{b, g})
		sink = g.Pad
	}

	if ret := linkWithFilter(src, sink, filter); ret != PadLinkOK {
		return fail(ret)
	}
	return PadLinkOK
}

type ghostPlacement struct {
	bin *Bin
	pad *GhostPad
}

func linkWithFilter(src, sink *Pad, filter *caps.Caps) PadLinkReturn {
	if filter != nil {
		return src.LinkFiltered(sink, filter)
	}
	return src.Link(sink)
}

// UnlinkElements removes every link from src to sink, releasing request
// pads on both sides.
func UnlinkElements(src, sink Element) {
	for _, sp := range src.SrcPads() {
		peer := sp.Peer()
		if peer == nil || peer.Parent() != sink {
			continue
		}
		sp.Unlink(peer)
		if t := peer.Template(); t != nil && t.Presence == PadRequest {
			sink.ReleaseRequestPad(peer)
		}
		if t := sp.Template(); t != nil && t.Presence == PadRequest {
			src.ReleaseRequestPad(sp)
		}
	}
}

// LinkWhenAvailable links src to sink now if possible, or else as soon as
// src adds a matching pad. Once the linked pad is removed the next
// matching pad is linked again.
func LinkWhenAvailable(src Element, srcPadName string, sink Element, sinkPadName string, filter *caps.Caps) error {
	err := LinkPadsFiltered(src, srcPadName, sink, sinkPadName, filter)
	if err == nil {
		return nil
	}
	if len(padTemplates(src, PadSrc, PadSometimes)) == 0 {
		return err
	}

	var mu sync.Mutex
	var linked *Pad
	src.Callbacks().AddOnPadAdded(func(pad *Pad) {
		if pad.Direction() != PadSrc || (srcPadName != "" && pad.Name() != srcPadName) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if linked != nil {
			return
		}
		if err := LinkPadsFiltered(src, pad.Name(), sink, sinkPadName, filter); err != nil {
			logger.Debugw("delayed link failed", "pad", pad.String(), "sink", sink.Name(), "error", err)
			return
		}
		linked = pad
		if sink.CurrentState() < src.CurrentState() {
			sink.SyncStateWithParent()
		}
	})
	src.Callbacks().AddOnPadRemoved(func(pad *Pad) {
		mu.Lock()
		if linked == pad {
			linked = nil
		}
		mu.Unlock()
	})
	return nil
}
