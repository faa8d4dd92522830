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

package elements

import (
	"sync"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

var teeTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny()),
	gst.NewPadTemplate("src_%u", gst.PadSrc, gst.PadRequest, caps.NewAny()),
}

var teeFactory = &gst.ElementFactory{
	Name:        "tee",
	LongName:    "Tee pipe fitting",
	Klass:       "Generic",
	Description: "1-to-N pipe fitting",
	Author:      "LiveKit",
	Rank:        gst.RankNone,
	Templates:   teeTemplates,
	New:         func(name string) gst.Element { return NewTee(name) },
}

// Tee pushes every buffer to all of its request src pads.
type Tee struct {
	gst.BaseElement

	sinkPad *gst.Pad

	mu      sync.Mutex
	nextPad int
}

func NewTee(name string) *Tee {
	t := &Tee{}
	t.Init(t, name, teeTemplates...)

	t.sinkPad = gst.NewPadFromTemplate(t.PadTemplate("sink"), "sink")
	t.sinkPad.SetChainFunction(t.chain)
	t.sinkPad.SetFlags(gst.PadFlagProxyCaps)
	_ = t.AddPad(t.sinkPad)

	t.Properties().Install(
		&gst.ParamSpec{
			Name: "num-src-pads", Blurb: "The number of source pads",
			Type: gst.ParamInt, Default: 0, Flags: gst.ParamReadable,
		},
		&gst.ParamSpec{
			Name: "allow-not-linked", Blurb: "Return GST_FLOW_OK even if there are no source pads or they are all unlinked",
			Type: gst.ParamBool, Default: false,
		},
	)
	return t
}

func (t *Tee) RequestNewPad(templ *gst.PadTemplate, name string, _ *caps.Caps) *gst.Pad {
	t.mu.Lock()
	if name == "" {
		for {
			name = templ.PadName(t.nextPad)
			t.nextPad++
			if t.StaticPad(name) == nil {
				break
			}
		}
	}
	t.mu.Unlock()

	pad := gst.NewPadFromTemplate(templ, name)
	pad.SetFlags(gst.PadFlagProxyCaps)
	if err := t.AddPad(pad); err != nil {
		t.Logger().Debugw("could not add pad", "pad", name, "error", err)
		return nil
	}

	// a late pad starts with the stream the others already saw
	if pad.IsActive() {
		for _, ev := range t.sinkPad.StickyEvents() {
			pad.PushEvent(ev)
		}
	}
	t.Properties().SetInternal("num-src-pads", len(t.SrcPads()))
	return pad
}

func (t *Tee) ReleasePad(pad *gst.Pad) {
	if err := t.RemovePad(pad); err != nil {
		t.Logger().Debugw("could not release pad", "pad", pad.Name(), "error", err)
		return
	}
	t.Properties().SetInternal("num-src-pads", len(t.SrcPads()))
}

func (t *Tee) chain(_ *gst.Pad, _ gst.Element, buf *buffer.Buffer) gst.FlowReturn {
	defer buf.Unref()

	pads := t.SrcPads()
	if len(pads) == 0 {
		if t.Properties().GetBool("allow-not-linked") {
			return gst.FlowOK
		}
		return gst.FlowNotLinked
	}

	// OK wins over EOS and flushing branches, errors win over everything
	result := gst.FlowNotLinked
	for _, pad := range pads {
		ret := pad.Push(buf.Ref())
		switch {
		case ret == gst.FlowNotLinked:
		case ret.IsFatal():
			result = ret
		case ret == gst.FlowOK:
			if !result.IsFatal() || result == gst.FlowNotLinked {
				result = gst.FlowOK
			}
		default:
			if result == gst.FlowNotLinked {
				result = ret
			}
		}
	}

	if result == gst.FlowNotLinked && t.Properties().GetBool("allow-not-linked") {
		return gst.FlowOK
	}
	return result
}
