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
	"github.com/livekit/gstcore/pkg/base"
	"github.com/livekit/gstcore/pkg/caps"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

var capsFilterTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny()),
	gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny()),
}

var capsFilterFactory = &gst.ElementFactory{
	Name:        "capsfilter",
	LongName:    "CapsFilter",
	Klass:       "Generic",
	Description: "Pass data without modification, limiting formats",
	Author:      "LiveKit",
	Rank:        gst.RankNone,
	Templates:   capsFilterTemplates,
	New:         func(name string) gst.Element { return NewCapsFilter(name) },
}

// CapsFilter restricts the formats that can pass through it.
type CapsFilter struct {
	base.Transform
}

func NewCapsFilter(name string) *CapsFilter {
	f := &CapsFilter{}
	f.InitTransform(f, f, name, capsFilterTemplates...)

	f.Properties().Install(&gst.ParamSpec{
		Name: "caps", Blurb: "Restrict the possible allowed capabilities",
		Type: gst.ParamCaps, Default: caps.NewAny(),
	})
	f.Properties().OnNotify("caps", func(any) {
		// upstream renegotiates against the new filter
		f.SinkPad().PushEvent(gst.NewReconfigureEvent())
	})
	return f
}

func (f *CapsFilter) filter() *caps.Caps {
	if c := f.Properties().GetCaps("caps"); c != nil {
		return c
	}
	return caps.NewAny()
}

func (f *CapsFilter) TransformCaps(_ gst.PadDirection, c *caps.Caps) *caps.Caps {
	return f.filter().IntersectFirst(c)
}
