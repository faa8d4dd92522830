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
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/base"
	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

var identityTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny()),
	gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny()),
}

var identityFactory = &gst.ElementFactory{
	Name:        "identity",
	LongName:    "Identity",
	Klass:       "Generic",
	Description: "Pass data without modification",
	Author:      "LiveKit",
	Rank:        gst.RankNone,
	Templates:   identityTemplates,
	New:         func(name string) gst.Element { return NewIdentity(name) },
}

// Identity passes buffers on, optionally sleeping, dropping or failing
// after a number of buffers.
type Identity struct {
	base.Transform

	mu      sync.Mutex
	handoff func(*buffer.Buffer)
	count   atomic.Int64
}

func NewIdentity(name string) *Identity {
	i := &Identity{}
	i.InitTransform(i, i, name, identityTemplates...)

	i.Properties().Install(
		&gst.ParamSpec{
			Name: "sleep-time", Blurb: "Microseconds to sleep between processing",
			Type: gst.ParamUint64, Default: uint64(0),
		},
		&gst.ParamSpec{
			Name: "error-after", Blurb: "Error after N buffers (-1 = never)",
			Type: gst.ParamInt, Default: -1, Min: -1, Max: 1 << 31,
		},
		&gst.ParamSpec{
			Name: "drop-probability", Blurb: "The probability that a buffer is dropped",
			Type: gst.ParamDouble, Default: 0.0, Min: 0, Max: 1,
		},
		&gst.ParamSpec{
			Name: "silent", Blurb: "Don't log buffers",
			Type: gst.ParamBool, Default: true,
		},
		&gst.ParamSpec{
			Name: "signal-handoffs", Blurb: "Send a signal before pushing the buffer",
			Type: gst.ParamBool, Default: true,
		},
	)
	return i
}

func (i *Identity) OnHandoff(f func(*buffer.Buffer)) {
	i.mu.Lock()
	i.handoff = f
	i.mu.Unlock()
}

func (i *Identity) ChangeState(transition gst.StateChange) gst.StateChangeReturn {
	if transition == gst.ReadyToPaused {
		i.count.Store(0)
	}
	return i.Transform.ChangeState(transition)
}

func (i *Identity) TransformIP(buf *buffer.Buffer) gst.FlowReturn {
	n := i.count.Inc()
	if after := i.Properties().GetInt("error-after"); after >= 0 && n > int64(after) {
		i.PostError(errors.CoreError, errors.CodeFailed, "failed after iterations as requested", "")
		return gst.FlowError
	}

	if p := i.Properties().GetDouble("drop-probability"); p > 0 && rand.Float64() < p {
		if !i.Properties().GetBool("silent") {
			i.Logger().Debugw("dropping", "buffer", buf.String())
		}
		return base.FlowDropped
	}

	if !i.Properties().GetBool("silent") {
		i.Logger().Debugw("chain", "buffer", buf.String())
	}

	i.mu.Lock()
	f := i.handoff
	i.mu.Unlock()
	if f != nil && i.Properties().GetBool("signal-handoffs") {
		f(buf)
	}

	if us := i.Properties().GetUint64("sleep-time"); us > 0 {
		time.Sleep(time.Duration(us) * time.Microsecond)
	}
	return gst.FlowOK
}
