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
	"time"

	"github.com/pion/rtp"

	"github.com/livekit/gstcore/pkg/base"
	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

const (
	rtpCapsName        = "application/x-rtp"
	rtpPayloadCapsName = "application/x-rtp-payload"
)

var rtpParseTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.MustParse(rtpCapsName)),
	gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.MustParse(rtpPayloadCapsName)),
}

var rtpParseFactory = &gst.ElementFactory{
	Name:        "rtpparse",
	LongName:    "RTP parser",
	Klass:       "Codec/Depayloader/Network/RTP",
	Description: "Strip RTP headers and timestamp the payload",
	Author:      "LiveKit",
	Rank:        gst.RankSecondary,
	Templates:   rtpParseTemplates,
	New:         func(name string) gst.Element { return NewRTPParse(name) },
}

// RTPParse strips the RTP header. Output buffers carry the sequence number
// as offset and a pts derived from the RTP timestamp, starting at zero.
type RTPParse struct {
	base.Transform

	mu        sync.Mutex
	clockRate int
	started   bool
	ssrc      uint32
	lastTS    uint32
	extTS     int64
	lastSeq   uint16
}

func NewRTPParse(name string) *RTPParse {
	p := &RTPParse{}
	p.InitTransform(p, p, name, rtpParseTemplates...)
	p.Properties().Install(
		&gst.ParamSpec{
			Name: "clock-rate", Blurb: "RTP clock rate used when the caps have none",
			Type: gst.ParamInt, Default: 90000, Min: 1, Max: 1 << 30,
		},
		&gst.ParamSpec{
			Name: "ssrc", Blurb: "SSRC of the current stream",
			Type: gst.ParamUint64, Default: uint64(0), Flags: gst.ParamReadable,
		},
	)
	return p
}

func (p *RTPParse) ChangeState(transition gst.StateChange) gst.StateChangeReturn {
	if transition == gst.ReadyToPaused {
		p.mu.Lock()
		p.started = false
		p.clockRate = 0
		p.mu.Unlock()
	}
	return p.Transform.ChangeState(transition)
}

func (p *RTPParse) TransformCaps(direction gst.PadDirection, c *caps.Caps) *caps.Caps {
	target := rtpPayloadCapsName
	if direction == gst.PadSrc {
		target = rtpCapsName
	}
	if c.IsAny() {
		return caps.NewSimple(target)
	}

	structures := make([]*caps.Structure, 0, c.Size())
	for i := 0; i < c.Size(); i++ {
		s := caps.NewStructure(target)
		for _, f := range c.Structure(i).Fields() {
			_ = s.SetValue(f.Name, f.Value)
		}
		structures = append(structures, s)
	}
	return caps.New(structures...)
}

func (p *RTPParse) SetCaps(in, _ *caps.Caps) bool {
	if in == nil || in.Size() == 0 {
		return true
	}
	rate, ok := in.Structure(0).GetInt("clock-rate")
	if !ok {
		return true
	}
	if rate <= 0 {
		return false
	}
	p.mu.Lock()
	p.clockRate = rate
	p.mu.Unlock()
	return true
}

func (p *RTPParse) SinkEvent(ev *gst.Event) (bool, bool) {
	if ev.Type == gst.EventFlushStop {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
	}
	return false, false
}

func (p *RTPParse) TransformBuffer(in *buffer.Buffer) (*buffer.Buffer, gst.FlowReturn) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(in.Bytes()); err != nil {
		p.PostWarning(errors.StreamError, errors.StreamDecode, "dropping invalid RTP packet", err.Error())
		return nil, base.FlowDropped
	}

	p.mu.Lock()
	rate := p.clockRate
	if rate == 0 {
		rate = p.Properties().GetInt("clock-rate")
	}

	discont := in.HasFlags(buffer.FlagDiscont)
	if !p.started || pkt.SSRC != p.ssrc {
		if p.started {
			p.Logger().Debugw("ssrc changed", "old", p.ssrc, "new", pkt.SSRC)
		}
		p.started = true
		p.ssrc = pkt.SSRC
		p.lastTS = pkt.Timestamp
		p.extTS = 0
		discont = true
		p.Properties().SetInternal("ssrc", uint64(pkt.SSRC))
	} else {
		// signed difference handles wraparound
		p.extTS += int64(int32(pkt.Timestamp - p.lastTS))
		p.lastTS = pkt.Timestamp
		if pkt.SequenceNumber != p.lastSeq+1 {
			discont = true
		}
	}
	p.lastSeq = pkt.SequenceNumber
	ext := p.extTS
	p.mu.Unlock()

	out := buffer.New(append([]byte(nil), pkt.Payload...))
	if ext >= 0 {
		out.PTS = time.Duration(ext * int64(time.Second) / int64(rate))
		out.DTS = out.PTS
	}
	out.Offset = uint64(pkt.SequenceNumber)
	if pkt.Marker {
		out.SetFlags(buffer.FlagMarker)
	}
	if discont {
		out.SetFlags(buffer.FlagDiscont)
	}
	return out, gst.FlowOK
}
