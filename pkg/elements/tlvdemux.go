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
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
	"github.com/livekit/gstcore/pkg/errors"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

// TLV stream layout: the magic, then records of
// stream id (uint8) | payload length (uint32 BE) | pts (uint64 BE) | payload.
// A pts of all ones means none.
const (
	TLVMagic         = "GTLV"
	tlvHeaderSize    = 13
	tlvNoPTS         = ^uint64(0)
	tlvMaxPayload    = 64 << 20
	tlvStreamCapsFmt = "application/x-tlv-stream,stream=(int)%d"
)

// WriteTLVHeader writes the stream magic.
func WriteTLVHeader(w io.Writer) error {
	_, err := io.WriteString(w, TLVMagic)
	return err
}

// WriteTLVRecord writes one record. A negative pts is written as none.
func WriteTLVRecord(w io.Writer, stream uint8, pts time.Duration, payload []byte) error {
	var hdr [tlvHeaderSize]byte
	hdr[0] = stream
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(payload)))
	if pts < 0 {
		binary.BigEndian.PutUint64(hdr[5:], tlvNoPTS)
	} else {
		binary.BigEndian.PutUint64(hdr[5:], uint64(pts))
	}
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

type tlvHeader struct {
	stream uint8
	size   int
	pts    time.Duration
}

func parseTLVHeader(b []byte) (tlvHeader, error) {
	h := tlvHeader{
		stream: b[0],
		size:   int(binary.BigEndian.Uint32(b[1:5])),
		pts:    clock.None,
	}
	if pts := binary.BigEndian.Uint64(b[5:]); pts != tlvNoPTS {
		h.pts = time.Duration(pts)
	}
	if h.size > tlvMaxPayload {
		return h, fmt.Errorf("record of %d bytes exceeds the limit", h.size)
	}
	return h, nil
}

var tlvDemuxTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny()),
	gst.NewPadTemplate("src_%u", gst.PadSrc, gst.PadSometimes, caps.MustParse("application/x-tlv-stream")),
}

var tlvDemuxFactory = &gst.ElementFactory{
	Name:        "tlvdemux",
	LongName:    "TLV demuxer",
	Klass:       "Codec/Demuxer",
	Description: "Demultiplex a stream of type-length-value records",
	Author:      "LiveKit",
	Rank:        gst.RankPrimary,
	Templates:   tlvDemuxTemplates,
	New:         func(name string) gst.Element { return NewTLVDemux(name) },
}

type tlvStream struct {
	id       uint8
	pad      *gst.Pad
	lastFlow gst.FlowReturn
	discont  bool
}

// TLVDemux splits a TLV stream into one sometimes pad per stream id. It
// pulls from upstream when upstream is seekable and is driven by chain
// otherwise.
type TLVDemux struct {
	gst.BaseElement

	sinkPad *gst.Pad

	mu         sync.Mutex
	adapter    *buffer.Adapter
	haveMagic  bool
	offset     uint64
	streams    map[uint8]*tlvStream
	order      []*tlvStream
	noMorePads bool
}

func NewTLVDemux(name string) *TLVDemux {
	d := &TLVDemux{
		adapter: buffer.NewAdapter(),
		streams: make(map[uint8]*tlvStream),
	}
	d.Init(d, name, tlvDemuxTemplates...)

	d.sinkPad = gst.NewPadFromTemplate(d.PadTemplate("sink"), "sink")
	d.sinkPad.SetChainFunction(d.chain)
	d.sinkPad.SetEventFunction(d.sinkEvent)
	d.sinkPad.SetActivateFunction(d.sinkActivate)
	d.sinkPad.SetActivateModeFunction(d.sinkActivateMode)
	_ = d.AddPad(d.sinkPad)

	d.Properties().Install(&gst.ParamSpec{
		Name: "num-streams", Blurb: "Number of streams found so far",
		Type: gst.ParamInt, Default: 0, Flags: gst.ParamReadable,
	})
	return d
}

func (d *TLVDemux) ChangeState(transition gst.StateChange) gst.StateChangeReturn {
	if transition == gst.ReadyToPaused {
		d.reset()
	}

	ret := d.BaseElement.ChangeState(transition)
	if ret == gst.StateChangeFailure {
		return ret
	}

	if transition == gst.PausedToReady {
		d.removeStreams()
		d.reset()
	}
	return ret
}

func (d *TLVDemux) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapter.Clear()
	d.haveMagic = false
	d.offset = 0
	d.noMorePads = false
}

func (d *TLVDemux) removeStreams() {
	d.mu.Lock()
	streams := d.order
	d.order = nil
	d.streams = make(map[uint8]*tlvStream)
	d.mu.Unlock()

	for _, s := range streams {
		if err := d.RemovePad(s.pad); err != nil {
			d.Logger().Debugw("could not remove pad", "pad", s.pad.Name(), "error", err)
		}
	}
	d.Properties().SetInternal("num-streams", 0)
}

// ----- Streams -----

func (d *TLVDemux) streamFor(id uint8) *tlvStream {
	d.mu.Lock()
	s := d.streams[id]
	if s != nil {
		d.mu.Unlock()
		return s
	}
	if d.noMorePads {
		d.mu.Unlock()
		return nil
	}

	templ := d.PadTemplate("src_%u")
	pad := gst.NewPadFromTemplate(templ, templ.PadName(int(id)))
	pad.SetEventFunction(d.srcEvent)
	pad.SetQueryFunction(d.srcQuery)
	pad.SetFlags(gst.PadFlagFixedCaps)
	s = &tlvStream{id: id, pad: pad, discont: true}
	d.streams[id] = s
	d.order = append(d.order, s)
	n := len(d.order)
	d.mu.Unlock()

	d.Logger().Debugw("adding stream", "stream", id)
	d.Properties().SetInternal("num-streams", n)

	// activated by AddPad, the sticky events are kept until the pad is linked
	streamID := fmt.Sprintf("%s/%03d", d.sinkPad.StickyStreamID(), id)
	if err := d.AddPad(pad); err != nil {
		d.Logger().Warnw("could not add pad", err, "pad", pad.Name())
		return s
	}
	pad.PushEvent(gst.NewStreamStartEvent(streamID))
	pad.PushEvent(gst.NewCapsEvent(caps.MustParse(fmt.Sprintf(tlvStreamCapsFmt, id))))
	pad.PushEvent(gst.NewSegmentEvent(gst.NewSegment(gst.FormatTime)))
	return s
}

func (d *TLVDemux) srcPads() []*tlvStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*tlvStream(nil), d.order...)
}

// combineFlows reports NOT_LINKED or EOS only once every stream returned
// it, and any other error immediately.
func (d *TLVDemux) combineFlows(s *tlvStream, ret gst.FlowReturn) gst.FlowReturn {
	d.mu.Lock()
	defer d.mu.Unlock()

	s.lastFlow = ret
	if ret != gst.FlowNotLinked && ret != gst.FlowEOS {
		return ret
	}
	for _, other := range d.order {
		if other.lastFlow != ret {
			return gst.FlowOK
		}
	}
	return ret
}

func (d *TLVDemux) pushRecord(h tlvHeader, payload *buffer.Buffer) gst.FlowReturn {
	s := d.streamFor(h.stream)
	if s == nil {
		d.Logger().Debugw("dropping record for unknown stream", "stream", h.stream)
		payload.Unref()
		return gst.FlowOK
	}

	payload = payload.MakeWritable()
	payload.PTS = h.pts
	payload.DTS = clock.None
	if s.discont {
		payload.SetFlags(buffer.FlagDiscont)
		s.discont = false
	}
	return d.combineFlows(s, s.pad.Push(payload))
}

// ----- Push mode -----

func (d *TLVDemux) chain(_ *gst.Pad, _ gst.Element, buf *buffer.Buffer) gst.FlowReturn {
	d.mu.Lock()
	d.adapter.Push(buf)
	d.mu.Unlock()

	for {
		d.mu.Lock()
		if !d.haveMagic {
			if d.adapter.Available() < len(TLVMagic) {
				d.mu.Unlock()
				return gst.FlowOK
			}
			if !bytes.Equal(d.adapter.Peek(len(TLVMagic)), []byte(TLVMagic)) {
				d.mu.Unlock()
				d.PostError(errors.StreamError, errors.StreamWrongType, "not a TLV stream", "")
				return gst.FlowError
			}
			d.adapter.Flush(len(TLVMagic))
			d.offset += uint64(len(TLVMagic))
			d.haveMagic = true
		}

		if d.adapter.Available() < tlvHeaderSize {
			d.mu.Unlock()
			return gst.FlowOK
		}
		h, err := parseTLVHeader(d.adapter.Peek(tlvHeaderSize))
		if err != nil {
			d.mu.Unlock()
			d.PostError(errors.StreamError, errors.StreamDemux, "corrupt record", err.Error())
			return gst.FlowError
		}
		if d.adapter.Available() < tlvHeaderSize+h.size {
			d.mu.Unlock()
			return gst.FlowOK
		}
		d.adapter.Flush(tlvHeaderSize)
		payload := d.adapter.Take(h.size)
		d.offset += uint64(tlvHeaderSize + h.size)
		d.mu.Unlock()

		if ret := d.pushRecord(h, payload); ret != gst.FlowOK {
			return ret
		}
	}
}

// ----- Pull mode -----

func (d *TLVDemux) sinkActivate(pad *gst.Pad, _ gst.Element) bool {
	return pad.ActivateFromScheduling()
}

func (d *TLVDemux) sinkActivateMode(pad *gst.Pad, _ gst.Element, mode gst.PadMode, active bool) bool {
	if mode != gst.PadModePull {
		return true
	}
	if active {
		return pad.StartTask(d.loop)
	}
	return pad.StopTask()
}

func (d *TLVDemux) pull(offset uint64, size int) (*buffer.Buffer, gst.FlowReturn) {
	buf, ret := d.sinkPad.PullRange(offset, size)
	if ret != gst.FlowOK {
		return nil, ret
	}
	if buf.Size() < size {
		buf.Unref()
		return nil, gst.FlowEOS
	}
	return buf, gst.FlowOK
}

func (d *TLVDemux) loop() {
	d.mu.Lock()
	offset, haveMagic := d.offset, d.haveMagic
	d.mu.Unlock()

	if !haveMagic {
		buf, ret := d.pull(offset, len(TLVMagic))
		if ret != gst.FlowOK {
			d.pause(ret)
			return
		}
		ok := bytes.Equal(buf.Bytes(), []byte(TLVMagic))
		buf.Unref()
		if !ok {
			d.PostError(errors.StreamError, errors.StreamWrongType, "not a TLV stream", "")
			d.pause(gst.FlowError)
			return
		}
		d.mu.Lock()
		d.haveMagic = true
		d.offset += uint64(len(TLVMagic))
		d.mu.Unlock()
		return
	}

	hdr, ret := d.pull(offset, tlvHeaderSize)
	if ret != gst.FlowOK {
		d.pause(ret)
		return
	}
	h, err := parseTLVHeader(hdr.Bytes())
	hdr.Unref()
	if err != nil {
		d.PostError(errors.StreamError, errors.StreamDemux, "corrupt record", err.Error())
		d.pause(gst.FlowError)
		return
	}

	payload := buffer.New(nil)
	if h.size > 0 {
		if payload, ret = d.pull(offset+tlvHeaderSize, h.size); ret != gst.FlowOK {
			if ret == gst.FlowEOS {
				// truncated record
				d.PostError(errors.StreamError, errors.StreamDemux, "truncated record", "")
				ret = gst.FlowError
			}
			d.pause(ret)
			return
		}
	}

	d.mu.Lock()
	d.offset = offset + uint64(tlvHeaderSize+h.size)
	d.mu.Unlock()

	if ret = d.pushRecord(h, payload); ret != gst.FlowOK {
		d.pause(ret)
	}
}

func (d *TLVDemux) pause(ret gst.FlowReturn) {
	d.Logger().Debugw("pausing task", "reason", ret.String())
	d.sinkPad.PauseTask()

	switch {
	case ret == gst.FlowEOS:
		d.handleEOS(gst.NextSeqnum())
	case ret == gst.FlowFlushing:
	case ret.IsFatal():
		d.PostFlowError(ret)
		d.pushAll(gst.NewEOSEvent())
	}
}

// ----- Events -----

func (d *TLVDemux) pushAll(ev *gst.Event) bool {
	res := true
	for _, s := range d.srcPads() {
		if !s.pad.PushEvent(ev) {
			res = false
		}
	}
	return res
}

func (d *TLVDemux) handleEOS(seqnum uint32) {
	d.mu.Lock()
	signal := !d.noMorePads
	d.noMorePads = true
	empty := len(d.order) == 0
	d.mu.Unlock()

	if signal {
		d.NoMorePads()
	}
	if empty {
		d.PostError(errors.StreamError, errors.StreamDemux, "no streams found in the input", "")
		return
	}

	ev := gst.NewEOSEvent()
	ev.Seqnum = seqnum
	d.pushAll(ev)
}

func (d *TLVDemux) sinkEvent(pad *gst.Pad, parent gst.Element, ev *gst.Event) bool {
	switch ev.Type {
	case gst.EventStreamStart, gst.EventCaps, gst.EventSegment:
		// replaced by the per stream events
		return true

	case gst.EventEOS:
		d.handleEOS(ev.Seqnum)
		return true

	case gst.EventFlushStop:
		d.mu.Lock()
		d.adapter.Clear()
		for _, s := range d.order {
			s.lastFlow = gst.FlowOK
			s.discont = true
		}
		d.mu.Unlock()
		return d.pushAll(ev)

	case gst.EventFlushStart:
		return d.pushAll(ev)

	default:
		return gst.DefaultEvent(pad, parent, ev)
	}
}

func (d *TLVDemux) srcEvent(pad *gst.Pad, parent gst.Element, ev *gst.Event) bool {
	switch ev.Type {
	case gst.EventSeek:
		d.Logger().Debugw("seeking is not supported")
		return false
	default:
		return d.sinkPad.PushEvent(ev)
	}
}

func (d *TLVDemux) srcQuery(pad *gst.Pad, parent gst.Element, q *gst.Query) bool {
	switch q.Type {
	case gst.QuerySeeking:
		format, _, _, _ := q.ParseSeeking()
		q.SetSeeking(format, false, 0, clock.None)
		return true
	case gst.QueryDuration, gst.QueryPosition:
		// byte positions upstream do not map to stream time
		return false
	default:
		return gst.DefaultQuery(pad, parent, q)
	}
}
