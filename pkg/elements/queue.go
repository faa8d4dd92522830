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

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

const (
	leakyNo = iota
	leakyUpstream
	leakyDownstream
)

const (
	defaultQueueMaxBuffers = 200
	defaultQueueMaxBytes   = 10 * 1024 * 1024
	defaultQueueMaxTime    = time.Second
)

var queueTemplates = []*gst.PadTemplate{
	gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny()),
	gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny()),
}

var queueFactory = &gst.ElementFactory{
	Name:        "queue",
	LongName:    "Queue",
	Klass:       "Generic",
	Description: "Simple data queue",
	Author:      "LiveKit",
	Rank:        gst.RankNone,
	Templates:   queueTemplates,
	New:         func(name string) gst.Element { return NewQueue(name) },
}

type queueItem struct {
	buf *buffer.Buffer
	ev  *gst.Event
}

// Queue decouples its upstream and downstream with a bounded list of
// buffers and serialized events, pushed out by its own task.
type Queue struct {
	gst.BaseElement

	sinkPad *gst.Pad
	srcPad  *gst.Pad

	mu        sync.Mutex
	signal    chan struct{}
	items     []queueItem
	buffers   uint64
	bytes     uint64
	sinkTime  time.Duration
	srcTime   time.Duration
	sinkSeg   *gst.Segment
	srcSeg    *gst.Segment
	flushing  bool
	srcResult gst.FlowReturn
	eos       bool
}

func NewQueue(name string) *Queue {
	q := &Queue{
		signal:    make(chan struct{}),
		sinkSeg:   gst.NewSegment(gst.FormatTime),
		srcSeg:    gst.NewSegment(gst.FormatTime),
		flushing:  true,
		srcResult: gst.FlowFlushing,
		sinkTime:  clock.None,
		srcTime:   clock.None,
	}
	q.Init(q, name, queueTemplates...)

	q.sinkPad = gst.NewPadFromTemplate(q.PadTemplate("sink"), "sink")
	q.sinkPad.SetChainFunction(q.chain)
	q.sinkPad.SetEventFunction(q.sinkEvent)
	q.sinkPad.SetActivateModeFunction(q.sinkActivateMode)
	q.sinkPad.SetFlags(gst.PadFlagProxyCaps)

	q.srcPad = gst.NewPadFromTemplate(q.PadTemplate("src"), "src")
	q.srcPad.SetEventFunction(q.srcEvent)
	q.srcPad.SetActivateModeFunction(q.srcActivateMode)
	q.srcPad.SetFlags(gst.PadFlagProxyCaps)

	_ = q.AddPad(q.sinkPad)
	_ = q.AddPad(q.srcPad)

	q.Properties().Install(
		&gst.ParamSpec{
			Name: "max-size-buffers", Blurb: "Max. number of buffers in the queue (0=disable)",
			Type: gst.ParamUint64, Default: uint64(defaultQueueMaxBuffers),
		},
		&gst.ParamSpec{
			Name: "max-size-bytes", Blurb: "Max. amount of data in the queue (bytes, 0=disable)",
			Type: gst.ParamUint64, Default: uint64(defaultQueueMaxBytes),
		},
		&gst.ParamSpec{
			Name: "max-size-time", Blurb: "Max. amount of data in the queue (in ns, 0=disable)",
			Type: gst.ParamDuration, Default: defaultQueueMaxTime,
		},
		&gst.ParamSpec{
			Name: "leaky", Blurb: "Where the queue leaks, if at all",
			Type: gst.ParamEnum, Default: leakyNo,
			Enum: []gst.EnumValue{
				{Value: leakyNo, Name: "Not Leaky", Nick: "no"},
				{Value: leakyUpstream, Name: "Leaky on upstream (new buffers)", Nick: "upstream"},
				{Value: leakyDownstream, Name: "Leaky on downstream (old buffers)", Nick: "downstream"},
			},
		},
		&gst.ParamSpec{
			Name: "current-level-buffers", Blurb: "Current number of buffers in the queue",
			Type: gst.ParamUint64, Default: uint64(0), Flags: gst.ParamReadable,
		},
		&gst.ParamSpec{
			Name: "current-level-bytes", Blurb: "Current amount of data in the queue (bytes)",
			Type: gst.ParamUint64, Default: uint64(0), Flags: gst.ParamReadable,
		},
		&gst.ParamSpec{
			Name: "current-level-time", Blurb: "Current amount of data in the queue (in ns)",
			Type: gst.ParamDuration, Default: time.Duration(0), Flags: gst.ParamReadable,
		},
		&gst.ParamSpec{
			Name: "silent", Blurb: "Don't log level changes",
			Type: gst.ParamBool, Default: true,
		},
	)
	return q
}

// Level returns the amount of data queued.
func (q *Queue) Level() (buffers, bytes uint64, t time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffers, q.bytes, q.levelTimeLocked()
}

func (q *Queue) signalLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

// waitLocked releases the lock until the queue changes.
func (q *Queue) waitLocked() {
	ch := q.signal
	q.mu.Unlock()
	<-ch
	q.mu.Lock()
}

func (q *Queue) levelTimeLocked() time.Duration {
	if !clock.IsValid(q.sinkTime) || !clock.IsValid(q.srcTime) || q.sinkTime < q.srcTime {
		return 0
	}
	return q.sinkTime - q.srcTime
}

func (q *Queue) isFullLocked() bool {
	props := q.Properties()
	if max := props.GetUint64("max-size-buffers"); max > 0 && q.buffers >= max {
		return true
	}
	if max := props.GetUint64("max-size-bytes"); max > 0 && q.bytes >= max {
		return true
	}
	if max := props.GetDuration("max-size-time"); max > 0 && q.levelTimeLocked() >= max {
		return true
	}
	return false
}

func (q *Queue) updateLevelsLocked() {
	props := q.Properties()
	props.SetInternal("current-level-buffers", q.buffers)
	props.SetInternal("current-level-bytes", q.bytes)
	props.SetInternal("current-level-time", q.levelTimeLocked())
}

func (q *Queue) enqueueLocked(item queueItem) {
	switch {
	case item.buf != nil:
		q.buffers++
		q.bytes += uint64(item.buf.Size())
		if ts := item.buf.PTS; clock.IsValid(ts) {
			if clock.IsValid(item.buf.Duration) {
				ts += item.buf.Duration
			}
			q.sinkTime = q.sinkSeg.ToRunningTime(ts)
			if !clock.IsValid(q.srcTime) {
				q.srcTime = q.sinkSeg.ToRunningTime(item.buf.PTS)
			}
		}
	case item.ev.Type == gst.EventSegment:
		q.sinkSeg = item.ev.ParseSegment().Copy()
	}
	q.items = append(q.items, item)
	q.updateLevelsLocked()
	q.signalLocked()
}

func (q *Queue) dequeueLocked() queueItem {
	item := q.items[0]
	q.items[0] = queueItem{}
	q.items = q.items[1:]

	switch {
	case item.buf != nil:
		q.buffers--
		q.bytes -= uint64(item.buf.Size())
		if ts := item.buf.PTS; clock.IsValid(ts) {
			q.srcTime = q.srcSeg.ToRunningTime(ts)
		}
	case item.ev.Type == gst.EventSegment:
		q.srcSeg = item.ev.ParseSegment().Copy()
	}
	q.updateLevelsLocked()
	q.signalLocked()
	return item
}

// leakDownstreamLocked drops the oldest buffers until there is room.
func (q *Queue) leakDownstreamLocked() {
	for q.isFullLocked() {
		idx := -1
		for i, item := range q.items {
			if item.buf != nil {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		buf := q.items[idx].buf
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		q.buffers--
		q.bytes -= uint64(buf.Size())
		if ts := buf.PTS; clock.IsValid(ts) {
			q.srcTime = q.srcSeg.ToRunningTime(ts)
		}
		buf.Unref()
	}
	q.updateLevelsLocked()
}

func (q *Queue) flushLocked() {
	for _, item := range q.items {
		if item.buf != nil {
			item.buf.Unref()
		}
	}
	q.items = nil
	q.buffers = 0
	q.bytes = 0
	q.sinkTime = clock.None
	q.srcTime = clock.None
	q.sinkSeg = gst.NewSegment(gst.FormatTime)
	q.srcSeg = gst.NewSegment(gst.FormatTime)
	q.eos = false
	q.updateLevelsLocked()
}

// ----- Sink side -----

func (q *Queue) chain(_ *gst.Pad, _ gst.Element, buf *buffer.Buffer) gst.FlowReturn {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.flushing || q.srcResult != gst.FlowOK {
		buf.Unref()
		return q.srcResult
	}
	if q.eos {
		buf.Unref()
		return gst.FlowEOS
	}

wait:
	for q.isFullLocked() {
		switch q.Properties().GetEnum("leaky") {
		case leakyUpstream:
			if !q.Properties().GetBool("silent") {
				q.Logger().Debugw("queue full, dropping new buffer")
			}
			buf.Unref()
			return gst.FlowOK
		case leakyDownstream:
			q.leakDownstreamLocked()
			if q.isFullLocked() {
				// only events left
				break wait
			}
			continue
		}

		q.Logger().Debugw("queue full, waiting for free space")
		q.waitLocked()
		if q.flushing || q.srcResult != gst.FlowOK {
			buf.Unref()
			return q.srcResult
		}
	}

	q.enqueueLocked(queueItem{buf: buf})
	return gst.FlowOK
}

func (q *Queue) sinkEvent(pad *gst.Pad, parent gst.Element, ev *gst.Event) bool {
	switch ev.Type {
	case gst.EventFlushStart:
		res := q.srcPad.PushEvent(ev)

		q.mu.Lock()
		q.flushing = true
		q.srcResult = gst.FlowFlushing
		q.signalLocked()
		q.mu.Unlock()

		q.srcPad.PauseTask()
		return res

	case gst.EventFlushStop:
		res := q.srcPad.PushEvent(ev)

		// the task is paused, wait for it to leave its iteration
		q.srcPad.StreamLock()
		q.mu.Lock()
		q.flushLocked()
		q.flushing = false
		q.srcResult = gst.FlowOK
		q.mu.Unlock()
		q.srcPad.StreamUnlock()

		if q.srcPad.IsActive() {
			q.srcPad.StartTask(q.loop)
		}
		return res
	}

	if !ev.IsSerialized() {
		return gst.DefaultEvent(pad, parent, ev)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.flushing {
		return false
	}
	if q.eos {
		return false
	}
	if ev.Type == gst.EventEOS {
		q.eos = true
	}
	q.enqueueLocked(queueItem{ev: ev})
	return true
}

func (q *Queue) sinkActivateMode(_ *gst.Pad, _ gst.Element, mode gst.PadMode, active bool) bool {
	if mode != gst.PadModePush {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if active {
		q.flushing = false
		q.srcResult = gst.FlowOK
		q.eos = false
	} else {
		q.flushing = true
		q.srcResult = gst.FlowFlushing
		q.signalLocked()
	}
	return true
}

// ----- Src side -----

func (q *Queue) srcActivateMode(pad *gst.Pad, _ gst.Element, mode gst.PadMode, active bool) bool {
	if mode != gst.PadModePush {
		return false
	}
	if active {
		q.mu.Lock()
		q.flushing = false
		q.srcResult = gst.FlowOK
		q.eos = false
		q.mu.Unlock()
		return pad.StartTask(q.loop)
	}

	q.mu.Lock()
	q.flushing = true
	q.srcResult = gst.FlowFlushing
	q.signalLocked()
	q.mu.Unlock()

	pad.StopTask()

	q.mu.Lock()
	q.flushLocked()
	q.mu.Unlock()
	return true
}

func (q *Queue) srcEvent(pad *gst.Pad, parent gst.Element, ev *gst.Event) bool {
	if ev.Type == gst.EventReconfigure {
		q.mu.Lock()
		if q.srcResult == gst.FlowNotLinked {
			q.srcResult = gst.FlowOK
			if q.srcPad.IsActive() {
				defer q.srcPad.StartTask(q.loop)
			}
		}
		q.mu.Unlock()
	}
	return gst.DefaultEvent(pad, parent, ev)
}

func (q *Queue) loop() {
	q.mu.Lock()
	for len(q.items) == 0 {
		if q.flushing {
			q.mu.Unlock()
			q.pause(gst.FlowFlushing)
			return
		}
		q.waitLocked()
	}
	if q.flushing {
		q.mu.Unlock()
		q.pause(gst.FlowFlushing)
		return
	}
	item := q.dequeueLocked()
	q.mu.Unlock()

	if item.buf != nil {
		ret := q.srcPad.Push(item.buf)
		q.mu.Lock()
		if q.flushing {
			q.mu.Unlock()
			q.pause(gst.FlowFlushing)
			return
		}
		q.srcResult = ret
		q.mu.Unlock()
		if ret != gst.FlowOK {
			q.pause(ret)
		}
		return
	}

	ev := item.ev
	q.srcPad.PushEvent(ev)
	if ev.Type == gst.EventEOS {
		q.mu.Lock()
		q.srcResult = gst.FlowEOS
		q.mu.Unlock()
		q.pause(gst.FlowEOS)
	}
}

// pause stops the task after a non-OK return. Fatal returns are reported
// and turned into EOS downstream.
func (q *Queue) pause(ret gst.FlowReturn) {
	q.Logger().Debugw("pausing task", "reason", ret.String())
	q.srcPad.PauseTask()

	if ret.IsFatal() {
		q.mu.Lock()
		eos := q.eos
		q.mu.Unlock()
		if ret == gst.FlowNotLinked && !eos {
			// waiting for a reconfigure
			return
		}
		q.PostFlowError(ret)
		q.srcPad.PushEvent(gst.NewEOSEvent())
	}
}
