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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

const (
	fixtureRecords = 129
	testTimeout    = 5 * time.Second
)

func writeFixture(t *testing.T, streams int) string {
	t.Helper()

	var b bytes.Buffer
	require.NoError(t, WriteTLVHeader(&b))
	for i := 0; i < fixtureRecords; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 100+i)
		pts := time.Duration(i) * 10 * time.Millisecond
		require.NoError(t, WriteTLVRecord(&b, uint8(i%streams), pts, payload))
	}

	path := filepath.Join(t.TempDir(), "fixture.tlv")
	require.NoError(t, os.WriteFile(path, b.Bytes(), 0644))
	return path
}

// newTestSrc returns an active src pad linked to sink.
func newTestSrc(t *testing.T, sink *gst.Pad) *gst.Pad {
	t.Helper()

	src := gst.NewPad("test_src", gst.PadSrc)
	require.True(t, src.SetActive(true))
	require.Equal(t, gst.PadLinkOK, src.Link(sink))
	return src
}

// runToEOS plays p until EOS and shuts it down again.
func runToEOS(t *testing.T, p *gst.Pipeline) {
	t.Helper()

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	msg := p.Bus().TimedPopFiltered(testTimeout, gst.MessageEOS|gst.MessageError)
	switch {
	case msg == nil:
		// stop the streaming threads before failing
		p.SetState(gst.StateNull)
		require.FailNow(t, "timed out waiting for EOS")
	case msg.Type == gst.MessageError:
		p.SetState(gst.StateNull)
		require.FailNow(t, "pipeline error", "%s: %s", msg.SrcName(), msg.ParseError().Error())
	}
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}

func TestTLVDemuxReuse(t *testing.T) {
	defer goleak.VerifyNone(t)

	location := writeFixture(t, 1)

	for _, name := range []string{"pull", "queue", "identity"} {
		t.Run(name, func(t *testing.T) {
			p := gst.NewPipeline("reuse")
			src := NewFileSrc("src")
			require.NoError(t, src.SetProperty("location", location))
			demux := NewTLVDemux("demux")
			sink := NewFakeSink("sink")

			chain := []gst.Element{src}
			switch name {
			case "queue":
				chain = append(chain, NewQueue("queue"))
			case "identity":
				chain = append(chain, NewIdentity("identity"))
			}
			chain = append(chain, demux)

			require.NoError(t, p.AddMany(append(chain, sink)...))
			require.NoError(t, gst.LinkMany(chain...))
			require.NoError(t, gst.LinkWhenAvailable(demux, "", sink, "sink", nil))

			for run := 0; run < 3; run++ {
				runToEOS(t, p)
				require.EqualValues(t, fixtureRecords, sink.Count(), "run %d", run)
			}
		})
	}
}

func TestTLVDemuxStreams(t *testing.T) {
	location := writeFixture(t, 3)

	p := gst.NewPipeline("streams")
	src := NewFileSrc("src")
	require.NoError(t, src.SetProperty("location", location))
	demux := NewTLVDemux("demux")
	require.NoError(t, p.AddMany(src, demux))
	require.NoError(t, gst.LinkElements(src, demux))

	var mu sync.Mutex
	sinks := make(map[string]*FakeSink)
	noMorePads := make(chan struct{})
	demux.Callbacks().AddOnNoMorePads(func() { close(noMorePads) })
	demux.Callbacks().AddOnPadAdded(func(pad *gst.Pad) {
		sink := NewFakeSink("sink_" + pad.Name())
		mu.Lock()
		sinks[pad.Name()] = sink
		mu.Unlock()
		assert.NoError(t, p.Add(sink))
		assert.Equal(t, gst.PadLinkOK, pad.Link(sink.SinkPad()))
		sink.SyncStateWithParent()
	})

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	select {
	case <-noMorePads:
	case <-time.After(testTimeout):
		require.FailNow(t, "no-more-pads not signalled")
	}
	msg := p.Bus().TimedPopFiltered(testTimeout, gst.MessageEOS|gst.MessageError)
	require.NotNil(t, msg)
	require.Equal(t, gst.MessageEOS, msg.Type)

	v, err := demux.GetProperty("num-streams")
	require.NoError(t, err)
	require.Equal(t, 3, v)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sinks, 3)
	for name, sink := range sinks {
		require.EqualValues(t, fixtureRecords/3, sink.Count(), name)
		c := sink.SinkPad().CurrentCaps()
		require.NotNil(t, c, name)
		require.Equal(t, "application/x-tlv-stream", c.Structure(0).Name())
	}
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}

func TestTLVDemuxNotTLV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a tlv file"), 0644))

	p := gst.NewPipeline("garbage")
	src := NewFileSrc("src")
	require.NoError(t, src.SetProperty("location", path))
	demux := NewTLVDemux("demux")
	sink := NewFakeSink("sink")
	require.NoError(t, p.AddMany(src, demux, sink))
	require.NoError(t, gst.LinkElements(src, demux))
	require.NoError(t, gst.LinkWhenAvailable(demux, "", sink, "sink", nil))

	p.SetState(gst.StatePlaying)
	msg := p.Bus().TimedPopFiltered(testTimeout, gst.MessageError)
	require.NotNil(t, msg)
	require.Equal(t, "demux", msg.SrcName())
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}

func TestFakeSrcNumBuffers(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := gst.NewPipeline("fake")
	src := NewFakeSrc("src")
	require.NoError(t, src.SetProperty("num-buffers", 10))
	sink := NewFakeSink("sink")
	require.NoError(t, p.AddMany(src, sink))
	require.NoError(t, gst.LinkElements(src, sink))

	runToEOS(t, p)
	require.EqualValues(t, 10, sink.Count())
}

func TestQueueFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := gst.NewPipeline("flush")
	src := NewFakeSrc("src")
	// fakesrc only answers seeks when it can operate in pull mode
	require.NoError(t, src.SetProperty("can-activate-pull", true))
	q := NewQueue("queue")
	require.NoError(t, q.SetProperty("max-size-buffers", 5))
	sink := NewFakeSink("sink")
	require.NoError(t, sink.SetProperty("signal-handoffs", true))

	// a slow sink keeps the queue full
	rendered := make(chan struct{}, 1)
	sink.OnHandoff(func(*buffer.Buffer) {
		time.Sleep(5 * time.Millisecond)
		select {
		case rendered <- struct{}{}:
		default:
		}
	})

	require.NoError(t, p.AddMany(src, q, sink))
	require.NoError(t, gst.LinkMany(src, q, sink))
	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	defer p.SetState(gst.StateNull)

	select {
	case <-rendered:
	case <-time.After(testTimeout):
		require.FailNow(t, "no buffer rendered")
	}

	done := make(chan bool)
	go func() {
		done <- p.SeekSimple(gst.FormatBytes, gst.SeekFlagFlush, 0)
	}()
	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(testTimeout):
		require.FailNow(t, "flushing seek blocked")
	}

	require.Eventually(t, func() bool {
		buffers, _, _ := q.Level()
		return buffers > 0
	}, testTimeout, 10*time.Millisecond)
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))

	buffers, bytes, _ := q.Level()
	require.Zero(t, buffers)
	require.Zero(t, bytes)
}

func TestQueueLeaky(t *testing.T) {
	q := NewQueue("queue")
	require.NoError(t, q.SetProperty("max-size-buffers", 2))
	require.NoError(t, q.SetPropertyFromString("leaky", "downstream"))

	// the first buffer blocks downstream so the rest stays queued
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	sink := gst.NewPad("test_sink", gst.PadSink)
	sink.SetChainFunction(func(_ *gst.Pad, _ gst.Element, buf *buffer.Buffer) gst.FlowReturn {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		buf.Unref()
		return gst.FlowOK
	})
	require.True(t, sink.SetActive(true))
	require.Equal(t, gst.PadLinkOK, q.StaticPad("src").Link(sink))

	require.Equal(t, gst.StateChangeSuccess, q.SetState(gst.StatePaused))
	defer q.SetState(gst.StateNull)
	defer close(release)

	src := newTestSrc(t, q.StaticPad("sink"))
	require.Equal(t, gst.FlowOK, src.Push(buffer.NewSize(10)))
	select {
	case <-entered:
	case <-time.After(testTimeout):
		require.FailNow(t, "queue did not push")
	}

	for i := 0; i < 4; i++ {
		require.Equal(t, gst.FlowOK, src.Push(buffer.NewSize(10)))
	}
	buffers, bytes, _ := q.Level()
	require.EqualValues(t, 2, buffers)
	require.EqualValues(t, 20, bytes)
}

func TestTee(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := gst.NewPipeline("tee")
	src := NewFakeSrc("src")
	require.NoError(t, src.SetProperty("num-buffers", 20))
	tee := NewTee("tee")
	sinks := []*FakeSink{NewFakeSink("a"), NewFakeSink("b"), NewFakeSink("c")}

	require.NoError(t, p.AddMany(src, tee))
	require.NoError(t, gst.LinkElements(src, tee))
	// every branch needs its own thread, or the first sink to preroll
	// blocks the tee before the others receive anything
	for _, sink := range sinks {
		q := NewQueue("queue_" + sink.Name())
		require.NoError(t, p.AddMany(q, sink))
		require.NoError(t, gst.LinkElements(tee, q))
		require.NoError(t, gst.LinkElements(q, sink))
	}
	v, err := tee.GetProperty("num-src-pads")
	require.NoError(t, err)
	require.Equal(t, 3, v)

	runToEOS(t, p)
	for _, sink := range sinks {
		require.EqualValues(t, 20, sink.Count(), sink.Name())
	}

	pad := tee.StaticPad("src_1")
	require.NotNil(t, pad)
	tee.ReleaseRequestPad(pad)
	require.Nil(t, tee.StaticPad("src_1"))
	v, _ = tee.GetProperty("num-src-pads")
	require.Equal(t, 2, v)
}

func TestTeeAllowNotLinked(t *testing.T) {
	tee := NewTee("tee")
	require.Equal(t, gst.StateChangeSuccess, tee.SetState(gst.StatePaused))
	defer tee.SetState(gst.StateNull)

	src := newTestSrc(t, tee.StaticPad("sink"))
	require.Equal(t, gst.FlowNotLinked, src.Push(buffer.NewSize(1)))

	require.NotNil(t, tee.RequestPad("src_%u", "", nil))
	require.Equal(t, gst.FlowNotLinked, src.Push(buffer.NewSize(1)))

	require.NoError(t, tee.SetProperty("allow-not-linked", true))
	require.Equal(t, gst.FlowOK, src.Push(buffer.NewSize(1)))
}

func TestCapsFilterNegotiation(t *testing.T) {
	p := gst.NewPipeline("caps")
	src := NewAppSrc("src")
	require.NoError(t, src.SetProperty("caps", caps.MustParse("audio/x-raw, rate=(int){ 44100, 48000 }, channels=(int)[ 1, 2 ]")))
	filter := NewCapsFilter("filter")
	require.NoError(t, filter.SetPropertyFromString("caps", "audio/x-raw, rate=48000"))
	sink := NewAppSink("sink")
	require.NoError(t, p.AddMany(src, filter, sink))
	require.NoError(t, gst.LinkMany(src, filter, sink))

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	defer p.SetState(gst.StateNull)

	require.Equal(t, gst.FlowOK, src.PushBuffer(buffer.NewSize(16)))
	sample := sink.TryPullSample(testTimeout)
	require.NotNil(t, sample)
	defer sample.Buffer.Unref()

	require.NotNil(t, sample.Caps)
	require.True(t, sample.Caps.IsFixed())
	s := sample.Caps.Structure(0)
	rate, _ := s.GetInt("rate")
	require.Equal(t, 48000, rate)
	channels, _ := s.GetInt("channels")
	require.Equal(t, 1, channels)
}

func TestCapsFilterRejects(t *testing.T) {
	// incompatible caps known up front refuse the link
	src := NewAppSrc("src")
	require.NoError(t, src.SetProperty("caps", caps.MustParse("video/x-raw")))
	filter := NewCapsFilter("filter")
	require.NoError(t, filter.SetPropertyFromString("caps", "audio/x-raw"))
	require.Error(t, gst.LinkElements(src, filter))

	// caps that only show up while streaming are not negotiated
	p := gst.NewPipeline("caps")
	src = NewAppSrc("src")
	filter = NewCapsFilter("filter")
	require.NoError(t, filter.SetPropertyFromString("caps", "audio/x-raw"))
	sink := NewFakeSink("sink")
	require.NoError(t, p.AddMany(src, filter, sink))
	require.NoError(t, gst.LinkMany(src, filter, sink))
	require.NoError(t, src.SetProperty("caps", caps.MustParse("video/x-raw")))

	p.SetState(gst.StatePlaying)
	defer p.SetState(gst.StateNull)

	require.Equal(t, gst.FlowOK, src.PushBuffer(buffer.NewSize(16)))
	msg := p.Bus().TimedPopFiltered(testTimeout, gst.MessageError)
	require.NotNil(t, msg)
	require.Equal(t, "src", msg.SrcName())
}

func TestAppSrcAppSink(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := gst.NewPipeline("app")
	src := NewAppSrc("src")
	require.NoError(t, src.SetPropertyFromString("format", "time"))
	sink := NewAppSink("sink")
	require.NoError(t, sink.SetProperty("sync", false))
	require.NoError(t, p.AddMany(src, sink))
	require.NoError(t, gst.LinkElements(src, sink))

	var eos atomic.Bool
	sink.SetCallbacks(AppSinkCallbacks{
		EOS: func(*AppSink) { eos.Store(true) },
	})

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	for i := 0; i < 5; i++ {
		buf := buffer.New([]byte{byte(i)})
		buf.PTS = time.Duration(i) * time.Millisecond
		require.Equal(t, gst.FlowOK, src.PushBuffer(buf))
	}
	require.Equal(t, gst.FlowOK, src.EndOfStream())

	for i := 0; i < 5; i++ {
		sample := sink.TryPullSample(testTimeout)
		require.NotNil(t, sample)
		require.Equal(t, []byte{byte(i)}, sample.Buffer.Bytes())
		require.Equal(t, time.Duration(i)*time.Millisecond, sample.Buffer.PTS)
		require.Equal(t, gst.FormatTime, sample.Segment.Format)
		sample.Buffer.Unref()
	}

	msg := p.Bus().TimedPopFiltered(testTimeout, gst.MessageEOS)
	require.NotNil(t, msg)
	require.True(t, sink.IsEOS())
	require.True(t, eos.Load())
	require.Nil(t, sink.TryPullSample(0))
	require.Equal(t, gst.FlowEOS, src.PushBuffer(buffer.NewSize(1)))

	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
	require.Equal(t, gst.FlowFlushing, src.PushBuffer(buffer.NewSize(1)))
}

func TestAppSinkUnblocksOnStop(t *testing.T) {
	p := gst.NewPipeline("app")
	src := NewAppSrc("src")
	sink := NewAppSink("sink")
	require.NoError(t, p.AddMany(src, sink))
	require.NoError(t, gst.LinkElements(src, sink))
	p.SetState(gst.StatePaused)

	done := make(chan *Sample)
	go func() { done <- sink.PullSample() }()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
	select {
	case sample := <-done:
		require.Nil(t, sample)
	case <-time.After(testTimeout):
		require.FailNow(t, "pull-sample still blocked")
	}
}

func TestFileSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.bin")
	out := filepath.Join(dir, "out.bin")
	data := bytes.Repeat([]byte("0123456789"), 2000)
	require.NoError(t, os.WriteFile(in, data, 0644))

	p := gst.NewPipeline("copy")
	src := NewFileSrc("src")
	require.NoError(t, src.SetProperty("location", in))
	require.NoError(t, src.SetProperty("blocksize", uint64(3000)))
	sink := NewFileSink("sink")
	require.NoError(t, sink.SetProperty("location", out))
	require.NoError(t, p.AddMany(src, sink))
	require.NoError(t, gst.LinkElements(src, sink))

	runToEOS(t, p)

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, data, written)
}

func TestFileSrcMissingFile(t *testing.T) {
	p := gst.NewPipeline("missing")
	src := NewFileSrc("src")
	require.NoError(t, src.SetProperty("location", filepath.Join(t.TempDir(), "nope")))
	sink := NewFakeSink("sink")
	require.NoError(t, p.AddMany(src, sink))
	require.NoError(t, gst.LinkElements(src, sink))

	require.Equal(t, gst.StateChangeFailure, p.SetState(gst.StatePaused))
	msg := p.Bus().TimedPopFiltered(testTimeout, gst.MessageError)
	require.NotNil(t, msg)
	require.Equal(t, "src", msg.SrcName())
	p.SetState(gst.StateNull)
}

func TestIdentityErrorAfter(t *testing.T) {
	p := gst.NewPipeline("identity")
	src := NewFakeSrc("src")
	id := NewIdentity("identity")
	require.NoError(t, id.SetProperty("error-after", 5))
	sink := NewFakeSink("sink")
	require.NoError(t, p.AddMany(src, id, sink))
	require.NoError(t, gst.LinkMany(src, id, sink))

	p.SetState(gst.StatePlaying)
	msg := p.Bus().TimedPopFiltered(testTimeout, gst.MessageError)
	require.NotNil(t, msg)
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
	require.LessOrEqual(t, sink.Count(), int64(5))
}

func TestRegister(t *testing.T) {
	r := gst.NewRegistry()
	require.NoError(t, Register(r))
	for _, f := range Factories() {
		require.NotNil(t, r.Lookup(f.Name), f.Name)
		e, err := r.Make(f.Name, "")
		require.NoError(t, err)
		require.Equal(t, f, e.Factory())
		// elements built directly carry the same templates as the factory
		require.Equal(t, f.Templates, e.PadTemplates(), f.Name)
	}
	require.Error(t, Register(r))
}
