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

package base

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/livekit/gstcore/pkg/buffer"
	"github.com/livekit/gstcore/pkg/caps"
	"github.com/livekit/gstcore/pkg/clock"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

const testTimeout = 5 * time.Second

// testSrc produces count buffers of 10 bytes, one every interval of
// stream time.
type testSrc struct {
	Src

	count    int
	interval time.Duration
	seekable bool
	created  atomic.Int64
}

func newTestSrc(name string, count int, templ *gst.PadTemplate) *testSrc {
	s := &testSrc{count: count, interval: time.Second}
	if templ == nil {
		templ = gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.NewAny())
	}
	s.InitSrc(s, s, name, templ)
	s.SetFormat(gst.FormatTime)
	return s
}

func (s *testSrc) IsSeekable() bool               { return s.seekable }
func (s *testSrc) DoSeek(*gst.Segment) bool       { return true }
func (s *testSrc) Size() (uint64, bool)           { return uint64(s.count * 10), s.seekable }
func (s *testSrc) Fixate(c *caps.Caps) *caps.Caps { return c.Fixate() }
func (s *testSrc) SetCaps(*caps.Caps) bool        { return true }

func (s *testSrc) Create(offset uint64, size int) (*buffer.Buffer, gst.FlowReturn) {
	n := s.created.Load()
	if s.seekable {
		n = int64(offset / 10)
	}
	if n >= int64(s.count) {
		return nil, gst.FlowEOS
	}
	s.created.Inc()

	buf := buffer.NewSize(10)
	if !s.seekable {
		buf.PTS = time.Duration(n) * s.interval
		buf.Duration = s.interval
	}
	return buf, gst.FlowOK
}

// testSink records what it renders. With block set, Render waits until
// the sink is unlocked.
type testSink struct {
	Sink

	mu       sync.Mutex
	block    bool
	unlocked bool
	unlock   chan struct{}
	entered  chan struct{}
	prerolls int
	rendered []time.Duration
	caps     *caps.Caps
}

func newTestSink(name string, templ *gst.PadTemplate) *testSink {
	s := &testSink{
		unlock:  make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	if templ == nil {
		templ = gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.NewAny())
	}
	s.InitSink(s, s, name, templ)
	return s
}

func (s *testSink) Preroll(*buffer.Buffer) gst.FlowReturn {
	s.mu.Lock()
	s.prerolls++
	s.mu.Unlock()
	return gst.FlowOK
}

func (s *testSink) SetCaps(c *caps.Caps) bool {
	s.mu.Lock()
	s.caps = c
	s.mu.Unlock()
	return true
}

func (s *testSink) Render(buf *buffer.Buffer) gst.FlowReturn {
	s.mu.Lock()
	block, unlock := s.block, s.unlock
	s.mu.Unlock()

	if block {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-unlock
		return gst.FlowFlushing
	}

	s.mu.Lock()
	s.rendered = append(s.rendered, buf.PTS)
	s.mu.Unlock()
	return gst.FlowOK
}

func (s *testSink) Unlock() {
	s.mu.Lock()
	if !s.unlocked {
		close(s.unlock)
		s.unlocked = true
	}
	s.mu.Unlock()
}

func (s *testSink) UnlockStop() {
	s.mu.Lock()
	if s.unlocked {
		s.unlock = make(chan struct{})
		s.unlocked = false
	}
	s.mu.Unlock()
}

func (s *testSink) numRendered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rendered)
}

func newTestPipeline(t *testing.T, elements ...gst.Element) *gst.Pipeline {
	t.Helper()

	p := gst.NewPipeline("test")
	require.NoError(t, p.AddMany(elements...))
	require.NoError(t, gst.LinkMany(elements...))
	return p
}

func waitEOS(t *testing.T, p *gst.Pipeline) {
	t.Helper()

	msg := p.Bus().TimedPopFiltered(testTimeout, gst.MessageEOS|gst.MessageError)
	require.NotNil(t, msg, "timed out waiting for EOS")
	require.Equal(t, gst.MessageEOS, msg.Type, msg.String())
}

func TestSinkPreroll(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newTestSrc("src", 5, nil)
	sink := newTestSink("sink", nil)
	require.NoError(t, sink.SetProperty("sync", false))
	p := newTestPipeline(t, src, sink)

	require.Equal(t, gst.StateChangeAsync, p.SetState(gst.StatePaused))
	ret, current, _ := p.GetState(testTimeout)
	require.Equal(t, gst.StateChangeSuccess, ret)
	require.Equal(t, gst.StatePaused, current)

	// prerolled on the first buffer without rendering it
	sink.mu.Lock()
	require.Equal(t, 1, sink.prerolls)
	require.Empty(t, sink.rendered)
	sink.mu.Unlock()

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	waitEOS(t, p)
	require.Equal(t, 5, sink.numRendered())
	rendered, dropped := sink.Stats()
	require.EqualValues(t, 5, rendered)
	require.Zero(t, dropped)

	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}

func TestSinkSyncOnClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newTestSrc("src", 3, nil)
	sink := newTestSink("sink", nil)
	p := newTestPipeline(t, src, sink)

	c := clock.NewTestClock(0)
	p.UseClock(c)

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	ret, current, _ := p.GetState(testTimeout)
	require.Equal(t, gst.StateChangeSuccess, ret)
	require.Equal(t, gst.StatePlaying, current)

	// the first buffer is due at running time zero
	require.Eventually(t, func() bool { return sink.numRendered() == 1 }, testTimeout, time.Millisecond)

	for i := 1; i < 3; i++ {
		require.True(t, c.WaitForPendingIDs(1, testTimeout))
		next, ok := c.NextPendingTime()
		require.True(t, ok)
		require.Equal(t, time.Duration(i)*time.Second, next)
		require.Equal(t, i, sink.numRendered())

		c.Set(next)
		require.Eventually(t, func() bool { return sink.numRendered() == i+1 }, testTimeout, time.Millisecond)
	}

	waitEOS(t, p)

	sink.mu.Lock()
	require.Equal(t, []time.Duration{0, time.Second, 2 * time.Second}, sink.rendered)
	sink.mu.Unlock()
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}

func TestFlushUnblocksRender(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newTestSrc("src", 100, nil)
	sink := newTestSink("sink", nil)
	require.NoError(t, sink.SetProperty("sync", false))
	sink.block = true
	p := newTestPipeline(t, src, sink)

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	select {
	case <-sink.entered:
	case <-time.After(testTimeout):
		require.FailNow(t, "render not reached")
	}

	done := make(chan struct{})
	go func() {
		src.SrcPad().PushEvent(gst.NewFlushStartEvent())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "flush-start did not unblock the streaming thread")
	}

	sink.mu.Lock()
	sink.block = false
	sink.mu.Unlock()
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}

func TestStopUnblocksPreroll(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newTestSrc("src", 100, nil)
	sink := newTestSink("sink", nil)
	p := newTestPipeline(t, src, sink)

	require.Equal(t, gst.StateChangeAsync, p.SetState(gst.StatePaused))
	_, current, _ := p.GetState(testTimeout)
	require.Equal(t, gst.StatePaused, current)

	// the streaming thread is blocked in preroll
	done := make(chan gst.StateChangeReturn)
	go func() { done <- p.SetState(gst.StateNull) }()
	select {
	case ret := <-done:
		require.Equal(t, gst.StateChangeSuccess, ret)
	case <-time.After(time.Second):
		require.FailNow(t, "shutdown blocked")
	}
}

func TestLiveSourceNoPreroll(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newTestSrc("src", 3, nil)
	src.SetLive(true)
	sink := newTestSink("sink", nil)
	require.NoError(t, sink.SetProperty("sync", false))
	p := newTestPipeline(t, src, sink)

	require.Equal(t, gst.StateChangeNoPreroll, p.SetState(gst.StatePaused))
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, src.created.Load())

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	waitEOS(t, p)
	require.EqualValues(t, 3, src.created.Load())
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}

func TestNumBuffers(t *testing.T) {
	src := newTestSrc("src", 100, nil)
	require.NoError(t, src.SetProperty("num-buffers", 7))
	sink := newTestSink("sink", nil)
	require.NoError(t, sink.SetProperty("sync", false))
	p := newTestPipeline(t, src, sink)

	for run := 0; run < 2; run++ {
		src.created.Store(0)
		require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
		waitEOS(t, p)
		require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
	}
	require.Equal(t, 14, sink.numRendered())
}

func TestSinkPullMode(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newTestSrc("src", 20, nil)
	src.seekable = true
	sink := newTestSink("sink", nil)
	require.NoError(t, sink.SetProperty("can-activate-pull", true))
	require.NoError(t, sink.SetProperty("blocksize", uint64(10)))
	p := newTestPipeline(t, src, sink)

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	waitEOS(t, p)
	require.Equal(t, gst.PadModePull, sink.SinkPad().Mode())
	require.Equal(t, gst.PadModePull, src.SrcPad().Mode())
	require.Equal(t, 20, sink.numRendered())
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
	require.Equal(t, gst.PadModeNone, sink.SinkPad().Mode())
}

func TestSourceQueries(t *testing.T) {
	src := newTestSrc("src", 20, nil)
	src.seekable = true

	q := gst.NewSchedulingQuery()
	require.True(t, src.SrcPad().Query(q))
	require.True(t, q.HasSchedulingModeWithFlags(gst.PadModePull, gst.SchedulingSeekable))

	q = gst.NewLatencyQuery()
	require.True(t, src.SrcPad().Query(q))
	live, _, _ := q.ParseLatency()
	require.False(t, live)
}

// mapTransform renames x/a caps to x/b and back.
type mapTransform struct {
	Transform

	in, out *caps.Caps
}

func (m *mapTransform) TransformCaps(direction gst.PadDirection, c *caps.Caps) *caps.Caps {
	from, to := "x/a", "x/b"
	if direction == gst.PadSrc {
		from, to = to, from
	}
	if c.IsAny() {
		return caps.NewSimple(to)
	}
	var out []*caps.Structure
	for i := 0; i < c.Size(); i++ {
		s := c.Structure(i)
		if s.Name() != from {
			continue
		}
		n := caps.NewStructure(to)
		for _, f := range s.Fields() {
			_ = n.SetValue(f.Name, f.Value)
		}
		out = append(out, n)
	}
	return caps.New(out...)
}

func (m *mapTransform) SetCaps(in, out *caps.Caps) bool {
	m.in, m.out = in, out
	return true
}

func TestTransformNegotiation(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newTestSrc("src", 2, gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways,
		caps.MustParse("x/a, n=(int)[ 1, 10 ]")))
	tr := &mapTransform{}
	tr.InitTransform(tr, tr, "map",
		gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways, caps.MustParse("x/a")),
		gst.NewPadTemplate("src", gst.PadSrc, gst.PadAlways, caps.MustParse("x/b")),
	)
	require.True(t, tr.IsPassthrough())
	sink := newTestSink("sink", gst.NewPadTemplate("sink", gst.PadSink, gst.PadAlways,
		caps.MustParse("x/b, n=(int){ 4, 5 }")))
	require.NoError(t, sink.SetProperty("sync", false))
	p := newTestPipeline(t, src, tr, sink)

	// upstream sees what the sink accepts, mapped back
	allowed := src.SrcPad().PeerQueryCaps(nil)
	require.True(t, allowed.IsEqual(caps.MustParse("x/a, n=(int){ 4, 5 }")), allowed.String())

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	waitEOS(t, p)

	require.True(t, tr.in.IsEqual(caps.MustParse("x/a, n=(int)4")), tr.in.String())
	require.True(t, tr.out.IsEqual(caps.MustParse("x/b, n=(int)4")), tr.out.String())
	sink.mu.Lock()
	require.True(t, sink.caps.IsEqual(tr.out))
	sink.mu.Unlock()
	require.Equal(t, 2, sink.numRendered())
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}

func TestTransformPullPassthrough(t *testing.T) {
	defer goleak.VerifyNone(t)

	src := newTestSrc("src", 8, nil)
	src.seekable = true
	tr := &Transform{}
	tr.InitTransform(tr, nil, "passthrough")
	sink := newTestSink("sink", nil)
	require.NoError(t, sink.SetProperty("can-activate-pull", true))
	require.NoError(t, sink.SetProperty("blocksize", uint64(10)))
	p := newTestPipeline(t, src, tr, sink)

	require.NotEqual(t, gst.StateChangeFailure, p.SetState(gst.StatePlaying))
	waitEOS(t, p)
	require.Equal(t, gst.PadModePull, tr.SinkPad().Mode())
	require.Equal(t, 8, sink.numRendered())
	require.Equal(t, gst.StateChangeSuccess, p.SetState(gst.StateNull))
}
