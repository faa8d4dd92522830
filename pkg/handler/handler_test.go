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

package handler

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/gstcore/pkg/config"
	"github.com/livekit/gstcore/pkg/elements"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

const testTimeout = 5 * time.Second

func newTestHandler(t *testing.T, description string) *Handler {
	conf, err := config.NewConfig("debug:\n  enable_profiling: true\n")
	require.NoError(t, err)

	r := gst.NewRegistry()
	require.NoError(t, elements.Register(r))
	return NewHandler(conf, r, description)
}

func runAsync(h *Handler) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- h.Run(context.Background())
	}()
	return done
}

func wait(t *testing.T, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("handler did not finish")
		return nil
	}
}

func TestRunToEOS(t *testing.T) {
	h := newTestHandler(t, "fakesrc num-buffers=10 ! queue ! fakesink name=out")
	_, ok := h.TimeProvider().RunningTime()
	require.False(t, ok)

	require.NoError(t, wait(t, runAsync(h)))

	p := h.Pipeline()
	require.NotNil(t, p)
	require.Equal(t, gst.StateNull, p.CurrentState())

	sink := p.GetByName("out").(*elements.FakeSink)
	require.EqualValues(t, 10, sink.Count())

	m, err := h.GenerateMetrics(context.Background())
	require.NoError(t, err)
	require.Contains(t, m, "livekit_gstcore_buffers_pushed")
	require.Contains(t, m, "livekit_gstcore_running_time_seconds")
}

func TestRunBuildError(t *testing.T) {
	h := newTestHandler(t, "fakesrc ! nosuchelement")
	require.Error(t, wait(t, runAsync(h)))
	require.Nil(t, h.Pipeline())

	select {
	case <-h.Initialized():
	default:
		t.Fatal("handler should be initialized after a failed build")
	}
}

func TestRunElementError(t *testing.T) {
	h := newTestHandler(t, "fakesrc num-buffers=100 ! identity error-after=5 ! fakesink")
	err := wait(t, runAsync(h))
	require.Error(t, err)
	require.Equal(t, gst.StateNull, h.Pipeline().CurrentState())
}

func TestSendEOS(t *testing.T) {
	h := newTestHandler(t, "fakesrc ! fakesink name=out")
	done := runAsync(h)

	<-h.Initialized()
	sink := h.Pipeline().GetByName("out").(*elements.FakeSink)
	require.Eventually(t, func() bool {
		return sink.Count() > 0
	}, testTimeout, 10*time.Millisecond)

	h.SendEOS()
	require.NoError(t, wait(t, done))
}

func TestKill(t *testing.T) {
	h := newTestHandler(t, "fakesrc ! fakesink")
	done := runAsync(h)

	<-h.Initialized()
	h.Kill()
	require.NoError(t, wait(t, done))
	require.Equal(t, gst.StateNull, h.Pipeline().CurrentState())
}

func TestContextCancel(t *testing.T) {
	h := newTestHandler(t, "fakesrc ! fakesink")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.Run(ctx)
	}()

	<-h.Initialized()
	cancel()
	require.NoError(t, wait(t, done))
}

func TestDebugHandler(t *testing.T) {
	h := newTestHandler(t, "fakesrc ! identity name=id ! fakesink")

	// no pipeline yet
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dot", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	done := runAsync(h)
	<-h.Initialized()

	srv := httptest.NewServer(h)
	defer srv.Close()

	get := func(path string) (int, string) {
		res, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer res.Body.Close()
		b, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res.StatusCode, string(b)
	}

	code, body := get("/dot")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "digraph pipeline {")
	require.Contains(t, body, "id")

	code, body = get("/metrics")
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.Contains(body, "go_goroutines"))

	code, _ = get("/pprof/goroutine")
	require.Equal(t, http.StatusOK, code)

	code, _ = get("/pprof/nothing")
	require.Equal(t, http.StatusNotFound, code)

	code, _ = get("/unknown")
	require.Equal(t, http.StatusNotFound, code)

	h.Kill()
	require.NoError(t, wait(t, done))
}
