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

package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/gstcore/pkg/elements"
	gst "github.com/livekit/gstcore/pkg/gstreamer"
)

func TestInspect(t *testing.T) {
	r := gst.NewRegistry()
	require.NoError(t, elements.Register(r))

	buf := &bytes.Buffer{}
	listFactories(buf, r)
	require.Contains(t, buf.String(), "fakesrc")
	require.Contains(t, buf.String(), "Total count: 12 elements")

	buf.Reset()
	require.NoError(t, describeFactory(buf, r.Lookup("queue")))
	out := buf.String()
	require.Contains(t, out, "Pad Templates:")
	require.Contains(t, out, "SINK template: 'sink'")
	require.Contains(t, out, "max-size-buffers")
	require.Contains(t, out, "downstream")
}
