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

package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestSystemClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewSystemClock("system")
	now := c.Time()

	id := c.NewSingleShotID(now + 10*time.Millisecond)
	ret, jitter := id.Wait()
	require.Equal(t, OK, ret)
	require.GreaterOrEqual(t, jitter, time.Duration(0))

	// already in the past
	ret, _ = c.NewSingleShotID(now).Wait()
	require.Equal(t, Early, ret)

	ret, _ = c.NewSingleShotID(None).Wait()
	require.Equal(t, BadTime, ret)
}

func TestUnschedule(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewSystemClock("system")
	id := c.NewSingleShotID(c.Time() + time.Hour)

	done := make(chan Return, 1)
	go func() {
		ret, _ := id.Wait()
		done <- ret
	}()

	time.Sleep(10 * time.Millisecond)
	id.Unschedule()
	select {
	case ret := <-done:
		require.Equal(t, Unscheduled, ret)
	case <-time.After(time.Second):
		t.Fatal("wait was not unscheduled")
	}

	ret, _ := id.Wait()
	require.Equal(t, Unscheduled, ret)
}

func TestTestClock(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewTestClock(0)
	id := c.NewPeriodicID(time.Second, time.Second)

	results := make(chan Return, 2)
	go func() {
		for i := 0; i < 2; i++ {
			ret, _ := id.Wait()
			results <- ret
		}
	}()

	require.True(t, c.WaitForPendingIDs(1, time.Second))
	next, ok := c.NextPendingTime()
	require.True(t, ok)
	require.Equal(t, time.Second, next)

	c.Advance(time.Second)
	require.Equal(t, OK, <-results)

	require.True(t, c.WaitForPendingIDs(1, time.Second))
	require.Equal(t, 2*time.Second, id.Time())
	c.Set(5 * time.Second)
	require.Equal(t, OK, <-results)
	require.Equal(t, 0, c.PendingIDs())

	// going backwards is ignored
	c.Set(time.Second)
	require.Equal(t, 5*time.Second, c.Time())
}

func TestFormat(t *testing.T) {
	require.Equal(t, "none", Format(None))
	require.Equal(t, "1:02:03.000000004", Format(time.Hour+2*time.Minute+3*time.Second+4))
}
