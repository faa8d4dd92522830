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
	"time"
)

var processStart = time.Now()

type SystemClock struct {
	name  string
	epoch time.Time
}

// NewSystemClock returns a clock following the monotonic system time.
func NewSystemClock(name string) *SystemClock {
	return &SystemClock{
		name:  name,
		epoch: processStart,
	}
}

func (c *SystemClock) Name() string {
	return c.name
}

func (c *SystemClock) Time() time.Duration {
	return time.Since(c.epoch)
}

func (c *SystemClock) Resolution() time.Duration {
	return time.Microsecond
}

func (c *SystemClock) NewSingleShotID(t time.Duration) *ID {
	return newID(c, t, 0)
}

func (c *SystemClock) NewPeriodicID(start, interval time.Duration) *ID {
	return newID(c, start, interval)
}

func (c *SystemClock) waitUntil(id *ID, t time.Duration) Return {
	timer := time.NewTimer(t - c.Time())
	defer timer.Stop()

	select {
	case <-timer.C:
		return OK
	case <-id.unscheduled.Watch():
		return Unscheduled
	}
}
