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

package gstreamer

import (
	"time"
)

// BuildQueue creates a queue limited by time only when latency is set.
// A leaky queue drops its oldest buffers instead of blocking.
func BuildQueue(r *Registry, name string, latency time.Duration, leaky bool) (Element, error) {
	queue, err := r.Make("queue", name)
	if err != nil {
		return nil, err
	}
	if latency > 0 {
		if err = queue.SetProperty("max-size-time", latency); err != nil {
			return nil, err
		}
		if err = queue.SetProperty("max-size-bytes", uint64(0)); err != nil {
			return nil, err
		}
		if err = queue.SetProperty("max-size-buffers", uint64(0)); err != nil {
			return nil, err
		}
	}
	if leaky {
		if err = queue.SetProperty("leaky", "downstream"); err != nil {
			return nil, err
		}
	}

	return queue, nil
}

// BuildBin creates a bin holding elements linked in order, with ghost
// pads exposing the free ends.
func BuildBin(name string, elements ...Element) (*Bin, error) {
	bin := NewBin(name)
	if err := bin.AddMany(elements...); err != nil {
		return nil, err
	}
	if err := LinkMany(elements...); err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return bin, nil
	}

	for _, pad := range elements[0].SinkPads() {
		if !pad.IsLinked() {
			if err := bin.AddPad(NewGhostPad(pad.Name(), pad).Pad); err != nil {
				return nil, err
			}
			break
		}
	}
	for _, pad := range elements[len(elements)-1].SrcPads() {
		if !pad.IsLinked() {
			if err := bin.AddPad(NewGhostPad(pad.Name(), pad).Pad); err != nil {
				return nil, err
			}
			break
		}
	}
	return bin, nil
}
