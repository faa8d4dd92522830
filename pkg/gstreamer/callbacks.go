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
	"sync"

	"github.com/livekit/gstcore/pkg/errors"
)

// Callbacks are the signals of an element. Handlers run in the thread that
// triggered them, which is often a streaming thread.
type Callbacks struct {
	mu sync.RWMutex

	// pipeline callbacks
	onError func(error)
	onStop  []func() error

	// pad callbacks
	onPadAdded   []func(*Pad)
	onPadRemoved []func(*Pad)
	onNoMorePads []func()

	// bin callbacks
	onElementAdded   []func(Element)
	onElementRemoved []func(Element)
}

func (c *Callbacks) SetOnError(f func(error)) {
	c.mu.Lock()
	c.onError = f
	c.mu.Unlock()
}

func (c *Callbacks) OnError(err error) {
	c.mu.RLock()
	onError := c.onError
	c.mu.RUnlock()
	if onError != nil {
		onError(err)
	}
}

func (c *Callbacks) AddOnStop(f func() error) {
	c.mu.Lock()
	c.onStop = append(c.onStop, f)
	c.mu.Unlock()
}

func (c *Callbacks) OnStop() error {
	errArray := &errors.ErrArray{}
	c.mu.RLock()
	for _, onStop := range c.onStop {
		errArray.Check(onStop())
	}
	c.mu.RUnlock()
	return errArray.ToError()
}

func (c *Callbacks) AddOnPadAdded(f func(*Pad)) {
	c.mu.Lock()
	c.onPadAdded = append(c.onPadAdded, f)
	c.mu.Unlock()
}

func (c *Callbacks) OnPadAdded(pad *Pad) {
	c.mu.RLock()
	handlers := c.onPadAdded
	c.mu.RUnlock()
	for _, onPadAdded := range handlers {
		onPadAdded(pad)
	}
}

func (c *Callbacks) AddOnPadRemoved(f func(*Pad)) {
	c.mu.Lock()
	c.onPadRemoved = append(c.onPadRemoved, f)
	c.mu.Unlock()
}

func (c *Callbacks) OnPadRemoved(pad *Pad) {
	c.mu.RLock()
	handlers := c.onPadRemoved
	c.mu.RUnlock()
	for _, onPadRemoved := range handlers {
		onPadRemoved(pad)
	}
}

func (c *Callbacks) AddOnNoMorePads(f func()) {
	c.mu.Lock()
	c.onNoMorePads = append(c.onNoMorePads, f)
	c.mu.Unlock()
}

func (c *Callbacks) OnNoMorePads() {
	c.mu.RLock()
	handlers := c.onNoMorePads
	c.mu.RUnlock()
	for _, onNoMorePads := range handlers {
		onNoMorePads()
	}
}

func (c *Callbacks) AddOnElementAdded(f func(Element)) {
	c.mu.Lock()
	c.onElementAdded = append(c.onElementAdded, f)
	c.mu.Unlock()
}

func (c *Callbacks) OnElementAdded(e Element) {
	c.mu.RLock()
	handlers := c.onElementAdded
	c.mu.RUnlock()
	for _, onElementAdded := range handlers {
		onElementAdded(e)
	}
}

func (c *Callbacks) AddOnElementRemoved(f func(Element)) {
	c.mu.Lock()
	c.onElementRemoved = append(c.onElementRemoved, f)
	c.mu.Unlock()
}

func (c *Callbacks) OnElementRemoved(e Element) {
	c.mu.RLock()
	handlers := c.onElementRemoved
	c.mu.RUnlock()
	for _, onElementRemoved := range handlers {
		onElementRemoved(e)
	}
}
