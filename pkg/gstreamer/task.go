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

	"go.uber.org/atomic"

	"github.com/livekit/gstcore/pkg/errors"
	"github.com/livekit/protocol/logger"
)

type TaskState int

const (
	TaskStopped TaskState = iota
	TaskStarted
	TaskPaused
)

func (s TaskState) String() string {
	switch s {
	case TaskStarted:
		return "started"
	case TaskPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// TaskPool runs task loops.
type TaskPool interface {
	Push(fn func()) error
}

type goroutinePool struct{}

func (goroutinePool) Push(fn func()) error {
	go fn()
	return nil
}

// DefaultTaskPool gives every task its own goroutine.
var DefaultTaskPool TaskPool = goroutinePool{}

// LimitedTaskPool refuses to run more than max loops at once.
type LimitedTaskPool struct {
	max     int32
	running atomic.Int32
}

func NewLimitedTaskPool(max int) *LimitedTaskPool {
	return &LimitedTaskPool{max: int32(max)}
}

func (p *LimitedTaskPool) Push(fn func()) error {
	if p.running.Inc() > p.max {
		p.running.Dec()
		return errors.ErrTaskPoolExhausted
	}
	go func() {
		defer p.running.Dec()
		fn()
	}()
	return nil
}

func (p *LimitedTaskPool) Running() int {
	return int(p.running.Load())
}

// Task calls its function in a loop from a dedicated goroutine, holding
// lock around every call.
type Task struct {
	name string
	fn   func()
	lock sync.Locker
	pool TaskPool

	mu      sync.Mutex
	state   TaskState
	signal  chan struct{}
	running bool
	done    chan struct{}

	iterations atomic.Uint64
}

func NewTask(name string, fn func(), lock sync.Locker) *Task {
	return &Task{
		name:   name,
		fn:     fn,
		lock:   lock,
		pool:   DefaultTaskPool,
		signal: make(chan struct{}),
	}
}

// SetPool changes the pool used the next time the loop is started.
func (t *Task) SetPool(pool TaskPool) {
	t.mu.Lock()
	t.pool = pool
	t.mu.Unlock()
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Iterations counts completed calls of the task function.
func (t *Task) Iterations() uint64 {
	return t.iterations.Load()
}

func (t *Task) Start() bool {
	return t.setState(TaskStarted)
}

// Pause makes the loop wait before its next iteration. The current
// iteration is not interrupted.
func (t *Task) Pause() bool {
	return t.setState(TaskPaused)
}

// Stop makes the loop exit after the current iteration.
func (t *Task) Stop() bool {
	return t.setState(TaskStopped)
}

func (t *Task) setState(state TaskState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == state {
		return true
	}
	t.state = state
	close(t.signal)
	t.signal = make(chan struct{})

	if state != TaskStopped && !t.running {
		t.running = true
		t.done = make(chan struct{})
		if err := t.pool.Push(t.loop); err != nil {
			logger.Warnw("could not start task", err, "task", t.name)
			t.running = false
			t.state = TaskStopped
			close(t.done)
			return false
		}
	}
	return true
}

// Join waits for the loop of a stopped task to exit. It must not be called
// from the task function.
func (t *Task) Join() error {
	t.mu.Lock()
	if t.state != TaskStopped {
		t.mu.Unlock()
		return errors.ErrTaskNotStopped
	}
	done := t.done
	t.mu.Unlock()

	if done != nil {
		<-done
	}
	return nil
}

func (t *Task) loop() {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	defer close(done)

	for {
		t.mu.Lock()
		for t.state == TaskPaused {
			ch := t.signal
			t.mu.Unlock()
			<-ch
			t.mu.Lock()
		}
		if t.state == TaskStopped {
			t.running = false
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		t.lock.Lock()
		t.fn()
		t.lock.Unlock()
		t.iterations.Inc()
	}
}
