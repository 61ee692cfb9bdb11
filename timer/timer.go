// Copyright 2024 The TinyM2M Authors
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

// Package timer provides a millisecond timer wheel for single-threaded
// cooperative scheduling. All methods must be called from the same
// goroutine; timer callbacks run synchronously from Run and are free to
// reschedule themselves or other timers.
package timer

import (
	"math"
	"time"
)

// Forever is returned by TimeToNext when no timer is pending.
const Forever = math.MaxUint64

// Clock is the monotonic time source driving a Wheel, in milliseconds
// since some fixed point (typically process start).
type Clock interface {
	Now() uint64
}

// SystemClock is the default Clock, measuring milliseconds since it was
// created.
type SystemClock struct {
	start time.Time
}

func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() uint64 {
	return uint64(time.Since(c.start) / time.Millisecond)
}

// Timer is a single entry on a Wheel. The zero value is a stopped timer;
// set Callback (and optionally UserData) before scheduling it.
type Timer struct {
	Callback func(*Timer)
	UserData interface{}

	expiration uint64
	scheduled  bool
}

// Expiration returns the absolute expiration time in clock milliseconds.
// Only meaningful while the timer is scheduled.
func (t *Timer) Expiration() uint64 {
	return t.expiration
}

// Wheel keeps timers sorted by expiration time. Ties expire in insertion
// order.
type Wheel struct {
	clock  Clock
	timers []*Timer
}

func NewWheel(clock Clock) *Wheel {
	if clock == nil {
		clock = NewSystemClock()
	}
	return &Wheel{clock: clock}
}

// Uptime returns the current clock value in milliseconds.
func (w *Wheel) Uptime() uint64 {
	return w.clock.Now()
}

// Seconds returns the current clock value in whole seconds.
func (w *Wheel) Seconds() uint32 {
	return uint32(w.clock.Now() / 1000)
}

// Set schedules the timer to expire delay milliseconds from now. If the
// timer is already scheduled it is rescheduled.
func (w *Wheel) Set(t *Timer, delay uint64) {
	w.remove(t)
	t.expiration = w.clock.Now() + delay
	w.insert(t)
}

// Reset schedules the timer to expire delay milliseconds after its
// previous expiration time, keeping a periodic timer phase-locked even
// when callbacks run late. If the new expiration has already passed the
// timer is due at once: it expires on the next Run, or later in the same
// Run when Reset is called from a callback.
func (w *Wheel) Reset(t *Timer, delay uint64) {
	w.remove(t)
	t.expiration += delay
	w.insert(t)
}

// Stop removes the timer from the wheel. Stopping an unscheduled timer is
// a no-op.
func (w *Wheel) Stop(t *Timer) {
	w.remove(t)
}

// Expired reports whether the timer's expiration time has passed.
func (w *Wheel) Expired(t *Timer) bool {
	return t.expiration <= w.clock.Now()
}

// Run invokes the callbacks of all expired timers and reports whether any
// work was done. Callbacks may schedule, reschedule, or stop timers.
func (w *Wheel) Run() bool {
	did := false
	for {
		if len(w.timers) == 0 {
			return did
		}
		head := w.timers[0]
		if head.expiration > w.clock.Now() {
			return did
		}
		w.timers = w.timers[1:]
		head.scheduled = false
		did = true
		if head.Callback != nil {
			head.Callback(head)
		}
	}
}

// TimeToNext returns 0 if an expired timer is waiting to be processed,
// the milliseconds until the next expiration otherwise, or Forever if the
// wheel is empty.
func (w *Wheel) TimeToNext() uint64 {
	if len(w.timers) == 0 {
		return Forever
	}
	now := w.clock.Now()
	head := w.timers[0]
	if head.expiration <= now {
		return 0
	}
	return head.expiration - now
}

func (w *Wheel) insert(t *Timer) {
	pos := len(w.timers)
	for i, other := range w.timers {
		if t.expiration < other.expiration {
			pos = i
			break
		}
	}
	w.timers = append(w.timers, nil)
	copy(w.timers[pos+1:], w.timers[pos:])
	w.timers[pos] = t
	t.scheduled = true
}

func (w *Wheel) remove(t *Timer) {
	if !t.scheduled {
		return
	}
	for i, other := range w.timers {
		if other == t {
			w.timers = append(w.timers[:i], w.timers[i+1:]...)
			break
		}
	}
	t.scheduled = false
}
