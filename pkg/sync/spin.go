// Copyright 2024 The gVisor Authors.
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

package sync

import (
	"runtime"
	"sync/atomic"
)

// Mutexer protects a value of type T and hands out scope guards for it.
//
// Both SpinMutex and FakeMutex implement it, so call sites protecting
// contended and uncontended state read the same.
type Mutexer[T any] interface {
	// Lock returns once the caller has exclusive access to the value.
	Lock() Guard[T]

	// Unlock releases the value. It panics if the mutex is not locked.
	Unlock()
}

// Guard grants access to a locked value. Release it with Unlock, usually
// deferred right after acquisition:
//
//	g := m.Lock()
//	defer g.Unlock()
type Guard[T any] struct {
	data *T
	mu   interface{ Unlock() }
}

// Data returns the protected value. It must not be retained past Unlock.
func (g Guard[T]) Data() *T {
	return g.data
}

// Unlock releases the mutex the guard was obtained from.
func (g Guard[T]) Unlock() {
	g.mu.Unlock()
}

// SpinMutex is a busy-waiting mutual exclusion lock around a value of type
// T. It never sleeps: a contended Lock spins until the holder unlocks.
//
// SpinMutex is not recursive. Code that may be interrupted on the same CPU
// while holding it must mask interrupts before locking.
//
// The zero value is an unlocked mutex holding the zero T.
type SpinMutex[T any] struct {
	_      NoCopy
	locked atomic.Bool
	data   T
}

// NewSpinMutex returns an unlocked SpinMutex holding v.
func NewSpinMutex[T any](v T) *SpinMutex[T] {
	return &SpinMutex[T]{data: v}
}

// Lock spins until the lock is acquired, yielding the processor between
// attempts.
func (m *SpinMutex[T]) Lock() Guard[T] {
	return m.LockWith(runtime.Gosched)
}

// LockWith spins until the lock is acquired, calling relax after every
// failed attempt. relax is the CPU's spin-wait hint.
func (m *SpinMutex[T]) LockWith(relax func()) Guard[T] {
	for {
		if g, ok := m.TryLock(); ok {
			return g
		}
		// Wait for the holder to let go before retrying the CAS, so the
		// cache line is only written when the lock looks free.
		for m.locked.Load() {
			relax()
		}
	}
}

// TryLock attempts a single false->true transition of the lock word.
func (m *SpinMutex[T]) TryLock() (Guard[T], bool) {
	if !m.locked.CompareAndSwap(false, true) {
		return Guard[T]{}, false
	}
	return Guard[T]{data: &m.data, mu: m}, true
}

// Unlock releases the lock.
//
// Unlocking a SpinMutex that is not locked is a fatal programming error.
func (m *SpinMutex[T]) Unlock() {
	if !m.locked.Swap(false) {
		panic("sync: unlock of unlocked SpinMutex")
	}
}

// Locked reports whether the lock is currently held by anyone.
func (m *SpinMutex[T]) Locked() bool {
	return m.locked.Load()
}

// Borrow returns the protected value of a mutex that was locked elsewhere on
// the caller's behalf. The lock stays held; the caller is responsible for the
// matching Unlock.
//
// Borrow panics if the mutex is not locked.
func (m *SpinMutex[T]) Borrow() *T {
	if !m.locked.Load() {
		panic("sync: borrow of unlocked SpinMutex")
	}
	return &m.data
}

// FakeMutex has the interface of SpinMutex but performs no synchronization
// at all. It may only protect state that is never accessed concurrently,
// such as state written once during single-threaded bring-up.
type FakeMutex[T any] struct {
	data T
}

// NewFakeMutex returns a FakeMutex holding v.
func NewFakeMutex[T any](v T) *FakeMutex[T] {
	return &FakeMutex[T]{data: v}
}

// Lock implements Mutexer.Lock.
func (m *FakeMutex[T]) Lock() Guard[T] {
	return Guard[T]{data: &m.data, mu: m}
}

// Unlock implements Mutexer.Unlock.
func (*FakeMutex[T]) Unlock() {}

var (
	_ Mutexer[int] = (*SpinMutex[int])(nil)
	_ Mutexer[int] = (*FakeMutex[int])(nil)
)
