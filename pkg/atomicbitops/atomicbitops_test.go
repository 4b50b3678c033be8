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

package atomicbitops

import "testing"

func TestBool(t *testing.T) {
	b := FromBool(true)
	if !b.Load() {
		t.Fatalf("FromBool(true).Load() = false")
	}
	if !b.CompareAndSwap(true, false) {
		t.Fatalf("CompareAndSwap(true, false) failed on a true value")
	}
	if b.CompareAndSwap(true, false) {
		t.Fatalf("CompareAndSwap(true, false) succeeded on a false value")
	}
	if old := b.Swap(true); old {
		t.Errorf("Swap(true) = %t, want false", old)
	}
	b.Store(false)
	if b.Load() {
		t.Errorf("Load() after Store(false) = true")
	}
}

func TestUint32Bits(t *testing.T) {
	var u Uint32
	u.Or(0b1010)
	u.Or(0b0001)
	if got, want := u.Load(), uint32(0b1011); got != want {
		t.Fatalf("after Or: got %#b, want %#b", got, want)
	}
	u.And(^uint32(0b0010))
	if got, want := u.Load(), uint32(0b1001); got != want {
		t.Errorf("after And: got %#b, want %#b", got, want)
	}
}

func TestUint64Add(t *testing.T) {
	u := FromUint64(40)
	if got := u.Add(2); got != 42 {
		t.Errorf("Add(2) = %d, want 42", got)
	}
}
