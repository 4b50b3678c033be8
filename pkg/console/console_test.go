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

package console

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestRegister(t *testing.T) {
	old := Get()
	t.Cleanup(func() { Register(old) })

	if _, ok := Get().(Null); !ok {
		t.Fatalf("default console is %T, want Null", Get())
	}
	if _, err := Get().ReadByte(); err != io.EOF {
		t.Errorf("Null.ReadByte() = %v, want io.EOF", err)
	}

	var out bytes.Buffer
	s := NewStream(strings.NewReader("hi"), &out)
	Register(s)
	if Get() != Console(s) {
		t.Fatalf("Get() did not return the registered console")
	}
	for _, want := range []byte("hi") {
		c, err := Get().ReadByte()
		if err != nil || c != want {
			t.Errorf("ReadByte() = %q, %v, want %q", c, err, want)
		}
	}
	if _, err := Get().ReadByte(); err != io.EOF {
		t.Errorf("ReadByte() at end = %v, want io.EOF", err)
	}
	if _, err := io.WriteString(Get(), "ok"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if out.String() != "ok" {
		t.Errorf("output = %q, want %q", out.String(), "ok")
	}
}
