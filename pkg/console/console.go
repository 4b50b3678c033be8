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

// Package console provides the kernel's byte console.
//
// Exactly one console is current at a time. It is registered during
// bring-up, before any other core runs, and only read afterwards.
package console

import (
	"bufio"
	"io"

	"github.com/smpkernel/kcore/pkg/sync"
)

// Console is a byte oriented terminal, such as a UART.
type Console interface {
	io.Writer

	// ReadByte blocks until a byte is available.
	ReadByte() (byte, error)
}

// Null is the console in effect until another is registered. Writes are
// discarded and reads report io.EOF.
type Null struct{}

// Write implements io.Writer.Write.
func (Null) Write(p []byte) (int, error) {
	return len(p), nil
}

// ReadByte implements Console.ReadByte.
func (Null) ReadByte() (byte, error) {
	return 0, io.EOF
}

// current is only written during single-core bring-up.
var current = sync.NewFakeMutex[Console](Null{})

// Register makes c the current console.
func Register(c Console) {
	g := current.Lock()
	defer g.Unlock()
	*g.Data() = c
}

// Get returns the current console.
func Get() Console {
	g := current.Lock()
	defer g.Unlock()
	return *g.Data()
}

// Stream is a Console over a reader and a writer, such as a host terminal.
type Stream struct {
	// mu serializes writers from different cores.
	mu sync.Mutex
	r  *bufio.Reader
	w  io.Writer
}

// NewStream returns a console reading from r and writing to w.
func NewStream(r io.Reader, w io.Writer) *Stream {
	return &Stream{r: bufio.NewReader(r), w: w}
}

// Write implements io.Writer.Write.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// ReadByte implements Console.ReadByte. Only one task reads the console.
func (s *Stream) ReadByte() (byte, error) {
	return s.r.ReadByte()
}
