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

// Package cmd holds implementations of the kcore commands.
package cmd

import (
	"context"
	"io"
)

// crlfWriter turns "\n" into "\r\n", which a terminal in raw mode needs to
// return the carriage, the way a UART driver does.
type crlfWriter struct {
	w io.Writer
}

// Write implements io.Writer.Write.
func (c crlfWriter) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p))
	for _, b := range p {
		if b == '\n' {
			buf = append(buf, '\r')
		}
		buf = append(buf, b)
	}
	if _, err := c.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Control characters that end a raw terminal session.
const (
	ctrlC = 0x03
	ctrlD = 0x04
)

// interruptReader passes input through until ^C or ^D, which a raw
// terminal no longer turns into a signal. It then cancels the session and
// reports end of input.
type interruptReader struct {
	r      io.Reader
	cancel context.CancelFunc
	done   bool
}

// Read implements io.Reader.Read.
func (ir *interruptReader) Read(p []byte) (int, error) {
	if ir.done {
		return 0, io.EOF
	}
	n, err := ir.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == ctrlC || p[i] == ctrlD {
			ir.done = true
			ir.cancel()
			if i == 0 {
				return 0, io.EOF
			}
			return i, nil
		}
	}
	return n, err
}
