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

package log

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLevelMarshal(t *testing.T) {
	lvs := []Level{Warning, Info, Debug}
	for _, lv := range lvs {
		bs, err := lv.MarshalJSON()
		if err != nil {
			t.Errorf("error marshaling %v: %v", lv, err)
		}
		var lv2 Level
		if err := lv2.UnmarshalJSON(bs); err != nil {
			t.Errorf("error unmarshaling %v: %v", bs, err)
		}
		if lv != lv2 {
			t.Errorf("marshal/unmarshal level got %v wanted %v", lv2, lv)
		}
	}
	var lv Level
	if err := lv.UnmarshalJSON([]byte("2")); err != nil || lv != Debug {
		t.Errorf("UnmarshalJSON(2) = %v, %v, want %v", lv, err, Debug)
	}
	if err := lv.UnmarshalJSON([]byte("7")); err == nil {
		t.Errorf("UnmarshalJSON(7) succeeded")
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	e := JSONEmitter{&Writer{Next: tw}}
	e.Emit(0, Warning, time.Time{}, "reaped pid %d", 4)
	if len(tw.lines) != 2 {
		t.Fatalf("got writes %q, want a record and a newline", tw.lines)
	}
	var rec struct {
		Msg   string `json:"msg"`
		Level Level  `json:"level"`
	}
	if err := json.Unmarshal([]byte(tw.lines[0]), &rec); err != nil {
		t.Fatalf("json.Unmarshal(%q): %v", tw.lines[0], err)
	}
	if rec.Level != Warning {
		t.Errorf("level = %v, want %v", rec.Level, Warning)
	}
	if want := "reaped pid 4"; rec.Msg != want {
		t.Errorf("msg = %q, want %q", rec.Msg, want)
	}
}
