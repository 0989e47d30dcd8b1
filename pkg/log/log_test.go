// Copyright 2025 The Bootplan Authors
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
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

type capture struct {
	level  Level
	format string
	args   []any
	count  int
}

func (c *capture) Emit(level Level, _ time.Time, format string, v ...any) {
	c.level = level
	c.format = format
	c.args = v
	c.count++
}

func TestLevelFiltering(t *testing.T) {
	c := &capture{}
	l := &BasicLogger{Level: Info, Emitter: c}

	l.Debugf("dropped")
	if c.count != 0 {
		t.Errorf("debug line emitted at info level")
	}
	l.Infof("kept %d", 1)
	l.Warningf("kept %d", 2)
	if c.count != 2 {
		t.Errorf("emitted %d lines, want 2", c.count)
	}
	if c.level != Warning {
		t.Errorf("last level = %v, want Warning", c.level)
	}

	l.Level = Debug
	l.Debugf("kept")
	if c.count != 3 {
		t.Errorf("debug line dropped at debug level")
	}
}

func TestWriterEmit(t *testing.T) {
	var buf bytes.Buffer
	w := &Writer{Next: &buf}
	w.Emit(Info, time.Now(), "planned %d banks", 3)
	if got, want := buf.String(), "planned 3 banks\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

type flakyWriter struct {
	fail int
	out  bytes.Buffer
}

func (f *flakyWriter) Write(p []byte) (int, error) {
	if f.fail > 0 {
		f.fail--
		return 0, errors.New("transient failure")
	}
	return f.out.Write(p)
}

func TestWriterDegradesOnError(t *testing.T) {
	f := &flakyWriter{fail: 1}
	w := &Writer{Next: f}

	// The contract is that logging never fails: the write error is
	// swallowed and later lines still get through.
	w.Emit(Info, time.Now(), "lost")
	w.Emit(Info, time.Now(), "kept")
	if got := f.out.String(); !strings.Contains(got, "kept") {
		t.Errorf("output = %q, want the second line present", got)
	}
}

func TestKmsgFormat(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	k := KmsgEmitter{Emitter: &Writer{Next: &buf}, Start: start}

	at := func(d time.Duration) time.Time { return start.Add(d) }

	for _, tc := range []struct {
		level Level
		ts    time.Time
		text  string
		args  []any
		want  string
	}{
		{Info, at(12*time.Second + 345678*time.Microsecond), "On node 0 totalpages: %d", []any{262144}, "[   12.345678] On node 0 totalpages: 262144\n"},
		{Warning, at(time.Microsecond), "initrd dropped", nil, "[    0.000001] W initrd dropped\n"},
		// A timestamp before the reference clamps to zero.
		{Info, start.Add(-time.Second), "early", nil, "[    0.000000] early\n"},
	} {
		buf.Reset()
		k.Emit(tc.level, tc.ts, tc.text, tc.args...)
		if got := buf.String(); got != tc.want {
			t.Errorf("Emit(%v, %q) = %q, want %q", tc.level, tc.text, got, tc.want)
		}
	}
}
