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
	"time"
)

// KmsgEmitter decorates lines in the style of a kernel message buffer:
//
//	[   12.345678] message
//
// where the timestamp is seconds elapsed since the emitter was created.
// Warnings additionally carry a single-character level tag so that a
// serial capture can be grepped for degradations.
type KmsgEmitter struct {
	// Emitter is the underlying emitter.
	Emitter

	// Start is the reference instant for the relative timestamp.
	Start time.Time
}

// buffer is a simple inline buffer to avoid churn. The data slice is
// generally kept to the local byte array, avoiding heap allocation.
type buffer struct {
	local [64]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) write(c byte) {
	b.data = append(b.data, c)
}

func (b *buffer) writeDigits(v uint64, width int, pad byte) {
	var tmp [20]byte
	n := 0
	for {
		tmp[n] = '0' + byte(v%10)
		n++
		v /= 10
		if v == 0 {
			break
		}
	}
	for i := n; i < width; i++ {
		b.write(pad)
	}
	for i := n - 1; i >= 0; i-- {
		b.write(tmp[i])
	}
}

// Emit emits the message with the relative-time prefix.
func (k KmsgEmitter) Emit(level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()

	elapsed := timestamp.Sub(k.Start)
	if elapsed < 0 {
		elapsed = 0
	}
	secs := uint64(elapsed / time.Second)
	micros := uint64(elapsed % time.Second / time.Microsecond)

	b.write('[')
	b.writeDigits(secs, 5, ' ')
	b.write('.')
	b.writeDigits(micros, 6, '0')
	b.write(']')
	b.write(' ')

	if level == Warning {
		b.write('W')
		b.write(' ')
	}

	// User-provided format string, copied.
	for i := 0; i < len(format); i++ {
		b.write(format[i])
	}

	k.Emitter.Emit(level, timestamp, string(b.data), args...)
}
