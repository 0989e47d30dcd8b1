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

package physaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// Common binary sizes.
const (
	KiB = uint64(1) << 10
	MiB = uint64(1) << 20
	GiB = uint64(1) << 30
	TiB = uint64(1) << 40
)

// ParseSize parses a byte count with an optional K/M/G/T binary suffix, the
// format accepted by boot parameters such as mem= and crashkernel=. The
// numeric part may be decimal or 0x-prefixed hexadecimal.
func ParseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	shift := uint(0)
	switch s[len(s)-1] {
	case 'K', 'k':
		shift = 10
	case 'M', 'm':
		shift = 20
	case 'G', 'g':
		shift = 30
	case 'T', 't':
		shift = 40
	}
	num := s
	if shift != 0 {
		num = s[:len(s)-1]
	}
	base := 10
	if strings.HasPrefix(num, "0x") || strings.HasPrefix(num, "0X") {
		num = num[2:]
		base = 16
	}
	v, err := strconv.ParseUint(num, base, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if shift != 0 && v<<shift>>shift != v {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return v << shift, nil
}
