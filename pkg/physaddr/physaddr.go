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

// Package physaddr defines the physical address type shared by the memory
// planners and the kexec machinery, along with alignment helpers.
package physaddr

// Addr represents a physical byte address.
type Addr uint64

const (
	// PageShift is the binary log of the page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// MaxAddr is the highest representable physical address.
	MaxAddr = Addr(^uint64(0))
)

// RoundDown returns the address rounded down to the nearest multiple of
// align, which must be a power of 2.
func (v Addr) RoundDown(align uint64) Addr {
	return v &^ Addr(align-1)
}

// RoundUp returns the address rounded up to the nearest multiple of align,
// which must be a power of 2. ok is false iff rounding up overflows.
func (v Addr) RoundUp(align uint64) (addr Addr, ok bool) {
	addr = (v + Addr(align-1)).RoundDown(align)
	if addr < v {
		return 0, false
	}
	return addr, true
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up overflows.
func (v Addr) MustRoundUp(align uint64) Addr {
	addr, ok := v.RoundUp(align)
	if !ok {
		panic("physaddr.Addr.RoundUp overflows")
	}
	return addr
}

// PageRoundDown returns the address rounded down to the nearest page
// boundary.
func (v Addr) PageRoundDown() Addr {
	return v.RoundDown(PageSize)
}

// PageRoundUp returns the address rounded up to the nearest page boundary.
// ok is false iff rounding up overflows.
func (v Addr) PageRoundUp() (Addr, bool) {
	return v.RoundUp(PageSize)
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of 2.
func (v Addr) IsAligned(align uint64) bool {
	return v&Addr(align-1) == 0
}

// AddLength returns v plus length. ok is false iff the sum overflows.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// PFNDown returns the page frame number containing v.
func (v Addr) PFNDown() uint64 {
	return uint64(v >> PageShift)
}

// PFNUp returns the page frame number at or above v.
func (v Addr) PFNUp() uint64 {
	addr, ok := v.PageRoundUp()
	if !ok {
		return uint64(MaxAddr >> PageShift)
	}
	return addr.PFNDown()
}
