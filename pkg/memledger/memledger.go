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

// Package memledger maintains the boot-time ledger of physical memory: an
// ordered, non-overlapping record of which address ranges are installed
// DRAM and which of those are reserved away from the general allocator.
//
// The ledger is only ever used single-threaded, early in boot, before
// secondary processors run. Concurrent mutation is out of contract.
package memledger

import (
	"errors"
	"fmt"

	"bootplan.dev/bootplan/pkg/log"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// RegionFlags describe properties of an installed memory region.
type RegionFlags uint8

const (
	// FlagNoMap marks memory that must never enter the linear mapping.
	FlagNoMap RegionFlags = 1 << iota

	// FlagMirror marks memory backed by hardware mirroring.
	FlagMirror
)

// Region is a half-open physical interval [Base, Base+Size).
type Region struct {
	Base  physaddr.Addr
	Size  uint64
	Flags RegionFlags
}

// End returns the exclusive end address, saturating at the top of the
// physical address space.
func (r Region) End() physaddr.Addr {
	end, ok := r.Base.AddLength(r.Size)
	if !ok {
		return physaddr.MaxAddr
	}
	return end
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x-%#x)", uint64(r.Base), uint64(r.End()))
}

// Errors returned by ledger operations.
var (
	// ErrNotMemory indicates that a target range is not fully covered by
	// installed memory.
	ErrNotMemory = errors.New("range is not installed memory")
)

// Ledger tracks the present (installed DRAM) set and the reserved set.
// Both sets are kept sorted by base and internally non-overlapping after
// every operation; adjacent regions with identical flags are merged.
//
// The zero value is an empty ledger ready for use.
type Ledger struct {
	memory   []Region
	reserved []Region
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// clampEnd returns the exclusive end of [base, base+size), saturated.
func clampEnd(base physaddr.Addr, size uint64) physaddr.Addr {
	end, ok := base.AddLength(size)
	if !ok {
		return physaddr.MaxAddr
	}
	return end
}

// insert adds [base, end) with the given flags into set, keeping existing
// coverage intact: sub-ranges already covered keep their current flags.
// The result is sorted and merged.
func insert(set []Region, base, end physaddr.Addr, flags RegionFlags) []Region {
	if end <= base {
		return set
	}
	// Collect the uncovered gaps of [base, end).
	var gaps []Region
	cur := base
	for _, r := range set {
		if r.End() <= cur {
			continue
		}
		if r.Base >= end {
			break
		}
		if r.Base > cur {
			hi := r.Base
			if hi > end {
				hi = end
			}
			gaps = append(gaps, Region{Base: cur, Size: uint64(hi - cur), Flags: flags})
		}
		if r.End() > cur {
			cur = r.End()
		}
		if cur >= end {
			break
		}
	}
	if cur < end {
		gaps = append(gaps, Region{Base: cur, Size: uint64(end - cur), Flags: flags})
	}

	// Merge the gaps in, keeping base order.
	out := make([]Region, 0, len(set)+len(gaps))
	i, j := 0, 0
	for i < len(set) || j < len(gaps) {
		switch {
		case j >= len(gaps), i < len(set) && set[i].Base <= gaps[j].Base:
			out = append(out, set[i])
			i++
		default:
			out = append(out, gaps[j])
			j++
		}
	}
	return coalesce(out)
}

// remove drops [base, end) from set, splitting regions as needed.
func remove(set []Region, base, end physaddr.Addr) []Region {
	if end <= base {
		return set
	}
	out := set[:0:0]
	for _, r := range set {
		if r.End() <= base || r.Base >= end {
			out = append(out, r)
			continue
		}
		if r.Base < base {
			out = append(out, Region{Base: r.Base, Size: uint64(base - r.Base), Flags: r.Flags})
		}
		if r.End() > end {
			out = append(out, Region{Base: end, Size: uint64(r.End() - end), Flags: r.Flags})
		}
	}
	return out
}

// coalesce merges abutting or overlapping neighbors with identical flags.
// The input must be sorted by base.
func coalesce(set []Region) []Region {
	if len(set) < 2 {
		return set
	}
	out := set[:1]
	for _, r := range set[1:] {
		last := &out[len(out)-1]
		if r.Base <= last.End() && r.Flags == last.Flags {
			if r.End() > last.End() {
				last.Size = uint64(r.End() - last.Base)
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Add records [base, base+size) as installed memory.
func (l *Ledger) Add(base physaddr.Addr, size uint64) {
	l.AddFlags(base, size, 0)
}

// AddFlags records [base, base+size) as installed memory carrying flags.
// Sub-ranges already present keep their existing flags.
func (l *Ledger) AddFlags(base physaddr.Addr, size uint64, flags RegionFlags) {
	l.memory = insert(l.memory, base, clampEnd(base, size), flags)
}

// Remove drops [base, base+size) from the installed set. Reservations over
// the range are left in place; they become inert once their backing memory
// is gone.
func (l *Ledger) Remove(base physaddr.Addr, size uint64) {
	l.memory = remove(l.memory, base, clampEnd(base, size))
}

// Reserve marks [base, base+size) unavailable to the general allocator.
// Unlike the installed set, reservation requires the full target range to
// be installed memory; a partial hit is an error, never a silent clip.
func (l *Ledger) Reserve(base physaddr.Addr, size uint64) error {
	if size == 0 {
		return nil
	}
	if !l.IsRegionMemory(base, size) {
		return fmt.Errorf("reserve %v: %w", Region{Base: base, Size: size}, ErrNotMemory)
	}
	l.reserved = insert(l.reserved, base, clampEnd(base, size), 0)
	return nil
}

// Free releases a prior reservation over [base, base+size).
func (l *Ledger) Free(base physaddr.Addr, size uint64) {
	l.reserved = remove(l.reserved, base, clampEnd(base, size))
}

// MarkNoMap flags every installed byte of [base, base+size) as NoMap,
// excluding it from the linear mapping. Holes in the range are ignored.
func (l *Ledger) MarkNoMap(base physaddr.Addr, size uint64) {
	end := clampEnd(base, size)
	var hits []Region
	for _, r := range l.memory {
		lo, hi := r.Base, r.End()
		if lo < base {
			lo = base
		}
		if hi > end {
			hi = end
		}
		if lo < hi {
			hits = append(hits, Region{Base: lo, Size: uint64(hi - lo), Flags: r.Flags | FlagNoMap})
		}
	}
	l.memory = remove(l.memory, base, end)
	for _, h := range hits {
		l.memory = insert(l.memory, h.Base, h.End(), h.Flags)
	}
}

// RemoveAbove drops all installed memory at or above limit.
func (l *Ledger) RemoveAbove(limit physaddr.Addr) {
	l.memory = remove(l.memory, limit, physaddr.MaxAddr)
}

// CapToRange drops everything, installed and reserved, outside
// [base, base+size). Firmware regions flagged NoMap survive the cap: they
// were never the allocator's to begin with, and the vmcore of a crashed
// kernel may still refer to them. Calling it twice with the same range is
// a no-op the second time.
func (l *Ledger) CapToRange(base physaddr.Addr, size uint64) {
	end := clampEnd(base, size)
	l.memory = removeMappable(l.memory, 0, base)
	l.memory = removeMappable(l.memory, end, physaddr.MaxAddr)
	l.reserved = remove(l.reserved, 0, base)
	l.reserved = remove(l.reserved, end, physaddr.MaxAddr)
}

// removeMappable is remove, except that NoMap regions are left intact.
func removeMappable(set []Region, base, end physaddr.Addr) []Region {
	if end <= base {
		return set
	}
	out := set[:0:0]
	for _, r := range set {
		if r.Flags&FlagNoMap != 0 || r.End() <= base || r.Base >= end {
			out = append(out, r)
			continue
		}
		if r.Base < base {
			out = append(out, Region{Base: r.Base, Size: uint64(base - r.Base), Flags: r.Flags})
		}
		if r.End() > end {
			out = append(out, Region{Base: end, Size: uint64(r.End() - end), Flags: r.Flags})
		}
	}
	return out
}

// MemLimitRemoveMap enforces a mem= style byte budget: installed memory is
// truncated at the address where the running total of mappable bytes
// reaches limit. NoMap regions neither count toward the budget nor get
// dropped. A budget of zero, or one the installed memory never reaches,
// changes nothing.
func (l *Ledger) MemLimitRemoveMap(limit uint64) {
	if limit == 0 {
		return
	}
	remaining := limit
	for _, r := range l.memory {
		if r.Flags&FlagNoMap != 0 {
			continue
		}
		if r.Size >= remaining {
			l.CapToRange(0, uint64(r.Base)+remaining)
			return
		}
		remaining -= r.Size
	}
}

// IsRegionMemory returns true if [base, base+size) is fully covered by
// installed memory, with no holes. Flags do not matter.
func (l *Ledger) IsRegionMemory(base physaddr.Addr, size uint64) bool {
	if size == 0 {
		return false
	}
	end := clampEnd(base, size)
	cur := base
	for _, r := range l.memory {
		if r.End() <= cur {
			continue
		}
		if r.Base > cur {
			return false
		}
		cur = r.End()
		if cur >= end {
			return true
		}
	}
	return false
}

// IsRegionReserved returns true if [base, base+size) intersects any
// reserved range.
func (l *Ledger) IsRegionReserved(base physaddr.Addr, size uint64) bool {
	end := clampEnd(base, size)
	for _, r := range l.reserved {
		if r.Base < end && r.End() > base {
			return true
		}
	}
	return false
}

// FindInRange returns the lowest address a such that [a, a+size) is inside
// [start, end), aligned to align, fully installed (and mappable), and free
// of reservations. This is first fit, bottom up: boot cannot afford a
// fragmentation-optimal search and does not need one.
func (l *Ledger) FindInRange(start, end physaddr.Addr, size, align uint64) (physaddr.Addr, bool) {
	if size == 0 || end <= start {
		return 0, false
	}
	if align == 0 {
		align = physaddr.PageSize
	}
	for _, m := range l.memory {
		if m.Flags&FlagNoMap != 0 {
			continue
		}
		lo, hi := m.Base, m.End()
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		// Walk the free spans of [lo, hi), skipping reservations.
		cur := lo
		for _, rsv := range l.reserved {
			if cur >= hi {
				break
			}
			if rsv.End() <= cur {
				continue
			}
			if rsv.Base >= hi {
				break
			}
			if rsv.Base > cur {
				if a, ok := fit(cur, rsv.Base, size, align); ok {
					return a, true
				}
			}
			if rsv.End() > cur {
				cur = rsv.End()
			}
		}
		if cur < hi {
			if a, ok := fit(cur, hi, size, align); ok {
				return a, true
			}
		}
	}
	return 0, false
}

// fit returns the lowest aligned address within [lo, hi) with size bytes of
// headroom.
func fit(lo, hi physaddr.Addr, size, align uint64) (physaddr.Addr, bool) {
	a, ok := lo.RoundUp(align)
	if !ok {
		return 0, false
	}
	end, ok := a.AddLength(size)
	if !ok || end > hi {
		return 0, false
	}
	return a, true
}

// StartOfDRAM returns the lowest installed address. Zero when empty.
func (l *Ledger) StartOfDRAM() physaddr.Addr {
	if len(l.memory) == 0 {
		return 0
	}
	return l.memory[0].Base
}

// EndOfDRAM returns the exclusive end of the highest installed region.
// Zero when empty.
func (l *Ledger) EndOfDRAM() physaddr.Addr {
	if len(l.memory) == 0 {
		return 0
	}
	return l.memory[len(l.memory)-1].End()
}

// TotalSize returns the number of installed bytes.
func (l *Ledger) TotalSize() uint64 {
	var total uint64
	for _, r := range l.memory {
		total += r.Size
	}
	return total
}

// Regions returns a copy of the installed set.
func (l *Ledger) Regions() []Region {
	return append([]Region(nil), l.memory...)
}

// ReservedRegions returns a copy of the reserved set.
func (l *Ledger) ReservedRegions() []Region {
	return append([]Region(nil), l.reserved...)
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	return &Ledger{
		memory:   append([]Region(nil), l.memory...),
		reserved: append([]Region(nil), l.reserved...),
	}
}

// Dump logs both sets at debug level, one line per region.
func (l *Ledger) Dump() {
	if !log.IsLogging(log.Debug) {
		return
	}
	log.Debugf("memory: %d regions, %#x bytes", len(l.memory), l.TotalSize())
	for i, r := range l.memory {
		log.Debugf(" memory[%d]\t%v flags %#x", i, r, r.Flags)
	}
	log.Debugf("reserved: %d regions", len(l.reserved))
	for i, r := range l.reserved {
		log.Debugf(" reserved[%d]\t%v", i, r)
	}
}
