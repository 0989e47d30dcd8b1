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

// Package memplan decides the boot-time physical memory layout: which
// installed ranges stay usable, where the linear window sits, the per-zone
// ceilings, and the policy carveouts (crash kernel, quick reboot, parked
// CPUs, ELF core header).
//
// Nothing in this package raises a hard error. By the time it runs there
// is no way to abort and retry the boot, so an unsatisfiable configuration
// degrades the feature involved and logs a warning.
package memplan

import (
	"bootplan.dev/bootplan/pkg/log"
	"bootplan.dev/bootplan/pkg/memledger"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// Plan mutates the ledger into its final boot shape and returns the linear
// window and zone ceilings. The ledger must already hold the firmware's
// memory banks; on return it holds exactly the ranges the page allocator
// may consume.
func Plan(l *memledger.Ledger, p Params) Layout {
	// Enforce a usable-memory-range hand-off first: when running as a
	// crash-capture kernel the previous image restricts us to the ranges
	// it set aside. The first range caps the ledger, the second is the
	// low region added back for 32-bit consumers.
	if len(p.UsableRanges) > 0 && p.UsableRanges[0].Size != 0 {
		l.CapToRange(p.UsableRanges[0].Base, p.UsableRanges[0].Size)
	}
	if len(p.UsableRanges) > 1 && p.UsableRanges[1].Size != 0 {
		l.Add(p.UsableRanges[1].Base, p.UsableRanges[1].Size)
	}

	// Remove memory above the supported physical address size.
	l.RemoveAbove(physaddr.Addr(1) << p.PhysBits)

	linearSize := uint64(1) << (p.VABitsActual - 1)
	memstart := int64(l.StartOfDRAM().RoundDown(p.MemstartAlign))

	// Remove the memory the linear mapping cannot cover. Take care not
	// to clip the kernel, which may sit high: if keeping the kernel
	// forces the window upward, recompute the base so the window ends
	// exactly at the end of DRAM and sacrifice the low excess instead.
	clipFrom := physaddr.Addr(memstart) + physaddr.Addr(linearSize)
	if p.Kernel.End() > clipFrom {
		clipFrom = p.Kernel.End()
	}
	l.RemoveAbove(clipFrom)
	if physaddr.Addr(memstart)+physaddr.Addr(linearSize) < l.EndOfDRAM() {
		memstart = int64((l.EndOfDRAM() - physaddr.Addr(linearSize)).MustRoundUp(p.MemstartAlign))
		l.Remove(0, uint64(memstart))
	}

	// A wide VA configuration running on narrower hardware keeps its
	// compile-time page offset, so the window base shifts down by the
	// distance between the two configurations' base virtual addresses.
	if p.VABits > p.VABitsActual {
		memstart -= int64(uint64(1)<<p.VABits) - int64(uint64(1)<<p.VABitsActual)
	}

	// Apply the memory limit if one was set. The kernel image may live
	// above the cut, so its range is unconditionally added back: the
	// kernel must stay addressable through the linear mapping even under
	// an artificial cap.
	if p.MemoryLimit != 0 {
		log.Infof("Memory limited to %dMB", p.MemoryLimit>>20)
		l.MemLimitRemoveMap(p.MemoryLimit)
		l.Add(p.Kernel.Base, p.Kernel.Size)
	}

	initrd, initrdDropped := planInitrd(l, p, linearSize)

	// Randomize the window base when the linear region exceeds the
	// installed span by a sufficient margin.
	if p.RandSeed > 0 {
		slack := linearSize - uint64(l.EndOfDRAM()-l.StartOfDRAM())
		if slack >= p.MemstartAlign {
			steps := slack / p.MemstartAlign
			memstart -= int64(p.MemstartAlign * (steps * uint64(p.RandSeed) >> 16))
		}
	}

	// Register the kernel image and the firmware-declared reservations.
	if err := l.Reserve(p.Kernel.Base, p.Kernel.Size); err != nil {
		log.Warningf("cannot reserve kernel image range: %v", err)
	}
	if initrd.Size != 0 {
		if err := l.Reserve(initrd.Base, initrd.Size); err != nil {
			log.Warningf("cannot reserve initrd range: %v", err)
		}
	}
	for _, fr := range p.FirmwareReserved {
		if fr.NoMap {
			l.MarkNoMap(fr.Base, fr.Size)
			continue
		}
		if err := l.Reserve(fr.Base, fr.Size); err != nil {
			log.Warningf("firmware reservation %v skipped: %v", fr.Range, err)
		}
	}

	layout := Layout{
		Window:        LinearWindow{Start: memstart, Size: linearSize},
		Zones:         planZones(l),
		MinPFN:        l.StartOfDRAM().PFNUp(),
		MaxPFN:        l.EndOfDRAM().PFNDown(),
		Initrd:        initrd,
		InitrdDropped: initrdDropped,
	}
	log.Infof("linear window: [%#x-%#x)", layout.Window.Start, layout.Window.Start+int64(layout.Window.Size))
	l.Dump()
	return layout
}

// planInitrd re-checks the ramdisk against the final window. The window
// clipping above may have removed its backing memory; it is only added
// back when that does not make the window span more than it can map.
func planInitrd(l *memledger.Ledger, p Params, linearSize uint64) (Range, bool) {
	if p.Initrd.Size == 0 {
		return Range{}, false
	}
	base := p.Initrd.Base.PageRoundDown()
	end := p.Initrd.End().MustRoundUp(physaddr.PageSize)
	size := uint64(end - base)

	if base < l.StartOfDRAM() || uint64(base)+size > uint64(l.StartOfDRAM())+linearSize {
		log.Warningf("initrd not fully accessible via the linear mapping -- please check your bootloader, ignoring initrd")
		return Range{}, true
	}
	// Re-add in place. This clears any stray flags if the range is
	// already present and restores it if the clipping removed it.
	l.Remove(base, size)
	l.Add(base, size)
	return Range{Base: base, Size: size}, false
}

// planZones derives the zone ceilings from the final DRAM span.
func planZones(l *memledger.Ledger) ZonePlan {
	if l.EndOfDRAM() == 0 {
		return ZonePlan{}
	}
	return ZonePlan{
		DMALimit:     maxZonePhys(l, ZoneDMABits),
		DMA32Limit:   maxZonePhys(l, ZoneDMA32Bits),
		NormalMaxPFN: l.EndOfDRAM().PFNDown(),
	}
}

// maxZonePhys returns the ceiling for a zone with the given address bit
// width. Memory starting above the zone's reach is assumed to be accessed
// through a DMA offset, hence the base offset term.
func maxZonePhys(l *memledger.Ledger, zoneBits int) physaddr.Addr {
	offset := l.StartOfDRAM().RoundDown(uint64(1) << zoneBits)
	limit := offset + physaddr.Addr(uint64(1)<<zoneBits)
	if end := l.EndOfDRAM(); limit > end {
		limit = end
	}
	return limit
}
