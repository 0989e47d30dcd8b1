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

package memplan

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"bootplan.dev/bootplan/pkg/memledger"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// Untyped so they convert to both physaddr.Addr and uint64 contexts.
const (
	mib = 1 << 20
	gib = 1 << 30
)

// testParams returns a plausible platform: 48-bit VA, 48-bit PA, 2 MiB
// window alignment, kernel loaded low.
func testParams() Params {
	return Params{
		VABits:        48,
		VABitsActual:  48,
		PhysBits:      48,
		MemstartAlign: 2 * mib,
		Kernel:        Range{Base: 0x80000, Size: 0x180000},
	}
}

func TestPlanKeepsKernelInWindow(t *testing.T) {
	// One 4 GiB bank at zero, low kernel, 2 GiB linear window. The top
	// half of DRAM is unreachable and must go; the window stays at zero.
	l := memledger.New()
	l.Add(0, 4*gib)
	p := testParams()
	p.VABitsActual = 32 // 2 GiB linear window.
	p.VABits = 32

	layout := Plan(l, p)

	if layout.Window.Start != 0 {
		t.Errorf("window start = %#x, want 0", layout.Window.Start)
	}
	if got := l.EndOfDRAM(); got != 2*gib {
		t.Errorf("end of DRAM = %#x, want %#x", got, 2*gib)
	}
	if !layout.Window.Covers(p.Kernel.Base, p.Kernel.Size) {
		t.Error("kernel image not covered by the linear window")
	}
}

func TestPlanWindowShiftsUpForHighKernel(t *testing.T) {
	// Same bank, but the kernel sits at 3 GiB. Clipping the top would
	// clip the image, so the window must shift upward until it ends at
	// the end of DRAM, sacrificing low memory instead.
	l := memledger.New()
	l.Add(0, 4*gib)
	p := testParams()
	p.VABitsActual = 32
	p.VABits = 32
	p.Kernel = Range{Base: 3 * gib, Size: 2 * mib}

	layout := Plan(l, p)

	wantStart := int64(3*gib + 2*mib - 2*gib)
	if layout.Window.Start != wantStart {
		t.Errorf("window start = %#x, want %#x", layout.Window.Start, wantStart)
	}
	if !layout.Window.Covers(p.Kernel.Base, p.Kernel.Size) {
		t.Error("kernel image not covered by the linear window")
	}
	if !l.IsRegionMemory(p.Kernel.Base, p.Kernel.Size) {
		t.Error("kernel image no longer installed memory")
	}
	if l.IsRegionMemory(0, mib) {
		t.Error("low excess should have been removed")
	}
	// The whole surviving span fits the window exactly.
	if got := uint64(l.EndOfDRAM() - l.StartOfDRAM()); got != 2*gib {
		t.Errorf("surviving span = %#x, want %#x", got, 2*gib)
	}
}

func TestPlanMemoryLimitKeepsKernel(t *testing.T) {
	// Memory limit set below the kernel's end: the image range must be
	// re-added so it stays addressable despite the cap.
	l := memledger.New()
	l.Add(0, 4*gib)
	p := testParams()
	p.Kernel = Range{Base: 0xF0000000, Size: 2 * mib}
	p.MemoryLimit = gib

	Plan(l, p)

	if !l.IsRegionMemory(p.Kernel.Base, p.Kernel.Size) {
		t.Error("kernel image lost to the memory limit")
	}
	want := []memledger.Region{
		{Base: 0, Size: gib},
		{Base: 0xF0000000, Size: 2 * mib},
	}
	if diff := cmp.Diff(want, l.Regions()); diff != "" {
		t.Errorf("installed set mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanZoneMonotonicity(t *testing.T) {
	for _, tc := range []struct {
		name string
		base physaddr.Addr
		size uint64
	}{
		{"low bank", 0, 4 * gib},
		{"small bank", 0x40000000, 512 * mib},
		{"high bank", 1 << 40, 8 * gib},
		{"straddling", 3 * gib, 4 * gib},
	} {
		t.Run(tc.name, func(t *testing.T) {
			l := memledger.New()
			l.Add(tc.base, tc.size)
			p := testParams()
			p.Kernel = Range{Base: tc.base, Size: 2 * mib}

			layout := Plan(l, p)

			z := layout.Zones
			if z.DMALimit > z.DMA32Limit {
				t.Errorf("DMALimit %#x > DMA32Limit %#x", z.DMALimit, z.DMA32Limit)
			}
			if z.DMA32Limit.PFNDown() > z.NormalMaxPFN {
				t.Errorf("DMA32Limit pfn %#x > NormalMaxPFN %#x", z.DMA32Limit.PFNDown(), z.NormalMaxPFN)
			}
		})
	}
}

func TestPlanInitrdDroppedWhenUnreachable(t *testing.T) {
	// The initrd sits above what the window can map from the DRAM start;
	// re-adding it would corrupt the boot, so it is dropped loudly.
	l := memledger.New()
	l.Add(0, 4*gib)
	p := testParams()
	p.VABitsActual = 31 // 1 GiB window.
	p.VABits = 31
	p.Initrd = Range{Base: 3 * gib, Size: 16 * mib}

	layout := Plan(l, p)

	if !layout.InitrdDropped {
		t.Error("inaccessible initrd not dropped")
	}
	if layout.Initrd.Size != 0 {
		t.Errorf("dropped initrd still has bounds %v", layout.Initrd)
	}
}

func TestPlanInitrdKept(t *testing.T) {
	l := memledger.New()
	l.Add(0, 4*gib)
	p := testParams()
	p.Initrd = Range{Base: 64*mib + 0x800, Size: 16 * mib}

	layout := Plan(l, p)

	if layout.InitrdDropped {
		t.Error("reachable initrd dropped")
	}
	wantBase := physaddr.Addr(64 * mib)
	if layout.Initrd.Base != wantBase || layout.Initrd.Size != 16*mib+physaddr.PageSize {
		t.Errorf("initrd = %v, want base %#x size %#x", layout.Initrd, wantBase, 16*mib+physaddr.PageSize)
	}
	if !l.IsRegionReserved(layout.Initrd.Base, layout.Initrd.Size) {
		t.Error("kept initrd not reserved")
	}
}

func TestPlanRandomizedWindow(t *testing.T) {
	// 1 GiB of DRAM under a 2 GiB window leaves 1 GiB of slack; the
	// window base shifts down by a seed-scaled multiple of the alignment
	// and must still cover all of DRAM.
	l := memledger.New()
	l.Add(0, gib)
	p := testParams()
	p.VABitsActual = 32
	p.VABits = 32
	p.Kernel = Range{Base: 0x80000, Size: 2 * mib}
	p.RandSeed = 0x8000

	layout := Plan(l, p)

	// slack/align = 512 steps; 512 * 0x8000 >> 16 = 256 steps down.
	wantStart := int64(0) - 256*2*mib
	if layout.Window.Start != wantStart {
		t.Errorf("window start = %#x, want %#x", layout.Window.Start, wantStart)
	}
	if !layout.Window.Covers(l.StartOfDRAM(), l.TotalSize()) {
		t.Error("randomized window no longer covers DRAM")
	}
}

func TestPlanVA52Downshift(t *testing.T) {
	l := memledger.New()
	l.Add(0, gib)
	p := testParams()
	p.VABits = 52
	p.VABitsActual = 48

	layout := Plan(l, p)

	wantStart := int64(0) - (int64(1)<<52 - int64(1)<<48)
	if layout.Window.Start != wantStart {
		t.Errorf("window start = %#x, want %#x", layout.Window.Start, wantStart)
	}
}

func TestPlanUsableRangeHandoff(t *testing.T) {
	// Booting as a crash-capture kernel: the previous image limited us
	// to its carveout plus a low region.
	l := memledger.New()
	l.Add(0, 4*gib)
	p := testParams()
	p.Kernel = Range{Base: gib, Size: 2 * mib}
	p.UsableRanges = []Range{
		{Base: gib, Size: 256 * mib},
		{Base: 2 * mib, Size: 2 * mib},
	}

	Plan(l, p)

	want := []memledger.Region{
		{Base: 2 * mib, Size: 2 * mib},
		{Base: gib, Size: 256 * mib},
	}
	if diff := cmp.Diff(want, l.Regions()); diff != "" {
		t.Errorf("installed set mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanReservesFirmwareRegions(t *testing.T) {
	l := memledger.New()
	l.Add(0, gib)
	p := testParams()
	p.FirmwareReserved = []FirmwareRegion{
		{Range: Range{Base: 16 * mib, Size: mib}},
		{Range: Range{Base: 32 * mib, Size: mib}, NoMap: true},
	}

	Plan(l, p)

	if !l.IsRegionReserved(16*mib, mib) {
		t.Error("firmware reservation missing")
	}
	// The NoMap range stays installed but is excluded from mapping, so a
	// free-range search must never return it.
	if !l.IsRegionMemory(32*mib, mib) {
		t.Error("NoMap firmware region dropped from installed set")
	}
	if got, ok := l.FindInRange(32*mib, 33*mib, mib, physaddr.PageSize); ok {
		t.Errorf("FindInRange handed out NoMap memory at %#x", got)
	}
}
