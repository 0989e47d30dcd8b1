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
	"bootplan.dev/bootplan/pkg/physaddr"
)

// Range is a physical interval handed to the planner by boot parameters or
// firmware. A zero Size means "absent".
type Range struct {
	Base physaddr.Addr
	Size uint64
}

// End returns the exclusive end address.
func (r Range) End() physaddr.Addr {
	return r.Base + physaddr.Addr(r.Size)
}

// FirmwareRegion is a firmware-declared reserved range. NoMap regions are
// excluded from the linear mapping entirely rather than merely reserved.
type FirmwareRegion struct {
	Range
	NoMap bool
}

// Params carries everything the planner needs beyond the ledger itself.
// All values are already-parsed scalars; tokenizing the boot command line
// is a collaborator's job.
type Params struct {
	// VABits is the configured kernel virtual address width.
	VABits int

	// VABitsActual is the width the hardware actually runs with. It can
	// be smaller than VABits when a 52-bit configuration boots on
	// 48-bit-only hardware.
	VABitsActual int

	// PhysBits bounds the supported physical address space. Memory the
	// hardware reports above 1<<PhysBits is unusable and dropped.
	PhysBits int

	// MemstartAlign is the minimum alignment of the linear window base.
	MemstartAlign uint64

	// Kernel is the physical range of the running kernel image, text
	// through end. The planner never lets it leave the linear window.
	Kernel Range

	// Initrd is the physical range of the initial ramdisk; zero Size if
	// none was loaded.
	Initrd Range

	// MemoryLimit caps usable bytes (the mem= parameter). Zero means no
	// limit.
	MemoryLimit uint64

	// RandSeed randomizes the linear window base when non-zero.
	RandSeed uint16

	// UsableRanges restricts the installed set before any planning, the
	// linux,usable-memory-range hand-off from a crashed kernel. At most
	// two entries: the first caps the ledger, the second (the low
	// region) is added back.
	UsableRanges []Range

	// FirmwareReserved lists firmware-declared reserved ranges,
	// memreserve entries and reserved-memory nodes alike.
	FirmwareReserved []FirmwareRegion
}

// LinearWindow is the physical span the linear mapping can cover. Start is
// signed: randomization and the 52-to-48-bit downshift may push the window
// base below the first installed byte, and below zero. It is a window
// base, not necessarily an installed address.
type LinearWindow struct {
	Start int64
	Size  uint64
}

// Covers returns true if [base, base+size) lies inside the window.
func (w LinearWindow) Covers(base physaddr.Addr, size uint64) bool {
	return int64(base) >= w.Start && int64(base)+int64(size) <= w.Start+int64(w.Size)
}

// ZonePlan fixes the per-zone physical ceilings handed to the page
// allocator. DMALimit <= DMA32Limit <= end of DRAM always holds.
type ZonePlan struct {
	// DMALimit bounds the low DMA zone (30-bit consumers).
	DMALimit physaddr.Addr

	// DMA32Limit bounds the zone reachable through 32-bit addressing.
	DMA32Limit physaddr.Addr

	// NormalMaxPFN is the first page frame number past installed memory.
	NormalMaxPFN uint64
}

// Layout is the planner's output.
type Layout struct {
	// Window is the final linear window.
	Window LinearWindow

	// Zones are the zone ceilings.
	Zones ZonePlan

	// MinPFN and MaxPFN bound installed memory in page frames.
	MinPFN, MaxPFN uint64

	// Initrd is the surviving initrd range; zero Size if it was absent
	// or had to be dropped.
	Initrd Range

	// InitrdDropped reports that an initrd was present but unreachable
	// from the linear window and was discarded.
	InitrdDropped bool
}

// Zone bit widths. The low DMA zone covers 30-bit consumers (the usual
// culprit being SoC peripherals with a 1 GiB view), DMA32 the rest of the
// 32-bit addressable area.
const (
	ZoneDMABits   = 30
	ZoneDMA32Bits = 32
)
