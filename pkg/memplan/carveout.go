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
	"bootplan.dev/bootplan/pkg/log"
	"bootplan.dev/bootplan/pkg/memledger"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// carveAlign is the boot protocol alignment for loaded images: searched
// carveouts must start on a 2 MiB boundary.
const carveAlign = 2 << 20

// CarveoutParams are the already-parsed boot parameters driving the
// reservation policy. A zero size disables the corresponding carveout.
type CarveoutParams struct {
	// CrashKernel requests a crash-capture kernel region. Base zero
	// means "search"; a non-zero Base demands that exact placement.
	CrashKernel Range

	// QuickKexec requests a staging region for a quick-reboot kernel
	// image. Always searched.
	QuickKexecSize uint64

	// Park is the region parked CPUs spin in. Its base is given by the
	// platform, never searched.
	Park Range

	// ElfCoreHdr is the ELF core header range a previous kernel handed
	// over. Fixed placement; only collision is checked.
	ElfCoreHdr Range
}

// Carveout is the outcome of one policy step. Size zero means the feature
// is disabled for this boot.
type Carveout struct {
	Name string
	Range
}

// Active returns true if the carveout was reserved.
func (c Carveout) Active() bool {
	return c.Size != 0
}

// Carveouts collects the outcome of the fixed policy sequence.
type Carveouts struct {
	CrashKernel Carveout
	QuickKexec  Carveout
	Park        Carveout
	ElfCoreHdr  Carveout
}

// ReserveCarveouts runs the reservation policy steps in their fixed order.
// Order matters: each search sees the reservations of the steps before it,
// which is what keeps the carveouts mutually exclusive. Every step fails
// soft; a carveout that cannot be placed is disabled with a warning and
// boot continues.
func ReserveCarveouts(l *memledger.Ledger, zones ZonePlan, p CarveoutParams) Carveouts {
	return Carveouts{
		CrashKernel: reserveCrashKernel(l, zones, p.CrashKernel),
		QuickKexec:  reserveQuickKexec(l, zones, p.QuickKexecSize),
		Park:        reservePark(l, p.Park),
		ElfCoreHdr:  reserveElfCoreHdr(l, p.ElfCoreHdr),
	}
}

// searchLow looks for size bytes below the DMA32 ceiling. Both staged
// kernel images must remain reachable by 32-bit-only consumers.
func searchLow(l *memledger.Ledger, zones ZonePlan, name string, size uint64) Carveout {
	base, ok := l.FindInRange(0, zones.DMA32Limit, size, carveAlign)
	if !ok {
		log.Warningf("cannot allocate %s mem (size:%#x)", name, size)
		return Carveout{Name: name}
	}
	if err := l.Reserve(base, size); err != nil {
		log.Warningf("cannot reserve %s mem at %#x: %v", name, base, err)
		return Carveout{Name: name}
	}
	log.Infof("%s mem reserved: %#016x - %#016x (%d MB)", name, base, base+physaddr.Addr(size), size>>20)
	return Carveout{Name: name, Range: Range{Base: base, Size: size}}
}

func reserveCrashKernel(l *memledger.Ledger, zones ZonePlan, req Range) Carveout {
	const name = "crashkernel"
	if req.Size == 0 {
		return Carveout{Name: name}
	}
	size := uint64(physaddr.Addr(req.Size).MustRoundUp(physaddr.PageSize))

	if req.Base == 0 {
		return searchLow(l, zones, name, size)
	}

	// Explicit placement: verify rather than search.
	base := req.Base.RoundDown(carveAlign)
	if base != req.Base {
		log.Warningf("%s base %#x unaligned, using %#x", name, req.Base, base)
	}
	if !l.IsRegionMemory(base, size) {
		log.Warningf("%s region [%#x-%#x) is not memory", name, base, base+physaddr.Addr(size))
		return Carveout{Name: name}
	}
	if l.IsRegionReserved(base, size) {
		log.Warningf("%s region [%#x-%#x) overlaps reserved memory", name, base, base+physaddr.Addr(size))
		return Carveout{Name: name}
	}
	if err := l.Reserve(base, size); err != nil {
		log.Warningf("cannot reserve %s mem at %#x: %v", name, base, err)
		return Carveout{Name: name}
	}
	log.Infof("%s mem reserved: %#016x - %#016x (%d MB)", name, base, base+physaddr.Addr(size), size>>20)
	return Carveout{Name: name, Range: Range{Base: base, Size: size}}
}

func reserveQuickKexec(l *memledger.Ledger, zones ZonePlan, reqSize uint64) Carveout {
	const name = "quick kexec"
	if reqSize == 0 {
		return Carveout{Name: name}
	}
	size := uint64(physaddr.Addr(reqSize).MustRoundUp(physaddr.PageSize))
	return searchLow(l, zones, name, size)
}

// reservePark sets aside the spin area for parked CPUs. Unlike the other
// carveouts the region leaves the installed set entirely: parked CPUs keep
// running out of it after the ledger is handed to the allocator, so not
// even reserved-page bookkeeping may touch it.
func reservePark(l *memledger.Ledger, req Range) Carveout {
	const name = "cpu park"
	if req.Base == 0 || req.Size == 0 {
		return Carveout{Name: name}
	}
	base := req.Base.MustRoundUp(physaddr.PageSize)
	size := uint64(physaddr.Addr(req.Size).MustRoundUp(physaddr.PageSize))

	if !l.IsRegionMemory(base, size) {
		log.Warningf("cannot reserve %s mem: region is not memory", name)
		return Carveout{Name: name}
	}
	if l.IsRegionReserved(base, size) {
		log.Warningf("cannot reserve %s mem: region overlaps reserved memory", name)
		return Carveout{Name: name}
	}
	l.Remove(base, size)
	log.Infof("%s mem reserved: %#016x - %#016x (%d MB)", name, base, base+physaddr.Addr(size), size>>20)
	return Carveout{Name: name, Range: Range{Base: base, Size: size}}
}

// reserveElfCoreHdr reserves the range holding the previous kernel's ELF
// core header. The base is given, not searched, so the only failure mode
// is a collision with an earlier reservation.
func reserveElfCoreHdr(l *memledger.Ledger, req Range) Carveout {
	const name = "elfcorehdr"
	if req.Size == 0 {
		return Carveout{Name: name}
	}
	if l.IsRegionReserved(req.Base, req.Size) {
		log.Warningf("%s is overlapped, skipping", name)
		return Carveout{Name: name}
	}
	if err := l.Reserve(req.Base, req.Size); err != nil {
		log.Warningf("cannot reserve %s: %v", name, err)
		return Carveout{Name: name}
	}
	log.Infof("Reserving %dKB of memory at %#x for %s", req.Size>>10, req.Base, name)
	return Carveout{Name: name, Range: req}
}
