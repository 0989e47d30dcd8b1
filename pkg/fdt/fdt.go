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

// Package fdt extracts the boot-time memory description from a flattened
// device tree: installed memory banks, firmware carveouts, the initial
// ramdisk bounds and the handed-down planner hints under /chosen.
package fdt

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/u-root/u-root/pkg/dt"

	"bootplan.dev/bootplan/pkg/log"
	"bootplan.dev/bootplan/pkg/memledger"
	"bootplan.dev/bootplan/pkg/memplan"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// Default cell counts when the root node does not say otherwise.
const (
	defaultAddressCells = 2
	defaultSizeCells    = 1
)

// Bank is one installed memory range described by a memory node.
type Bank struct {
	Base physaddr.Addr
	Size uint64
}

// Carveout is a firmware-claimed range from /reserved-memory or the
// memreserve block.
type Carveout struct {
	Base physaddr.Addr
	Size uint64

	// NoMap marks ranges the firmware forbids mapping at all.
	NoMap bool
}

// Info is everything the planner consumes from a device tree.
type Info struct {
	// Banks lists installed memory, in tree order.
	Banks []Bank

	// Reserved lists firmware carveouts, memreserve entries included.
	Reserved []Carveout

	// UsableRanges, when non-empty, restricts the planner to windows
	// handed down by a previous kernel. At most two: the cap and the low
	// region added back.
	UsableRanges []memplan.Range

	// Initrd, when non-nil, is the initial ramdisk placement.
	Initrd *memplan.Range

	// ElfCoreHdr, when non-nil, locates the previous kernel's dump
	// header.
	ElfCoreHdr *memplan.Range

	// Seed is the firmware-provided randomization seed, zero if absent.
	Seed uint16
}

// Read parses a flattened device tree from r.
func Read(r io.ReadSeeker) (*Info, error) {
	f, err := dt.ReadFDT(r)
	if err != nil {
		return nil, fmt.Errorf("reading device tree: %w", err)
	}
	return Parse(f)
}

// ReadFile parses a flattened device tree from the file at path.
func ReadFile(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Parse extracts an Info from an already-decoded tree.
func Parse(f *dt.FDT) (*Info, error) {
	if f.RootNode == nil {
		return nil, fmt.Errorf("device tree has no root node")
	}
	info := &Info{}

	for _, e := range f.ReserveEntries {
		if e.Size == 0 {
			continue
		}
		info.Reserved = append(info.Reserved, Carveout{
			Base: physaddr.Addr(e.Address),
			Size: e.Size,
		})
	}

	ac := cellCount(f.RootNode, "#address-cells", defaultAddressCells)
	sc := cellCount(f.RootNode, "#size-cells", defaultSizeCells)

	for _, n := range f.RootNode.Children {
		if !isMemoryNode(n) {
			continue
		}
		banks, err := parseReg(n, ac, sc)
		if err != nil {
			return nil, fmt.Errorf("memory node %q: %w", n.Name, err)
		}
		info.Banks = append(info.Banks, banks...)
	}

	if rm, ok := f.RootNode.NodeByName("reserved-memory"); ok {
		// Child reg properties use the container's cell counts, which
		// the binding requires to match the root's.
		cac := cellCount(rm, "#address-cells", ac)
		csc := cellCount(rm, "#size-cells", sc)
		for _, n := range rm.Children {
			banks, err := parseReg(n, cac, csc)
			if err != nil {
				return nil, fmt.Errorf("reserved-memory node %q: %w", n.Name, err)
			}
			_, noMap := n.LookProperty("no-map")
			for _, b := range banks {
				info.Reserved = append(info.Reserved, Carveout{
					Base:  b.Base,
					Size:  b.Size,
					NoMap: noMap,
				})
			}
		}
	}

	if chosen, ok := f.RootNode.NodeByName("chosen"); ok {
		if err := parseChosen(chosen, info); err != nil {
			return nil, err
		}
	}
	return info, nil
}

// Apply seeds a fresh ledger and planner parameters from the tree. The
// returned ledger holds the installed banks; p gains the usable-range
// restriction, initrd bounds, randomization seed and firmware carveouts.
func (i *Info) Apply(p *memplan.Params) *memledger.Ledger {
	l := memledger.New()
	for _, b := range i.Banks {
		l.Add(b.Base, b.Size)
	}
	p.UsableRanges = append(p.UsableRanges, i.UsableRanges...)
	if i.Initrd != nil {
		p.Initrd = *i.Initrd
	}
	if i.Seed != 0 {
		p.RandSeed = i.Seed
	}
	for _, c := range i.Reserved {
		p.FirmwareReserved = append(p.FirmwareReserved, memplan.FirmwareRegion{
			Range: memplan.Range{Base: c.Base, Size: c.Size},
			NoMap: c.NoMap,
		})
	}
	log.Debugf("device tree: %d banks, %d carveouts", len(i.Banks), len(i.Reserved))
	return l
}

func isMemoryNode(n *dt.Node) bool {
	p, ok := n.LookProperty("device_type")
	if !ok {
		return false
	}
	s, err := p.AsString()
	return err == nil && s == "memory"
}

func cellCount(n *dt.Node, name string, def int) int {
	p, ok := n.LookProperty(name)
	if !ok {
		return def
	}
	v, err := p.AsU32()
	if err != nil || v == 0 || v > 2 {
		return def
	}
	return int(v)
}

// parseReg decodes a node's reg property into banks using the given
// address and size cell counts. A node without reg yields nothing.
func parseReg(n *dt.Node, addressCells, sizeCells int) ([]Bank, error) {
	p, ok := n.LookProperty("reg")
	if !ok {
		return nil, nil
	}
	stride := 4 * (addressCells + sizeCells)
	if len(p.Value)%stride != 0 {
		return nil, fmt.Errorf("reg length %d not a multiple of %d", len(p.Value), stride)
	}
	var banks []Bank
	for off := 0; off < len(p.Value); off += stride {
		base := cells(p.Value[off:], addressCells)
		size := cells(p.Value[off+4*addressCells:], sizeCells)
		if size == 0 {
			continue
		}
		banks = append(banks, Bank{Base: physaddr.Addr(base), Size: size})
	}
	return banks, nil
}

// cells decodes n big-endian 32-bit cells into one value.
func cells(b []byte, n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<32 | uint64(binary.BigEndian.Uint32(b[4*i:]))
	}
	return v
}

// maxUsableRanges bounds the usable-memory-range hand-off: one capping
// range plus one low region added back.
const maxUsableRanges = 2

func parseChosen(chosen *dt.Node, info *Info) error {
	rs, err := rangesProperty(chosen, "linux,usable-memory-range")
	if err != nil {
		return err
	}
	if len(rs) > maxUsableRanges {
		rs = rs[:maxUsableRanges]
	}
	info.UsableRanges = rs

	if r, err := rangeProperty(chosen, "linux,elfcorehdr"); err != nil {
		return err
	} else if r != nil {
		info.ElfCoreHdr = r
	}

	start, startOK, err := addrProperty(chosen, "linux,initrd-start")
	if err != nil {
		return err
	}
	end, endOK, err := addrProperty(chosen, "linux,initrd-end")
	if err != nil {
		return err
	}
	if startOK && endOK && end > start {
		info.Initrd = &memplan.Range{
			Base: physaddr.Addr(start),
			Size: end - start,
		}
	}

	if p, ok := chosen.LookProperty("kaslr-seed"); ok {
		seed, err := p.AsU64()
		if err != nil {
			return fmt.Errorf("chosen kaslr-seed: %w", err)
		}
		info.Seed = uint16(seed)
	}
	return nil
}

// rangesProperty decodes one or more u64 base/size pairs, nil if absent.
func rangesProperty(n *dt.Node, name string) ([]memplan.Range, error) {
	p, ok := n.LookProperty(name)
	if !ok {
		return nil, nil
	}
	if len(p.Value) == 0 || len(p.Value)%16 != 0 {
		return nil, fmt.Errorf("chosen %s: length %d, want a multiple of 16", name, len(p.Value))
	}
	var rs []memplan.Range
	for off := 0; off < len(p.Value); off += 16 {
		base := binary.BigEndian.Uint64(p.Value[off:])
		size := binary.BigEndian.Uint64(p.Value[off+8:])
		if size == 0 {
			continue
		}
		rs = append(rs, memplan.Range{Base: physaddr.Addr(base), Size: size})
	}
	return rs, nil
}

// rangeProperty decodes a single base/size property, nil if absent.
func rangeProperty(n *dt.Node, name string) (*memplan.Range, error) {
	rs, err := rangesProperty(n, name)
	if err != nil || len(rs) == 0 {
		return nil, err
	}
	return &rs[0], nil
}

// addrProperty decodes an address that firmware writes as either one or
// two cells.
func addrProperty(n *dt.Node, name string) (uint64, bool, error) {
	p, ok := n.LookProperty(name)
	if !ok {
		return 0, false, nil
	}
	switch len(p.Value) {
	case 4:
		return uint64(binary.BigEndian.Uint32(p.Value)), true, nil
	case 8:
		return binary.BigEndian.Uint64(p.Value), true, nil
	default:
		return 0, false, fmt.Errorf("chosen %s: length %d, want 4 or 8", name, len(p.Value))
	}
}
