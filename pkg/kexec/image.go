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

// Package kexec stages a replacement kernel image and coordinates the
// transition into it: validating the image's segments against the memory
// ledger, quiescing every other processor, neutralizing the interrupt
// controller and performing the irreversible jump.
package kexec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"bootplan.dev/bootplan/pkg/memledger"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// fdtMagic is the big-endian first word of a flattened device tree.
const fdtMagic = 0xd00dfeed

// Legacy boot protocol offsets: a zImage-style entry point sits a fixed
// distance above the image base, and the tag list a fixed distance above
// that base, so the default tag address derives from the entry point.
const (
	zImageOffset = 0x8000
	atagsOffset  = 0x1000
)

// Errors returned by Prepare. Both are configuration errors: the load is
// refused and the running kernel continues untouched.
var (
	// ErrUnsupportedTopology indicates hardware that can start secondary
	// processors but software that cannot take them offline again. The
	// transition coordinator could then never guarantee quiescence, so
	// staging an image is refused outright.
	ErrUnsupportedTopology = errors.New("smp platform cannot take secondary processors offline")

	// ErrSegmentOutsideMemory indicates a segment whose destination is
	// not fully installed memory.
	ErrSegmentOutsideMemory = errors.New("segment destination outside installed memory")
)

// Segment is one piece of the staged image. The source buffer belongs to
// the loader; this package only reads it.
type Segment struct {
	// Dest is the physical destination of the segment.
	Dest physaddr.Addr

	// Size is the destination size in bytes.
	Size uint64

	// Buf holds the source bytes, at most Size of them.
	Buf []byte
}

// BootProtocol selects how boot arguments reach the next kernel.
type BootProtocol int

const (
	// LegacyTags passes a tag list at a fixed offset from the image
	// base.
	LegacyTags BootProtocol = iota

	// FlatDeviceTree passes the address of a flattened device tree
	// segment.
	FlatDeviceTree
)

func (p BootProtocol) String() string {
	switch p {
	case LegacyTags:
		return "legacy tags"
	case FlatDeviceTree:
		return "flattened device tree"
	default:
		return fmt.Sprintf("invalid protocol: %d", int(p))
	}
}

// Image is a staged next-kernel image. Segments, Entry, Head and
// ControlPage are filled by the loader; Prepare fills the rest.
type Image struct {
	// Segments in load order. Order is significant: validation must see
	// the final list, and a later device-tree segment overrides an
	// earlier one.
	Segments []Segment

	// Entry is the physical entry point of the new image.
	Entry physaddr.Addr

	// Head is the physical address of the first indirection page.
	Head physaddr.Addr

	// ControlPage is the physical page the relocation routine runs from.
	// It must be mapped both at its virtual alias and at the identity
	// address.
	ControlPage physaddr.Addr

	// BootArgs is the physical address handed to the new kernel in the
	// boot-arguments register. Set by Prepare.
	BootArgs physaddr.Addr

	// Protocol records how BootArgs was chosen. Set by Prepare.
	Protocol BootProtocol
}

// Prepare validates a staged image against the ledger and selects the
// boot-argument delivery strategy. It must run after the segment list is
// final. On error the image is not safe to execute.
func Prepare(img *Image, l *memledger.Ledger, topo Topology) error {
	// If the hardware can bring secondary processors up, the software
	// must also be able to take them down, or quiescence before the jump
	// can never be guaranteed.
	if topo.NumPossible() > 1 && topo.CanSecondaryBoot() && !topo.CanHotplug() {
		return ErrUnsupportedTopology
	}

	// Default to a legacy tag list at its conventional offset from the
	// image base; a device-tree segment found below overrides it.
	img.BootArgs = img.Entry - zImageOffset + atagsOffset
	img.Protocol = LegacyTags

	for i, seg := range img.Segments {
		if !l.IsRegionMemory(seg.Dest, seg.Size) {
			return fmt.Errorf("segment %d at %#x (%#x bytes): %w", i, seg.Dest, seg.Size, ErrSegmentOutsideMemory)
		}
		if len(seg.Buf) >= 4 && binary.BigEndian.Uint32(seg.Buf[:4]) == fdtMagic {
			// Last match wins, in segment list order.
			img.BootArgs = seg.Dest
			img.Protocol = FlatDeviceTree
		}
	}
	return nil
}
