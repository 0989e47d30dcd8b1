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

package kexec

import (
	"encoding/binary"
)

// BootParams is the parameter block the relocation routine reads. Its
// byte layout is a binary contract with that routine and must remain
// stable:
//
//	offset  size  field
//	0x00    8     entry point, physical, little-endian
//	0x08    8     first indirection page, physical
//	0x10    8     machine/board identifier (low 32 bits significant)
//	0x18    8     boot arguments pointer, physical
//
// The block occupies the last BootParamsSize bytes of the control page;
// the routine itself is copied to offset zero of the same page.
type BootParams struct {
	Entry           uint64
	IndirectionPage uint64
	MachineType     uint64
	BootArgs        uint64
}

// BootParamsSize is the marshaled size of BootParams.
const BootParamsSize = 32

// bootParamsOffset is where the block sits inside the control page.
const bootParamsOffset = ControlPageSize - BootParamsSize

// MarshalInto writes the block into b, which must hold at least
// BootParamsSize bytes.
func (p *BootParams) MarshalInto(b []byte) {
	_ = b[BootParamsSize-1]
	binary.LittleEndian.PutUint64(b[0x00:], p.Entry)
	binary.LittleEndian.PutUint64(b[0x08:], p.IndirectionPage)
	binary.LittleEndian.PutUint64(b[0x10:], p.MachineType)
	binary.LittleEndian.PutUint64(b[0x18:], p.BootArgs)
}

// UnmarshalBootParams reads a block back from b.
func UnmarshalBootParams(b []byte) BootParams {
	return BootParams{
		Entry:           binary.LittleEndian.Uint64(b[0x00:]),
		IndirectionPage: binary.LittleEndian.Uint64(b[0x08:]),
		MachineType:     binary.LittleEndian.Uint64(b[0x10:]),
		BootArgs:        binary.LittleEndian.Uint64(b[0x18:]),
	}
}
