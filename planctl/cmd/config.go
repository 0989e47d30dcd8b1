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

package cmd

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"bootplan.dev/bootplan/pkg/memledger"
	"bootplan.dev/bootplan/pkg/memplan"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// Size is a TOML size value accepting the kernel's memparse forms:
// decimal or 0x-prefixed, with an optional K/M/G/T suffix.
type Size uint64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := physaddr.ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

// rangeConfig is a base/size pair in the platform description.
type rangeConfig struct {
	Base Size `toml:"base"`
	Size Size `toml:"size"`
}

func (r rangeConfig) toRange() memplan.Range {
	return memplan.Range{Base: physaddr.Addr(r.Base), Size: uint64(r.Size)}
}

// bankConfig is one installed memory bank.
type bankConfig struct {
	rangeConfig
	NoMap bool `toml:"no-map"`
}

// topologyConfig describes the processor topology for image validation.
type topologyConfig struct {
	Possible      int  `toml:"possible"`
	Online        int  `toml:"online"`
	SecondaryBoot bool `toml:"secondary-boot"`
	Hotplug       bool `toml:"hotplug"`
}

// bootParamsConfig carries the already-split boot command line values the
// planner consumes.
type bootParamsConfig struct {
	// Mem caps usable memory, the mem= parameter. Zero means no cap.
	Mem Size `toml:"mem"`

	// CrashKernel is "size" or "size@base", the crashkernel= parameter.
	CrashKernel string `toml:"crashkernel"`

	// QuickKexec is the staging region size, the quickkexec= parameter.
	QuickKexec Size `toml:"quickkexec"`

	// CPUParkMem is "size@base", the cpuparkmem= parameter.
	CPUParkMem string `toml:"cpuparkmem"`
}

// Config is the TOML platform description planctl plans against.
type Config struct {
	VABits        int  `toml:"va-bits"`
	VABitsActual  int  `toml:"va-bits-actual"`
	PhysBits      int  `toml:"phys-bits"`
	MemstartAlign Size `toml:"memstart-align"`

	// RandSeed randomizes the window base; a device tree seed wins.
	RandSeed uint16 `toml:"rand-seed"`

	// MachineType is the board identifier handed to a staged image.
	MachineType uint32 `toml:"machine-type"`

	Memory   []bankConfig     `toml:"memory"`
	Kernel   rangeConfig      `toml:"kernel"`
	Initrd   rangeConfig      `toml:"initrd"`
	Topology topologyConfig   `toml:"topology"`
	Boot     bootParamsConfig `toml:"boot"`
}

// LoadConfig reads and validates a platform description.
func LoadConfig(path string) (*Config, error) {
	var c Config
	meta, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("loading %s: unknown key %q", path, undec[0].String())
	}
	if c.VABits == 0 || c.PhysBits == 0 {
		return nil, fmt.Errorf("loading %s: va-bits and phys-bits are required", path)
	}
	if c.VABitsActual == 0 {
		c.VABitsActual = c.VABits
	}
	if c.MemstartAlign == 0 {
		c.MemstartAlign = Size(carveAlignDefault)
	}
	if c.Kernel.Size == 0 {
		return nil, fmt.Errorf("loading %s: kernel range is required", path)
	}
	return &c, nil
}

// The conventional section alignment of the linear window base.
const carveAlignDefault = 2 << 20

// Ledger builds an installed-memory ledger from the described banks.
func (c *Config) Ledger() *memledger.Ledger {
	l := memledger.New()
	for _, b := range c.Memory {
		if b.NoMap {
			l.AddFlags(physaddr.Addr(b.Base), uint64(b.Size), memledger.FlagNoMap)
		} else {
			l.Add(physaddr.Addr(b.Base), uint64(b.Size))
		}
	}
	return l
}

// PlannerParams converts the description into planner parameters.
func (c *Config) PlannerParams() memplan.Params {
	return memplan.Params{
		VABits:        c.VABits,
		VABitsActual:  c.VABitsActual,
		PhysBits:      c.PhysBits,
		MemstartAlign: uint64(c.MemstartAlign),
		Kernel:        c.Kernel.toRange(),
		Initrd:        c.Initrd.toRange(),
		MemoryLimit:   uint64(c.Boot.Mem),
		RandSeed:      c.RandSeed,
	}
}

// CarveoutParams parses the carveout boot parameters.
func (c *Config) CarveoutParams() (memplan.CarveoutParams, error) {
	var p memplan.CarveoutParams

	if c.Boot.CrashKernel != "" {
		r, err := parseSizeAt(c.Boot.CrashKernel)
		if err != nil {
			return p, fmt.Errorf("crashkernel: %w", err)
		}
		p.CrashKernel = r
	}
	p.QuickKexecSize = uint64(c.Boot.QuickKexec)
	if c.Boot.CPUParkMem != "" {
		r, err := parseSizeAt(c.Boot.CPUParkMem)
		if err != nil {
			return p, fmt.Errorf("cpuparkmem: %w", err)
		}
		if r.Base == 0 {
			return p, fmt.Errorf("cpuparkmem: a base address is required")
		}
		p.Park = r
	}
	return p, nil
}

// parseSizeAt parses the kernel's "size[@base]" reservation syntax.
func parseSizeAt(s string) (memplan.Range, error) {
	sizePart, basePart, hasBase := strings.Cut(s, "@")
	size, err := physaddr.ParseSize(sizePart)
	if err != nil {
		return memplan.Range{}, err
	}
	r := memplan.Range{Size: size}
	if hasBase {
		base, err := physaddr.ParseSize(basePart)
		if err != nil {
			return memplan.Range{}, err
		}
		r.Base = physaddr.Addr(base)
	}
	return r, nil
}

// NumPossible implements kexec.Topology.
func (t topologyConfig) NumPossible() int { return t.Possible }

// NumOnline implements kexec.Topology.
func (t topologyConfig) NumOnline() int { return t.Online }

// CurrentCPU implements kexec.Topology.
func (t topologyConfig) CurrentCPU() int { return 0 }

// CanSecondaryBoot implements kexec.Topology.
func (t topologyConfig) CanSecondaryBoot() bool { return t.SecondaryBoot }

// CanHotplug implements kexec.Topology.
func (t topologyConfig) CanHotplug() bool { return t.Hotplug }

// SetOffline implements kexec.Topology. Validation never takes a
// processor offline.
func (t topologyConfig) SetOffline(int) {}
