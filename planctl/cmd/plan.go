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
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"bootplan.dev/bootplan/pkg/fdt"
	"bootplan.dev/bootplan/pkg/memledger"
	"bootplan.dev/bootplan/pkg/memplan"
)

// Plan implements subcommands.Command for the "plan" command.
type Plan struct {
	dtb string
}

// Name implements subcommands.Command.Name.
func (*Plan) Name() string {
	return "plan"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Plan) Synopsis() string {
	return "compute the boot memory layout for a platform description"
}

// Usage implements subcommands.Command.Usage.
func (*Plan) Usage() string {
	return `plan [flags] <platform.toml>
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Plan) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.dtb, "dtb", "", "flattened device tree blob; its memory nodes override the platform description's banks")
}

// Execute implements subcommands.Command.Execute.
func (p *Plan) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, err := LoadConfig(f.Arg(0))
	if err != nil {
		Fatalf("%v", err)
	}

	params := conf.PlannerParams()
	carve, err := conf.CarveoutParams()
	if err != nil {
		Fatalf("%v", err)
	}

	var ledger *memledger.Ledger
	if p.dtb != "" {
		info, err := loadDTB(p.dtb)
		if err != nil {
			Fatalf("%v", err)
		}
		ledger = info.Apply(&params)
		if info.ElfCoreHdr != nil {
			carve.ElfCoreHdr = *info.ElfCoreHdr
		}
	} else {
		ledger = conf.Ledger()
	}
	if ledger.TotalSize() == 0 {
		Fatalf("no installed memory described")
	}

	layout := memplan.Plan(ledger, params)
	carveouts := memplan.ReserveCarveouts(ledger, layout.Zones, carve)

	printLayout(layout)
	printCarveouts(carveouts)
	printLedger(ledger)
	return subcommands.ExitSuccess
}

func loadDTB(path string) (*fdt.Info, error) {
	b, done, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	defer done()
	return fdt.Read(bytes.NewReader(b))
}

func printLayout(layout memplan.Layout) {
	fmt.Fprintf(os.Stdout, "linear window: [%#x, %#x) (%s)\n",
		layout.Window.Start, layout.Window.Start+int64(layout.Window.Size), sizeString(layout.Window.Size))
	fmt.Fprintf(os.Stdout, "zones:         DMA < %#x, DMA32 < %#x, max pfn %#x\n",
		layout.Zones.DMALimit, layout.Zones.DMA32Limit, layout.Zones.NormalMaxPFN)
	fmt.Fprintf(os.Stdout, "pfn range:     [%#x, %#x)\n", layout.MinPFN, layout.MaxPFN)
	switch {
	case layout.InitrdDropped:
		fmt.Fprintf(os.Stdout, "initrd:        dropped (outside the linear window)\n")
	case layout.Initrd.Size != 0:
		fmt.Fprintf(os.Stdout, "initrd:        [%#x, %#x)\n", layout.Initrd.Base, layout.Initrd.End())
	}
}

func printCarveouts(c memplan.Carveouts) {
	for _, co := range []memplan.Carveout{c.CrashKernel, c.QuickKexec, c.Park, c.ElfCoreHdr} {
		if !co.Active() {
			continue
		}
		fmt.Fprintf(os.Stdout, "carveout:      %-12s [%#x, %#x) (%s)\n",
			co.Name, co.Base, co.End(), sizeString(co.Size))
	}
}

func printLedger(l *memledger.Ledger) {
	for _, r := range l.Regions() {
		attrs := ""
		if r.Flags&memledger.FlagNoMap != 0 {
			attrs = " nomap"
		}
		fmt.Fprintf(os.Stdout, "memory:        [%#x, %#x)%s\n", r.Base, r.End(), attrs)
	}
	for _, r := range l.ReservedRegions() {
		fmt.Fprintf(os.Stdout, "reserved:      [%#x, %#x)\n", r.Base, r.End())
	}
}

// sizeString renders a byte count with the largest exact binary suffix.
func sizeString(v uint64) string {
	type unit struct {
		shift uint
		name  string
	}
	for _, u := range []unit{{40, "TiB"}, {30, "GiB"}, {20, "MiB"}, {10, "KiB"}} {
		if v >= 1<<u.shift && v%(1<<u.shift) == 0 {
			return fmt.Sprintf("%d %s", v>>u.shift, u.name)
		}
	}
	return fmt.Sprintf("%d B", v)
}
