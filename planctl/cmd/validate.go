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
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"bootplan.dev/bootplan/pkg/kexec"
	"bootplan.dev/bootplan/pkg/physaddr"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct {
	config string
	entry  string
}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "validate staged image segments against a platform description"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate -config <platform.toml> -entry <addr> <file@addr>...

Each argument stages one segment: the file's bytes destined for the given
physical address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *Validate) SetFlags(f *flag.FlagSet) {
	f.StringVar(&v.config, "config", "", "platform description to validate against.")
	f.StringVar(&v.entry, "entry", "", "physical entry point of the staged image.")
}

// Execute implements subcommands.Command.Execute.
func (v *Validate) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if v.config == "" || v.entry == "" || f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, err := LoadConfig(v.config)
	if err != nil {
		Fatalf("%v", err)
	}
	entry, err := physaddr.ParseSize(v.entry)
	if err != nil {
		Fatalf("entry: %v", err)
	}

	img := &kexec.Image{Entry: physaddr.Addr(entry)}
	for _, arg := range f.Args() {
		seg, done, err := loadSegment(arg)
		if err != nil {
			Fatalf("%v", err)
		}
		defer done()
		img.Segments = append(img.Segments, seg)
	}

	if err := kexec.Prepare(img, conf.Ledger(), conf.Topology); err != nil {
		Fatalf("image refused: %v", err)
	}
	fmt.Fprintf(os.Stdout, "boot protocol: %v\n", img.Protocol)
	fmt.Fprintf(os.Stdout, "boot args:     %#x\n", img.BootArgs)
	for i, seg := range img.Segments {
		fmt.Fprintf(os.Stdout, "segment %d:     [%#x, %#x)\n", i, seg.Dest, seg.Dest+physaddr.Addr(seg.Size))
	}
	return subcommands.ExitSuccess
}

// loadSegment parses "file@addr" and maps the file.
func loadSegment(arg string) (kexec.Segment, func(), error) {
	path, addrPart, ok := strings.Cut(arg, "@")
	if !ok {
		return kexec.Segment{}, nil, fmt.Errorf("segment %q: want file@addr", arg)
	}
	dest, err := physaddr.ParseSize(addrPart)
	if err != nil {
		return kexec.Segment{}, nil, fmt.Errorf("segment %q: %w", arg, err)
	}
	buf, done, err := mapFile(path)
	if err != nil {
		return kexec.Segment{}, nil, err
	}
	return kexec.Segment{
		Dest: physaddr.Addr(dest),
		Size: uint64(len(buf)),
		Buf:  buf,
	}, done, nil
}
