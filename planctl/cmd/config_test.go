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
	"os"
	"path/filepath"
	"testing"

	"bootplan.dev/bootplan/pkg/memplan"
)

const testConfig = `
va-bits = 48
phys-bits = 48
machine-type = 2272

[[memory]]
base = "0x40000000"
size = "2G"

[[memory]]
base = "0x100000000"
size = "2G"
no-map = true

[kernel]
base = "0x40080000"
size = "32M"

[initrd]
base = "0x48000000"
size = "8M"

[topology]
possible = 4
online = 4
secondary-boot = true
hotplug = true

[boot]
mem = "3G"
crashkernel = "256M"
quickkexec = "64M"
cpuparkmem = "4M@0x50000000"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platform.toml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	// va-bits-actual defaults to va-bits.
	if conf.VABitsActual != 48 {
		t.Errorf("va-bits-actual = %d, want defaulted 48", conf.VABitsActual)
	}

	p := conf.PlannerParams()
	if p.Kernel.Base != 0x40080000 || p.Kernel.Size != 32<<20 {
		t.Errorf("kernel = %+v, want base 0x40080000 size 32M", p.Kernel)
	}
	if p.MemoryLimit != 3<<30 {
		t.Errorf("memory limit = %#x, want 3G", p.MemoryLimit)
	}

	l := conf.Ledger()
	if got := l.TotalSize(); got != 4<<30 {
		t.Errorf("total size = %#x, want 4G", got)
	}
	if got := l.StartOfDRAM(); got != 0x40000000 {
		t.Errorf("start of DRAM = %#x, want 0x40000000", got)
	}

	carve, err := conf.CarveoutParams()
	if err != nil {
		t.Fatalf("CarveoutParams: %v", err)
	}
	want := memplan.CarveoutParams{
		CrashKernel:    memplan.Range{Size: 256 << 20},
		QuickKexecSize: 64 << 20,
		Park:           memplan.Range{Base: 0x50000000, Size: 4 << 20},
	}
	if carve != want {
		t.Errorf("carveout params = %+v, want %+v", carve, want)
	}
}

func TestLoadConfigRejectsUnknownKey(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, testConfig+"\ntypo-key = 1\n"))
	if err == nil {
		t.Error("LoadConfig accepted an unknown key")
	}
}

func TestLoadConfigRequiresKernel(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "va-bits = 48\nphys-bits = 48\n"))
	if err == nil {
		t.Error("LoadConfig accepted a description without a kernel range")
	}
}

func TestParseSizeAt(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want memplan.Range
		err  bool
	}{
		{in: "256M", want: memplan.Range{Size: 256 << 20}},
		{in: "256M@0x48000000", want: memplan.Range{Base: 0x48000000, Size: 256 << 20}},
		{in: "0x1000@4G", want: memplan.Range{Base: 4 << 30, Size: 0x1000}},
		{in: "garbage", err: true},
		{in: "1M@garbage", err: true},
	} {
		got, err := parseSizeAt(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("parseSizeAt(%q) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSizeAt(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseSizeAt(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestCarveoutParamsRequireParkBase(t *testing.T) {
	conf, err := LoadConfig(writeConfig(t, testConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	conf.Boot.CPUParkMem = "4M"
	if _, err := conf.CarveoutParams(); err == nil {
		t.Error("CarveoutParams accepted a park region with no base")
	}
}
