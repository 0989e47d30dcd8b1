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

package physaddr

import (
	"testing"
)

func TestRounding(t *testing.T) {
	for _, tc := range []struct {
		addr       Addr
		align      uint64
		down, up   Addr
		upOverflow bool
	}{
		{addr: 0, align: PageSize, down: 0, up: 0},
		{addr: 1, align: PageSize, down: 0, up: PageSize},
		{addr: PageSize, align: PageSize, down: PageSize, up: PageSize},
		{addr: 0x40080123, align: 2 << 20, down: 0x40000000, up: 0x40200000},
		{addr: MaxAddr, align: PageSize, down: MaxAddr.RoundDown(PageSize), upOverflow: true},
	} {
		if got := tc.addr.RoundDown(tc.align); got != tc.down {
			t.Errorf("%#x.RoundDown(%#x) = %#x, want %#x", tc.addr, tc.align, got, tc.down)
		}
		got, ok := tc.addr.RoundUp(tc.align)
		if ok == tc.upOverflow {
			t.Errorf("%#x.RoundUp(%#x) ok = %v, want %v", tc.addr, tc.align, ok, !tc.upOverflow)
			continue
		}
		if !tc.upOverflow && got != tc.up {
			t.Errorf("%#x.RoundUp(%#x) = %#x, want %#x", tc.addr, tc.align, got, tc.up)
		}
	}
}

func TestMustRoundUpPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustRoundUp did not panic on overflow")
		}
	}()
	MaxAddr.MustRoundUp(PageSize)
}

func TestAddLength(t *testing.T) {
	if end, ok := Addr(0x1000).AddLength(0x2000); !ok || end != 0x3000 {
		t.Errorf("AddLength = %#x, %v; want 0x3000, true", end, ok)
	}
	if _, ok := MaxAddr.AddLength(1); ok {
		t.Error("AddLength did not report overflow")
	}
}

func TestPFN(t *testing.T) {
	if got := Addr(0x40000fff).PFNDown(); got != 0x40000 {
		t.Errorf("PFNDown = %#x, want 0x40000", got)
	}
	if got := Addr(0x40000001).PFNUp(); got != 0x40001 {
		t.Errorf("PFNUp = %#x, want 0x40001", got)
	}
	if got := Addr(0x40001000).PFNUp(); got != 0x40001 {
		t.Errorf("PFNUp aligned = %#x, want 0x40001", got)
	}
}

func TestParseSize(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
		err  bool
	}{
		{in: "0", want: 0},
		{in: "4096", want: 4096},
		{in: "64K", want: 64 * KiB},
		{in: "256M", want: 256 * MiB},
		{in: "2g", want: 2 * GiB},
		{in: "1T", want: TiB},
		{in: "0x1000", want: 0x1000},
		{in: "0x10M", want: 16 * MiB},
		{in: "0X40000000", want: GiB},
		{in: "", err: true},
		{in: "M", err: true},
		{in: "12Q", err: true},
		{in: "-1", err: true},
		{in: "0xffffffffffffffffK", err: true},
	} {
		got, err := ParseSize(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("ParseSize(%q) = %d, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseSize(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
