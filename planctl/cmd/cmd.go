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

// Package cmd holds implementations of the planctl commands.
package cmd

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Fatalf logs to stderr and exits with a failure status.
func Fatalf(format string, v ...any) {
	fmt.Fprintf(os.Stderr, "planctl: "+format+"\n", v...)
	os.Exit(128)
}

// mapFile maps path read-only and returns the bytes plus a release
// function. Image segments and device tree blobs can be large; mapping
// avoids copying them through the heap.
func mapFile(path string) ([]byte, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if st.Size() == 0 {
		return nil, func() {}, nil
	}
	b, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mapping %s: %w", path, err)
	}
	return b, func() { _ = unix.Munmap(b) }, nil
}
