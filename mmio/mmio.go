// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmio maps physical memory windows and provides 32 and 64 bit
// register access to them.
package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevMemPath is the default physical memory device.
const DevMemPath = "/dev/mem"

// Region is a mapped window of physical memory.
type Region struct {
	Phys uint64
	Size int

	mem  []byte // the window itself
	page []byte // page aligned mapping containing mem, nil if not mmapped
	file *os.File
}

// Mapper maps physical address ranges.
type Mapper interface {
	Map(phys uint64, size int) (*Region, error)
}

// DevMem maps regions from a physical memory device such as /dev/mem
// or a UIO map.
type DevMem struct {
	Path string
}

// Map opens the memory device and maps size bytes starting at phys.
// The physical address does not need to be page aligned.
func (d DevMem) Map(phys uint64, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map %#x: illegal size %d", phys, size)
	}
	path := d.Path
	if path == "" {
		path = DevMemPath
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0660)
	if err != nil {
		return nil, err
	}
	ps := uint64(unix.Getpagesize())
	base := phys &^ (ps - 1)
	skew := int(phys - base)
	page, err := unix.Mmap(int(f.Fd()), int64(base), size+skew, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: mmap %#x+%#x: %v", path, phys, size, err)
	}
	return &Region{
		Phys: phys,
		Size: size,
		mem:  page[skew : skew+size],
		page: page,
		file: f,
	}, nil
}

// FromBytes wraps an existing buffer as a region, e.g. a sub-window of a
// larger mapping or memory used in tests.
func FromBytes(phys uint64, b []byte) *Region {
	return &Region{Phys: phys, Size: len(b), mem: b}
}

// Bytes returns the window contents.
func (r *Region) Bytes() []byte {
	return r.mem
}

// Sub returns a region sharing the memory at [off, off+size).
func (r *Region) Sub(off uint64, size int) (*Region, error) {
	if off > uint64(r.Size) || uint64(size) > uint64(r.Size)-off {
		return nil, fmt.Errorf("sub-region %#x+%#x outside %#x+%#x", off, size, r.Phys, r.Size)
	}
	return FromBytes(r.Phys+off, r.mem[off:off+uint64(size)]), nil
}

// Close releases the mapping. Regions created with FromBytes or Sub are
// only detached.
func (r *Region) Close() error {
	var err error
	if r.page != nil {
		err = unix.Munmap(r.page)
		r.page = nil
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
		r.file = nil
	}
	r.mem = nil
	return err
}

func (r *Region) word32(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(r.mem) {
		panic(fmt.Sprintf("mmio: 32 bit access at %#x outside %#x+%#x", off, r.Phys, r.Size))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r *Region) word64(off uint32) *uint64 {
	if off&7 != 0 || int(off)+8 > len(r.mem) {
		panic(fmt.Sprintf("mmio: 64 bit access at %#x outside %#x+%#x", off, r.Phys, r.Size))
	}
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

// Read32 reads the register at off.
func (r *Region) Read32(off uint32) uint32 {
	return atomic.LoadUint32(r.word32(off))
}

// Write32 writes the register at off.
func (r *Region) Write32(off uint32, v uint32) {
	atomic.StoreUint32(r.word32(off), v)
}

// Read64 reads the 64 bit register at off.
func (r *Region) Read64(off uint32) uint64 {
	return atomic.LoadUint64(r.word64(off))
}

// Write64 writes the 64 bit register at off.
func (r *Region) Write64(off uint32, v uint64) {
	atomic.StoreUint64(r.word64(off), v)
}
