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

package mmio

import (
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Bar identifies one of the DSP address windows.
type Bar int

const (
	BarCfg  Bar = iota // control/config registers
	BarSec             // security registers (boot vector)
	BarBus             // bus registers (remap, SRAM power)
	BarSRAM            // DSP instruction SRAM
	BarDRAM            // host DRAM window holding the mailboxes
	numBars
)

var barNames = [...]string{"cfg", "sec", "bus", "sram", "dram"}

func (b Bar) String() string {
	if b < 0 || b >= numBars {
		return fmt.Sprintf("bar%d", int(b))
	}
	return barNames[b]
}

// Registers is register I/O addressed by window and byte offset.
type Registers interface {
	Read32(bar Bar, off uint32) uint32
	Write32(bar Bar, off uint32, v uint32)
	Read64(bar Bar, off uint32) uint64
	Write64(bar Bar, off uint32, v uint64)
}

// UpdateBits performs a read-modify-write of the bits in mask, and
// reports whether the register value changed.
func UpdateBits(r Registers, bar Bar, off, mask, val uint32) bool {
	old := r.Read32(bar, off)
	v := (old &^ mask) | (val & mask)
	if v == old {
		return false
	}
	r.Write32(bar, off, v)
	return true
}

// Bars is the set of mapped DSP windows. It implements Registers.
// Access to a window that has not been mapped is logged and ignored.
type Bars struct {
	regions [numBars]*Region
}

// Set installs the region for a window.
func (b *Bars) Set(bar Bar, r *Region) {
	b.regions[bar] = r
}

// Region returns the region mapped for a window, or nil.
func (b *Bars) Region(bar Bar) *Region {
	if bar < 0 || bar >= numBars {
		return nil
	}
	return b.regions[bar]
}

// Close unmaps all windows. Every window is released even if one fails.
func (b *Bars) Close() error {
	var errs []error
	for i, r := range b.regions {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", Bar(i), err))
		}
		b.regions[i] = nil
	}
	return errors.Join(errs...)
}

func (b *Bars) lookup(bar Bar) *Region {
	r := b.Region(bar)
	if r == nil {
		klog.Warningf("mmio: access to unmapped window %s", bar)
	}
	return r
}

func (b *Bars) Read32(bar Bar, off uint32) uint32 {
	if r := b.lookup(bar); r != nil {
		return r.Read32(off)
	}
	return 0
}

func (b *Bars) Write32(bar Bar, off uint32, v uint32) {
	if r := b.lookup(bar); r != nil {
		r.Write32(off, v)
	}
}

func (b *Bars) Read64(bar Bar, off uint32) uint64 {
	if r := b.lookup(bar); r != nil {
		return r.Read64(off)
	}
	return 0
}

func (b *Bars) Write64(bar Bar, off uint32, v uint64) {
	if r := b.lookup(bar); r != nil {
		r.Write64(off, v)
	}
}

// Heap is a Mapper backed by ordinary memory, for simulation and tests.
// Mapping the same physical address twice returns the same memory.
type Heap struct {
	mu     sync.Mutex
	chunks map[uint64][]byte
}

// Map returns zeroed memory standing in for [phys, phys+size).
func (h *Heap) Map(phys uint64, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map %#x: illegal size %d", phys, size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.chunks == nil {
		h.chunks = make(map[uint64][]byte)
	}
	b, ok := h.chunks[phys]
	if !ok || len(b) < size {
		nb := make([]byte, size)
		copy(nb, b)
		b = nb
		h.chunks[phys] = b
	}
	return FromBytes(phys, b[:size]), nil
}

// Mapped reports whether phys has been mapped.
func (h *Heap) Mapped(phys uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.chunks[phys]
	return ok
}
