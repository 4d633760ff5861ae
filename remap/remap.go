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

// Package remap programs the DSP's view of host DRAM and carves the
// shared region out of the tail of the DRAM window.
package remap

import (
	"errors"
	"fmt"

	"github.com/rich1111/adsp/mmio"
	"k8s.io/klog/v2"
)

var (
	// ErrUnaligned is returned when the DRAM base is not a multiple of
	// the remap granularity.
	ErrUnaligned = errors.New("dram base not aligned to remap granularity")
	// ErrTooSmall is returned when DRAM cannot hold the shared region.
	ErrTooSmall = errors.New("dram too small for shared region")
	// ErrVerify is returned when a remap register does not read back the
	// value written.
	ErrVerify = errors.New("remap register verification failed")
)

// Config holds the remap constants of a hardware generation.
type Config struct {
	// DSPViewBase is where the DSP sees the start of DRAM.
	DSPViewBase uint32
	// Shift converts a byte offset to a remap register value; the
	// granularity is 1<<Shift.
	Shift uint
	// SharedSize is the size of the shared region at the DRAM tail.
	SharedSize uint64
	// EMIMapReg and DMAEMIMapReg are the translation registers in the
	// bus window.
	EMIMapReg    uint32
	DMAEMIMapReg uint32
}

// Granule returns the remap granularity in bytes.
func (c Config) Granule() uint64 {
	return 1 << c.Shift
}

// Offset returns the byte offset of base relative to the DSP view,
// computed in 32 bit arithmetic as the hardware does.
func (c Config) Offset(base uint64) uint32 {
	return uint32(base) - c.DSPViewBase
}

// Remapper programs the address translation of one device.
type Remapper struct {
	cfg  Config
	regs mmio.Registers
}

func New(cfg Config, regs mmio.Registers) *Remapper {
	return &Remapper{cfg: cfg, regs: regs}
}

// Validate checks the DRAM window against the remap constraints. Both
// failures are configuration errors and are not retried.
func (r *Remapper) Validate(base, size uint64) error {
	if base&(r.cfg.Granule()-1) != 0 {
		return fmt.Errorf("%w: base %#x, granule %#x", ErrUnaligned, base, r.cfg.Granule())
	}
	if size < r.cfg.SharedSize {
		return fmt.Errorf("%w: size %#x, need %#x", ErrTooSmall, size, r.cfg.SharedSize)
	}
	return nil
}

// Program validates the window, writes the translation offset into both
// remap registers and reads them back. Nothing is written if validation
// fails. It returns the DRAM byte offset.
func (r *Remapper) Program(base, size uint64) (uint32, error) {
	if err := r.Validate(base, size); err != nil {
		return 0, err
	}
	offset := r.cfg.Offset(base)
	v := offset >> r.cfg.Shift
	klog.V(2).InfoS("Programming dram remap", "base", fmt.Sprintf("%#x", base), "offset", fmt.Sprintf("%#x", v))

	r.regs.Write32(mmio.BarBus, r.cfg.EMIMapReg, v)
	r.regs.Write32(mmio.BarBus, r.cfg.DMAEMIMapReg, v)
	emi := r.regs.Read32(mmio.BarBus, r.cfg.EMIMapReg)
	dma := r.regs.Read32(mmio.BarBus, r.cfg.DMAEMIMapReg)
	if emi != v || dma != v {
		return 0, fmt.Errorf("%w: wrote %#x, read emi %#x dma %#x", ErrVerify, v, emi, dma)
	}
	return offset, nil
}

// Shared is the region at the DRAM tail holding the bidirectional
// stream metadata.
type Shared struct {
	Phys uint64
	Size uint64
	Mem  *mmio.Region

	owned bool
}

// Close releases the mapping if it was not borrowed from the DRAM window.
func (s *Shared) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.Mem.Close()
}

// SharedRegion locates the shared region at base+size-SharedSize. If
// dram is a mapping covering the whole DRAM window the region is a view
// into it; otherwise it is mapped with m.
func (r *Remapper) SharedRegion(base, size uint64, dram *mmio.Region, m mmio.Mapper) (*Shared, error) {
	if err := r.Validate(base, size); err != nil {
		return nil, err
	}
	s := &Shared{
		Phys: base + size - r.cfg.SharedSize,
		Size: r.cfg.SharedSize,
	}
	if dram != nil && dram.Phys <= base && base+size <= dram.Phys+uint64(dram.Size) {
		mem, err := dram.Sub(s.Phys-dram.Phys, int(s.Size))
		if err != nil {
			return nil, fmt.Errorf("shared region in dram mapping: %w", err)
		}
		s.Mem = mem
	} else {
		if m == nil {
			return nil, fmt.Errorf("map shared region %#x: dram not mapped and no mapper", s.Phys)
		}
		mem, err := m.Map(s.Phys, int(s.Size))
		if err != nil {
			return nil, fmt.Errorf("map shared region %#x: %w", s.Phys, err)
		}
		s.Mem = mem
		s.owned = true
	}
	klog.V(2).InfoS("Shared dram", "phys", fmt.Sprintf("%#x", s.Phys), "size", fmt.Sprintf("%#x", s.Size))
	return s, nil
}
