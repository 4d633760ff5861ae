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

package adsp

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/rich1111/adsp/mailbox"
	"github.com/rich1111/adsp/power"
	"github.com/rich1111/adsp/remap"
)

// MT8186 memory map, as seen from the DSP.
const (
	mt8186DRAMViewBase = 0x60000000
	mt8186SRAMViewBase = 0x4e100000
	mt8186RemapShift   = 12
	mt8186SharedSize   = 0x80000
	mt8186DSPDRAMSize  = 0xa00000
)

// MT8186 bus registers.
const (
	mt8186EMIMapReg    = 0xa00
	mt8186DMAEMIMapReg = 0xa08
	mt8186SRAMPoolCon  = 0x190
	mt8186SRAMPoolPD   = 0xf00f
)

// Profile holds the constants of one hardware revision.
type Profile struct {
	Name string `json:"name"`
	// Compatible is the device tree compatible string of the DSP node.
	Compatible string `json:"compatible"`

	// DRAMViewBase and SRAMViewBase are where the DSP sees DRAM and its
	// instruction SRAM. The core boots from SRAMViewBase.
	DRAMViewBase uint32 `json:"dramViewBase"`
	SRAMViewBase uint32 `json:"sramViewBase"`
	RemapShift   uint   `json:"remapShift"`
	// SharedSize is the tail of DRAM holding the mailboxes.
	SharedSize uint64 `json:"sharedSize"`
	// DSPDRAMSize is the DRAM size the firmware is built for.
	DSPDRAMSize uint64 `json:"dspDramSize"`

	EMIMapReg    uint32 `json:"emiMapReg"`
	DMAEMIMapReg uint32 `json:"dmaEmiMapReg"`
	SRAMPoolReg  uint32 `json:"sramPoolReg"`
	SRAMPoolMask uint32 `json:"sramPoolMask"`

	Mailbox mailbox.Layout `json:"mailbox"`
}

// MT8186 returns the built-in MT8186 profile.
func MT8186() *Profile {
	return &Profile{
		Name:         "mt8186",
		Compatible:   "mediatek,mt8186-dsp",
		DRAMViewBase: mt8186DRAMViewBase,
		SRAMViewBase: mt8186SRAMViewBase,
		RemapShift:   mt8186RemapShift,
		SharedSize:   mt8186SharedSize,
		DSPDRAMSize:  mt8186DSPDRAMSize,
		EMIMapReg:    mt8186EMIMapReg,
		DMAEMIMapReg: mt8186DMAEMIMapReg,
		SRAMPoolReg:  mt8186SRAMPoolCon,
		SRAMPoolMask: mt8186SRAMPoolPD,
		// Offsets are relative to the shared region. Every window ID
		// resolves to the one mailbox area at its start.
		Mailbox: mailbox.Layout{
			Mailbox: 0,
			Windows: map[uint32]uint32{0: 0},
			Boxes: []mailbox.Box{
				{Role: mailbox.DSPBox, Window: 0, Offset: 0x0000, Size: 0x1000},
				{Role: mailbox.HostBox, Window: 0, Offset: 0x1000, Size: 0x1000},
				{Role: mailbox.DebugBox, Window: 0, Offset: 0x2000, Size: 0x800},
			},
		},
	}
}

// ParseProfile decodes a YAML profile. Fields that are not set keep their
// MT8186 values.
func ParseProfile(b []byte) (*Profile, error) {
	p := MT8186()
	if err := yaml.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("%w: profile: %v", ErrConfig, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (*Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProfile(b)
}

// Validate checks the profile for internal consistency.
func (p *Profile) Validate() error {
	switch {
	case p.RemapShift == 0 || p.RemapShift >= 32:
		return fmt.Errorf("%w: remap shift %d", ErrConfig, p.RemapShift)
	case p.SharedSize == 0 || p.SharedSize > p.DSPDRAMSize:
		return fmt.Errorf("%w: shared size %#x with dsp dram size %#x", ErrConfig, p.SharedSize, p.DSPDRAMSize)
	case p.SRAMPoolMask == 0:
		return fmt.Errorf("%w: empty sram power-down mask", ErrConfig)
	}
	ws, err := p.Mailbox.Resolve()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	for _, w := range ws {
		if uint64(w.Offset)+uint64(w.Size) > p.SharedSize {
			return fmt.Errorf("%w: mailbox %s outside shared region of %#x bytes", ErrConfig, w, p.SharedSize)
		}
	}
	return nil
}

func (p *Profile) remapConfig() remap.Config {
	return remap.Config{
		DSPViewBase:  p.DRAMViewBase,
		Shift:        p.RemapShift,
		SharedSize:   p.SharedSize,
		EMIMapReg:    p.EMIMapReg,
		DMAEMIMapReg: p.DMAEMIMapReg,
	}
}

func (p *Profile) sramGate() power.SRAMGate {
	return power.SRAMGate{Reg: p.SRAMPoolReg, Mask: p.SRAMPoolMask}
}
