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

package power

import (
	"time"

	"github.com/rich1111/adsp/mmio"
)

// HiFi core control registers.
const (
	hifiSwRstn    = 0x0000 // cfg: core reset
	hifiIOConfig  = 0x000c // cfg: RUNSTALL
	hifiAltVecC0  = 0x0004 // sec: boot vector of core 0
	hifiAltVecSel = 0x000c // sec: boot vector select

	runStall    = 1 << 31
	swRstnC0    = 1 << 0
	swDbgRstnC0 = 1 << 4
	altVecSelC0 = 1 << 1
	resetSettle = time.Microsecond
)

// HiFiCore boots and stops a HiFi core through its config and security
// registers.
type HiFiCore struct {
	Regs mmio.Registers
}

// Boot stalls the core, installs the boot vector, pulses reset and
// releases the stall.
func (h HiFiCore) Boot(addr uint32) error {
	mmio.UpdateBits(h.Regs, mmio.BarCfg, hifiIOConfig, runStall, runStall)
	h.Regs.Write32(mmio.BarSec, hifiAltVecC0, addr)
	h.Regs.Write32(mmio.BarSec, hifiAltVecSel, altVecSelC0)
	mmio.UpdateBits(h.Regs, mmio.BarCfg, hifiSwRstn, swRstnC0|swDbgRstnC0, swRstnC0|swDbgRstnC0)
	time.Sleep(resetSettle)
	mmio.UpdateBits(h.Regs, mmio.BarCfg, hifiSwRstn, swRstnC0|swDbgRstnC0, 0)
	mmio.UpdateBits(h.Regs, mmio.BarCfg, hifiIOConfig, runStall, 0)
	return nil
}

// Shutdown stalls the core and holds it in reset.
func (h HiFiCore) Shutdown() error {
	mmio.UpdateBits(h.Regs, mmio.BarCfg, hifiIOConfig, runStall, runStall)
	mmio.UpdateBits(h.Regs, mmio.BarCfg, hifiSwRstn, swRstnC0|swDbgRstnC0, swRstnC0|swDbgRstnC0)
	return nil
}
