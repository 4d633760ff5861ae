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

	"github.com/rich1111/adsp/ipc"
	"github.com/rich1111/adsp/metrics"
	"github.com/rich1111/adsp/mmio"
	"github.com/rich1111/adsp/notify"
	"github.com/rich1111/adsp/platform"
	"github.com/rich1111/adsp/power"
)

// Default device nodes.
const (
	uioReq = "/dev/uio0"
	uioRsp = "/dev/uio1"
)

// Linux describes a DSP on a Linux host: resources come from the
// kernel's flattened device tree, windows are mapped from /dev/mem and
// the mailboxes are UIO devices.
type Linux struct {
	// Profile defaults to MT8186.
	Profile *Profile
	// FDT defaults to the tree exported by the kernel.
	FDT string
	// DevMem defaults to /dev/mem.
	DevMem string
	// UIO are the REQ and RSP mailbox devices.
	UIO [2]string
	// Clock defaults to StaticClock.
	Clock power.Clock

	Panics     ipc.PanicReporter
	Dispatcher ipc.Dispatcher
	Metrics    *metrics.Metrics
}

// Open discovers the DSP and returns an unprobed Device.
func (l Linux) Open() (*Device, error) {
	prof := l.Profile
	if prof == nil {
		prof = MT8186()
	}
	fdt := l.FDT
	if fdt == "" {
		fdt = platform.SysFDT
	}
	src, err := platform.ReadFDTFile(fdt, prof.Compatible)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfig, fdt, err)
	}
	uio := l.UIO
	if uio[0] == "" {
		uio[0] = uioReq
	}
	if uio[1] == "" {
		uio[1] = uioRsp
	}
	clock := l.Clock
	if clock == nil {
		clock = power.StaticClock{}
	}
	return New(Options{
		Profile:    prof,
		Source:     src,
		Mapper:     mmio.DevMem{Path: l.DevMem},
		Clock:      clock,
		Companion:  notify.UIO{Devices: uio},
		Panics:     l.Panics,
		Dispatcher: l.Dispatcher,
		Metrics:    l.Metrics,
	})
}
