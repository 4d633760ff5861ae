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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rich1111/adsp/ipc"
	"github.com/rich1111/adsp/mailbox"
	"github.com/rich1111/adsp/metrics"
	"github.com/rich1111/adsp/mmio"
	"github.com/rich1111/adsp/notify"
	"github.com/rich1111/adsp/platform"
	"github.com/rich1111/adsp/power"
	"github.com/rich1111/adsp/remap"
	"k8s.io/klog/v2"
)

const (
	defaultAttachTimeout = 10 * time.Second
)

var (
	// ErrConfig marks configuration errors: missing or invalid platform
	// resources and DRAM that violates the remap constraints. They are
	// detected before any hardware is touched and are not retried.
	ErrConfig = errors.New("dsp configuration error")
	// ErrProbed is returned by Probe on a device that is already probed.
	ErrProbed = errors.New("dsp already probed")
	// ErrNotProbed is returned by operations that need a probed device.
	ErrNotProbed = errors.New("dsp not probed")
	// ErrNotRunning is returned by Call unless the DSP is running.
	ErrNotRunning = errors.New("dsp not running")
)

// Options configures a Device. Source, Mapper, Clock and Companion are
// required.
type Options struct {
	// Profile defaults to MT8186.
	Profile *Profile
	Source  platform.Source
	Mapper  mmio.Mapper
	Clock   power.Clock
	// Core defaults to a HiFi core driven through the cfg and sec windows.
	Core      power.Core
	Companion notify.Provider

	Panics     ipc.PanicReporter
	Dispatcher ipc.Dispatcher
	Metrics    *metrics.Metrics

	// IPCTimeout bounds each request; see ipc.Options.
	IPCTimeout time.Duration
	// AttachBackoff paces retries while the companion is not ready. The
	// default is exponential, giving up after 10s.
	AttachBackoff backoff.BackOff
}

// Device is one DSP instance. Lifecycle calls are serialised; Call may
// be used concurrently with them.
type Device struct {
	opts Options
	prof *Profile

	mu         sync.Mutex
	bars       mmio.Bars
	dramOffset uint32
	shared     *remap.Shared
	seq        *power.Sequencer
	session    *ipc.Session
	companion  notify.Companion
	probed     bool
}

// New checks opts and returns an unprobed device.
func New(opts Options) (*Device, error) {
	if opts.Profile == nil {
		opts.Profile = MT8186()
	}
	if err := opts.Profile.Validate(); err != nil {
		return nil, err
	}
	switch {
	case opts.Source == nil:
		return nil, fmt.Errorf("%w: no platform source", ErrConfig)
	case opts.Mapper == nil:
		return nil, fmt.Errorf("%w: no memory mapper", ErrConfig)
	case opts.Clock == nil:
		return nil, fmt.Errorf("%w: no clock", ErrConfig)
	case opts.Companion == nil:
		return nil, fmt.Errorf("%w: no companion ipc provider", ErrConfig)
	}
	d := &Device{opts: opts, prof: opts.Profile}
	if d.opts.Core == nil {
		d.opts.Core = power.HiFiCore{Regs: &d.bars}
	}
	return d, nil
}

// windows are the register and memory windows mapped at probe.
var windows = []struct {
	bar mmio.Bar
	tag platform.Tag
}{
	{mmio.BarCfg, platform.TagCfg},
	{mmio.BarSec, platform.TagSec},
	{mmio.BarBus, platform.TagBus},
	{mmio.BarSRAM, platform.TagSRAM},
	{mmio.BarDRAM, platform.TagSysMem},
}

// Probe discovers and maps the DSP resources, programs the DRAM remap,
// powers the DSP up to SramPowered and attaches the companion mailbox
// device. If any step fails, the completed steps are undone in reverse
// and the first error is returned.
func (d *Device) Probe(ctx context.Context) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.probed {
		return ErrProbed
	}

	res := make(map[platform.Tag]platform.Resource)
	for _, w := range windows {
		r, err := d.opts.Source.Lookup(w.tag)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
		if r.Size == 0 || r.Size > uint64(^uint(0)>>1) {
			return fmt.Errorf("%w: %w: %s", ErrConfig, platform.ErrInvalid, r)
		}
		res[w.tag] = r
	}
	if r, err := d.opts.Source.Lookup(platform.TagDMA); err == nil {
		klog.V(2).InfoS("DSP DMA pool", "region", r)
	}
	dram := res[platform.TagSysMem]
	rm := remap.New(d.prof.remapConfig(), &d.bars)
	if err := rm.Validate(dram.Base, dram.Size); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if dram.Size < d.prof.DSPDRAMSize {
		klog.Warningf("DSP dram %s is smaller than the %#x bytes the firmware expects", dram, d.prof.DSPDRAMSize)
	}

	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				klog.ErrorS(uerr, "Probe rollback step failed")
			}
		}
	}()

	undo = append(undo, d.bars.Close)
	for _, w := range windows {
		r := res[w.tag]
		m, err := d.opts.Mapper.Map(r.Base, int(r.Size))
		if err != nil {
			return fmt.Errorf("map %s: %w", r, err)
		}
		d.bars.Set(w.bar, m)
	}
	shared, err := rm.SharedRegion(dram.Base, dram.Size, d.bars.Region(mmio.BarDRAM), d.opts.Mapper)
	if err != nil {
		return err
	}
	undo = append(undo, shared.Close)

	// The mailboxes live in the shared region.
	tr, err := mailbox.NewTransport(shared.Mem.Bytes(), &d.prof.Mailbox)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	session := ipc.NewSession(tr, d.opts.Panics, d.opts.Dispatcher, ipc.Options{
		Timeout: d.opts.IPCTimeout,
		Metrics: d.opts.Metrics,
	})

	offset, err := rm.Program(dram.Base, dram.Size)
	if err != nil {
		return err
	}

	seq := power.NewSequencer(d.opts.Clock, d.opts.Core, &d.bars, d.prof.sramGate(), d.opts.Metrics)
	if err := seq.Up(true); err != nil {
		return err
	}
	undo = append(undo, seq.Down)

	companion, err := d.attach(ctx, session)
	if err != nil {
		return err
	}
	session.Bind(companion)

	d.dramOffset = offset
	d.shared = shared
	d.seq = seq
	d.session = session
	d.companion = companion
	d.probed = true
	klog.InfoS("DSP probed", "profile", d.prof.Name, "dram", dram, "offset", fmt.Sprintf("%#x", offset))
	return nil
}

// attach registers the companion mailbox device, retrying while it is
// not ready yet.
func (d *Device) attach(ctx context.Context, s *ipc.Session) (notify.Companion, error) {
	h := notify.Handlers{
		OnReply:   s.HandleReply,
		OnRequest: s.HandleRequest,
	}
	bo := d.opts.AttachBackoff
	if bo == nil {
		ebo := backoff.NewExponentialBackOff()
		ebo.MaxElapsedTime = defaultAttachTimeout
		bo = ebo
	}
	var c notify.Companion
	op := func() error {
		var err error
		c, err = d.opts.Companion.Attach(ctx, h)
		if err != nil && !errors.Is(err, notify.ErrNotReady) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		klog.V(1).InfoS("Companion ipc device not ready, retrying", "err", err, "wait", wait)
	})
	if err != nil {
		return nil, fmt.Errorf("attach companion ipc device: %w", err)
	}
	return c, nil
}

// Run boots the DSP core from the start of its SRAM.
func (d *Device) Run(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.probed {
		return ErrNotProbed
	}
	if err := d.session.Quiesce(ctx, func() error {
		return d.seq.Boot(d.prof.SRAMViewBase)
	}); err != nil {
		return err
	}
	// A freshly booted core has no panic pending.
	d.session.Recover()
	return nil
}

// Suspend waits for the pending request, aborting it if ctx ends first,
// and powers the DSP down. Every power-down step runs even if one fails.
// The companion device stays attached.
func (d *Device) Suspend(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.probed {
		return ErrNotProbed
	}
	return d.session.Quiesce(ctx, d.seq.Suspend)
}

// Resume powers a suspended DSP back up and boots it. The one time clock
// setup and the companion attach are not repeated.
func (d *Device) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.probed {
		return ErrNotProbed
	}
	if err := d.session.Quiesce(ctx, func() error {
		return d.seq.Resume(d.prof.SRAMViewBase)
	}); err != nil {
		return err
	}
	d.session.Recover()
	return nil
}

// Remove tears the device down: drain, detach the companion, shut the
// core down, power off SRAM and clock, and unmap. It is best effort and
// returns every error encountered.
func (d *Device) Remove(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.probed {
		return ErrNotProbed
	}
	var errs []error
	if err := d.session.Drain(ctx); err != nil {
		klog.Warningf("Remove: %v", err)
	}
	// Detach outside the session lock: it waits for running handlers.
	if err := d.companion.Detach(); err != nil {
		klog.ErrorS(err, "Detaching companion ipc device")
		errs = append(errs, err)
	}
	d.session.Bind(nil)
	if err := d.session.Quiesce(ctx, d.seq.Down); err != nil {
		errs = append(errs, err)
	}
	if err := d.shared.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.bars.Close(); err != nil {
		errs = append(errs, err)
	}
	d.probed = false
	d.shared = nil
	d.session = nil
	d.companion = nil
	klog.InfoS("DSP removed", "profile", d.prof.Name)
	return errors.Join(errs...)
}

// Call sends payload to the running DSP and waits for a reply body of
// replySize bytes. After a DSP error the returned bytes are the raw reply
// header.
func (d *Device) Call(ctx context.Context, payload []byte, replySize int) ([]byte, error) {
	req := ipc.NewRequest(payload, replySize)
	s, err := d.send(req)
	if err != nil {
		return nil, err
	}
	err = s.Wait(ctx, req)
	return req.Reply(), err
}

// send issues req under the lifecycle lock, so that it cannot interleave
// with a power transition.
func (d *Device) send(req *ipc.Request) (*ipc.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.probed {
		return nil, ErrNotProbed
	}
	if st := d.seq.State(); st != power.Running {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	return d.session, d.session.Send(req)
}

// Session returns the IPC session, or nil before Probe.
func (d *Device) Session() *ipc.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// State returns the power state.
func (d *Device) State() power.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seq == nil {
		return power.Off
	}
	return d.seq.State()
}

// DRAMOffset returns the DSP DRAM remap offset programmed at probe.
func (d *Device) DRAMOffset() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dramOffset
}

// Shared returns the shared DRAM region, or nil when not probed.
func (d *Device) Shared() *remap.Shared {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shared
}

// Mailbox returns the mailbox layout in use.
func (d *Device) Mailbox() *mailbox.Layout {
	return &d.prof.Mailbox
}
