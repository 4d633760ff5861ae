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
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rich1111/adsp/ipc"
	"github.com/rich1111/adsp/mailbox"
	"github.com/rich1111/adsp/metrics"
	"github.com/rich1111/adsp/mmio"
	"github.com/rich1111/adsp/notify"
	"github.com/rich1111/adsp/platform"
	"github.com/rich1111/adsp/power"
	"github.com/rich1111/adsp/remap"
)

const (
	cfgBase  = 0x10680000
	secBase  = 0x1068b000
	busBase  = 0x1068f000
	sramBase = 0x10800000
	dmaBase  = 0x62000000
	dramBase = 0x61000000
	dramSize = 0x1000000
)

var (
	errHW     = errors.New("hardware says no")
	errAttach = errors.New("mailbox driver missing")
)

func testTable() platform.Table {
	t := make(platform.Table)
	t.Add(platform.Resource{Tag: platform.TagCfg, Base: cfgBase, Size: 0x2000})
	t.Add(platform.Resource{Tag: platform.TagSec, Base: secBase, Size: 0x100})
	t.Add(platform.Resource{Tag: platform.TagBus, Base: busBase, Size: 0x1000})
	t.Add(platform.Resource{Tag: platform.TagSRAM, Base: sramBase, Size: 0x60000})
	t.Add(platform.Resource{Tag: platform.TagDMA, Base: dmaBase, Size: 0x100000})
	t.Add(platform.Resource{Tag: platform.TagSysMem, Base: dramBase, Size: dramSize})
	return t
}

// journal records clock, core and companion steps in order.
type journal struct {
	mu    sync.Mutex
	steps []string
	fail  map[string]bool
}

func (j *journal) step(name string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps = append(j.steps, name)
	if j.fail[name] {
		return errHW
	}
	return nil
}

// take returns and clears the recorded steps.
func (j *journal) take() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.steps
	j.steps = nil
	return s
}

type fakeClock struct{ j *journal }

func (c fakeClock) Init() error { return c.j.step("clock-init") }
func (c fakeClock) On() error   { return c.j.step("clock-on") }
func (c fakeClock) Off() error  { return c.j.step("clock-off") }

type fakeCore struct{ j *journal }

func (c fakeCore) Boot(addr uint32) error { return c.j.step(fmt.Sprintf("boot-%#x", addr)) }
func (c fakeCore) Shutdown() error        { return c.j.step("shutdown") }

type reply struct {
	hdr  ipc.ReplyHeader
	body []byte
}

// fakeDSP is the companion provider and plays the firmware side of the
// mailbox through its own view of the DRAM window.
type fakeDSP struct {
	j    *journal
	heap *mmio.Heap
	prof *Profile

	mu        sync.Mutex
	tr        *mailbox.Transport
	h         notify.Handlers
	notReady  int
	attachErr error
	attaches  int
	acks      int
	payload   []byte
	reply     *reply // nil leaves requests unanswered
}

func (f *fakeDSP) Attach(ctx context.Context, h notify.Handlers) (notify.Companion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notReady > 0 {
		f.notReady--
		return nil, notify.ErrNotReady
	}
	f.j.step("attach")
	if f.attachErr != nil {
		return nil, f.attachErr
	}
	dram, err := f.heap.Map(dramBase, dramSize)
	if err != nil {
		return nil, err
	}
	shared, err := dram.Sub(dramSize-mt8186SharedSize, mt8186SharedSize)
	if err != nil {
		return nil, err
	}
	tr, err := mailbox.NewTransport(shared.Bytes(), &f.prof.Mailbox)
	if err != nil {
		return nil, err
	}
	f.tr = tr
	f.h = h
	f.attaches++
	return f, nil
}

// Send is called with the session lock held.
func (f *fakeDSP) Send(ch ipc.Channel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch == ipc.RSP {
		f.acks++
		return nil
	}
	f.payload = make([]byte, 16)
	f.tr.Read(mailbox.HostBox, 0, f.payload)
	if f.reply == nil {
		return nil
	}
	r := *f.reply
	tr, onReply := f.tr, f.h.OnReply
	go func() {
		tr.Write(mailbox.HostBox, 0, r.hdr.Marshal())
		tr.Write(mailbox.HostBox, ipc.ReplyHeaderSize, r.body)
		onReply()
	}()
	return nil
}

func (f *fakeDSP) Detach() error {
	return f.j.step("detach")
}

func (f *fakeDSP) setReply(r *reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = r
}

// post raises a DSP request with word at debug box + 4 and msg in the
// DSP box.
func (f *fakeDSP) post(word uint32, msg []byte) {
	f.mu.Lock()
	tr, onRequest := f.tr, f.h.OnRequest
	f.mu.Unlock()
	tr.WriteUint32(mailbox.DebugBox, ipc.PanicWordOffset, word)
	tr.Write(mailbox.DSPBox, 0, msg)
	onRequest()
}

type panicLog struct {
	mu    sync.Mutex
	codes []uint32
}

func (p *panicLog) Report(code uint32, probe bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codes = append(p.codes, code)
}

type dispatchLog struct {
	msgs [][]byte
}

func (d *dispatchLog) Dispatch(in *ipc.Inbox) {
	b := make([]byte, 8)
	if err := in.Read(0, b); err == nil {
		d.msgs = append(d.msgs, b)
	}
}

type rig struct {
	d       *Device
	j       *journal
	dsp     *fakeDSP
	heap    *mmio.Heap
	panics  *panicLog
	rx      *dispatchLog
	metrics *metrics.Metrics
}

func newRig(t *testing.T, mod func(*Options)) *rig {
	t.Helper()
	r := &rig{
		j:       &journal{fail: make(map[string]bool)},
		heap:    &mmio.Heap{},
		panics:  &panicLog{},
		rx:      &dispatchLog{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	prof := MT8186()
	r.dsp = &fakeDSP{j: r.j, heap: r.heap, prof: prof}
	opts := Options{
		Profile:       prof,
		Source:        testTable(),
		Mapper:        r.heap,
		Clock:         fakeClock{r.j},
		Core:          fakeCore{r.j},
		Companion:     r.dsp,
		Panics:        r.panics,
		Dispatcher:    r.rx,
		Metrics:       r.metrics,
		IPCTimeout:    5 * time.Second,
		AttachBackoff: backoff.NewConstantBackOff(time.Millisecond),
	}
	if mod != nil {
		mod(&opts)
	}
	d, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.d = d
	return r
}

// running probes and boots the device.
func (r *rig) running(t *testing.T) {
	t.Helper()
	if err := r.d.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if err := r.d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	r.j.take()
}

func (r *rig) busReg(t *testing.T, off uint32) uint32 {
	t.Helper()
	bus, err := r.heap.Map(busBase, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	return bus.Read32(off)
}

func TestProbeRunCall(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	if err := r.d.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if diff := cmp.Diff([]string{"clock-init", "clock-on", "attach"}, r.j.take()); diff != "" {
		t.Errorf("probe steps diff (-want +got):\n%s", diff)
	}
	if got := r.d.State(); got != power.SramPowered {
		t.Errorf("state = %s, want sram-powered", got)
	}
	if got := r.d.DRAMOffset(); got != 0x1000000 {
		t.Errorf("DRAMOffset = %#x, want 0x1000000", got)
	}
	for _, reg := range []uint32{mt8186EMIMapReg, mt8186DMAEMIMapReg} {
		if got := r.busReg(t, reg); got != 0x1000 {
			t.Errorf("remap register %#x = %#x, want 0x1000", reg, got)
		}
	}
	if got := r.busReg(t, mt8186SRAMPoolCon); got&mt8186SRAMPoolPD != 0 {
		t.Errorf("sram pool = %#x, still powered down", got)
	}
	if s := r.d.Shared(); s == nil || s.Phys != dramBase+dramSize-mt8186SharedSize {
		t.Errorf("shared region = %+v", s)
	}
	if err := r.d.Probe(ctx); !errors.Is(err, ErrProbed) {
		t.Errorf("second Probe = %v, want ErrProbed", err)
	}

	if err := r.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"boot-0x4e100000"}, r.j.take()); diff != "" {
		t.Errorf("run steps diff (-want +got):\n%s", diff)
	}

	body := []byte{0xca, 0xfe, 0xf0, 0x0d}
	r.dsp.setReply(&reply{hdr: ipc.ReplyHeader{Size: 4, Cmd: 0x10000}, body: body})
	got, err := r.d.Call(ctx, []byte("hello"), 4)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if diff := cmp.Diff(body, got); diff != "" {
		t.Errorf("reply diff (-want +got):\n%s", diff)
	}
	if !bytes.HasPrefix(r.dsp.payload, []byte("hello")) {
		t.Errorf("host box held %q, want the request payload", r.dsp.payload)
	}
	if got := testutil.ToFloat64(r.metrics.RequestsTotal); got != 1 {
		t.Errorf("requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.metrics.PowerTransitionsTotal.WithLabelValues("running")); got != 1 {
		t.Errorf("running transitions = %v, want 1", got)
	}
}

func TestMailboxInSharedRegion(t *testing.T) {
	r := newRig(t, nil)
	r.running(t)
	shared := r.d.Shared()
	if want := uint64(dramBase + dramSize - mt8186SharedSize); shared.Phys != want || shared.Mem.Phys != want {
		t.Fatalf("shared region at %#x, view at %#x, want %#x", shared.Phys, shared.Mem.Phys, want)
	}

	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = 0xd0 + byte(i)
	}
	r.dsp.setReply(&reply{hdr: ipc.ReplyHeader{Cmd: 1}})
	if _, err := r.d.Call(context.Background(), payload, 0); err != nil {
		t.Fatalf("Call: %v", err)
	}
	ws, err := r.d.Mailbox().Resolve()
	if err != nil {
		t.Fatal(err)
	}
	// The reply header overwrites the head of the request; the tail stays.
	off := ws[mailbox.HostBox].Offset
	got := shared.Mem.Bytes()[off+ipc.ReplyHeaderSize : off+uint32(len(payload))]
	if diff := cmp.Diff(payload[ipc.ReplyHeaderSize:], got); diff != "" {
		t.Errorf("host box in shared region diff (-want +got):\n%s", diff)
	}
	if !bytes.HasPrefix(payload, r.dsp.payload) {
		t.Errorf("DSP read % x, want a prefix of % x", r.dsp.payload, payload)
	}
}

func TestProbeConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		desc string
		edit func(platform.Table)
		want error
	}{
		{
			desc: "unaligned dram",
			edit: func(t platform.Table) {
				t.Add(platform.Resource{Tag: platform.TagSysMem, Base: dramBase + 0x800, Size: dramSize})
			},
			want: remap.ErrUnaligned,
		},
		{
			desc: "dram too small",
			edit: func(t platform.Table) {
				t.Add(platform.Resource{Tag: platform.TagSysMem, Base: dramBase, Size: 0x40000})
			},
			want: remap.ErrTooSmall,
		},
		{
			desc: "missing bus window",
			edit: func(t platform.Table) { delete(t, platform.TagBus) },
			want: platform.ErrNotFound,
		},
		{
			desc: "empty sram window",
			edit: func(t platform.Table) {
				t.Add(platform.Resource{Tag: platform.TagSRAM, Base: sramBase})
			},
			want: platform.ErrInvalid,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			src := testTable()
			tc.edit(src)
			r := newRig(t, func(o *Options) { o.Source = src })
			err := r.d.Probe(context.Background())
			if !errors.Is(err, ErrConfig) || !errors.Is(err, tc.want) {
				t.Errorf("Probe = %v, want ErrConfig wrapping %v", err, tc.want)
			}
			if steps := r.j.take(); len(steps) != 0 {
				t.Errorf("hardware touched before validation: %v", steps)
			}
			for _, base := range []uint64{cfgBase, busBase, dramBase} {
				if r.heap.Mapped(base) {
					t.Errorf("%#x mapped before validation", base)
				}
			}
		})
	}
}

func TestProbeRetriesCompanion(t *testing.T) {
	r := newRig(t, nil)
	r.dsp.notReady = 3
	if err := r.d.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if r.dsp.attaches != 1 {
		t.Errorf("attaches = %d, want 1", r.dsp.attaches)
	}
}

func TestProbeRollsBack(t *testing.T) {
	for _, tc := range []struct {
		desc      string
		setup     func(*rig)
		want      error
		wantSteps []string
	}{
		{
			desc:      "companion attach fails",
			setup:     func(r *rig) { r.dsp.attachErr = errAttach },
			want:      errAttach,
			wantSteps: []string{"clock-init", "clock-on", "attach", "clock-off"},
		},
		{
			desc:      "clock on fails",
			setup:     func(r *rig) { r.j.fail["clock-on"] = true },
			want:      power.ErrSequence,
			wantSteps: []string{"clock-init", "clock-on"},
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			r := newRig(t, nil)
			tc.setup(r)
			if err := r.d.Probe(context.Background()); !errors.Is(err, tc.want) {
				t.Fatalf("Probe = %v, want %v", err, tc.want)
			}
			if diff := cmp.Diff(tc.wantSteps, r.j.take()); diff != "" {
				t.Errorf("steps diff (-want +got):\n%s", diff)
			}
			if got := r.d.State(); got != power.Off {
				t.Errorf("state = %s, want off", got)
			}
			if _, err := r.d.Call(context.Background(), []byte{1}, 0); !errors.Is(err, ErrNotProbed) {
				t.Errorf("Call = %v, want ErrNotProbed", err)
			}
		})
	}
}

func TestAttachRollbackPowersSRAMDown(t *testing.T) {
	r := newRig(t, nil)
	r.dsp.attachErr = errAttach
	if err := r.d.Probe(context.Background()); !errors.Is(err, errAttach) {
		t.Fatalf("Probe = %v, want attach error", err)
	}
	if got := r.busReg(t, mt8186SRAMPoolCon); got&mt8186SRAMPoolPD != mt8186SRAMPoolPD {
		t.Errorf("sram pool = %#x, want powered down", got)
	}
}

func TestCallErrors(t *testing.T) {
	r := newRig(t, nil)
	ctx := context.Background()
	if _, err := r.d.Call(ctx, []byte{1}, 0); !errors.Is(err, ErrNotProbed) {
		t.Errorf("Call before Probe = %v, want ErrNotProbed", err)
	}
	if err := r.d.Probe(ctx); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if _, err := r.d.Call(ctx, []byte{1}, 0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Call before Run = %v, want ErrNotRunning", err)
	}
	if err := r.d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	r.dsp.setReply(&reply{hdr: ipc.ReplyHeader{Size: 16}, body: bytes.Repeat([]byte{0xee}, 16)})
	got, err := r.d.Call(ctx, []byte{1}, 32)
	if !errors.Is(err, ipc.ErrReplySize) {
		t.Errorf("size mismatch Call = %v, want ErrReplySize", err)
	}
	if diff := cmp.Diff(make([]byte, 32), got); diff != "" {
		t.Errorf("bytes copied on size mismatch (-want +got):\n%s", diff)
	}

	r.dsp.setReply(&reply{hdr: ipc.ReplyHeader{Size: 8, Error: -5}})
	_, err = r.d.Call(ctx, []byte{1}, 8)
	var re *ipc.ReplyError
	if !errors.As(err, &re) || re.Code() != -5 {
		t.Errorf("DSP error Call = %v, want ReplyError -5", err)
	}
}

func TestSuspendResume(t *testing.T) {
	r := newRig(t, nil)
	r.running(t)
	ctx := context.Background()

	if err := r.d.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if diff := cmp.Diff([]string{"shutdown", "clock-off"}, r.j.take()); diff != "" {
		t.Errorf("suspend steps diff (-want +got):\n%s", diff)
	}
	if got := r.d.State(); got != power.Suspended {
		t.Errorf("state = %s, want suspended", got)
	}
	if _, err := r.d.Call(ctx, []byte{1}, 0); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Call while suspended = %v, want ErrNotRunning", err)
	}

	if err := r.d.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// No clock init and no companion attach on resume.
	if diff := cmp.Diff([]string{"clock-on", "boot-0x4e100000"}, r.j.take()); diff != "" {
		t.Errorf("resume steps diff (-want +got):\n%s", diff)
	}
	if r.dsp.attaches != 1 {
		t.Errorf("attaches = %d, want 1", r.dsp.attaches)
	}
	r.dsp.setReply(&reply{hdr: ipc.ReplyHeader{}})
	if _, err := r.d.Call(ctx, []byte{1}, 0); err != nil {
		t.Errorf("Call after resume: %v", err)
	}
}

func TestSuspendAbortsStuckRequest(t *testing.T) {
	r := newRig(t, func(o *Options) { o.IPCTimeout = -1 })
	r.running(t)

	done := make(chan error, 1)
	go func() {
		_, err := r.d.Call(context.Background(), []byte{1}, 4)
		done <- err
	}()
	for !r.d.Session().Pending() {
		time.Sleep(time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.d.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := <-done; !errors.Is(err, ipc.ErrAborted) {
		t.Errorf("Call = %v, want ErrAborted", err)
	}
	if got := r.d.State(); got != power.Suspended {
		t.Errorf("state = %s, want suspended", got)
	}
}

func TestFirmwarePanic(t *testing.T) {
	r := newRig(t, nil)
	r.running(t)
	ctx := context.Background()

	r.dsp.post(0x0dead042, nil)
	if diff := cmp.Diff([]uint32{0x0dead042}, r.panics.codes); diff != "" {
		t.Errorf("panics diff (-want +got):\n%s", diff)
	}
	if len(r.rx.msgs) != 0 || r.dsp.acks != 0 {
		t.Errorf("panic dispatched (%d) or acknowledged (%d)", len(r.rx.msgs), r.dsp.acks)
	}
	if _, err := r.d.Call(ctx, []byte{1}, 0); !errors.Is(err, ipc.ErrPanicked) {
		t.Errorf("Call after panic = %v, want ErrPanicked", err)
	}

	// A suspend/resume cycle reboots the core and recovers the session.
	if err := r.d.Suspend(ctx); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if err := r.d.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	r.dsp.setReply(&reply{hdr: ipc.ReplyHeader{}})
	if _, err := r.d.Call(ctx, []byte{1}, 0); err != nil {
		t.Errorf("Call after recovery: %v", err)
	}
}

func TestDSPNotification(t *testing.T) {
	r := newRig(t, nil)
	r.running(t)

	r.dsp.post(0, []byte("xrun!!!!"))
	if diff := cmp.Diff([][]byte{[]byte("xrun!!!!")}, r.rx.msgs); diff != "" {
		t.Errorf("dispatched diff (-want +got):\n%s", diff)
	}
	if r.dsp.acks != 1 {
		t.Errorf("acks = %d, want 1", r.dsp.acks)
	}
	if got := testutil.ToFloat64(r.metrics.NotificationsTotal); got != 1 {
		t.Errorf("notifications = %v, want 1", got)
	}
}

func TestRemove(t *testing.T) {
	r := newRig(t, nil)
	r.running(t)
	ctx := context.Background()

	if err := r.d.Remove(ctx); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if diff := cmp.Diff([]string{"detach", "shutdown", "clock-off"}, r.j.take()); diff != "" {
		t.Errorf("remove steps diff (-want +got):\n%s", diff)
	}
	if got := r.d.State(); got != power.Off {
		t.Errorf("state = %s, want off", got)
	}
	if _, err := r.d.Call(ctx, []byte{1}, 0); !errors.Is(err, ErrNotProbed) {
		t.Errorf("Call after Remove = %v, want ErrNotProbed", err)
	}
	if err := r.d.Remove(ctx); !errors.Is(err, ErrNotProbed) {
		t.Errorf("second Remove = %v, want ErrNotProbed", err)
	}
}

func TestRemoveIsBestEffort(t *testing.T) {
	r := newRig(t, nil)
	r.running(t)
	r.j.fail["detach"] = true
	r.j.fail["shutdown"] = true

	err := r.d.Remove(context.Background())
	if !errors.Is(err, errHW) {
		t.Errorf("Remove = %v, want hardware errors", err)
	}
	if diff := cmp.Diff([]string{"detach", "shutdown", "clock-off"}, r.j.take()); diff != "" {
		t.Errorf("remove steps diff (-want +got):\n%s", diff)
	}
	if got := r.busReg(t, mt8186SRAMPoolCon); got&mt8186SRAMPoolPD != mt8186SRAMPoolPD {
		t.Errorf("sram pool = %#x, want powered down", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	for _, tc := range []struct {
		desc string
		edit func(*Options)
	}{
		{desc: "source", edit: func(o *Options) { o.Source = nil }},
		{desc: "mapper", edit: func(o *Options) { o.Mapper = nil }},
		{desc: "clock", edit: func(o *Options) { o.Clock = nil }},
		{desc: "companion", edit: func(o *Options) { o.Companion = nil }},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			opts := Options{
				Source:    testTable(),
				Mapper:    &mmio.Heap{},
				Clock:     power.StaticClock{},
				Companion: &fakeDSP{},
			}
			tc.edit(&opts)
			if _, err := New(opts); !errors.Is(err, ErrConfig) {
				t.Errorf("New = %v, want ErrConfig", err)
			}
		})
	}
}
