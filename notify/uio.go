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

package notify

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rich1111/adsp/ipc"
	"github.com/rich1111/adsp/mmio"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Mailbox registers.
const (
	mboxSetIn  = 0x00 // host to DSP command
	mboxSetOut = 0x04 // DSP to host command
	mboxClrIn  = 0x08
	mboxClrOut = 0x0c

	mboxRegSize = 0x100
)

// Mailbox commands.
const (
	opReq = 1
	opRsp = 2
)

// Mailbox indices. The reply to a host request arrives on the REQ
// mailbox; DSP requests arrive and are acknowledged on the RSP mailbox.
const (
	mboxReq = iota
	mboxRsp
	numMbox
)

const (
	waitTimeout = 2 * time.Second
)

// irqEnable is written to a UIO device to unmask its interrupt.
var irqEnable = []byte{1, 0, 0, 0}

// UIO attaches the two mailbox devices exported through the Linux UIO
// framework. Each device maps the mailbox registers as map0 and signals
// the interrupt through read(2).
type UIO struct {
	// Devices are the REQ and RSP mailbox nodes, e.g. /dev/uio0.
	Devices [numMbox]string
}

// Attach opens both mailboxes and starts delivering interrupts.
func (u UIO) Attach(ctx context.Context, h Handlers) (Companion, error) {
	var boxes [numMbox]*mailbox
	release := func() {
		for _, b := range boxes {
			if b != nil {
				b.close()
			}
		}
	}
	for i, name := range u.Devices {
		irq, err := waitForPermission(ctx, name)
		if err != nil {
			release()
			if os.IsNotExist(err) || os.IsPermission(err) {
				return nil, fmt.Errorf("%w: %v", ErrNotReady, err)
			}
			return nil, err
		}
		regs, err := mmio.DevMem{Path: name}.Map(0, mboxRegSize)
		if err != nil {
			irq.Close()
			release()
			return nil, err
		}
		boxes[i] = &mailbox{name: name, regs: regs, irq: irq}
	}
	return start(boxes, h)
}

// mailbox is one mailbox register block and its interrupt.
type mailbox struct {
	name string
	regs *mmio.Region
	irq  io.ReadWriteCloser
}

func (m *mailbox) close() error {
	return errors.Join(m.irq.Close(), m.regs.Close())
}

// serve waits for interrupts, acknowledges the DSP command, runs fn and
// unmasks the interrupt again. It returns nil once the device is closed.
func (m *mailbox) serve(fn func()) error {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(m.irq, buf[:]); err != nil {
			if closed(err) {
				return nil
			}
			return fmt.Errorf("%s: %w", m.name, err)
		}
		op := m.regs.Read32(mboxSetOut)
		m.regs.Write32(mboxClrOut, op)
		klog.V(4).InfoS("Mailbox interrupt", "mailbox", m.name, "count", binary.NativeEndian.Uint32(buf[:]), "op", op)
		if fn != nil {
			fn()
		}
		if _, err := m.irq.Write(irqEnable); err != nil {
			if closed(err) {
				return nil
			}
			return fmt.Errorf("%s: unmask interrupt: %w", m.name, err)
		}
	}
}

func closed(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

type companion struct {
	mu       sync.Mutex
	boxes    [numMbox]*mailbox
	detached bool
	g        errgroup.Group
}

// start unmasks both interrupts and runs a reader per mailbox.
func start(boxes [numMbox]*mailbox, h Handlers) (*companion, error) {
	c := &companion{boxes: boxes}
	handlers := [numMbox]func(){h.OnReply, h.OnRequest}
	for i, b := range boxes {
		if _, err := b.irq.Write(irqEnable); err != nil {
			c.release()
			return nil, fmt.Errorf("%s: unmask interrupt: %w", b.name, err)
		}
		fn := handlers[i]
		b := b
		c.g.Go(func() error {
			return b.serve(fn)
		})
	}
	return c, nil
}

// Send rings the doorbell for ch.
func (c *companion) Send(ch ipc.Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return ErrDetached
	}
	switch ch {
	case ipc.REQ:
		c.boxes[mboxReq].regs.Write32(mboxSetIn, opReq)
	case ipc.RSP:
		c.boxes[mboxRsp].regs.Write32(mboxSetIn, opRsp)
	default:
		return fmt.Errorf("no mailbox for channel %s", ch)
	}
	return nil
}

func (c *companion) Detach() error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return nil
	}
	c.detached = true
	c.mu.Unlock()
	return c.release()
}

// release stops the readers and then unmaps the registers they use.
func (c *companion) release() error {
	var errs []error
	for _, b := range c.boxes {
		errs = append(errs, b.irq.Close())
	}
	// Handlers may still be ringing doorbells until the readers exit.
	errs = append(errs, c.g.Wait())
	for _, b := range c.boxes {
		errs = append(errs, b.regs.Close())
	}
	return errors.Join(errs...)
}

// After the UIO device is created, there is a short time before the
// permissions get set correctly, so wait for the device to become writable.
func waitForPermission(ctx context.Context, name string) (*os.File, error) {
	sl := time.Millisecond
	for tout := time.Duration(0); ; tout += sl {
		f, err := os.OpenFile(name, os.O_RDWR, 0)
		if err == nil || !os.IsPermission(err) || tout >= waitTimeout {
			return f, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sl):
		}
	}
}
