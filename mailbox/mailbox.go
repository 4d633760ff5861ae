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

// Package mailbox provides raw byte transfer through the fixed mailbox
// windows shared between the host and the DSP firmware.
//
// The transport does no framing and no integrity checking; message
// boundaries are the concern of the IPC layer above it.
package mailbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Order is the byte order of all mailbox contents.
var Order = binary.LittleEndian

// ErrOutOfRange is returned for accesses outside a window.
var ErrOutOfRange = errors.New("mailbox access out of range")

// Role tags the purpose of a window.
type Role int

const (
	HostBox  Role = iota // host requests out, replies in
	DebugBox             // firmware debug and panic state
	DSPBox               // DSP initiated messages and stream data
)

var roleNames = map[Role]string{
	HostBox:  "hostbox",
	DebugBox: "debugbox",
	DSPBox:   "dspbox",
}

func (r Role) String() string {
	if s, ok := roleNames[r]; ok {
		return s
	}
	return fmt.Sprintf("role%d", int(r))
}

// MarshalText encodes the role name, for profile files.
func (r Role) MarshalText() ([]byte, error) {
	s, ok := roleNames[r]
	if !ok {
		return nil, fmt.Errorf("unknown mailbox role %d", int(r))
	}
	return []byte(s), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(b []byte) error {
	for k, v := range roleNames {
		if v == string(b) {
			*r = k
			return nil
		}
	}
	return fmt.Errorf("unknown mailbox role %q", b)
}

// Box describes a window relative to the base of the memory window
// with the given ID.
type Box struct {
	Role   Role   `json:"role"`
	Window uint32 `json:"window"`
	Offset uint32 `json:"offset"`
	Size   uint32 `json:"size"`
}

// Layout is the static mailbox layout of one hardware generation.
// Window bases are a table so that generations with several memory
// windows differ only in data.
type Layout struct {
	// Offset of the DSP box used for the firmware ready message.
	Mailbox uint32 `json:"mailbox"`
	// Windows maps a firmware window ID to its offset in the mailbox
	// memory.
	Windows map[uint32]uint32 `json:"windows"`
	Boxes   []Box             `json:"boxes"`
}

// MailboxOffset returns the offset of the default DSP box.
func (l *Layout) MailboxOffset() uint32 {
	return l.Mailbox
}

// WindowOffset returns the offset of the memory window id.
func (l *Layout) WindowOffset(id uint32) (uint32, error) {
	off, ok := l.Windows[id]
	if !ok {
		return 0, fmt.Errorf("no mailbox window %d", id)
	}
	return off, nil
}

// Window is a resolved mailbox window: an absolute byte range in the
// mailbox memory.
type Window struct {
	Role   Role
	Offset uint32
	Size   uint32
}

func (w Window) String() string {
	return fmt.Sprintf("%s[%#x+%#x]", w.Role, w.Offset, w.Size)
}

// Resolve computes the absolute windows of every box. Each role must
// appear exactly once and boxes must not overlap.
func (l *Layout) Resolve() (map[Role]Window, error) {
	ws := make(map[Role]Window)
	for _, b := range l.Boxes {
		base, err := l.WindowOffset(b.Window)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Role, err)
		}
		if _, dup := ws[b.Role]; dup {
			return nil, fmt.Errorf("%s defined twice", b.Role)
		}
		if b.Size == 0 {
			return nil, fmt.Errorf("%s has zero size", b.Role)
		}
		ws[b.Role] = Window{Role: b.Role, Offset: base + b.Offset, Size: b.Size}
	}
	for r := range roleNames {
		if _, ok := ws[r]; !ok {
			return nil, fmt.Errorf("layout has no %s", r)
		}
	}
	sorted := make([]Window, 0, len(ws))
	for _, w := range ws {
		sorted = append(sorted, w)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i := 1; i < len(sorted); i++ {
		prev := sorted[i-1]
		if uint64(prev.Offset)+uint64(prev.Size) > uint64(sorted[i].Offset) {
			return nil, fmt.Errorf("%s overlaps %s", prev, sorted[i])
		}
	}
	return ws, nil
}

// Transport reads and writes the mailbox windows of one device. It
// holds no lock; callers serialise access.
type Transport struct {
	mem     []byte
	windows map[Role]Window
}

// NewTransport binds the layout to the mailbox memory.
func NewTransport(mem []byte, l *Layout) (*Transport, error) {
	ws, err := l.Resolve()
	if err != nil {
		return nil, err
	}
	for _, w := range ws {
		if uint64(w.Offset)+uint64(w.Size) > uint64(len(mem)) {
			return nil, fmt.Errorf("%s outside mailbox memory of %#x bytes", w, len(mem))
		}
	}
	return &Transport{mem: mem, windows: ws}, nil
}

// Window returns the resolved window for a role.
func (t *Transport) Window(r Role) Window {
	return t.windows[r]
}

func (t *Transport) span(r Role, off uint32, n int) ([]byte, error) {
	w, ok := t.windows[r]
	if !ok {
		return nil, fmt.Errorf("%w: no %s", ErrOutOfRange, r)
	}
	if uint64(off)+uint64(n) > uint64(w.Size) {
		return nil, fmt.Errorf("%w: %d bytes at %#x in %s", ErrOutOfRange, n, off, w)
	}
	start := w.Offset + off
	return t.mem[start : start+uint32(n)], nil
}

// Write copies data into the window at byte offset off.
func (t *Transport) Write(r Role, off uint32, data []byte) error {
	b, err := t.span(r, off, len(data))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Read fills buf from the window at byte offset off.
func (t *Transport) Read(r Role, off uint32, buf []byte) error {
	b, err := t.span(r, off, len(buf))
	if err != nil {
		return err
	}
	copy(buf, b)
	return nil
}

// ReadUint32 reads a little endian word from the window.
func (t *Transport) ReadUint32(r Role, off uint32) (uint32, error) {
	var b [4]byte
	if err := t.Read(r, off, b[:]); err != nil {
		return 0, err
	}
	return Order.Uint32(b[:]), nil
}

// WriteUint32 writes a little endian word to the window.
func (t *Transport) WriteUint32(r Role, off uint32, v uint32) error {
	var b [4]byte
	Order.PutUint32(b[:], v)
	return t.Write(r, off, b[:])
}
