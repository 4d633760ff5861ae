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

// Package ipc implements the host side of the DSP mailbox protocol: one
// outstanding host request at a time, reply matching, DSP initiated
// messages and firmware panic detection.
package ipc

import (
	"errors"
	"fmt"

	"github.com/rich1111/adsp/mailbox"
)

// Channel selects the doorbell to ring.
type Channel int

const (
	// REQ announces a host request in the host box.
	REQ Channel = iota
	// RSP acknowledges that a DSP initiated message was consumed.
	RSP
)

func (c Channel) String() string {
	switch c {
	case REQ:
		return "REQ"
	case RSP:
		return "RSP"
	}
	return fmt.Sprintf("channel%d", int(c))
}

// Doorbell signals the DSP out of band.
type Doorbell interface {
	Send(ch Channel) error
}

// PanicReporter receives firmware panics. probe reports whether the DSP
// can still be inspected for diagnostic state.
type PanicReporter interface {
	Report(code uint32, probe bool)
}

// Dispatcher consumes a DSP initiated message. The inbox is only valid
// for the duration of the call.
type Dispatcher interface {
	Dispatch(in *Inbox)
}

// Firmware panic signature in the debug box.
const (
	PanicMagic      = 0x0dead000
	PanicMagicMask  = 0x0ffff000
	PanicWordOffset = 4
)

// IsPanic reports whether a debug box word carries the panic signature.
func IsPanic(code uint32) bool {
	return code&PanicMagicMask == PanicMagic
}

// ReplyHeaderSize is the encoded size of ReplyHeader.
const ReplyHeaderSize = 12

// ReplyHeader starts every reply in the host box. The reply body follows
// it immediately.
type ReplyHeader struct {
	Size  uint32 // size of the reply body
	Cmd   uint32
	Error int32 // negative on failure
}

// ParseReplyHeader decodes a header from b.
func ParseReplyHeader(b []byte) (ReplyHeader, error) {
	if len(b) < ReplyHeaderSize {
		return ReplyHeader{}, fmt.Errorf("reply header needs %d bytes, have %d", ReplyHeaderSize, len(b))
	}
	return ReplyHeader{
		Size:  mailbox.Order.Uint32(b[0:]),
		Cmd:   mailbox.Order.Uint32(b[4:]),
		Error: int32(mailbox.Order.Uint32(b[8:])),
	}, nil
}

// Marshal encodes the header.
func (h ReplyHeader) Marshal() []byte {
	b := make([]byte, ReplyHeaderSize)
	mailbox.Order.PutUint32(b[0:], h.Size)
	mailbox.Order.PutUint32(b[4:], h.Cmd)
	mailbox.Order.PutUint32(b[8:], uint32(h.Error))
	return b
}

var (
	// ErrBusy is returned by Send while another request is pending.
	ErrBusy = errors.New("ipc request already pending")
	// ErrPanicked completes requests superseded by a firmware panic, and
	// rejects new ones until the session is recovered.
	ErrPanicked = errors.New("dsp firmware panicked")
	// ErrReplySize is a reply whose size differs from the expected size.
	ErrReplySize = errors.New("ipc reply size mismatch")
	// ErrTimeout completes a request the DSP did not answer in time.
	ErrTimeout = errors.New("ipc reply timed out")
	// ErrAborted completes a request cancelled for a power transition.
	ErrAborted = errors.New("ipc request aborted")
	// ErrNoDoorbell is returned by Send before a doorbell is bound.
	ErrNoDoorbell = errors.New("ipc doorbell not bound")
)

// ReplyError is a failure reported by the DSP in the reply header.
type ReplyError struct {
	Header ReplyHeader
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("dsp replied with error %d to cmd %#x", e.Header.Error, e.Header.Cmd)
}

// Code returns the DSP error code.
func (e *ReplyError) Code() int32 {
	return e.Header.Error
}
