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

package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rich1111/adsp/mailbox"
	"github.com/rich1111/adsp/metrics"
	"k8s.io/klog/v2"
)

// DefaultTimeout is the reply timeout used when Options.Timeout is zero.
const DefaultTimeout = 500 * time.Millisecond

var errNotSent = errors.New("ipc request was never sent")

// State is the protocol state of a session.
type State int

const (
	Idle            State = iota // no message in flight
	RequestSent                  // host request written, doorbell being rung
	AwaitingReply                // host request announced to the DSP
	RequestReceived              // DSP message being dispatched
	ResponseSent                 // DSP message acknowledged
	PanicDetected                // firmware panicked; Send fails until Recover
)

var stateNames = [...]string{"idle", "request-sent", "awaiting-reply", "request-received", "response-sent", "panic-detected"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state%d", int(s))
	}
	return stateNames[s]
}

// Request is one host initiated message and its reply.
type Request struct {
	payload []byte
	reply   []byte
	sent    bool
	done    chan struct{}
	err     error
	timer   *time.Timer
}

// NewRequest creates a request carrying payload and expecting a reply
// body of exactly replySize bytes.
func NewRequest(payload []byte, replySize int) *Request {
	return &Request{
		payload: payload,
		reply:   make([]byte, replySize),
		done:    make(chan struct{}),
	}
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Err returns the completion result. It is only meaningful once Done is
// closed.
func (r *Request) Err() error {
	return r.err
}

// Reply returns the reply buffer. After a DSP error it holds the raw
// reply header.
func (r *Request) Reply() []byte {
	return r.reply
}

// Inbox gives a Dispatcher access to the DSP box while a DSP initiated
// message is being handled.
type Inbox struct {
	tr    *mailbox.Transport
	valid bool
}

// Read copies len(buf) bytes from offset off of the DSP box.
func (in *Inbox) Read(off uint32, buf []byte) error {
	if !in.valid {
		return errors.New("inbox read outside dispatch")
	}
	return in.tr.Read(mailbox.DSPBox, off, buf)
}

// Options configures a Session.
type Options struct {
	// Timeout bounds each reply, counted from Send. Zero means
	// DefaultTimeout, negative means wait forever.
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// Session is the IPC state machine of one device. One mutex guards the
// pending request, the protocol state and every mailbox access; reply
// and request handlers may be called concurrently from any goroutine.
//
// The doorbell, panic reporter and dispatcher are called with the lock
// held and must not call back into the session.
type Session struct {
	mu      sync.Mutex
	tr      *mailbox.Transport
	bell    Doorbell
	panics  PanicReporter
	rx      Dispatcher
	timeout time.Duration
	metrics *metrics.Metrics

	state     State
	rxState   State
	pending   *Request
	panicCode uint32
}

func NewSession(tr *mailbox.Transport, panics PanicReporter, rx Dispatcher, opts Options) *Session {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Session{
		tr:      tr,
		panics:  panics,
		rx:      rx,
		timeout: timeout,
		metrics: opts.Metrics,
	}
}

// Bind installs the doorbell used to signal the DSP. A nil doorbell
// unbinds it.
func (s *Session) Bind(b Doorbell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bell = b
}

// State returns the host channel state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending reports whether a host request is outstanding.
func (s *Session) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// PanicCode returns the last firmware panic code, if the session is in
// PanicDetected.
func (s *Session) PanicCode() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.panicCode, s.state == PanicDetected
}

// Send writes the request into the host box and rings the REQ doorbell.
// It does not wait for the reply, but starts the reply timeout: if the
// DSP does not answer in time the request completes with ErrTimeout and
// the slot is released, whether or not anyone waits. It fails without
// touching the mailbox if a request is already pending or the firmware
// has panicked.
func (s *Session) Send(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.state == PanicDetected:
		return ErrPanicked
	case s.pending != nil:
		return ErrBusy
	case req.sent:
		return errors.New("ipc request already sent")
	case s.bell == nil:
		return ErrNoDoorbell
	}
	box := s.tr.Window(mailbox.HostBox)
	if len(req.reply)+ReplyHeaderSize > int(box.Size) {
		return fmt.Errorf("%w: reply of %d bytes does not fit %s", mailbox.ErrOutOfRange, len(req.reply), box)
	}
	if err := s.tr.Write(mailbox.HostBox, 0, req.payload); err != nil {
		return err
	}
	req.sent = true
	s.pending = req
	s.state = RequestSent
	if err := s.bell.Send(REQ); err != nil {
		s.complete(req, fmt.Errorf("ring %s doorbell: %w", REQ, err))
		return req.err
	}
	s.state = AwaitingReply
	if s.timeout > 0 {
		timeout := s.timeout
		req.timer = time.AfterFunc(timeout, func() {
			s.expire(req, fmt.Errorf("%w after %s", ErrTimeout, timeout))
		})
	}
	s.metrics.RequestSent()
	klog.V(3).InfoS("IPC request sent", "size", len(req.payload), "replySize", len(req.reply))
	return nil
}

// Wait blocks until req completes. A request the DSP does not answer
// within the session timeout completes with ErrTimeout; if ctx ends
// first it completes with ErrAborted. Either way the slot is released.
func (s *Session) Wait(ctx context.Context, req *Request) error {
	s.mu.Lock()
	sent := req.sent
	s.mu.Unlock()
	if !sent {
		return errNotSent
	}
	select {
	case <-req.done:
	case <-ctx.Done():
		s.expire(req, fmt.Errorf("%w: %w", ErrAborted, ctx.Err()))
	}
	<-req.done
	return req.err
}

// Call sends payload and waits for a reply body of replySize bytes.
func (s *Session) Call(ctx context.Context, payload []byte, replySize int) ([]byte, error) {
	req := NewRequest(payload, replySize)
	if err := s.Send(req); err != nil {
		return nil, err
	}
	if err := s.Wait(ctx, req); err != nil {
		return req.Reply(), err
	}
	return req.Reply(), nil
}

// expire completes req with err if it is still the pending request.
func (s *Session) expire(req *Request, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != req {
		return
	}
	klog.Warningf("IPC request abandoned: %v", err)
	s.complete(req, err)
}

// complete resolves req and frees the pending slot. Called with the
// lock held.
func (s *Session) complete(req *Request, err error) {
	if req.timer != nil {
		req.timer.Stop()
	}
	req.err = err
	close(req.done)
	s.pending = nil
	if s.state != PanicDetected {
		s.state = Idle
	}
	s.metrics.Completed(outcome(err))
}

func outcome(err error) string {
	var re *ReplyError
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.As(err, &re):
		return metrics.OutcomeDSPError
	case errors.Is(err, ErrReplySize):
		return metrics.OutcomeSize
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrPanicked):
		return metrics.OutcomePanic
	}
	return metrics.OutcomeAborted
}

// HandleReply is called when the DSP signals that a reply is in the host
// box. A reply always completes the pending request, whatever its
// content. With nothing pending the interrupt is logged and ignored.
func (s *Session) HandleReply() {
	s.mu.Lock()
	defer s.mu.Unlock()
	req := s.pending
	if req == nil {
		klog.Warning("Unexpected IPC reply interrupt")
		s.metrics.UnexpectedReply()
		return
	}
	s.complete(req, s.readReply(req))
}

func (s *Session) readReply(req *Request) error {
	var hb [ReplyHeaderSize]byte
	if err := s.tr.Read(mailbox.HostBox, 0, hb[:]); err != nil {
		return err
	}
	hdr, err := ParseReplyHeader(hb[:])
	if err != nil {
		return err
	}
	if hdr.Error < 0 {
		copy(req.reply, hb[:])
		return &ReplyError{Header: hdr}
	}
	if int(hdr.Size) != len(req.reply) {
		klog.Errorf("IPC reply expected %d bytes, got %d", len(req.reply), hdr.Size)
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrReplySize, len(req.reply), hdr.Size)
	}
	if len(req.reply) == 0 {
		return nil
	}
	return s.tr.Read(mailbox.HostBox, ReplyHeaderSize, req.reply)
}

// HandleRequest is called when the DSP signals a message of its own.
// The debug box word distinguishes a firmware panic from an ordinary
// message; ordinary messages are dispatched and acknowledged with RSP.
func (s *Session) HandleRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, err := s.tr.ReadUint32(mailbox.DebugBox, PanicWordOffset)
	if err != nil {
		klog.ErrorS(err, "Reading DSP debug box")
		return
	}
	if IsPanic(code) {
		s.firmwarePanic(code)
		return
	}

	s.rxEnter(RequestReceived)
	if s.rx != nil {
		in := &Inbox{tr: s.tr, valid: true}
		s.rx.Dispatch(in)
		in.valid = false
	}
	s.metrics.Notified()
	switch {
	case s.bell == nil:
		klog.Error("DSP request consumed with no doorbell bound")
	default:
		if err := s.bell.Send(RSP); err != nil {
			// The DSP times the acknowledgement out on its side.
			klog.ErrorS(err, "Sending IPC response failed")
		}
	}
	s.rxEnter(ResponseSent)
	s.rxEnter(Idle)
}

func (s *Session) rxEnter(st State) {
	klog.V(4).InfoS("DSP request channel", "from", s.rxState, "to", st)
	s.rxState = st
}

// firmwarePanic moves to PanicDetected, fails any pending request and
// reports the code. Called with the lock held.
func (s *Session) firmwarePanic(code uint32) {
	klog.ErrorS(nil, "DSP firmware panic", "code", fmt.Sprintf("%#08x", code))
	s.state = PanicDetected
	s.panicCode = code
	s.metrics.Panicked()
	if req := s.pending; req != nil {
		s.complete(req, fmt.Errorf("%w: code %#08x", ErrPanicked, code))
	}
	if s.panics != nil {
		s.panics.Report(code, true)
	}
}

// Recover leaves PanicDetected once the DSP has been reset.
func (s *Session) Recover() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PanicDetected {
		return
	}
	klog.InfoS("IPC session recovered from firmware panic", "code", fmt.Sprintf("%#08x", s.panicCode))
	s.state = Idle
	s.panicCode = 0
}

// ReadStreamData copies the head of the DSP box into buf.
func (s *Session) ReadStreamData(buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr.Read(mailbox.DSPBox, 0, buf)
}

// Drain waits for the pending request to complete. If ctx ends first the
// request is aborted with ErrAborted, and an error wrapping ErrAborted
// is returned; the slot is free either way.
func (s *Session) Drain(ctx context.Context) error {
	var aborted error
	for {
		s.mu.Lock()
		req := s.pending
		s.mu.Unlock()
		if req == nil {
			return aborted
		}
		select {
		case <-req.done:
		case <-ctx.Done():
			err := fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
			s.expire(req, err)
			aborted = err
		}
	}
}

// Quiesce drains the session and runs fn with the lock held and no
// request pending, so fn cannot race with mailbox traffic.
func (s *Session) Quiesce(ctx context.Context, fn func() error) error {
	for {
		if err := s.Drain(ctx); err != nil {
			klog.Warningf("Quiesce: %v", err)
		}
		s.mu.Lock()
		if s.pending == nil {
			defer s.mu.Unlock()
			return fn()
		}
		s.mu.Unlock()
	}
}
