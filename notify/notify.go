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

// Package notify delivers the DSP mailbox interrupts to the host and
// rings the doorbells in the other direction.
package notify

import (
	"context"
	"errors"

	"github.com/rich1111/adsp/ipc"
)

// ErrNotReady is returned by Attach while the companion mailbox device
// has not been created yet. Callers may retry.
var ErrNotReady = errors.New("companion ipc device not ready")

// ErrDetached is returned by Send after Detach.
var ErrDetached = errors.New("companion ipc device detached")

// Handlers are invoked for each interrupt. Each interrupt source runs on
// its own goroutine, so the two handlers may run concurrently.
type Handlers struct {
	// OnReply runs when the DSP has replied to a host request.
	OnReply func()
	// OnRequest runs when the DSP has posted a message of its own.
	OnRequest func()
}

// Companion is an attached mailbox device.
type Companion interface {
	ipc.Doorbell
	// Detach stops interrupt delivery and releases the device. It
	// waits for running handlers, so it must not be called from one.
	Detach() error
}

// Provider attaches the companion mailbox device of a DSP.
type Provider interface {
	Attach(ctx context.Context, h Handlers) (Companion, error)
}
