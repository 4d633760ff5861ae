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

// Package power sequences the DSP clock, SRAM power gate and core boot.
package power

import (
	"errors"
	"fmt"

	"github.com/rich1111/adsp/metrics"
	"github.com/rich1111/adsp/mmio"
	"k8s.io/klog/v2"
)

// State is the power state of the DSP.
type State int

const (
	Off State = iota
	ClockEnabled
	SramPowered
	Running
	Suspended
)

var stateNames = [...]string{"off", "clock-enabled", "sram-powered", "running", "suspended"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state%d", int(s))
	}
	return stateNames[s]
}

var (
	// ErrSequence wraps a failed clock or core step.
	ErrSequence = errors.New("power sequence failed")
	// ErrState is returned for a transition not allowed from the
	// current state.
	ErrState = errors.New("invalid power transition")
)

// Clock is the DSP clock control.
type Clock interface {
	// Init performs one time clock setup.
	Init() error
	On() error
	Off() error
}

// Core is the vendor boot handshake of the DSP core.
type Core interface {
	Boot(addr uint32) error
	Shutdown() error
}

// SRAMGate locates the SRAM pool power-down bits in the bus window.
type SRAMGate struct {
	Reg  uint32
	Mask uint32
}

// Sequencer drives the power state machine of one device. It is not
// safe for concurrent use; the owner serialises calls with its mailbox
// traffic.
type Sequencer struct {
	clock   Clock
	core    Core
	regs    mmio.Registers
	gate    SRAMGate
	metrics *metrics.Metrics

	state     State
	clockInit bool
}

func NewSequencer(clock Clock, core Core, regs mmio.Registers, gate SRAMGate, m *metrics.Metrics) *Sequencer {
	return &Sequencer{
		clock:   clock,
		core:    core,
		regs:    regs,
		gate:    gate,
		metrics: m,
	}
}

// State returns the current power state.
func (s *Sequencer) State() State {
	return s.state
}

func (s *Sequencer) enter(st State) {
	klog.V(2).InfoS("DSP power transition", "from", s.state, "to", st)
	s.state = st
	s.metrics.PowerTransition(st.String())
}

func (s *Sequencer) sramOn() {
	mmio.UpdateBits(s.regs, mmio.BarBus, s.gate.Reg, s.gate.Mask, 0)
}

func (s *Sequencer) sramOff() {
	mmio.UpdateBits(s.regs, mmio.BarBus, s.gate.Reg, s.gate.Mask, s.gate.Mask)
}

// Up enables the clock and powers the SRAM, moving from Off (or
// Suspended) to SramPowered. The one time clock initialisation runs only
// if initClock is set and it has not run before. On failure the state
// is unchanged and nothing is left enabled.
func (s *Sequencer) Up(initClock bool) error {
	if s.state != Off && s.state != Suspended {
		return fmt.Errorf("%w: up from %s", ErrState, s.state)
	}
	if initClock && !s.clockInit {
		if err := s.clock.Init(); err != nil {
			return fmt.Errorf("%w: clock init: %w", ErrSequence, err)
		}
		s.clockInit = true
	}
	if err := s.clock.On(); err != nil {
		return fmt.Errorf("%w: clock on: %w", ErrSequence, err)
	}
	s.enter(ClockEnabled)
	s.sramOn()
	s.enter(SramPowered)
	return nil
}

// Boot runs the core boot handshake at addr, moving from SramPowered to
// Running. A failed handshake leaves the state at SramPowered.
func (s *Sequencer) Boot(addr uint32) error {
	if s.state != SramPowered {
		return fmt.Errorf("%w: boot from %s", ErrState, s.state)
	}
	klog.V(2).InfoS("Booting DSP core", "addr", fmt.Sprintf("%#08x", addr))
	if err := s.core.Boot(addr); err != nil {
		return fmt.Errorf("%w: boot: %w", ErrSequence, err)
	}
	s.enter(Running)
	return nil
}

// Down unwinds whatever has been brought up: core shutdown if Running,
// SRAM power-down if powered, clock off if enabled. Every step runs even
// if an earlier one fails; the state always ends at Off.
func (s *Sequencer) Down() error {
	var errs []error
	if s.state == Running {
		if err := s.core.Shutdown(); err != nil {
			klog.ErrorS(err, "DSP core shutdown failed")
			errs = append(errs, fmt.Errorf("%w: shutdown: %w", ErrSequence, err))
		}
	}
	if s.state == Running || s.state == SramPowered {
		s.sramOff()
	}
	if s.state == Running || s.state == SramPowered || s.state == ClockEnabled {
		if err := s.clock.Off(); err != nil {
			klog.ErrorS(err, "DSP clock off failed")
			errs = append(errs, fmt.Errorf("%w: clock off: %w", ErrSequence, err))
		}
	}
	if s.state != Off {
		s.enter(Off)
	}
	return errors.Join(errs...)
}

// Suspend powers the DSP down best effort and marks it Suspended.
func (s *Sequencer) Suspend() error {
	err := s.Down()
	s.enter(Suspended)
	return err
}

// Resume brings a suspended DSP back to Running without repeating the
// one time clock initialisation. If the boot handshake fails, power is
// taken back down.
func (s *Sequencer) Resume(addr uint32) error {
	if s.state != Suspended {
		return fmt.Errorf("%w: resume from %s", ErrState, s.state)
	}
	if err := s.Up(false); err != nil {
		return err
	}
	if err := s.Boot(addr); err != nil {
		if derr := s.Down(); derr != nil {
			klog.ErrorS(derr, "Power down after failed resume")
		}
		s.state = Suspended
		return err
	}
	return nil
}
