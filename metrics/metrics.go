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

// Package metrics holds the Prometheus collectors for DSP IPC and power
// events. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reply outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeDSPError = "dsp_error"
	OutcomeSize     = "size_mismatch"
	OutcomeTimeout  = "timeout"
	OutcomeAborted  = "aborted"
	OutcomePanic    = "panic"
)

type Metrics struct {
	RequestsTotal          prometheus.Counter
	RepliesTotal           *prometheus.CounterVec
	NotificationsTotal     prometheus.Counter
	PanicsTotal            prometheus.Counter
	UnexpectedRepliesTotal prometheus.Counter
	PowerTransitionsTotal  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg, if non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adsp_ipc_requests_total",
				Help: "Number of host requests sent to the DSP",
			},
		),
		RepliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adsp_ipc_replies_total",
				Help: "Number of completed host requests by outcome",
			},
			[]string{"outcome"},
		),
		NotificationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adsp_ipc_notifications_total",
				Help: "Number of DSP initiated messages dispatched",
			},
		),
		PanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adsp_firmware_panics_total",
				Help: "Number of firmware panics reported by the DSP",
			},
		),
		UnexpectedRepliesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adsp_ipc_unexpected_replies_total",
				Help: "Number of reply interrupts with no request pending",
			},
		),
		PowerTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adsp_power_transitions_total",
				Help: "Number of power state transitions by destination state",
			},
			[]string{"state"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.RepliesTotal,
			m.NotificationsTotal,
			m.PanicsTotal,
			m.UnexpectedRepliesTotal,
			m.PowerTransitionsTotal,
		)
	}
	return m
}

func (m *Metrics) RequestSent() {
	if m != nil {
		m.RequestsTotal.Inc()
	}
}

func (m *Metrics) Completed(outcome string) {
	if m != nil {
		m.RepliesTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Notified() {
	if m != nil {
		m.NotificationsTotal.Inc()
	}
}

func (m *Metrics) Panicked() {
	if m != nil {
		m.PanicsTotal.Inc()
	}
}

func (m *Metrics) UnexpectedReply() {
	if m != nil {
		m.UnexpectedRepliesTotal.Inc()
	}
}

func (m *Metrics) PowerTransition(state string) {
	if m != nil {
		m.PowerTransitionsTotal.WithLabelValues(state).Inc()
	}
}
