// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package telemetry counts what the supervisor observed during a run
package telemetry

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "egress_sandbox"

// Stats holds the counters of a single supervised run
type Stats struct {
	registry *prometheus.Registry

	syscalls     prometheus.Counter
	decisions    *prometheus.CounterVec
	decodeErrors prometheus.Counter
	tasks        prometheus.Counter
	signals      *prometheus.CounterVec
}

// NewStats returns counters registered in a private registry
func NewStats() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		syscalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "syscall_entries_total",
			Help:      "Syscall entry stops observed.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_decisions_total",
			Help:      "Policy decisions taken on connect attempts.",
		}, []string{"verdict", "family"}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Socket addresses that could not be read from the traced process.",
		}),
		tasks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traced_tasks_total",
			Help:      "Processes and threads attached during the run.",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_signals_total",
			Help:      "Signals re-injected into traced tasks.",
		}, []string{"signal"}),
	}

	s.registry.MustRegister(s.syscalls, s.decisions, s.decodeErrors, s.tasks, s.signals)
	return s
}

// SyscallEntry counts a syscall entry stop
func (s *Stats) SyscallEntry() {
	s.syscalls.Inc()
}

// Decision counts a policy decision on a connect attempt
func (s *Stats) Decision(verdict, family string) {
	s.decisions.WithLabelValues(verdict, family).Inc()
}

// DecodeError counts an unreadable socket address
func (s *Stats) DecodeError() {
	s.decodeErrors.Inc()
}

// TaskAttached counts a newly traced process or thread
func (s *Stats) TaskAttached() {
	s.tasks.Inc()
}

// SignalForwarded counts a signal passed through to a traced task
func (s *Stats) SignalForwarded(name string) {
	s.signals.WithLabelValues(name).Inc()
}

// Registry returns the registry holding the counters
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Report renders the non-zero counters as a table
func (s *Stats) Report(w io.Writer) error {
	families, err := s.registry.Gather()
	if err != nil {
		return fmt.Errorf("unable to gather stats: %w", err)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Metric", "Labels", "Count"})
	table.SetAutoFormatHeaders(false)

	for _, family := range families {
		name := strings.TrimPrefix(family.GetName(), namespace+"_")
		for _, metric := range family.GetMetric() {
			table.Append([]string{name, formatLabels(metric.GetLabel()), fmt.Sprintf("%.0f", metric.GetCounter().GetValue())})
		}
	}

	table.Render()
	return nil
}

func formatLabels(pairs []*dto.LabelPair) string {
	labels := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		labels = append(labels, pair.GetName()+"="+pair.GetValue())
	}
	return strings.Join(labels, ",")
}
