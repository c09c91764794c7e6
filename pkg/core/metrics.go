// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type stats struct {
	submitted  uint64
	reaped     uint64
	mismatches uint64
	timeouts   uint64
	violations uint64
	forgotten  uint64
}

var (
	mCommandsSubmitted = prometheus.NewDesc(
		"nvme_harness_commands_submitted_total",
		"Commands handed to the transport",
		nil, nil,
	)
	mCompletionsReaped = prometheus.NewDesc(
		"nvme_harness_completions_reaped_total",
		"Completions correlated to a submitted command",
		nil, nil,
	)
	mStatusMismatches = prometheus.NewDesc(
		"nvme_harness_status_mismatches_total",
		"Completions whose status differed from the expected one",
		nil, nil,
	)
	mReapTimeouts = prometheus.NewDesc(
		"nvme_harness_reap_timeouts_total",
		"Reaps that ended before the expected number of completions arrived",
		nil, nil,
	)
	mProtocolViolations = prometheus.NewDesc(
		"nvme_harness_protocol_violations_total",
		"Completions or transport answers that broke the queueing protocol",
		nil, nil,
	)
	mCommandsForgotten = prometheus.NewDesc(
		"nvme_harness_commands_forgotten_total",
		"In flight commands discarded without a completion",
		nil, nil,
	)
	mInFlight = prometheus.NewDesc(
		"nvme_harness_commands_in_flight",
		"Commands submitted to a submission queue and not yet reaped",
		[]string{"sqid", "cqid"}, nil,
	)
)

// Describe implements prometheus.Collector.
func (s *Session) Describe(c chan<- *prometheus.Desc) {
	c <- mCommandsSubmitted
	c <- mCompletionsReaped
	c <- mStatusMismatches
	c <- mReapTimeouts
	c <- mProtocolViolations
	c <- mCommandsForgotten
	c <- mInFlight
}

// Collect implements prometheus.Collector. Like every other method of
// Session it must not run concurrently with commands being issued.
func (s *Session) Collect(c chan<- prometheus.Metric) {
	c <- prometheus.MustNewConstMetric(mCommandsSubmitted, prometheus.CounterValue, float64(s.stats.submitted))
	c <- prometheus.MustNewConstMetric(mCompletionsReaped, prometheus.CounterValue, float64(s.stats.reaped))
	c <- prometheus.MustNewConstMetric(mStatusMismatches, prometheus.CounterValue, float64(s.stats.mismatches))
	c <- prometheus.MustNewConstMetric(mReapTimeouts, prometheus.CounterValue, float64(s.stats.timeouts))
	c <- prometheus.MustNewConstMetric(mProtocolViolations, prometheus.CounterValue, float64(s.stats.violations))
	c <- prometheus.MustNewConstMetric(mCommandsForgotten, prometheus.CounterValue, float64(s.stats.forgotten))
	for id, q := range s.sqs {
		c <- prometheus.MustNewConstMetric(mInFlight, prometheus.GaugeValue, float64(q.InFlight()),
			strconv.Itoa(int(id)), strconv.Itoa(int(q.CQ.ID)))
	}
}
