package main

import (
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {
}

// outputMetrics prints the case results of a run together with the command
// counters of its session.
func outputMetrics(device string, results []Result, session prometheus.Collector) {
	var (
		mCaseResult = prometheus.NewDesc(
			"nvme_harness_case_result",
			"Boolean describing whether a conformance case ended with the given outcome",
			[]string{"device", "case", "outcome"}, nil,
		)
		mCaseDuration = prometheus.NewDesc(
			"nvme_harness_case_duration_seconds",
			"Time a conformance case took",
			[]string{"device", "case"}, nil,
		)
	)
	mc := &metricCollector{}
	for _, r := range results {
		for _, o := range []Outcome{OutcomePass, OutcomeFail, OutcomeSkip} {
			v := float64(0)
			if r.Outcome == o {
				v = 1
			}
			mc.m = append(mc.m, prometheus.MustNewConstMetric(mCaseResult, prometheus.GaugeValue, v, device, r.Case, string(o)))
		}
		mc.m = append(mc.m, prometheus.MustNewConstMetric(mCaseDuration, prometheus.GaugeValue, r.Duration.Seconds(), device, r.Case))
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc, session)

	mfs, err := reg.Gather()
	if err != nil {
		log.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			log.Fatalf("Failed to serialize metrics: %v", err)
		}
	}
}
