// Package metrics exposes the Prometheus counters/gauges/histograms the
// runtime publishes, plus periodic host-resource gauges sourced from
// gopsutil, mirroring the teacher's infrastructure/metrics + gopsutil
// pairing.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Registry bundles every metric the runtime records.
type Registry struct {
	reg *prometheus.Registry

	SystemCalls         *prometheus.CounterVec
	SystemCallLatency    *prometheus.HistogramVec
	SystemRetries        prometheus.Counter
	SystemConflictsDone  prometheus.Counter
	ConnectedSessions    prometheus.Gauge
	ActiveSubscriptions  prometheus.Gauge
	StoreCommits         *prometheus.CounterVec
	HostCPUPercent       prometheus.Gauge
	HostMemUsedPercent   prometheus.Gauge
}

// NewRegistry constructs and registers every metric.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		SystemCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hetu",
			Subsystem: "system",
			Name:      "calls_total",
			Help:      "Total CallSystem invocations by system name and outcome.",
		}, []string{"system", "outcome"}),
		SystemCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hetu",
			Subsystem: "system",
			Name:      "call_latency_seconds",
			Help:      "CallSystem end-to-end latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"system"}),
		SystemRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hetu",
			Subsystem: "system",
			Name:      "retries_total",
			Help:      "Total commit-conflict retries across all systems.",
		}),
		SystemConflictsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hetu",
			Subsystem: "system",
			Name:      "conflict_exhausted_total",
			Help:      "Total CallSystem invocations that exhausted MAX_RETRIES.",
		}),
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hetu",
			Subsystem: "session",
			Name:      "connected",
			Help:      "Number of currently connected sessions.",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hetu",
			Subsystem: "broker",
			Name:      "active_subscriptions",
			Help:      "Number of currently live subscriptions across all sessions.",
		}),
		StoreCommits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hetu",
			Subsystem: "store",
			Name:      "commits_total",
			Help:      "Total store commit attempts by result.",
		}, []string{"result"}),
		HostCPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hetu",
			Subsystem: "host",
			Name:      "cpu_percent",
			Help:      "Host CPU utilization percentage, sampled periodically.",
		}),
		HostMemUsedPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hetu",
			Subsystem: "host",
			Name:      "mem_used_percent",
			Help:      "Host memory utilization percentage, sampled periodically.",
		}),
	}

	reg.MustRegister(
		r.SystemCalls,
		r.SystemCallLatency,
		r.SystemRetries,
		r.SystemConflictsDone,
		r.ConnectedSessions,
		r.ActiveSubscriptions,
		r.StoreCommits,
		r.HostCPUPercent,
		r.HostMemUsedPercent,
	)

	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for the /metrics
// HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// SampleHost records one host-resource sample. StartHostSampler calls it
// periodically.
func (r *Registry) SampleHost(ctx context.Context) error {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(percents) > 0 {
		r.HostCPUPercent.Set(percents[0])
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		r.HostMemUsedPercent.Set(vm.UsedPercent)
	}
	return nil
}

// StartHostSampler runs SampleHost on an interval until ctx is canceled.
func (r *Registry) StartHostSampler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.SampleHost(ctx)
			}
		}
	}()
}
