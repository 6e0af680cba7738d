// Package metrics wires the core's operational counters into Prometheus,
// grounded on the teacher's tsweb/promvarz and control/controlclient
// metrics packages. Each DataModel owns a private Collector on its own
// Registry rather than registering onto prometheus' global DefaultRegisterer,
// since multiple namespaces (and multiple tests) may coexist in one process.
package metrics

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/cpu"
)

// Collector holds every gauge/counter one DataModel reports.
type Collector struct {
	Registry *prometheus.Registry

	IPCPs        prometheus.Gauge
	Flows        prometheus.Gauge
	Applications prometheus.Gauge
	PDUFTEntries prometheus.Gauge
	PutQueueLen  prometheus.Gauge

	UpqueueDroppedTotal prometheus.Counter
	FlowAllocFailures   prometheus.Counter
	DTPDroppedPDUs      *perCPUCounter
}

// New builds a Collector for namespace ns, registered on a fresh private
// registry (avoids collisions across namespaces/tests sharing a process).
func New(ns string) *Collector {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"namespace": ns}

	c := &Collector{
		Registry: reg,
		IPCPs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_ipcps", Help: "Live IPCPs in this namespace.", ConstLabels: labels,
		}),
		Flows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_flows", Help: "Live flows in this namespace.", ConstLabels: labels,
		}),
		Applications: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_registered_applications", Help: "Registered applications in this namespace.", ConstLabels: labels,
		}),
		PDUFTEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_pduft_entries", Help: "Total PDUFT entries across all IPCPs in this namespace.", ConstLabels: labels,
		}),
		PutQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "core_putqueue_length", Help: "Flows awaiting post-deallocation grace period.", ConstLabels: labels,
		}),
		UpqueueDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "core_upqueue_dropped_total", Help: "Messages dropped from a control device upqueue due to NoSpace.", ConstLabels: labels,
		}),
		FlowAllocFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "core_flow_alloc_failures_total", Help: "Flow allocation requests that failed.", ConstLabels: labels,
		}),
		DTPDroppedPDUs: newPerCPUCounter(),
	}
	reg.MustRegister(c.IPCPs, c.Flows, c.Applications, c.PDUFTEntries, c.PutQueueLen, c.UpqueueDroppedTotal, c.FlowAllocFailures)
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "core_dtp_dropped_pdus_total", Help: "PDUs dropped in the DTP send and receive paths, summed across per-CPU shards.", ConstLabels: labels,
	}, func() float64 { return float64(c.DTPDroppedPDUs.Sum()) }))
	return c
}

// perCPUCounter is a set of cache-line-padded per-CPU counters, summed by
// readers, matching spec.md §5's "Per-CPU statistics counters permit
// lock-free aggregation; readers sum across CPUs," grounded on the
// teacher's syncs.ShardedMap use of x/sys/cpu.CacheLinePad.
type perCPUCounter struct {
	shards []paddedCounter
}

type paddedCounter struct {
	n uint64
	_ cpu.CacheLinePad
}

func newPerCPUCounter() *perCPUCounter {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return &perCPUCounter{shards: make([]paddedCounter, n)}
}

// IncrShard increments the counter shard the caller picked (the DTP drop
// hook passes the flow's local port), avoiding a single hot cache line
// shared across CPUs.
func (c *perCPUCounter) IncrShard(shard int) {
	atomic.AddUint64(&c.shards[shard%len(c.shards)].n, 1)
}

// Sum aggregates every shard.
func (c *perCPUCounter) Sum() uint64 {
	var total uint64
	for i := range c.shards {
		total += atomic.LoadUint64(&c.shards[i].n)
	}
	return total
}
