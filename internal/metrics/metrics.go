// Package metrics holds the Prometheus collectors exported by the VMM.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ccvmm"

var (
	VCPUExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "vcpu",
		Name:      "exits_total",
		Help:      "vCPU exits by classification.",
	},
		[]string{"kind"},
	)

	BusMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "unmapped_accesses_total",
		Help:      "Guest MMIO accesses to addresses with no device.",
	},
		[]string{"access"},
	)

	VirtioRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "virtio",
		Name:      "requests_total",
		Help:      "Descriptor chains retired by device and status.",
	},
		[]string{"device", "status"},
	)

	VirtioInterrupts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "virtio",
		Name:      "interrupts_total",
		Help:      "Used-buffer interrupts raised by device.",
	},
		[]string{"device"},
	)

	ReclaimedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reclaim",
		Name:      "bytes_total",
		Help:      "Guest memory returned to the host.",
	})

	CorrectionPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reclaim",
		Name:      "correction_passes_total",
		Help:      "In-place remaps of guest memory run to clear host accounting.",
	})
)

var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once
)

// Register adds every collector to the VMM registry. It is safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		registry.MustRegister(VCPUExits)
		registry.MustRegister(BusMisses)
		registry.MustRegister(VirtioRequests)
		registry.MustRegister(VirtioInterrupts)
		registry.MustRegister(ReclaimedBytes)
		registry.MustRegister(CorrectionPasses)
	})
}

// Handler serves the VMM registry in the Prometheus exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
