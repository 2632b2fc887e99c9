package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusExporter registers the master's Prometheus gauges and counters.
// Counters only ever increase. The gauges are registered here, but nothing
// in the master sets them, so they are not refreshed from cluster state.
type PrometheusExporter struct {
	GPUUtilizationPercent *prometheus.GaugeVec
	GPUMemoryUsedMB       *prometheus.GaugeVec
	GPUMemoryTotalMB      *prometheus.GaugeVec
	NodesAlive            prometheus.Gauge
	NodesTotal            prometheus.Gauge
	TasksByStatus         *prometheus.GaugeVec

	SchedulerTicks      prometheus.Counter
	TasksClaimed        prometheus.Counter
	TasksDispatched      prometheus.Counter
	TasksLost            prometheus.Counter
	GPULockConflicts     prometheus.Counter
	RemoteLaunchFailures prometheus.Counter
}

// NewPrometheusExporter registers metrics under the gputasker namespace
// against reg. Pass prometheus.NewRegistry() in tests to avoid colliding
// with the global DefaultRegisterer.
func NewPrometheusExporter(reg prometheus.Registerer) *PrometheusExporter {
	factory := promauto.With(reg)

	return &PrometheusExporter{
		GPUUtilizationPercent: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gputasker",
			Name:      "gpu_utilization_percent",
			Help:      "Last-reported GPU utilization percentage.",
		}, []string{"node", "gpu_index", "gpu_name"}),

		GPUMemoryUsedMB: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gputasker",
			Name:      "gpu_memory_used_mb",
			Help:      "Last-reported GPU memory used, in MiB.",
		}, []string{"node", "gpu_index", "gpu_name"}),

		GPUMemoryTotalMB: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gputasker",
			Name:      "gpu_memory_total_mb",
			Help:      "Reported total GPU memory, in MiB.",
		}, []string{"node", "gpu_index", "gpu_name"}),

		NodesAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gputasker",
			Name:      "nodes_alive",
			Help:      "Number of nodes that have reported within the liveness window.",
		}),

		NodesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gputasker",
			Name:      "nodes_total",
			Help:      "Total number of registered nodes.",
		}),

		TasksByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gputasker",
			Name:      "tasks_by_status",
			Help:      "Number of tasks currently in each status.",
		}, []string{"status"}),

		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gputasker",
			Name:      "scheduler_ticks_total",
			Help:      "Number of scheduler loop iterations completed.",
		}),

		TasksClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gputasker",
			Name:      "tasks_claimed_total",
			Help:      "Number of tasks successfully claimed off the ready queue.",
		}),

		TasksDispatched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gputasker",
			Name:      "tasks_dispatched_total",
			Help:      "Number of tasks that reached RUNNING on a remote node.",
		}),

		TasksLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gputasker",
			Name:      "tasks_lost_total",
			Help:      "Number of running tasks marked LOST due to a stale heartbeat.",
		}),

		GPULockConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gputasker",
			Name:      "gpu_lock_conflicts_total",
			Help:      "Number of TryLockGPUs calls that lost a race to a concurrent claimant.",
		}),

		RemoteLaunchFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gputasker",
			Name:      "remote_launch_failures_total",
			Help:      "Number of SSH-based task launches that failed before a marker line was read.",
		}),
	}
}
