package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	GroupsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "surge_groups_total",
			Help: "Total number of scaling groups by status",
		},
		[]string{"status"},
	)

	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "surge_servers_total",
			Help: "Total number of observed servers by status",
		},
		[]string{"status"},
	)

	LeasesHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "surge_leases_held",
			Help: "Number of group leases currently held by this node",
		},
	)

	// Convergence metrics
	ConvergenceCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_convergence_cycles_total",
			Help: "Total number of convergence passes started",
		},
	)

	PlanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surge_plan_duration_seconds",
			Help:    "Time taken to compute a convergence plan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlanSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surge_plan_steps",
			Help:    "Number of steps per computed plan",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	TaskExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "surge_task_execution_duration_seconds",
			Help:    "Time taken to execute a convergence task in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksSucceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_tasks_succeeded_total",
			Help: "Total number of convergence tasks that succeeded",
		},
	)

	TasksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_tasks_failed_total",
			Help: "Total number of convergence tasks that failed",
		},
	)

	// Step metrics
	StepsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_steps_executed_total",
			Help: "Total number of steps committed by action",
		},
		[]string{"action"},
	)

	StepsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_steps_failed_total",
			Help: "Total number of steps that exhausted retries by action",
		},
		[]string{"action"},
	)

	StepRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_step_retries_total",
			Help: "Total number of transient provider failures retried by action",
		},
		[]string{"action"},
	)

	// Policy metrics
	PolicyExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "surge_policy_executions_total",
			Help: "Total number of policy executions by outcome",
		},
		[]string{"outcome"},
	)

	// Self-heal metrics
	SelfHealPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "surge_selfheal_passes_total",
			Help: "Total number of self-heal enumeration passes",
		},
	)
)

func init() {
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(LeasesHeld)
	prometheus.MustRegister(ConvergenceCyclesTotal)
	prometheus.MustRegister(PlanDuration)
	prometheus.MustRegister(PlanSteps)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(TasksSucceeded)
	prometheus.MustRegister(TasksFailed)
	prometheus.MustRegister(StepsExecuted)
	prometheus.MustRegister(StepsFailed)
	prometheus.MustRegister(StepRetries)
	prometheus.MustRegister(PolicyExecutions)
	prometheus.MustRegister(SelfHealPasses)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
