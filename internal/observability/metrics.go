// Package observability holds the Prometheus metrics of the realtime core.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call outcome label values. They mirror the call statuses plus "scheduled".
const (
	OutcomeScheduled = "scheduled"
	PushKindVoIP     = "voip"
	PushKindAlert    = "alert"
	PushKindFCM      = "fcm"
)

// Metrics groups every collector used by the service.
//
// Usage:
//
//	m := observability.NewMetrics(prometheus.DefaultRegisterer)
//	m.CallTransitions.WithLabelValues("accepted").Inc()
type Metrics struct {
	// CallsScheduled counts call intents created.
	CallsScheduled prometheus.Counter

	// CallTransitions counts applied call status transitions.
	// Labels: outcome (ringing|accepted|completed|missed|declined|failed)
	CallTransitions *prometheus.CounterVec

	// PushSent counts SendPush calls that got a 2xx.
	// Labels: kind (voip|alert|fcm)
	PushSent *prometheus.CounterVec

	// PushFailed counts SendPush calls where every attempt failed. One per call.
	// Labels: kind (voip|alert|fcm)
	PushFailed *prometheus.CounterVec

	// PresenceConnections is the number of live client sockets.
	PresenceConnections prometheus.Gauge

	// PresencePruned counts connections dropped after a failed write.
	PresencePruned prometheus.Counter

	// AgentRuns counts finished loop runs.
	// Labels: stop (done|delivered|ceiling|error)
	AgentRuns *prometheus.CounterVec

	// AgentIterations observes iterations used per run.
	AgentIterations prometheus.Histogram

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// SchedulerJobs counts fired scheduler jobs.
	// Labels: job (reminder|proactive), status (success|error|skipped)
	SchedulerJobs *prometheus.CounterVec

	// VoiceSessions is the number of active voice bridges.
	VoiceSessions prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CallsScheduled: f.NewCounter(prometheus.CounterOpts{
			Name: "botsapp_calls_scheduled_total",
			Help: "Total number of call intents created",
		}),
		CallTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "botsapp_call_transitions_total",
			Help: "Applied call status transitions by outcome",
		}, []string{"outcome"}),
		PushSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "botsapp_push_sent_total",
			Help: "Push notifications accepted by the provider",
		}, []string{"kind"}),
		PushFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "botsapp_push_failed_total",
			Help: "Push notifications that failed after all retries",
		}, []string{"kind"}),
		PresenceConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "botsapp_presence_connections",
			Help: "Live client connections",
		}),
		PresencePruned: f.NewCounter(prometheus.CounterOpts{
			Name: "botsapp_presence_pruned_total",
			Help: "Connections removed after a failed send",
		}),
		AgentRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "botsapp_agent_runs_total",
			Help: "Agent loop runs by stop reason",
		}, []string{"stop"}),
		AgentIterations: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "botsapp_agent_iterations",
			Help:    "Iterations used per agent loop run",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15},
		}),
		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "botsapp_tool_executions_total",
			Help: "Tool invocations by tool and status",
		}, []string{"tool_name", "status"}),
		SchedulerJobs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "botsapp_scheduler_jobs_total",
			Help: "Scheduler job executions by job kind and status",
		}, []string{"job", "status"}),
		VoiceSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "botsapp_voice_sessions",
			Help: "Active voice bridge sessions",
		}),
	}
}

// CallSummary is the shape returned by the call metrics endpoint.
type CallSummary struct {
	Scheduled  int `json:"scheduled"`
	PushSent   int `json:"push_sent"`
	PushFailed int `json:"push_failed"`
	Ringing    int `json:"ringing"`
	Accepted   int `json:"accepted"`
	Completed  int `json:"completed"`
	Missed     int `json:"missed"`
	Declined   int `json:"declined"`
	Failed     int `json:"failed"`
}
