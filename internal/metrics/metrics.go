// Package metrics exports conversation engine events as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leadflow"

// Observer implements flow.Observer with Prometheus collectors.
type Observer struct {
	started     *prometheus.CounterVec
	ended       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	fallbacks   *prometheus.CounterVec
	timeouts    *prometheus.CounterVec
	effects     *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
}

var _ flow.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_started_total",
			Help:      "Conversations started per flow.",
		}, []string{"flow"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_ended_total",
			Help:      "Conversations ended per flow and reason.",
		}, []string{"flow", "reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Decisions taken per flow and condition.",
		}, []string{"flow", "condition"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback policies applied per flow and action.",
		}, []string{"flow", "action"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Node deadlines that fired per flow.",
		}, []string{"flow"}),
		effects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "effects_total",
			Help:      "Declared side effects per kind.",
		}, []string{"kind"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time to execute one conversation step.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"flow"}),
	}
	reg.MustRegister(o.started, o.ended, o.transitions, o.fallbacks, o.timeouts, o.effects, o.stepLatency)
	return o
}

func (o *Observer) ConversationStarted(flowID string) {
	o.started.WithLabelValues(flowID).Inc()
}

func (o *Observer) ConversationEnded(flowID string, reason models.EndReason) {
	o.ended.WithLabelValues(flowID, string(reason)).Inc()
}

func (o *Observer) Transition(flowID, condition string) {
	o.transitions.WithLabelValues(flowID, condition).Inc()
}

func (o *Observer) Fallback(flowID string, action models.FallbackAction) {
	o.fallbacks.WithLabelValues(flowID, string(action)).Inc()
}

func (o *Observer) Timeout(flowID string) {
	o.timeouts.WithLabelValues(flowID).Inc()
}

func (o *Observer) EffectDeclared(kind models.EffectKind) {
	o.effects.WithLabelValues(string(kind)).Inc()
}

func (o *Observer) StepCompleted(flowID string, d time.Duration) {
	o.stepLatency.WithLabelValues(flowID).Observe(d.Seconds())
}
