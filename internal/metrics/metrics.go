// Package metrics defines the Prometheus collectors shared by the
// provisioning and remote execution drivers.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "nodedriver"

// Metrics groups every collector the drivers update.
type Metrics struct {
	// InstancesCreated counts instances launched by 'Provision'.
	InstancesCreated prometheus.Counter
	// InstancesTerminated counts instances confirmed terminated, by the
	// operation that requested it.
	InstancesTerminated *prometheus.CounterVec
	// PollAttempts counts state and readiness checks, by what was awaited.
	PollAttempts *prometheus.CounterVec
	// CommandExits counts completed remote commands, by outcome.
	CommandExits *prometheus.CounterVec
}

// New builds the collectors and registers them with 'reg'. A nil 'reg'
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		InstancesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_created_total",
			Help:      "Number of instances launched.",
		}),
		InstancesTerminated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_terminated_total",
			Help:      "Number of instances confirmed terminated.",
		}, []string{"operation"}),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Number of state or readiness checks issued while waiting.",
		}, []string{"wait"}),
		CommandExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_exits_total",
			Help:      "Number of remote commands completed, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.InstancesCreated,
			m.InstancesTerminated,
			m.PollAttempts,
			m.CommandExits,
		)
	}
	return m
}
