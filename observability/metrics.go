// Package observability holds the Prometheus collector and tracing setup
// shared by the relay, teleop sessions and command transport.
package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the server's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Connections     *prometheus.GaugeVec
	Relayed         *prometheus.CounterVec
	RelayFailures   *prometheus.CounterVec
	Malformed       *prometheus.CounterVec
	TeleopUpdates   *prometheus.CounterVec
	SolveDurations  *prometheus.HistogramVec
	Divergences     prometheus.Counter
	CommandsSent    *prometheus.CounterVec
	CommandsDropped *prometheus.CounterVec
}

// NewCollector registers metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry returns the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Connections, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Open relay connections, labeled by role.",
	}, []string{"role"}), "relay_connections"); err != nil {
		return nil, err
	}
	if c.Relayed, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Messages forwarded between paired app and robot connections, labeled by sender role.",
	}, []string{"from"}), "relay_messages_total"); err != nil {
		return nil, err
	}
	if c.RelayFailures, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_failures_total",
		Help: "Messages that could not be forwarded because the peer was closed, labeled by sender role.",
	}, []string{"from"}), "relay_failures_total"); err != nil {
		return nil, err
	}
	if c.Malformed, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_malformed_messages_total",
		Help: "Inbound messages that failed to parse, labeled by role.",
	}, []string{"role"}), "relay_malformed_messages_total"); err != nil {
		return nil, err
	}
	if c.TeleopUpdates, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "teleop_updates_total",
		Help: "Teleop frames processed, labeled by outcome.",
	}, []string{"outcome"}), "teleop_updates_total"); err != nil {
		return nil, err
	}
	if c.SolveDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ik_solve_duration_seconds",
		Help:    "Inverse kinematics solve latency in seconds, labeled by termination reason.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	}, []string{"reason"}), "ik_solve_duration_seconds"); err != nil {
		return nil, err
	}
	if c.Divergences, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ik_divergences_total",
		Help: "Solves abandoned because the iterate became non-finite.",
	}), "ik_divergences_total"); err != nil {
		return nil, err
	}
	if c.CommandsSent, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_sent_total",
		Help: "Robot commands written, labeled by sink.",
	}, []string{"sink"}), "commands_sent_total"); err != nil {
		return nil, err
	}
	if c.CommandsDropped, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_dropped_total",
		Help: "Robot commands not written, labeled by sink and reason.",
	}, []string{"sink", "reason"}), "commands_dropped_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionOpened(role string) {
	if c == nil {
		return
	}
	c.Connections.WithLabelValues(role).Inc()
}

func (c *Collector) ConnectionClosed(role string) {
	if c == nil {
		return
	}
	c.Connections.WithLabelValues(role).Dec()
}

func (c *Collector) MessageRelayed(from string) {
	if c == nil {
		return
	}
	c.Relayed.WithLabelValues(from).Inc()
}

func (c *Collector) RelayFailed(from string) {
	if c == nil {
		return
	}
	c.RelayFailures.WithLabelValues(from).Inc()
}

func (c *Collector) MalformedMessage(role string) {
	if c == nil {
		return
	}
	c.Malformed.WithLabelValues(role).Inc()
}

func (c *Collector) UpdateProcessed(outcome string) {
	if c == nil {
		return
	}
	c.TeleopUpdates.WithLabelValues(outcome).Inc()
}

func (c *Collector) SolveObserved(d time.Duration, reason string) {
	if c == nil {
		return
	}
	c.SolveDurations.WithLabelValues(reason).Observe(d.Seconds())
}

func (c *Collector) Diverged() {
	if c == nil {
		return
	}
	c.Divergences.Inc()
}

// CommandSent and CommandDropped let the collector record command dispatch.
func (c *Collector) CommandSent(sink string) {
	if c == nil {
		return
	}
	c.CommandsSent.WithLabelValues(sink).Inc()
}

func (c *Collector) CommandDropped(sink, reason string) {
	if c == nil {
		return
	}
	c.CommandsDropped.WithLabelValues(sink, reason).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
