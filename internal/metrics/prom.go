package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hossein/mpsched/pkg/rahio/scheduler"
)

// Outcome label values for rahio_sched_decisions_total.
const (
	OutcomeChosen        = "chosen"
	OutcomeNoViable      = "no_viable"
	OutcomeNotApplicable = "not_applicable"
	OutcomeError         = "error"
)

// Collector records scheduler decisions and notices. It implements
// scheduler.Observer.
type Collector struct {
	decisions *prometheus.CounterVec
	selected  *prometheus.HistogramVec
	notices   *prometheus.CounterVec
}

func NewCollector() *Collector {
	return &Collector{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rahio_sched_decisions_total",
				Help: "Scheduling decisions by policy, intent and outcome",
			},
			[]string{"policy", "intent", "outcome"},
		),
		selected: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rahio_sched_selected_subflows",
				Help:    "Number of subflows chosen per successful decision",
				Buckets: []float64{1, 2, 3, 4, 6, 8},
			},
			[]string{"policy"},
		),
		notices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rahio_sched_notices_total",
				Help: "Configuration-degraded notices emitted by dispatchers",
			},
			[]string{"policy", "kind"},
		),
	}
}

// Register adds the collectors to r.
func (c *Collector) Register(r prometheus.Registerer) error {
	for _, col := range []prometheus.Collector{c.decisions, c.selected, c.notices} {
		if err := r.Register(col); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) ObserveDecision(policy string, intent scheduler.Intent, d scheduler.Decision, err error) {
	c.decisions.WithLabelValues(policy, intent.String(), outcome(err)).Inc()
	if err == nil {
		c.selected.WithLabelValues(policy).Observe(float64(len(d.Choices)))
	}
}

func (c *Collector) ObserveNotice(n scheduler.Notice) {
	c.notices.WithLabelValues(n.Policy, n.Kind.String()).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeChosen
	case errors.Is(err, scheduler.ErrNotApplicable):
		return OutcomeNotApplicable
	case errors.Is(err, scheduler.ErrNoViableSubflow):
		return OutcomeNoViable
	default:
		return OutcomeError
	}
}

// ConnectionsGauge reports the number of connections an engine holds
// scheduler state for.
func ConnectionsGauge(e *scheduler.Engine) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "rahio_sched_connections",
			Help: "Connections with open scheduler state",
		},
		func() float64 { return float64(len(e.Connections())) },
	)
}
