package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ryandielhenn/zephyrmesh/pkg/resource"
)

// ResourceLister is the part of resource.Store the collector reads.
type ResourceLister interface {
	List() []resource.MeshResource
	Watch(fn func(resource.Event))
}

// ResourceMetrics reports the resource table on each scrape and counts state
// transitions as they happen.
type ResourceMetrics struct {
	store ResourceLister

	stateDesc    *prometheus.Desc
	conflictDesc *prometheus.Desc
	transitions  *prometheus.CounterVec
}

func NewResourceMetrics(reg prometheus.Registerer, store ResourceLister) (*ResourceMetrics, error) {
	m := &ResourceMetrics{
		store: store,
		stateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resource", "count"),
			"Resources by state.",
			[]string{"state"}, nil),
		conflictDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "resource", "conflicts"),
			"Open sync conflicts by type and severity.",
			[]string{"type", "severity"}, nil),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resource",
			Name:      "transitions_total",
			Help:      "Resource state transitions.",
		}, []string{"from", "to"}),
	}
	if err := reg.Register(m); err != nil {
		return nil, err
	}
	if err := reg.Register(m.transitions); err != nil {
		return nil, err
	}
	store.Watch(m.observe)
	return m, nil
}

func (m *ResourceMetrics) observe(ev resource.Event) {
	if ev.Deleted || ev.From == ev.To {
		return
	}
	from := string(ev.From)
	if from == "" {
		from = "none"
	}
	m.transitions.WithLabelValues(from, string(ev.To)).Inc()
}

func (m *ResourceMetrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.stateDesc
	ch <- m.conflictDesc
}

func (m *ResourceMetrics) Collect(ch chan<- prometheus.Metric) {
	states := map[resource.StateKind]int{
		resource.StateAvailable:   0,
		resource.StateSyncing:     0,
		resource.StateConflicted:  0,
		resource.StateUnavailable: 0,
		resource.StateMigrating:   0,
		resource.StateArchived:    0,
		resource.StateEvolving:    0,
	}
	type key struct {
		typ      resource.ConflictType
		severity resource.Severity
	}
	conflicts := make(map[key]int)
	for _, r := range m.store.List() {
		states[r.State.Kind]++
		for _, c := range r.Conflicts() {
			conflicts[key{c.Type, c.Details.Severity}]++
		}
	}
	for s, n := range states {
		ch <- prometheus.MustNewConstMetric(m.stateDesc, prometheus.GaugeValue, float64(n), string(s))
	}
	for k, n := range conflicts {
		ch <- prometheus.MustNewConstMetric(m.conflictDesc, prometheus.GaugeValue, float64(n), string(k.typ), k.severity.String())
	}
}
