package telemetry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopDiscardsEverything(t *testing.T) {
	var s Sink = Noop{}
	require.NotPanics(t, func() {
		s.Count("x", 1)
		s.Gauge("y", 2)
		s.Observe("z", 3)
	})
}

func TestPrometheusReusesCollectorAcrossInstances(t *testing.T) {
	name := fmt.Sprintf("reuse_test_%p", t)
	a := NewPrometheus("aethertest")
	b := NewPrometheus("aethertest")

	require.NotPanics(t, func() {
		a.Count(name, 1)
		b.Count(name, 1) // same fully-qualified name: must reuse, not panic
	})
}

func TestPrometheusCachesPerInstance(t *testing.T) {
	p := NewPrometheus("aethertest")
	p.Gauge("cached_gauge", 1)
	p.Gauge("cached_gauge", 2)
	require.Len(t, p.gauges, 1)
}
