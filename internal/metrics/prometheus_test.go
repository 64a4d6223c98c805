package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewNodeMetrics(reg, "127.0.0.1:7000")

	m.RequestsTotal.WithLabelValues("get", "GET_SUCCESS").Inc()
	m.SetState("ACTIVE", "STOPPED", "ACTIVE", "WRITE_LOCKED")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("get", "GET_SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.State.WithLabelValues("ACTIVE")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.State.WithLabelValues("STOPPED")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestCoordinatorMetrics_Register(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCoordinatorMetrics(reg)

	m.RebalancesTotal.WithLabelValues("join", "success").Inc()
	m.NodesActive.Set(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RebalancesTotal.WithLabelValues("join", "success")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.NodesActive))

	// Registering twice on the same registry must fail.
	assert.Panics(t, func() { NewCoordinatorMetrics(reg) })
}
