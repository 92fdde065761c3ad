package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterAddsAllCollectorsOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, metricFamilies)

	// Registering the same collectors a second time against the same
	// registry must fail: it proves the first Register call actually
	// registered them (MustRegister panics on a duplicate, so the first
	// call not panicking shows it added none twice).
	require.Panics(t, func() { Register(reg) })
}

func TestGaugeSetIsReadable(t *testing.T) {
	CurrentView.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(CurrentView))
}

func TestCounterIncrements(t *testing.T) {
	before := testutil.ToFloat64(PrePreparesAccepted)
	PrePreparesAccepted.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(PrePreparesAccepted))
}
