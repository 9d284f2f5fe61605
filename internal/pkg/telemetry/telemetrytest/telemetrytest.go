// Package telemetrytest records metrics in memory for assertions in tests.
package telemetrytest

import (
	"context"
	"testing"

	"github.com/costap/discard/internal/pkg/telemetry"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Recorder holds Metrics backed by a manual reader.
type Recorder struct {
	Metrics *telemetry.Metrics
	reader  *sdkmetric.ManualReader
}

func New() *Recorder {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &Recorder{Metrics: telemetry.NewMetricsFromProvider(mp), reader: reader}
}

// Sum returns the current value of the int64 sum instrument called name,
// summed over all attribute sets. Instruments never recorded read as zero.
func (r *Recorder) Sum(t testing.TB, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, r.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if s, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
