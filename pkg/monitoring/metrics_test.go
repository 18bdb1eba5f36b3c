package monitoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCounterAccumulates(t *testing.T) {
	r := New()
	r.Inc("jobs.submitted", 1)
	r.Inc("jobs.submitted", 2)

	snap := r.GetMetrics()
	assert.Equal(t, int64(3), snap.Counters["jobs.submitted"])
}

func TestGaugeOverwrites(t *testing.T) {
	r := New()
	r.SetGauge("queue.depth", 5)
	r.SetGauge("queue.depth", 9)

	snap := r.GetMetrics()
	assert.Equal(t, 9.0, snap.Gauges["queue.depth"])
}

func TestHistogramPercentiles(t *testing.T) {
	r := New()
	for i := 1; i <= 100; i++ {
		r.Observe("latency_ms", float64(i))
	}

	snap := r.GetMetrics()
	summary := snap.Histograms["latency_ms"]
	assert.Equal(t, 100, summary.Count)
	assert.InDelta(t, 50, summary.P50, 2)
	assert.InDelta(t, 95, summary.P95, 2)
}

func TestTimerBoundedWindow(t *testing.T) {
	r := New()
	for i := 0; i < maxSamples+50; i++ {
		r.Time("rpc.submit_job", time.Millisecond)
	}

	snap := r.GetMetrics()
	assert.Equal(t, maxSamples, snap.Timers["rpc.submit_job"].Count)
}
