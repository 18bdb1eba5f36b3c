package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSampler struct {
	memGB   float64
	cpuPct  float64
}

func (f *fakeSampler) MemoryUsedGB() (float64, error) { return f.memGB, nil }
func (f *fakeSampler) CPUPercent() (float64, error)   { return f.cpuPct, nil }

func TestCanAcceptJobWithinLimits(t *testing.T) {
	m := New(Config{MaxConcurrentJobs: 10, MaxMemoryGB: 64, MaxCPUPercent: 80}, &fakeSampler{memGB: 10, cpuPct: 20})

	ok, err := m.CanAcceptJob()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanAcceptJobRejectsAtJobCap(t *testing.T) {
	m := New(Config{MaxConcurrentJobs: 1, MaxMemoryGB: 64, MaxCPUPercent: 80}, &fakeSampler{memGB: 1, cpuPct: 1})
	m.Reserve()

	ok, err := m.CanAcceptJob()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAcceptJobRejectsAtMemoryThreshold(t *testing.T) {
	// 90% of 64 is 57.6; 60 exceeds it.
	m := New(Config{MaxConcurrentJobs: 10, MaxMemoryGB: 64, MaxCPUPercent: 80}, &fakeSampler{memGB: 60, cpuPct: 1})

	ok, err := m.CanAcceptJob()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAcceptJobRejectsAtCPUThreshold(t *testing.T) {
	m := New(Config{MaxConcurrentJobs: 10, MaxMemoryGB: 64, MaxCPUPercent: 80}, &fakeSampler{memGB: 1, cpuPct: 85})

	ok, err := m.CanAcceptJob()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReserveReleaseNeverGoesNegative(t *testing.T) {
	m := New(DefaultConfig(), &fakeSampler{})
	m.Release()
	m.Release()

	status, err := m.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, 0, status.ActiveJobs)
}

func TestReserveIncrementsActiveJobs(t *testing.T) {
	m := New(DefaultConfig(), &fakeSampler{})
	m.Reserve()
	m.Reserve()
	m.Release()

	status, err := m.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, status.ActiveJobs)
}
