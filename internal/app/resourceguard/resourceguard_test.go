package resourceguard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrecheckFailsWhenRAMInsufficient(t *testing.T) {
	g := New(WithStatsSource(func() (SystemStats, error) {
		return SystemStats{FreeRAMGB: 2, FreeDiskGB: 100}, nil
	}))

	ok, reason := g.Precheck(4, 10)
	assert.False(t, ok)
	assert.Contains(t, reason, "insufficient free RAM")
}

func TestPrecheckFailsWhenDiskInsufficient(t *testing.T) {
	g := New(WithStatsSource(func() (SystemStats, error) {
		return SystemStats{FreeRAMGB: 64, FreeDiskGB: 1}, nil
	}))

	ok, reason := g.Precheck(4, 10)
	assert.False(t, ok)
	assert.Contains(t, reason, "insufficient free disk")
}

func TestPrecheckPassesWhenBothSufficient(t *testing.T) {
	g := New(WithStatsSource(func() (SystemStats, error) {
		return SystemStats{FreeRAMGB: 64, FreeDiskGB: 500}, nil
	}))

	ok, _ := g.Precheck(4, 10)
	assert.True(t, ok)
}

func TestPrecheckPropagatesStatsSourceError(t *testing.T) {
	g := New(WithStatsSource(func() (SystemStats, error) {
		return SystemStats{}, fmt.Errorf("boom")
	}))
	ok, reason := g.Precheck(1, 1)
	assert.False(t, ok)
	assert.Contains(t, reason, "boom")
}

func TestEstimateRAMForGroupIsDeterministic(t *testing.T) {
	a := EstimateRAMForGroup(64, 384, 100)
	b := EstimateRAMForGroup(64, 384, 100)
	assert.Equal(t, a, b)
	assert.Greater(t, a, 0.0)
}

func TestRecordSampleFlagsExceededLimit(t *testing.T) {
	g := New()
	assert.False(t, g.RecordSample("task-1", 500, 4))   // 0.49GB < 4GB
	assert.True(t, g.RecordSample("task-1", 5000, 4))    // ~4.88GB > 4GB
}

func TestMonitorInProcessCancelsOnBreach(t *testing.T) {
	g := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	called := false
	monitorCtx, monitorCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		g.MonitorInProcess(monitorCtx, "task-2", 0.001, func() float64 { return 1000 }, func() {
			called = true
			monitorCancel()
		})
		close(done)
	}()

	select {
	case <-done:
		assert.True(t, called)
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not cancel on breach")
	}
}
