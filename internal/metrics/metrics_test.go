package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector() *Collector {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	return NewCollector()
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	require.NotNil(t, collector)
	assert.NotNil(t, collector.championsCompiled)
	assert.NotNil(t, collector.matchesCompleted)
	assert.NotNil(t, collector.tasksDispatched)
	assert.NotNil(t, collector.tasksRequeued)
	assert.NotNil(t, collector.workersRegistered)
	assert.NotNil(t, collector.dispatchLatency)
	assert.NotNil(t, collector.queueDepth)
	assert.NotNil(t, collector.matchesInFlight)
	assert.NotNil(t, collector.workersLive)
}

func TestRecordCompile(t *testing.T) {
	collector := newTestCollector()

	assert.NotPanics(t, func() {
		collector.RecordCompile(true)
		collector.RecordCompile(false)
	})
}

func TestRecordMatchCompleted(t *testing.T) {
	collector := newTestCollector()

	assert.NotPanics(t, func() {
		for i := 0; i < 5; i++ {
			collector.RecordMatchCompleted()
		}
	})
}

func TestRecordDispatch(t *testing.T) {
	collector := newTestCollector()

	for _, kind := range []string{"compile", "server", "player"} {
		assert.NotPanics(t, func() {
			collector.RecordDispatch(kind, 0.25)
		})
	}
}

func TestRecordRequeue(t *testing.T) {
	collector := newTestCollector()

	assert.NotPanics(t, func() {
		collector.RecordRequeue()
	})
}

func TestRecordWorkerRegistered(t *testing.T) {
	collector := newTestCollector()

	assert.NotPanics(t, func() {
		collector.RecordWorkerRegistered()
	})
}

func TestUpdateQueueStats(t *testing.T) {
	collector := newTestCollector()

	testCases := []struct {
		name            string
		queueDepth      int
		matchesInFlight int
		workersLive     int
	}{
		{"zero values", 0, 0, 0},
		{"normal values", 10, 5, 3},
		{"high queue depth", 100, 8, 4},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.UpdateQueueStats(tc.queueDepth, tc.matchesInFlight, tc.workersLive)
			})
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := newTestCollector()

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordCompile(true)
			collector.RecordDispatch("player", 0.1)
			collector.RecordMatchCompleted()
			collector.UpdateQueueStats(10, 5, 2)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// A second collector on the same registerer panics on duplicate
	// registration; a process should only ever build one Collector.
	assert.Panics(t, func() {
		NewCollector()
	})
}
