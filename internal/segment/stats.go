package segment

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	Workers     int           `json:"workers"`
	QueueDepth  int           `json:"queue_depth"`
	Queued      int           `json:"queued"`
	InFlight    int64         `json:"in_flight"`
	Submitted   int64         `json:"submitted"`
	Rejected    int64         `json:"rejected"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	Panicked    int64         `json:"panicked"`
	AvgRun      time.Duration `json:"avg_run_ns"`
	MaxRun      time.Duration `json:"max_run_ns"`
	AvgQueued   time.Duration `json:"avg_queued_ns"`
	LastRunTime time.Time     `json:"last_run_time"`
}

// statsCollector accumulates dispatcher counters.
type statsCollector struct {
	submitted atomic.Int64
	rejected  atomic.Int64
	inFlight  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64

	runTimes   *timingStats
	queueTimes *timingStats
}

func newStatsCollector() *statsCollector {
	return &statsCollector{
		runTimes:   newTimingStats(),
		queueTimes: newTimingStats(),
	}
}

func (sc *statsCollector) recordStart(queued time.Duration) {
	sc.inFlight.Add(1)
	sc.queueTimes.record(queued)
}

func (sc *statsCollector) recordFinish(run time.Duration, err error) {
	sc.inFlight.Add(-1)
	sc.runTimes.record(run)
	if err != nil {
		sc.failed.Add(1)
		return
	}
	sc.completed.Add(1)
}

func (sc *statsCollector) snapshot() Stats {
	avgRun, maxRun, last := sc.runTimes.summary()
	avgQueued, _, _ := sc.queueTimes.summary()
	return Stats{
		InFlight:    sc.inFlight.Load(),
		Submitted:   sc.submitted.Load(),
		Rejected:    sc.rejected.Load(),
		Completed:   sc.completed.Load(),
		Failed:      sc.failed.Load(),
		Panicked:    sc.panicked.Load(),
		AvgRun:      avgRun,
		MaxRun:      maxRun,
		AvgQueued:   avgQueued,
		LastRunTime: last,
	}
}

// timingStats tracks a running average and maximum.
type timingStats struct {
	mu    sync.RWMutex
	total time.Duration
	count int64
	max   time.Duration
	last  time.Time
}

func newTimingStats() *timingStats {
	return &timingStats{}
}

func (ts *timingStats) record(d time.Duration) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.total += d
	ts.count++
	if d > ts.max {
		ts.max = d
	}
	ts.last = time.Now()
}

func (ts *timingStats) summary() (avg, maxDuration time.Duration, last time.Time) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.count == 0 {
		return 0, 0, time.Time{}
	}
	return ts.total / time.Duration(ts.count), ts.max, ts.last
}
