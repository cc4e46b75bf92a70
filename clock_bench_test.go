package timeline

import (
	"testing"

	"github.com/mediaflow/timeline/timer"
)

// BenchmarkClockChainNow measures position reads through a five-deep
// derivation chain, the hot path of every scheduler and synchroniser tick.
func BenchmarkClockChainNow(b *testing.B) {
	sched := timer.NewMockScheduler()
	var c Clock = NewMonotonicClock(sched)
	for i := 0; i < 5; i++ {
		c = NewCorrelatedClock(c, Correlation{ParentTime: 1, ChildTime: 2})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Now()
	}
}

func BenchmarkCorrelationUpdateFanout(b *testing.B) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	c := NewCorrelatedClock(mono, Correlation{})
	for i := 0; i < 16; i++ {
		c.OnEvent(func(ClockEvent) {})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.SetCorrelation(Correlation{ChildTime: float64(i)})
	}
}

func BenchmarkSourceArbitration(b *testing.B) {
	tl, _ := newTestTimeline()
	defer tl.Close()
	deflt := tl.DefaultClock()

	sources := make([]*CorrelatedClock, 8)
	for i := range sources {
		sources[i] = NewCorrelatedClock(tl.Monotonic(), Correlation{ChildTime: float64(i)})
		opts := DefaultSourceOptions()
		opts.SourceName = "src"
		opts.Priority = float64(i)
		if err := tl.SetClockSource(deflt, sources[i], opts); err != nil {
			b.Fatal(err)
		}
	}

	opts := DefaultSourceOptions()
	opts.SourceName = "churn"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// Re-submit a mid-priority candidate: resort plus no-op winner check.
		opts.Priority = 3.5
		if err := tl.SetClockSource(deflt, sources[3], opts); err != nil {
			b.Fatal(err)
		}
	}
}
