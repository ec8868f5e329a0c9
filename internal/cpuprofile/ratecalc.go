package cpuprofile

import (
	"sync/atomic"
	"time"

	"github.com/vm-profiler/pkg/utils"
)

const (
	// WallTimeQueryInterval is how often, in sampled time, the wall clock
	// is consulted.
	WallTimeQueryInterval = 100 * time.Millisecond

	// DefaultSamplingIntervalMs is the nominal tick period.
	DefaultSamplingIntervalMs = 1

	rateResultScale = 100000
)

// SampleRateCalculator estimates the real number of ticks per millisecond.
// Tick and UpdateMeasurements are called from the processor goroutine only;
// TicksPerMs may be read from anywhere.
type SampleRateCalculator struct {
	clock utils.Clock

	result            atomic.Int64
	ticksPerMs        float64
	measurementsCount uint
	queryCountdown    uint
	lastWallTimeMs    float64
}

// NewSampleRateCalculator creates a calculator reading the wall clock from
// clock. A nil clock means the real one.
func NewSampleRateCalculator(clock utils.Clock) *SampleRateCalculator {
	if clock == nil {
		clock = utils.NewRealClock()
	}
	c := &SampleRateCalculator{
		clock:          clock,
		ticksPerMs:     DefaultSamplingIntervalMs,
		queryCountdown: 1,
	}
	c.result.Store(DefaultSamplingIntervalMs * rateResultScale)
	return c
}

// TicksPerMs returns the latest estimate.
func (c *SampleRateCalculator) TicksPerMs() float64 {
	return float64(c.result.Load()) / rateResultScale
}

// Tick accounts one sample.
func (c *SampleRateCalculator) Tick() {
	c.queryCountdown--
	if c.queryCountdown == 0 {
		c.UpdateMeasurements(millis(c.clock.Now()))
	}
}

// UpdateMeasurements folds the ticks seen since the previous call into the
// running average. A measurement that is not later than the previous one
// is ignored.
func (c *SampleRateCalculator) UpdateMeasurements(nowMs float64) {
	if c.measurementsCount > 0 && nowMs <= c.lastWallTimeMs {
		c.resetCountdown()
		return
	}
	c.measurementsCount++
	if c.measurementsCount > 1 {
		intervalMs := float64(WallTimeQueryInterval / time.Millisecond)
		measured := (intervalMs * c.ticksPerMs) / (nowMs - c.lastWallTimeMs)
		c.ticksPerMs += (measured - c.ticksPerMs) / float64(c.measurementsCount)
		c.result.Store(int64(c.ticksPerMs * rateResultScale))
	}
	c.lastWallTimeMs = nowMs
	c.resetCountdown()
}

func (c *SampleRateCalculator) resetCountdown() {
	c.queryCountdown = uint(float64(WallTimeQueryInterval/time.Millisecond) * c.ticksPerMs)
	if c.queryCountdown == 0 {
		c.queryCountdown = 1
	}
}

func millis(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Millisecond)
}
