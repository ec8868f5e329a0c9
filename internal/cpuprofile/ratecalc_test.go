package cpuprofile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vm-profiler/pkg/utils"
)

func TestSampleRateCalculator(t *testing.T) {
	clock := utils.NewMockClock(time.Unix(1000, 0))
	calc := NewSampleRateCalculator(clock)
	assert.InDelta(t, 1.0, calc.TicksPerMs(), 1e-9)

	// The first tick only records the wall time.
	calc.Tick()
	assert.InDelta(t, 1.0, calc.TicksPerMs(), 1e-9)

	// 100 ticks in 50ms measures 2 ticks/ms, averaged with the initial 1.
	clock.Advance(50 * time.Millisecond)
	for i := 0; i < 100; i++ {
		calc.Tick()
	}
	assert.InDelta(t, 1.5, calc.TicksPerMs(), 1e-4)
}

func TestSampleRateCalculator_UpdateMeasurements(t *testing.T) {
	calc := NewSampleRateCalculator(utils.NewMockClock(time.Unix(0, 0)))
	calc.UpdateMeasurements(0)
	calc.UpdateMeasurements(200)
	// 100 ticks expected in 200ms: 0.5 ticks/ms averaged with 1.
	assert.InDelta(t, 0.75, calc.TicksPerMs(), 1e-4)
}

func TestSampleRateCalculator_SameMillisecond(t *testing.T) {
	calc := NewSampleRateCalculator(utils.NewMockClock(time.Unix(0, 0)))
	calc.UpdateMeasurements(100)
	calc.UpdateMeasurements(100)
	calc.UpdateMeasurements(99)
	assert.InDelta(t, 1.0, calc.TicksPerMs(), 1e-9)

	calc.UpdateMeasurements(300)
	assert.InDelta(t, 0.75, calc.TicksPerMs(), 1e-4)
}
