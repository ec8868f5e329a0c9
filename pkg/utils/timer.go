package utils

import (
	"strings"
	"sync"
	"time"
)

// Phase is one timed step of an operation.
type Phase struct {
	Name     string
	Duration time.Duration

	started time.Time
	done    bool
}

// Timer records how long the phases of one operation take, such as the
// passes of a heap snapshot, and reports them on a Logger. A disabled
// timer records nothing.
type Timer struct {
	name    string
	clock   Clock
	logger  Logger
	enabled bool
	start   time.Time

	mu     sync.Mutex
	phases []Phase
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithLogger sets the logger Report writes to.
func WithLogger(logger Logger) TimerOption {
	return func(t *Timer) { t.logger = logger }
}

func WithEnabled(enabled bool) TimerOption {
	return func(t *Timer) { t.enabled = enabled }
}

// WithClock replaces the wall clock; nil is ignored.
func WithClock(clock Clock) TimerOption {
	return func(t *Timer) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTimer starts timing the operation called name.
func NewTimer(name string, opts ...TimerOption) *Timer {
	t := &Timer{name: name, clock: NewRealClock(), enabled: true}
	for _, opt := range opts {
		opt(t)
	}
	t.start = t.clock.Now()
	return t
}

// NullTimer is a disabled timer.
var NullTimer = NewTimer("", WithEnabled(false))

// Lap stops the phase it was started for.
type Lap struct {
	t     *Timer
	index int
}

// Stop ends the phase and returns its duration. Only the first call
// counts.
func (l Lap) Stop() time.Duration {
	if l.t == nil {
		return 0
	}
	t := l.t
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &t.phases[l.index]
	if !p.done {
		p.Duration = t.clock.Since(p.started)
		p.done = true
	}
	return p.Duration
}

// Start times the phase name. Starting a known phase restarts it in place.
func (t *Timer) Start(name string) Lap {
	if !t.enabled {
		return Lap{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := Phase{Name: name, started: t.clock.Now()}
	for i := range t.phases {
		if t.phases[i].Name == name {
			t.phases[i] = p
			return Lap{t: t, index: i}
		}
	}
	t.phases = append(t.phases, p)
	return Lap{t: t, index: len(t.phases) - 1}
}

// Duration returns the recorded duration of the phase name.
func (t *Timer) Duration(name string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.phases {
		if p.Name == name {
			return p.Duration
		}
	}
	return 0
}

// Elapsed is the time since the timer was created.
func (t *Timer) Elapsed() time.Duration {
	return t.clock.Since(t.start)
}

// Phases returns the phases in start order.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Phase, len(t.phases))
	copy(out, t.phases)
	return out
}

// String renders "name: phase=duration ... total=duration", or "" when
// disabled.
func (t *Timer) String() string {
	if !t.enabled {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(t.name)
	sb.WriteByte(':')
	for _, p := range t.Phases() {
		sb.WriteString(" " + strings.ReplaceAll(p.Name, " ", "_") + "=" + p.Duration.String())
	}
	sb.WriteString(" total=" + t.Elapsed().String())
	return sb.String()
}

// Report logs String at info level.
func (t *Timer) Report() {
	if t.enabled && t.logger != nil {
		t.logger.Info("%s", t.String())
	}
}
