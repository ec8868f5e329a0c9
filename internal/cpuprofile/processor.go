package cpuprofile

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vm-profiler/pkg/utils"
)

// StackSource produces raw samples of the profiled program. It is called
// from the sampler goroutine once per tick; ok=false skips the tick.
type StackSource interface {
	Sample(ctx context.Context) (sample TickSample, ok bool)
}

// StackSourceFunc adapts a function to StackSource.
type StackSourceFunc func(ctx context.Context) (TickSample, bool)

// Sample calls f.
func (f StackSourceFunc) Sample(ctx context.Context) (TickSample, bool) { return f(ctx) }

// CodeEventType identifies a change in the code space.
type CodeEventType int

const (
	CodeCreated CodeEventType = iota
	CodeMoved
	CodeDeleted
	SharedFunctionMoved
)

func (t CodeEventType) String() string {
	switch t {
	case CodeCreated:
		return "code-created"
	case CodeMoved:
		return "code-moved"
	case CodeDeleted:
		return "code-deleted"
	case SharedFunctionMoved:
		return "shared-function-moved"
	default:
		return "unknown"
	}
}

// CodeEvent describes one change of the code space. Start and Size with
// Entry are used by CodeCreated; From and To by the move events; Start by
// CodeDeleted. When Shared is set on a CodeCreated event, the entry is given
// the shared id of the function at that address.
type CodeEvent struct {
	Type   CodeEventType
	Start  Address
	Size   uint64
	Entry  *CodeEntry
	Shared Address
	From   Address
	To     Address
}

func applyCodeEvent(m *CodeMap, ev CodeEvent) {
	switch ev.Type {
	case CodeCreated:
		if ev.Shared != 0 {
			ev.Entry.SetSharedID(m.GetSharedID(ev.Shared))
		}
		m.AddCode(ev.Start, ev.Entry, ev.Size)
	case CodeMoved, SharedFunctionMoved:
		m.MoveCode(ev.From, ev.To)
	case CodeDeleted:
		m.DeleteCode(ev.Start)
	}
}

// SamplerStats are counters kept by the sampling pipeline.
type SamplerStats struct {
	Taken    uint64
	Dropped  uint64
	Recorded uint64
}

// Sampler polls a StackSource at a fixed interval and hands samples over
// through a single slot. A sample taken while the slot is still occupied is
// dropped.
type Sampler struct {
	source   StackSource
	interval time.Duration
	clock    utils.Clock
	slot     chan TickSample

	taken   atomic.Uint64
	dropped atomic.Uint64
}

// NewSampler creates a sampler. The returned sampler does nothing until Run.
func NewSampler(source StackSource, interval time.Duration, clock utils.Clock) *Sampler {
	if clock == nil {
		clock = utils.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultSamplingIntervalMs * time.Millisecond
	}
	return &Sampler{
		source:   source,
		interval: interval,
		clock:    clock,
		slot:     make(chan TickSample, 1),
	}
}

// Samples is the handoff slot read by the processor.
func (s *Sampler) Samples() <-chan TickSample {
	return s.slot
}

// Run samples until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	sample, ok := s.source.Sample(ctx)
	if !ok {
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.clock.Now()
	}
	s.taken.Add(1)
	select {
	case s.slot <- sample:
	default:
		s.dropped.Add(1)
	}
}

// DefaultCodeEventsBuffer is the default capacity of the code event queue.
const DefaultCodeEventsBuffer = 1024

// Processor owns the generator's CodeMap while profiling. It applies code
// events and records samples on a single goroutine. Code events queued
// before a sample is picked up are applied before it.
type Processor struct {
	generator *ProfileGenerator
	samples   <-chan TickSample
	events    chan CodeEvent
	logger    utils.Logger

	recorded atomic.Uint64
}

// NewProcessor creates a processor reading samples from the given slot.
// eventsBuffer is the capacity of the code event queue, 0 for the default.
func NewProcessor(generator *ProfileGenerator, samples <-chan TickSample, eventsBuffer int, logger utils.Logger) *Processor {
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	if eventsBuffer <= 0 {
		eventsBuffer = DefaultCodeEventsBuffer
	}
	return &Processor{
		generator: generator,
		samples:   samples,
		events:    make(chan CodeEvent, eventsBuffer),
		logger:    logger,
	}
}

// Enqueue schedules a code event. It blocks when the queue is full.
func (p *Processor) Enqueue(ev CodeEvent) {
	p.events <- ev
}

// Run processes events and samples until ctx is done. Pending code events are
// applied before returning so the CodeMap is complete for the next session.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.drainEvents()
			p.logger.Debug("processor stopped after %d samples", p.recorded.Load())
			return nil
		case ev := <-p.events:
			applyCodeEvent(p.generator.codeMap, ev)
		case sample := <-p.samples:
			p.drainEvents()
			p.generator.RecordTickSample(sample)
			p.generator.Tick()
			p.recorded.Add(1)
		}
	}
}

func (p *Processor) drainEvents() {
	for {
		select {
		case ev := <-p.events:
			applyCodeEvent(p.generator.codeMap, ev)
		default:
			return
		}
	}
}
