// Package mock provides in-memory implementations of the [audio.MicrophoneSource],
// [audio.Microphone], [audio.OutputFactory] and [audio.OutputContext] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The output context runs on a manual clock: it only moves when the test calls
// [OutputContext.Advance], which also fires onEnded for every voice that has
// finished playing by the new clock position.
//
// Typical usage:
//
//	mics := &mock.MicrophoneSource{}
//	outs := &mock.OutputFactory{}
//	// ... connect the code under test ...
//	mics.Last().Push(make([]float32, 4096))
//	outs.Last().Advance(500 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/triviahost/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Blocks are
// injected with [Microphone.Push].
type Microphone struct {
	mu     sync.Mutex
	once   sync.Once
	frames chan []float32
	closed bool

	// CloseError is returned by [Microphone.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewMicrophone returns a microphone whose frame channel buffers up to
// capacity blocks.
func NewMicrophone(capacity int) *Microphone {
	return &Microphone{frames: make(chan []float32, capacity)}
}

// Frames implements [audio.Microphone].
func (m *Microphone) Frames() <-chan []float32 {
	m.init()
	return m.frames
}

// Push delivers one block to the consumer. It reports false if the
// microphone is closed or the buffer is full.
func (m *Microphone) Push(block []float32) bool {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case m.frames <- block:
		return true
	default:
		return false
	}
}

// Close implements [audio.Microphone]. It closes the frame channel once and
// returns CloseError on every call.
func (m *Microphone) Close() error {
	m.init()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	if !m.closed {
		m.closed = true
		close(m.frames)
	}
	return m.CloseError
}

// Closed reports whether Close has been called.
func (m *Microphone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Microphone) init() {
	m.once.Do(func() {
		if m.frames == nil {
			m.frames = make(chan []float32, 64)
		}
	})
}

// ─── MicrophoneSource ─────────────────────────────────────────────────────────

// MicrophoneSource is a mock implementation of [audio.MicrophoneSource].
// Each successful Open creates a fresh [Microphone] unless OpenResult is set.
type MicrophoneSource struct {
	mu sync.Mutex

	// OpenResult, if non-nil, is returned by every Open call.
	OpenResult *Microphone

	// OpenError is returned by Open. When set, no microphone is returned.
	OpenError error

	// Gate, if non-nil, makes Open block until the channel is closed or the
	// context is cancelled. Use it to hold a connect attempt mid-flight.
	Gate chan struct{}

	// OpenCalls records the config of every Open invocation.
	OpenCalls []audio.MicrophoneConfig

	opened []*Microphone
}

// Open implements [audio.MicrophoneSource].
func (s *MicrophoneSource) Open(ctx context.Context, cfg audio.MicrophoneConfig) (audio.Microphone, error) {
	s.mu.Lock()
	s.OpenCalls = append(s.OpenCalls, cfg)
	gate := s.Gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenError != nil {
		return nil, s.OpenError
	}
	mic := s.OpenResult
	if mic == nil {
		mic = NewMicrophone(64)
	}
	s.opened = append(s.opened, mic)
	return mic, nil
}

// Opened returns every microphone handed out so far, in order.
func (s *MicrophoneSource) Opened() []*Microphone {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Microphone, len(s.opened))
	copy(out, s.opened)
	return out
}

// OpenCount returns the number of Open calls so far, including failed ones.
func (s *MicrophoneSource) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

// Last returns the most recently opened microphone, or nil.
func (s *MicrophoneSource) Last() *Microphone {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opened) == 0 {
		return nil
	}
	return s.opened[len(s.opened)-1]
}

// ─── OutputContext ────────────────────────────────────────────────────────────

// ScheduleCall records a single [OutputContext.Schedule] invocation.
type ScheduleCall struct {
	// Buffer is the scheduled buffer.
	Buffer *audio.Buffer
	// At is the requested start position.
	At time.Duration
	// Start is the effective start position: max(At, clock at schedule time).
	Start time.Duration
	// End is Start plus the buffer's duration.
	End time.Duration
	// Voice is the handle returned to the caller.
	Voice *Voice
}

// Voice is the mock [audio.Voice] returned by [OutputContext.Schedule].
type Voice struct {
	mu      sync.Mutex
	ended   bool
	stopped bool
	onEnded func()
}

// Stop implements [audio.Voice]. onEnded fires once on a new goroutine.
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	if cb := v.end(); cb != nil {
		go cb()
	}
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// Ended reports whether the voice has finished, by stopping or by playing out.
func (v *Voice) Ended() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.ended
}

// end marks the voice ended and returns its callback the first time only.
func (v *Voice) end() func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ended {
		return nil
	}
	v.ended = true
	return v.onEnded
}

// OutputContext is a mock implementation of [audio.OutputContext] driven by a
// manual clock.
type OutputContext struct {
	mu        sync.Mutex
	rate      int
	now       time.Duration
	suspended bool
	closed    bool
	schedules []ScheduleCall

	// ResumeError is returned by Resume.
	ResumeError error

	// ScheduleError is returned by Schedule. When set, nothing is scheduled.
	ScheduleError error

	// CloseError is returned by Close.
	CloseError error

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutputContext returns a suspended context at sampleRate with its clock at zero.
func NewOutputContext(sampleRate int) *OutputContext {
	return &OutputContext{rate: sampleRate, suspended: true}
}

// SampleRate implements [audio.OutputContext].
func (o *OutputContext) SampleRate() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rate
}

// Now implements [audio.OutputContext].
func (o *OutputContext) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Suspended implements [audio.OutputContext].
func (o *OutputContext) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Resume implements [audio.OutputContext].
func (o *OutputContext) Resume(context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountResume++
	if o.ResumeError != nil {
		return o.ResumeError
	}
	o.suspended = false
	return nil
}

// Schedule implements [audio.OutputContext]. onEnded fires from [OutputContext.Advance]
// once the clock passes the voice's end, or asynchronously after Stop.
func (o *OutputContext) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrClosed
	}
	if o.ScheduleError != nil {
		return nil, o.ScheduleError
	}
	v := &Voice{onEnded: onEnded}
	start := max(at, o.now)
	o.schedules = append(o.schedules, ScheduleCall{
		Buffer: buf,
		At:     at,
		Start:  start,
		End:    start + buf.Duration(),
		Voice:  v,
	})
	return v, nil
}

// Advance moves the clock forward by d and synchronously fires onEnded for
// every voice whose end position has been reached.
func (o *OutputContext) Advance(d time.Duration) {
	o.mu.Lock()
	if !o.suspended && !o.closed {
		o.now += d
	}
	now := o.now
	var due []func()
	for _, sc := range o.schedules {
		if sc.End <= now {
			if cb := sc.Voice.end(); cb != nil {
				due = append(due, cb)
			}
		}
	}
	o.mu.Unlock()
	for _, cb := range due {
		cb()
	}
}

// Schedules returns every recorded Schedule call, in order.
func (o *OutputContext) Schedules() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.schedules))
	copy(out, o.schedules)
	return out
}

// Playing returns the number of voices that have not yet ended.
func (o *OutputContext) Playing() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, sc := range o.schedules {
		if !sc.Voice.Ended() {
			n++
		}
	}
	return n
}

// Closed reports whether Close has been called.
func (o *OutputContext) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Close implements [audio.OutputContext]. Every unfinished voice is stopped.
func (o *OutputContext) Close() error {
	o.mu.Lock()
	o.CallCountClose++
	o.closed = true
	voices := make([]*Voice, 0, len(o.schedules))
	for _, sc := range o.schedules {
		voices = append(voices, sc.Voice)
	}
	err := o.CloseError
	o.mu.Unlock()
	for _, v := range voices {
		v.Stop()
	}
	return err
}

// ─── OutputFactory ────────────────────────────────────────────────────────────

// OutputFactory is a mock implementation of [audio.OutputFactory]. Each
// successful Open creates a fresh [OutputContext].
type OutputFactory struct {
	mu sync.Mutex

	// OpenError is returned by Open. When set, no context is returned.
	OpenError error

	// ResumeError is copied into every context the factory creates.
	ResumeError error

	// Gate, if non-nil, makes Open block until the channel is closed or the
	// context is cancelled.
	Gate chan struct{}

	// OpenCalls records the sample rate of every Open invocation.
	OpenCalls []int

	opened []*OutputContext
}

// Open implements [audio.OutputFactory].
func (f *OutputFactory) Open(ctx context.Context, sampleRate int) (audio.OutputContext, error) {
	f.mu.Lock()
	f.OpenCalls = append(f.OpenCalls, sampleRate)
	gate := f.Gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.OpenError != nil {
		return nil, f.OpenError
	}
	oc := NewOutputContext(sampleRate)
	oc.ResumeError = f.ResumeError
	f.opened = append(f.opened, oc)
	return oc, nil
}

// Opened returns every context handed out so far, in order.
func (f *OutputFactory) Opened() []*OutputContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*OutputContext, len(f.opened))
	copy(out, f.opened)
	return out
}

// Last returns the most recently opened context, or nil.
func (f *OutputFactory) Last() *OutputContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.opened) == 0 {
		return nil
	}
	return f.opened[len(f.opened)-1]
}

// Compile-time interface assertions.
var (
	_ audio.Microphone       = (*Microphone)(nil)
	_ audio.MicrophoneSource = (*MicrophoneSource)(nil)
	_ audio.Voice            = (*Voice)(nil)
	_ audio.OutputContext    = (*OutputContext)(nil)
	_ audio.OutputFactory    = (*OutputFactory)(nil)
)
