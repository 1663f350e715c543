// Package audio defines the PCM codec, the playable buffer type, and the device
// abstractions used by the realtime session manager.
//
// The two device abstractions mirror what a browser audio stack offers:
//
//   - [MicrophoneSource] opens a [Microphone], which delivers fixed-size blocks
//     of mono float samples at the requested input rate.
//   - [OutputFactory] opens an [OutputContext]: an output clock plus a
//     scheduler that plays [Buffer] values at absolute times on that clock.
//
// Implementations live in adapter packages (audio/ffmpeg for real devices,
// audio/mock for tests). The interfaces are intentionally narrow so that the
// session manager never depends on a concrete device.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by [MicrophoneSource.Open] when the
	// platform refuses access to the capture device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceUnavailable is returned when no usable device (or device
	// backend binary) exists.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("audio: device closed")
)

// MicrophoneConfig describes the requested capture format and the signal
// processing the platform should apply, if it can.
type MicrophoneConfig struct {
	// SampleRate is the capture rate in Hz (e.g. 16000).
	SampleRate int

	// BlockSize is the number of samples per delivered block (e.g. 4096).
	BlockSize int

	// EchoCancellation, NoiseSuppression and AutoGainControl are requests,
	// not guarantees. Devices that cannot honour them ignore them.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// Microphone is an open capture stream.
//
// Frames is closed when the microphone is closed or the device fails. Close
// stops all underlying tracks and is safe to call more than once.
type Microphone interface {
	// Frames returns the channel of captured blocks. Each block holds exactly
	// BlockSize mono samples in [-1, 1]. The receiver owns each slice.
	Frames() <-chan []float32

	// Close stops capture and releases the device.
	Close() error
}

// MicrophoneSource acquires microphones.
type MicrophoneSource interface {
	// Open requests access to the capture device. It returns an error
	// matching [ErrPermissionDenied] or [ErrDeviceUnavailable] where the
	// failure can be categorised.
	Open(ctx context.Context, cfg MicrophoneConfig) (Microphone, error)
}

// Voice is a handle to one scheduled buffer.
type Voice interface {
	// Stop silences the buffer immediately, whether or not it has started.
	// The onEnded callback passed to [OutputContext.Schedule] still fires
	// exactly once. Stop is idempotent.
	Stop()
}

// OutputContext is an output audio clock with a sample-accurate scheduler.
//
// Implementations must be safe for concurrent use. onEnded callbacks are
// invoked on an internal goroutine, never while Schedule or Stop hold
// internal locks, so callers may re-enter the context from them.
type OutputContext interface {
	// SampleRate returns the fixed rate the context plays at.
	SampleRate() int

	// Now returns the current playback clock position. The clock starts at
	// zero when the context is opened and does not advance while suspended.
	Now() time.Duration

	// Suspended reports whether the context is waiting for Resume.
	Suspended() bool

	// Resume starts (or restarts) the clock.
	Resume(ctx context.Context) error

	// Schedule plays buf starting at clock position at. If at is in the past
	// playback starts immediately. onEnded may be nil.
	Schedule(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops every voice and releases the device. Idempotent.
	Close() error
}

// OutputFactory opens output contexts.
type OutputFactory interface {
	// Open acquires an output context running at sampleRate.
	Open(ctx context.Context, sampleRate int) (OutputContext, error)
}
