package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/triviahost/pkg/audio"
)

// DefaultTick is the mixer period: how often the speaker writes to ffplay.
const DefaultTick = 20 * time.Millisecond

// OutputFactory opens ffplay-backed output contexts. The zero value is ready
// to use.
type OutputFactory struct {
	// Path is the ffplay binary. Defaults to "ffplay" resolved via PATH.
	Path string

	// Tick is the mixer period. Defaults to [DefaultTick].
	Tick time.Duration
}

var _ audio.OutputFactory = (*OutputFactory)(nil)

// Open starts ffplay reading mono s16le at sampleRate from its stdin and
// returns a suspended [Speaker] driving it.
func (f *OutputFactory) Open(_ context.Context, sampleRate int) (audio.OutputContext, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid output sample rate %d", sampleRate)
	}
	bin := f.Path
	if bin == "" {
		bin = "ffplay"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found: %w", bin, audio.ErrDeviceUnavailable)
	}

	cmd := exec.Command(path, PlayerArgs(sampleRate)...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may otherwise pick a silent dummy backend.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("ffmpeg: start ffplay: %w", errors.Join(audio.ErrDeviceUnavailable, err))
	}

	s := newSpeaker(stdin, sampleRate, time.Now)
	s.stop = func() error {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil
	}
	tick := f.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	s.lead = tick
	go s.run(tick)
	return s, nil
}

// PlayerArgs returns the ffplay argument list for mono s16le input on stdin.
func PlayerArgs(sampleRate int) []string {
	return []string{
		"-hide_banner",
		"-nodisp",
		"-autoexit",
		"-nostats",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ch_layout", "mono",
		"-i", "pipe:0",
	}
}

// Speaker is an [audio.OutputContext] that mixes scheduled voices into a
// single PCM stream. Its clock is wall time elapsed while resumed; each step
// writes every frame up to the clock (plus a lead of one tick) into w.
// Frames already written cannot be changed, so Now reports the later of the
// clock and the end of the written stream.
type Speaker struct {
	w    io.Writer
	rate int
	now  func() time.Time
	lead time.Duration
	stop func() error

	mu        sync.Mutex
	suspended bool
	closed    bool
	base      time.Duration // clock value accumulated before the last resume
	resumedAt time.Time
	written   int64 // frames written to w
	voices    map[*voice]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

var _ audio.OutputContext = (*Speaker)(nil)

func newSpeaker(w io.Writer, rate int, now func() time.Time) *Speaker {
	return &Speaker{
		w:         w,
		rate:      rate,
		now:       now,
		suspended: true,
		voices:    make(map[*voice]struct{}),
		done:      make(chan struct{}),
	}
}

// SampleRate implements [audio.OutputContext].
func (s *Speaker) SampleRate() int { return s.rate }

// Now implements [audio.OutputContext]. A voice scheduled at Now starts
// exactly there.
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(s.clockLocked(), s.timeAt(s.written))
}

func (s *Speaker) clockLocked() time.Duration {
	if s.suspended {
		return s.base
	}
	return s.base + s.now().Sub(s.resumedAt)
}

// Suspended implements [audio.OutputContext].
func (s *Speaker) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Resume implements [audio.OutputContext].
func (s *Speaker) Resume(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrClosed
	}
	if s.suspended {
		s.suspended = false
		s.resumedAt = s.now()
	}
	return nil
}

// Suspend freezes the clock. Scheduled voices keep their positions.
func (s *Speaker) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		s.base = s.clockLocked()
		s.suspended = true
	}
}

// Schedule implements [audio.OutputContext]. Buffers at another rate or with
// more than one channel are converted to the speaker's mono format first.
func (s *Speaker) Schedule(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf == nil {
		return nil, errors.New("ffmpeg: schedule nil buffer")
	}
	samples := audio.Resample(audio.Mono(buf), s.rate)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, audio.ErrClosed
	}
	start := max(s.frameAt(at), s.written)
	v := &voice{
		s:       s,
		start:   start,
		samples: samples.Channels[0],
		onEnded: onEnded,
	}
	s.voices[v] = struct{}{}
	return v, nil
}

// frameAt maps a clock position to the nearest output frame.
func (s *Speaker) frameAt(d time.Duration) int64 {
	return (int64(d)*int64(s.rate) + int64(time.Second)/2) / int64(time.Second)
}

// timeAt is the clock position where frame n starts, rounded up to the next
// nanosecond.
func (s *Speaker) timeAt(n int64) time.Duration {
	rate := int64(s.rate)
	return time.Duration((n*int64(time.Second) + rate - 1) / rate)
}

func (s *Speaker) run(tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.step(); err != nil {
				slog.Warn("ffmpeg: speaker write failed", "err", err)
			}
		}
	}
}

// step mixes and writes every frame that is due. Voices that finish are
// removed and their onEnded callbacks run on new goroutines.
func (s *Speaker) step() error {
	s.mu.Lock()
	if s.suspended || s.closed {
		s.mu.Unlock()
		return nil
	}
	target := s.frameAt(s.clockLocked() + s.lead)
	from := s.written
	if target <= from {
		s.mu.Unlock()
		return nil
	}
	mix := make([]float32, target-from)
	var finished []*voice
	for v := range s.voices {
		v.mixInto(mix, from)
		if v.start+int64(len(v.samples)) <= target {
			delete(s.voices, v)
			finished = append(finished, v)
		}
	}
	s.written = target
	s.mu.Unlock()

	for _, v := range finished {
		v.finish()
	}
	if _, err := s.w.Write(audio.EncodePCM16(mix)); err != nil {
		return fmt.Errorf("ffmpeg: write pcm: %w", err)
	}
	return nil
}

// Close implements [audio.OutputContext]. Every scheduled voice ends.
func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		voices := make([]*voice, 0, len(s.voices))
		for v := range s.voices {
			voices = append(voices, v)
		}
		clear(s.voices)
		s.mu.Unlock()
		for _, v := range voices {
			v.finish()
		}
		if c, ok := s.w.(io.Closer); ok {
			_ = c.Close()
		}
		if s.stop != nil {
			err = s.stop()
		}
	})
	return err
}

// voice is one scheduled buffer, positioned in output frames.
type voice struct {
	s       *Speaker
	start   int64
	samples []float32
	onEnded func()
	once    sync.Once
}

// mixInto adds the part of v overlapping [from, from+len(mix)) into mix.
func (v *voice) mixInto(mix []float32, from int64) {
	lo := max(v.start, from)
	hi := min(v.start+int64(len(v.samples)), from+int64(len(mix)))
	for f := lo; f < hi; f++ {
		mix[f-from] += v.samples[f-v.start]
	}
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.s.mu.Lock()
	_, live := v.s.voices[v]
	delete(v.s.voices, v)
	v.s.mu.Unlock()
	if live {
		v.finish()
	}
}

func (v *voice) finish() {
	v.once.Do(func() {
		if v.onEnded != nil {
			go v.onEnded()
		}
	})
}
