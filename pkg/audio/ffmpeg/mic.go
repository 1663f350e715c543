// Package ffmpeg implements the [audio.MicrophoneSource] and [audio.OutputFactory]
// interfaces on top of the ffmpeg and ffplay command-line tools.
//
// Capture runs ffmpeg against the platform's default input device (PulseAudio
// on Linux, AVFoundation on macOS) and reads raw s16le PCM from its stdout.
// Playback pipes raw s16le PCM into ffplay's stdin from a tick-driven mixer
// that owns the output clock.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/MrWong99/triviahost/pkg/audio"
)

// MicrophoneSource opens the default capture device through ffmpeg.
// The zero value is ready to use.
type MicrophoneSource struct {
	// Path is the ffmpeg binary. Defaults to "ffmpeg" resolved via PATH.
	Path string

	// Device overrides the input device name ("default" on Linux, ":0" on macOS).
	Device string

	// Buffered is the frame channel capacity. Defaults to 8 blocks.
	Buffered int
}

var _ audio.MicrophoneSource = (*MicrophoneSource)(nil)

// Open starts ffmpeg and waits for the first full block, so that device and
// permission failures are reported here rather than on the frame channel.
func (s *MicrophoneSource) Open(ctx context.Context, cfg audio.MicrophoneConfig) (audio.Microphone, error) {
	if cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("ffmpeg: invalid microphone config (rate %d, block %d)", cfg.SampleRate, cfg.BlockSize)
	}
	bin := s.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found: %w", bin, audio.ErrDeviceUnavailable)
	}
	args, err := MicArgs(runtime.GOOS, s.Device, cfg)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start capture: %w", errors.Join(audio.ErrDeviceUnavailable, err))
	}

	buffered := s.Buffered
	if buffered <= 0 {
		buffered = 8
	}
	first := make(chan error, 1)
	m := startMicrophone(stdout, cfg, buffered, first,
		func() { _ = cmd.Process.Kill() },
		cmd.Wait,
	)

	select {
	case err := <-first:
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("ffmpeg: capture: %w", classifyStderr(stderr.String()))
		}
	case <-ctx.Done():
		_ = m.Close()
		return nil, ctx.Err()
	}
	slog.Debug("ffmpeg: microphone open", "rate", cfg.SampleRate, "block", cfg.BlockSize, "pid", cmd.Process.Pid)
	return m, nil
}

// MicArgs returns the ffmpeg argument list that captures mono s16le PCM at
// cfg.SampleRate from the default device of goos. Noise suppression and auto
// gain control map to the afftdn and dynaudnorm filters. Echo cancellation has
// no portable ffmpeg filter and is ignored.
func MicArgs(goos, device string, cfg audio.MicrophoneConfig) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", device}
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	default:
		return nil, fmt.Errorf("ffmpeg: microphone capture is not implemented for %s: %w", goos, audio.ErrDeviceUnavailable)
	}

	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, input...)
	var filters []string
	if cfg.NoiseSuppression {
		filters = append(filters, "afftdn")
	}
	if cfg.AutoGainControl {
		filters = append(filters, "dynaudnorm")
	}
	if len(filters) > 0 {
		args = append(args, "-af", strings.Join(filters, ","))
	}
	return append(args,
		"-ac", "1",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-f", "s16le", "-",
	), nil
}

// classifyStderr maps ffmpeg's diagnostic output on an early exit to a
// device error category.
func classifyStderr(msg string) error {
	msg = strings.TrimSpace(msg)
	lower := strings.ToLower(msg)
	for _, marker := range []string{"permission denied", "not authorized", "operation not permitted", "access denied"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s", audio.ErrPermissionDenied, msg)
		}
	}
	if msg == "" {
		return audio.ErrDeviceUnavailable
	}
	return fmt.Errorf("%w: %s", audio.ErrDeviceUnavailable, msg)
}

// Microphone is a running ffmpeg capture process.
type Microphone struct {
	frames chan []float32
	kill   func()
	wait   func() error

	done      chan struct{}
	stopped   chan struct{} // closed when the reader has exited
	closeOnce sync.Once
}

// startMicrophone starts the reader on r. kill must make r return; wait reaps
// the process once the reader is done with r.
func startMicrophone(r io.Reader, cfg audio.MicrophoneConfig, buffered int, first chan<- error, kill func(), wait func() error) *Microphone {
	m := &Microphone{
		frames:  make(chan []float32, buffered),
		kill:    kill,
		wait:    wait,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run(r, cfg, first)
	return m
}

var _ audio.Microphone = (*Microphone)(nil)

// Frames implements [audio.Microphone].
func (m *Microphone) Frames() <-chan []float32 { return m.frames }

// Close kills ffmpeg and waits for it to exit. The process is reaped only
// after the reader has stopped reading its stdout. Safe to call more than once.
func (m *Microphone) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.kill != nil {
			m.kill()
		}
		<-m.stopped
		if m.wait != nil {
			_ = m.wait()
		}
	})
	return nil
}

func (m *Microphone) run(r io.Reader, cfg audio.MicrophoneConfig, first chan<- error) {
	defer close(m.stopped)
	defer close(m.frames)
	err := readBlocks(r, cfg.BlockSize, cfg.SampleRate, m.frames, m.done, func() { first <- nil })
	select {
	case first <- err:
	default:
	}
	select {
	case <-m.done:
		return
	default:
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		slog.Warn("ffmpeg: microphone read failed", "err", err)
	}
}

// readBlocks reads whole blocks of blockSize s16le samples from r, decodes
// them, and delivers them on out. Blocks are dropped rather than queued when
// out is full. onFirst runs once, after the first block is read.
func readBlocks(r io.Reader, blockSize, rate int, out chan<- []float32, done <-chan struct{}, onFirst func()) error {
	raw := make([]byte, blockSize*2)
	for n := 0; ; n++ {
		if _, err := io.ReadFull(r, raw); err != nil {
			if n == 0 && err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if n == 0 && onFirst != nil {
			onFirst()
		}
		buf, err := audio.DecodePCM16(raw, rate, 1)
		if err != nil {
			return err
		}
		select {
		case out <- buf.Channels[0]:
		case <-done:
			return nil
		default:
			slog.Debug("ffmpeg: microphone consumer slow, dropping block")
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
