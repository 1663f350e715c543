package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/triviahost/pkg/audio"
)

func mono(rate int, samples ...float32) *audio.Buffer {
	return &audio.Buffer{Channels: [][]float32{samples}, SampleRate: rate}
}

func TestResample_SameRate(t *testing.T) {
	t.Parallel()
	buf := mono(24000, 0.1, 0.2, 0.3)
	if got := audio.Resample(buf, 24000); got != buf {
		t.Fatal("expected same buffer to be returned for matching rates")
	}
}

func TestResample_Upsample(t *testing.T) {
	t.Parallel()
	buf := mono(8000, 0, 0.5)
	got := audio.Resample(buf, 16000)
	if got.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", got.SampleRate)
	}
	if got.Frames() != 4 {
		t.Fatalf("Frames = %d, want 4", got.Frames())
	}
	// Linear interpolation inserts the midpoint between 0 and 0.5.
	if d := math.Abs(float64(got.Channels[0][1] - 0.25)); d > 1e-6 {
		t.Errorf("interpolated sample = %f, want 0.25", got.Channels[0][1])
	}
	if got.Duration() != buf.Duration() {
		t.Errorf("Duration = %v, want %v", got.Duration(), buf.Duration())
	}
}

func TestResample_Downsample(t *testing.T) {
	t.Parallel()
	buf := mono(48000, make([]float32, 4800)...)
	got := audio.Resample(buf, 16000)
	if got.Frames() != 1600 {
		t.Fatalf("Frames = %d, want 1600", got.Frames())
	}
}

func TestResample_InvalidRate(t *testing.T) {
	t.Parallel()
	buf := mono(0, 0.1)
	if got := audio.Resample(buf, 16000); got != buf {
		t.Fatal("expected unchanged buffer for invalid source rate")
	}
	if got := audio.Resample(nil, 16000); got != nil {
		t.Fatal("expected nil for nil buffer")
	}
}

func TestMono_AveragesChannels(t *testing.T) {
	t.Parallel()
	buf := &audio.Buffer{
		Channels:   [][]float32{{0.2, -0.4}, {0.4, -0.8}},
		SampleRate: 24000,
	}
	got := audio.Mono(buf)
	if len(got.Channels) != 1 {
		t.Fatalf("channels = %d, want 1", len(got.Channels))
	}
	want := []float32{0.3, -0.6}
	for i, w := range want {
		if d := math.Abs(float64(got.Channels[0][i] - w)); d > 1e-6 {
			t.Errorf("sample %d = %f, want %f", i, got.Channels[0][i], w)
		}
	}
}

func TestMono_PassThrough(t *testing.T) {
	t.Parallel()
	buf := mono(24000, 0.5)
	if got := audio.Mono(buf); got != buf {
		t.Fatal("expected mono buffer to be returned unchanged")
	}
}
