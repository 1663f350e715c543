package audio

import (
	"encoding/binary"
	"time"
)

// Buffer is a playable block of decoded audio: one float32 slice per channel,
// all of equal length, with samples in [-1, 1].
//
// Buffers produced by [DecodePCM16] are owned by whoever schedules them; the
// scheduler must not be given the same Buffer twice.
type Buffer struct {
	// Channels holds per-channel sample planes.
	Channels [][]float32

	// SampleRate in Hz (e.g. 24000 for model speech output).
	SampleRate int
}

// Frames returns the number of sample frames (samples per channel).
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback length of the buffer at its sample rate,
// rounded up to the next nanosecond so that a buffer placed at start+Duration
// never begins inside this one.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	rate := time.Duration(b.SampleRate)
	return (time.Duration(b.Frames())*time.Second + rate - 1) / rate
}

// Interleaved returns the samples interleaved frame by frame (L R L R ...).
func (b *Buffer) Interleaved() []float32 {
	n := b.Frames()
	ch := len(b.Channels)
	out := make([]float32, n*ch)
	for c, plane := range b.Channels {
		for i, s := range plane {
			out[i*ch+c] = s
		}
	}
	return out
}

// PCM16 returns the buffer re-encoded as interleaved little-endian int16 PCM.
func (b *Buffer) PCM16() []byte {
	return EncodePCM16(b.Interleaved())
}

// Slice returns the frames in [from, to) as interleaved int16 PCM bytes.
// Out-of-range bounds are clamped.
func (b *Buffer) Slice(from, to int) []byte {
	n := b.Frames()
	from = max(0, min(from, n))
	to = max(from, min(to, n))
	ch := len(b.Channels)
	out := make([]byte, (to-from)*ch*2)
	for i := from; i < to; i++ {
		for c, plane := range b.Channels {
			binary.LittleEndian.PutUint16(out[((i-from)*ch+c)*2:], uint16(toInt16(plane[i])))
		}
	}
	return out
}
