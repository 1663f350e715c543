package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrDecode is matched (via errors.Is) by every error returned from [DecodePCM16].
var ErrDecode = errors.New("audio: malformed pcm")

// DecodeError describes why a PCM payload could not be decoded.
type DecodeError struct {
	Bytes      int
	SampleRate int
	Channels   int
	Reason     string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("audio: decode pcm16 (%d bytes, %s): %s",
		e.Bytes, formatString(e.SampleRate, e.Channels), e.Reason)
}

// Is reports whether target is [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; positive values scale by 32767 and negative
// values by 32768, so -1 maps to -32768 and 1 to 32767.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(toInt16(s)))
	}
	return out
}

// DecodePCM16 splits interleaved little-endian int16 PCM into a [Buffer] with
// one plane per channel. Samples are divided by 32768, giving values in
// [-1, 1). A payload whose length is not a whole number of frames is rejected;
// empty payloads decode to an empty buffer.
func DecodePCM16(data []byte, sampleRate, channels int) (*Buffer, error) {
	fail := func(reason string) (*Buffer, error) {
		return nil, &DecodeError{Bytes: len(data), SampleRate: sampleRate, Channels: channels, Reason: reason}
	}
	if sampleRate <= 0 {
		return fail("sample rate must be positive")
	}
	if channels <= 0 {
		return fail("channel count must be positive")
	}
	frameBytes := 2 * channels
	if len(data)%frameBytes != 0 {
		return fail(fmt.Sprintf("length is not a multiple of %d", frameBytes))
	}

	frames := len(data) / frameBytes
	planes := make([][]float32, channels)
	for c := range planes {
		planes[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			v := int16(binary.LittleEndian.Uint16(data[(i*channels+c)*2:]))
			planes[c][i] = float32(v) / 32768
		}
	}
	return &Buffer{Channels: planes, SampleRate: sampleRate}, nil
}

// Level returns the RMS level of samples in [0, 1]. An empty block is silent.
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(clamp(s))
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	case math.IsNaN(float64(s)):
		return 0
	}
	return s
}

func toInt16(s float32) int16 {
	s = clamp(s)
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}
