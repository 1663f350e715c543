package audio

import "fmt"

// Resample returns buf converted to dstRate using per-channel linear
// interpolation. If the rates already match (or either is invalid) buf is
// returned unchanged.
func Resample(buf *Buffer, dstRate int) *Buffer {
	if buf == nil || buf.SampleRate <= 0 || dstRate <= 0 || buf.SampleRate == dstRate {
		return buf
	}
	srcFrames := buf.Frames()
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(buf.SampleRate))

	out := &Buffer{Channels: make([][]float32, len(buf.Channels)), SampleRate: dstRate}
	ratio := float64(buf.SampleRate) / float64(dstRate)
	for c, plane := range buf.Channels {
		res := make([]float32, dstFrames)
		for i := range dstFrames {
			srcPos := float64(i) * ratio
			srcIdx := int(srcPos)
			frac := float32(srcPos - float64(srcIdx))

			s0 := plane[srcIdx]
			s1 := s0
			if srcIdx+1 < srcFrames {
				s1 = plane[srcIdx+1]
			}
			res[i] = s0*(1-frac) + s1*frac
		}
		out.Channels[c] = res
	}
	return out
}

// Mono mixes all channels of buf down to a single plane by averaging.
// A mono buffer is returned unchanged.
func Mono(buf *Buffer) *Buffer {
	if buf == nil || len(buf.Channels) <= 1 {
		return buf
	}
	n := buf.Frames()
	mixed := make([]float32, n)
	for _, plane := range buf.Channels {
		for i, s := range plane {
			mixed[i] += s
		}
	}
	scale := 1 / float32(len(buf.Channels))
	for i := range mixed {
		mixed[i] = clamp(mixed[i] * scale)
	}
	return &Buffer{Channels: [][]float32{mixed}, SampleRate: buf.SampleRate}
}

// formatString returns a human-readable format description like "48kHz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	switch {
	case channels == 2:
		ch = "stereo"
	case channels > 2:
		ch = fmt.Sprintf("%dch", channels)
	}
	if rate%1000 == 0 {
		return fmt.Sprintf("%dkHz %s", rate/1000, ch)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
