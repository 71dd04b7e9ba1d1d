package audio

import "time"

// BytesPerSample is the width of one PCM16LE mono sample.
const BytesPerSample = 2

// FrameBytes returns the buffer size of d worth of PCM16LE mono audio at the
// given sample rate.
func FrameBytes(sampleRate int, d time.Duration) int {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	return samples * BytesPerSample
}

// Split cuts pcm into frames of frameBytes each, preserving order. A final
// remainder shorter than frameBytes is appended as a short frame when it is
// at least minBytes long, and discarded otherwise.
func Split(pcm []byte, frameBytes, minBytes int) [][]byte {
	if frameBytes <= 0 || len(pcm) == 0 {
		return nil
	}
	frames := make([][]byte, 0, len(pcm)/frameBytes+1)
	off := 0
	for off+frameBytes <= len(pcm) {
		frames = append(frames, pcm[off:off+frameBytes])
		off += frameBytes
	}
	if rem := len(pcm) - off; rem >= minBytes && rem > 0 {
		frames = append(frames, pcm[off:])
	}
	return frames
}

// Silence returns d worth of zero-valued PCM16LE mono samples at the given
// sample rate. Silence is explicit zero samples, never a zero-length buffer.
func Silence(sampleRate int, d time.Duration) []byte {
	return make([]byte, FrameBytes(sampleRate, d))
}
