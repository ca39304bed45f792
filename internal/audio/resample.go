// Package audio holds the PCM sample-rate conversion used on both the
// capture and playback paths. Samples are 16-bit little-endian mono.
package audio

import "encoding/binary"

const sampleBytes = 2

// Resample converts a whole buffer from fromRate to toRate using linear
// interpolation. Output length is floor(inputSamples * toRate/fromRate).
// Inputs too short to interpolate produce empty output, never an error.
func Resample(pcm []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return pcm
	}
	n := len(pcm) / sampleBytes
	if n == 0 {
		return nil
	}
	outN := n * toRate / fromRate
	step := float64(fromRate) / float64(toRate)
	out := make([]byte, 0, outN*sampleBytes)
	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < n {
			s1 = sampleAt(pcm, idx+1)
		}
		v := clampInt16(float64(s0) + (float64(s1)-float64(s0))*frac)
		out = appendSample(out, v)
	}
	return out
}

// StreamResampler converts a chunked PCM stream without losing or duplicating
// samples at chunk boundaries. It keeps a fractional read cursor and a
// carry-over of not-yet-consumed input bytes; the carry length is always a
// multiple of the sample width.
type StreamResampler struct {
	fromRate int
	toRate   int
	pos      float64
	carry    []byte
}

func NewStreamResampler(fromRate, toRate int) *StreamResampler {
	return &StreamResampler{fromRate: fromRate, toRate: toRate}
}

// Process appends chunk to the carry-over and emits every output sample whose
// source position falls within the available input.
func (r *StreamResampler) Process(chunk []byte) []byte {
	r.carry = append(r.carry, chunk...)
	return r.drain()
}

// Flush emits the fractional output implied by the current cursor by
// duplicating the final input sample once, then clears all state.
func (r *StreamResampler) Flush() []byte {
	if len(r.carry) < sampleBytes {
		r.reset()
		return nil
	}
	r.carry = append(r.carry, r.carry[len(r.carry)-sampleBytes:]...)
	out := r.drain()
	r.reset()
	return out
}

func (r *StreamResampler) drain() []byte {
	n := len(r.carry) / sampleBytes
	step := float64(r.fromRate) / float64(r.toRate)
	var out []byte
	for int(r.pos)+1 < n {
		idx := int(r.pos)
		frac := r.pos - float64(idx)
		s0 := sampleAt(r.carry, idx)
		s1 := sampleAt(r.carry, idx+1)
		v := clampInt16(float64(s0) + (float64(s1)-float64(s0))*frac)
		out = appendSample(out, v)
		r.pos += step
	}

	// Trim whole consumed samples, converting the cursor to the new local frame.
	consumed := int(r.pos)
	if consumed > n {
		consumed = n
	}
	if consumed > 0 {
		remain := copy(r.carry, r.carry[consumed*sampleBytes:])
		r.carry = r.carry[:remain]
		r.pos -= float64(consumed)
	}
	return out
}

func (r *StreamResampler) reset() {
	r.pos = 0
	r.carry = nil
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*sampleBytes:]))
}

func appendSample(out []byte, v int16) []byte {
	return binary.LittleEndian.AppendUint16(out, uint16(v))
}

func clampInt16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
