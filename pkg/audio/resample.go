package audio

// Resampler converts 16-bit little-endian mono PCM between sample rates
// by linear interpolation, carrying the fractional read position across
// calls so chunk boundaries stay seamless.
type Resampler struct {
	inRate  int
	outRate int
	pos     float64
}

func NewResampler(inRate, outRate int) *Resampler {
	if inRate <= 0 {
		inRate = 16000
	}
	if outRate <= 0 {
		outRate = 8000
	}
	return &Resampler{inRate: inRate, outRate: outRate}
}

// Process resamples one PCM chunk. Returns nil when the chunk carries
// no complete output samples.
func (r *Resampler) Process(pcm []byte) []byte {
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	if r.inRate == r.outRate {
		return pcm[:n*2]
	}
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
	}
	step := float64(r.inRate) / float64(r.outRate)
	var out []byte
	pos := r.pos
	for pos < float64(n) {
		idx := int(pos)
		frac := pos - float64(idx)
		a := samples[idx]
		b := a
		if idx+1 < n {
			b = samples[idx+1]
		}
		v := int32(float64(a) + frac*float64(int32(b)-int32(a)))
		out = append(out, byte(v), byte(v>>8))
		pos += step
	}
	r.pos = pos - float64(n)
	return out
}

// Reset clears carried state, e.g. after an upstream error.
func (r *Resampler) Reset() {
	r.pos = 0
}
