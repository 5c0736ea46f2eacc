package capture

// Resampler converts a mono stream between rates by linear interpolation. It
// keeps the last input sample and the fractional read position between calls
// so consecutive blocks join without clicks or drift.
type Resampler struct {
	from, to int
	step     float64
	pos      float64
	prev     float32
	hasPrev  bool
}

func NewResampler(from, to int) *Resampler {
	return &Resampler{from: from, to: to, step: float64(from) / float64(to)}
}

// Process returns the resampled block for in.
func (r *Resampler) Process(in []float32) []float32 {
	if len(in) == 0 {
		return nil
	}
	if r.from == r.to || r.from <= 0 || r.to <= 0 {
		return append([]float32(nil), in...)
	}

	x := in
	if r.hasPrev {
		x = make([]float32, len(in)+1)
		x[0] = r.prev
		copy(x[1:], in)
	}
	last := float64(len(x) - 1)
	out := make([]float32, 0, int(last/r.step)+1)
	for ; r.pos < last; r.pos += r.step {
		i := int(r.pos)
		frac := float32(r.pos - float64(i))
		out = append(out, x[i]+(x[i+1]-x[i])*frac)
	}
	r.pos -= last
	r.prev = x[len(x)-1]
	r.hasPrev = true
	return out
}
