package scaling

// sampleRing keeps the last n utilisation samples. Not safe for
// concurrent use; the scaler loop is the only writer.
type sampleRing struct {
	buf  []float64
	next int
	n    int
}

func newSampleRing(size int) *sampleRing {
	if size < 1 {
		size = 1
	}
	return &sampleRing{buf: make([]float64, size)}
}

func (r *sampleRing) Add(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// Full reports whether the window has enough samples for a decision.
func (r *sampleRing) Full() bool { return r.n == len(r.buf) }

// Average returns the mean of the collected samples, 0 when empty.
func (r *sampleRing) Average() float64 {
	if r.n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < r.n; i++ {
		sum += r.buf[i]
	}
	return sum / float64(r.n)
}

// Resize replaces the window, dropping history when the size changes.
func (r *sampleRing) Resize(size int) {
	if size < 1 {
		size = 1
	}
	if size == len(r.buf) {
		return
	}
	r.buf = make([]float64, size)
	r.next = 0
	r.n = 0
}
