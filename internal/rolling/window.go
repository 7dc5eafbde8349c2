// Package rolling provides a fixed-capacity window of float64 samples.
//
// Every analytics component keeps bounded histories — OBI readings, order
// flow imbalances, volume buckets, log returns, minute closes — and they
// all share one access pattern: append at the end, evict from the front,
// read the newest n values. Window implements that once, as a ring, so
// hot paths never reslice or reallocate.
package rolling

// Window is a fixed-capacity FIFO of float64 samples. Once full, each
// Push evicts the oldest sample. Window is not safe for concurrent use;
// owners guard it with their own lock.
type Window struct {
	buf   []float64
	head  int // index of the oldest sample
	count int
}

// NewWindow returns an empty window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		panic("rolling: capacity must be positive")
	}
	return &Window{buf: make([]float64, capacity)}
}

// Push appends v, evicting the oldest sample when the window is full.
func (w *Window) Push(v float64) {
	if w.count < len(w.buf) {
		w.buf[(w.head+w.count)%len(w.buf)] = v
		w.count++
		return
	}
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
}

// SetLast overwrites the newest sample, or pushes v if the window is
// empty. Minute-sampled series use it to revise the current bar in place.
func (w *Window) SetLast(v float64) {
	if w.count == 0 {
		w.Push(v)
		return
	}
	w.buf[(w.head+w.count-1)%len(w.buf)] = v
}

// Len returns the number of stored samples.
func (w *Window) Len() int { return w.count }

// Cap returns the maximum number of samples.
func (w *Window) Cap() int { return len(w.buf) }

// FromEnd returns the sample n positions back from the newest (0 is the
// newest). The second result is false when fewer than n+1 samples exist.
func (w *Window) FromEnd(n int) (float64, bool) {
	if n < 0 || n >= w.count {
		return 0, false
	}
	return w.buf[(w.head+w.count-1-n)%len(w.buf)], true
}

// Values returns a copy of all samples, oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Tail returns a copy of the newest n samples (all of them if fewer
// exist), oldest first.
func (w *Window) Tail(n int) []float64 {
	if n > w.count {
		n = w.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	start := w.count - n
	for i := 0; i < n; i++ {
		out[i] = w.buf[(w.head+start+i)%len(w.buf)]
	}
	return out
}

// MeanTail returns the mean of the newest n samples, or 0 when empty.
func (w *Window) MeanTail(n int) float64 {
	if n > w.count {
		n = w.count
	}
	if n <= 0 {
		return 0
	}
	var sum float64
	start := w.count - n
	for i := 0; i < n; i++ {
		sum += w.buf[(w.head+start+i)%len(w.buf)]
	}
	return sum / float64(n)
}

// MaxTail returns the maximum of the newest n samples, or 0 when empty.
func (w *Window) MaxTail(n int) float64 {
	if n > w.count {
		n = w.count
	}
	if n <= 0 {
		return 0
	}
	start := w.count - n
	max := w.buf[(w.head+start)%len(w.buf)]
	for i := 1; i < n; i++ {
		if v := w.buf[(w.head+start+i)%len(w.buf)]; v > max {
			max = v
		}
	}
	return max
}
