package registry

// frameRing is a bounded most-recent-N buffer of protocol frames. Not
// internally synchronized; the owning store's lock guards all access.
type frameRing struct {
	buf   []ProtocolFrame
	next  int
	count int
	total int
}

func newFrameRing(capacity int) *frameRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &frameRing{buf: make([]ProtocolFrame, capacity)}
}

// Push appends a frame, evicting the oldest when full
func (r *frameRing) Push(f ProtocolFrame) {
	r.buf[r.next] = f
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.total++
}

// Recent returns up to limit frames, newest first. The limit clamps to the
// ring capacity.
func (r *frameRing) Recent(limit int) []ProtocolFrame {
	if limit < 0 {
		limit = 0
	}
	if limit > r.count {
		limit = r.count
	}
	out := make([]ProtocolFrame, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Count returns the number of frames currently held
func (r *frameRing) Count() int {
	return r.count
}

// Total returns the number of frames ever recorded
func (r *frameRing) Total() int {
	return r.total
}

// Restore refills the ring from a persisted snapshot, oldest first
func (r *frameRing) Restore(frames []ProtocolFrame) {
	r.next, r.count, r.total = 0, 0, 0
	for i := range r.buf {
		r.buf[i] = ProtocolFrame{}
	}
	start := 0
	if len(frames) > len(r.buf) {
		start = len(frames) - len(r.buf)
	}
	for _, f := range frames[start:] {
		r.Push(f)
	}
	r.total = len(frames)
}
