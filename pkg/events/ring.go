package events

// ring keeps the most recent events of a stream
type ring struct {
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(ev Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = ev
		r.size++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// after returns retained events with Seq > seq, oldest first
func (r *ring) after(seq uint64) []Event {
	var res []Event
	for i := range r.size {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			res = append(res, ev)
		}
	}
	return res
}
