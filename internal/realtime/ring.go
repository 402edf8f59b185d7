package realtime

// ring is a bounded buffer of the most recent events for one home.
// Stream ids are monotonic per home; the ring window is what a client
// may resume from.
type ring struct {
	buf  []Event
	size int
	// next is the id the next appended event receives (ids start at 1).
	next int64
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, 0, size), size: size, next: 1}
}

func (r *ring) append(ev Event) Event {
	ev.ID = r.next
	r.next++
	if len(r.buf) == r.size {
		copy(r.buf, r.buf[1:])
		r.buf[len(r.buf)-1] = ev
	} else {
		r.buf = append(r.buf, ev)
	}
	return ev
}

// since returns a copy of events with id > afterID and whether afterID is
// still inside the retained window. afterID == latest id yields an empty
// replay and ok.
func (r *ring) since(afterID int64) ([]Event, bool) {
	oldest := r.next - int64(len(r.buf))
	if afterID+1 < oldest {
		return nil, false
	}
	var out []Event
	for _, ev := range r.buf {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, true
}
