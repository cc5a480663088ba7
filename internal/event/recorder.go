package event

// Recorder buffers events raised during a single use case. It never touches
// storage or the network. The zero value is ready to use.
type Recorder struct {
	pending []Event
}

// Record appends e to the pending buffer.
func (r *Recorder) Record(e Event) {
	r.pending = append(r.pending, e)
}

// Drain returns the buffered events in raise order and empties the buffer.
func (r *Recorder) Drain() []Event {
	if len(r.pending) == 0 {
		return nil
	}
	out := r.pending
	r.pending = nil
	return out
}

func (r *Recorder) Len() int { return len(r.pending) }
