// Package hub buffers pipeline log lines per run and fans them out to
// live subscribers. The report embeds a run's buffered lines as its
// pipeline log.
package hub

import "sync"

const defaultBufferCap = 1000

// ring keeps the most recent lines of one run.
type ring struct {
	buf   []string
	next  int
	total int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]string, 0, capacity)}
}

func (r *ring) push(line string) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, line)
	} else {
		r.buf[r.next] = line
	}
	r.next = (r.next + 1) % cap(r.buf)
	r.total++
}

// ordered returns a copy of the buffered lines, oldest first.
func (r *ring) ordered() []string {
	out := make([]string, 0, len(r.buf))
	if len(r.buf) < cap(r.buf) {
		return append(out, r.buf...)
	}
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

type run struct {
	lines   *ring
	clients map[chan string]struct{}
	closed  bool
}

// Hub holds the event buffers of every run in this process.
type Hub struct {
	mu       sync.Mutex
	capacity int
	runs     map[string]*run
}

// New returns a Hub that keeps the last 1000 lines of each run.
func New() *Hub {
	return NewWithCapacity(defaultBufferCap)
}

// NewWithCapacity returns a Hub keeping at most capacity lines per run.
func NewWithCapacity(capacity int) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	return &Hub{capacity: capacity, runs: make(map[string]*run)}
}

// lookup returns the run for id, creating it on first use.
// Caller must hold h.mu.
func (h *Hub) lookup(id string) *run {
	r, ok := h.runs[id]
	if !ok {
		r = &run{lines: newRing(h.capacity), clients: make(map[chan string]struct{})}
		h.runs[id] = r
	}
	return r
}

// Publish buffers line for the run and forwards it to current
// subscribers. Slow subscribers drop lines rather than block the run.
// Publishing to a closed run is a no-op.
func (h *Hub) Publish(runID, line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.lookup(runID)
	if r.closed {
		return
	}
	r.lines.push(line)
	for ch := range r.clients {
		select {
		case ch <- line:
		default:
		}
	}
}

// Lines returns the buffered lines of a run, oldest first.
func (h *Hub) Lines(runID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.runs[runID]
	if !ok {
		return nil
	}
	return r.lines.ordered()
}

// Dropped reports how many lines of a run were evicted from the buffer.
func (h *Hub) Dropped(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.runs[runID]
	if !ok {
		return 0
	}
	return r.lines.total - len(r.lines.buf)
}

// Subscribe replays the buffered lines of a run on the returned channel
// and then streams new ones. On a closed run the channel is closed after
// the replay.
func (h *Hub) Subscribe(runID string) (<-chan string, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.lookup(runID)
	ch := make(chan string, h.capacity+64)
	for _, line := range r.lines.ordered() {
		ch <- line
	}
	if r.closed {
		close(ch)
		return ch, func() {}
	}

	r.clients[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := r.clients[ch]; ok {
			delete(r.clients, ch)
		}
	}
}

// Close finishes a run: subscriber channels are closed and the buffer is
// kept for Lines and late subscribers.
func (h *Hub) Close(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.runs[runID]
	if !ok || r.closed {
		return
	}
	r.closed = true
	for ch := range r.clients {
		close(ch)
	}
	r.clients = nil
}

// Remove forgets a run and its buffer.
func (h *Hub) Remove(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.runs[runID]
	if !ok {
		return
	}
	for ch := range r.clients {
		close(ch)
	}
	delete(h.runs, runID)
}
