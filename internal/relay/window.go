package relay

// tailWindow is a fixed-size ring that keeps the most recent bytes written to
// it. The relay only needs enough trailing text to recognize a boundary
// marker split across fragments, so older bytes are overwritten.
type tailWindow struct {
	buf  []byte
	size int
	head int // write position
	tail int // read position
	full bool
}

func newTailWindow(size int) *tailWindow {
	if size <= 0 {
		size = 1
	}
	return &tailWindow{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write appends p, overwriting the oldest bytes once the window is full.
func (w *tailWindow) Write(p []byte) (int, error) {
	for _, b := range p {
		if w.full {
			w.tail = (w.tail + 1) % w.size
		}
		w.buf[w.head] = b
		w.head = (w.head + 1) % w.size
		if w.head == w.tail {
			w.full = true
		}
	}
	return len(p), nil
}

// WriteString appends s.
func (w *tailWindow) WriteString(s string) {
	_, _ = w.Write([]byte(s))
}

// String returns the window contents in write order.
func (w *tailWindow) String() string {
	switch {
	case !w.full && w.head == w.tail:
		return ""
	case w.full && w.head == w.tail:
		return string(w.buf[w.tail:]) + string(w.buf[:w.head])
	case w.head > w.tail:
		return string(w.buf[w.tail:w.head])
	default:
		return string(w.buf[w.tail:]) + string(w.buf[:w.head])
	}
}

// Len returns the number of bytes held.
func (w *tailWindow) Len() int {
	switch {
	case !w.full && w.head == w.tail:
		return 0
	case w.full:
		return w.size
	case w.head > w.tail:
		return w.head - w.tail
	default:
		return (w.size - w.tail) + w.head
	}
}

// Reset empties the window.
func (w *tailWindow) Reset() {
	w.head = 0
	w.tail = 0
	w.full = false
}
