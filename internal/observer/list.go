// Package observer implements the ordered handler lists behind the frame bus
// and the object registry.
//
// A list is a sequence of handlers identified by tokens. Handlers may be
// appended (Back) or spliced in ahead of everything already registered
// (Front), which is how wrapping components such as frame-rate meters get to
// see a frame before the component they wrap. Lists are not safe for
// concurrent use: they are owned by the update loop.
package observer

// Position selects where a new handler is inserted.
type Position int

const (
	// Back appends the handler after all existing handlers.
	Back Position = iota
	// Front inserts the handler before all existing handlers.
	Front
)

// String returns "back" or "front".
func (p Position) String() string {
	if p == Front {
		return "front"
	}
	return "back"
}

// Token identifies a single subscription. The zero Token is never issued.
type Token uint64

// Sequence issues unique tokens.
type Sequence struct {
	last Token
}

// Next returns a token that has not been returned before.
func (s *Sequence) Next() Token {
	s.last++
	return s.last
}

type entry[H any] struct {
	token   Token
	handler H
}

// List is an ordered list of handlers of type H.
type List[H any] struct {
	entries []entry[H]
}

// Insert registers h under token t at the given position.
func (l *List[H]) Insert(t Token, h H, pos Position) {
	e := entry[H]{token: t, handler: h}
	if pos == Front {
		// Build a fresh slice so that an Each already iterating the old one
		// is not disturbed.
		next := make([]entry[H], 0, len(l.entries)+1)
		next = append(next, e)
		l.entries = append(next, l.entries...)
		return
	}
	next := make([]entry[H], len(l.entries), len(l.entries)+1)
	copy(next, l.entries)
	l.entries = append(next, e)
}

// Remove unregisters the handler with token t. It reports whether the token
// was present.
func (l *List[H]) Remove(t Token) bool {
	for i, e := range l.entries {
		if e.token != t {
			continue
		}
		next := make([]entry[H], 0, len(l.entries)-1)
		next = append(next, l.entries[:i]...)
		l.entries = append(next, l.entries[i+1:]...)
		return true
	}
	return false
}

// Contains reports whether token t is registered.
func (l *List[H]) Contains(t Token) bool {
	for _, e := range l.entries {
		if e.token == t {
			return true
		}
	}
	return false
}

// Len returns the number of registered handlers.
func (l *List[H]) Len() int {
	return len(l.entries)
}

// Each calls fn for every handler in order and stops at the first error,
// which it returns. Handlers added or removed by fn take effect on the next
// call to Each.
func (l *List[H]) Each(fn func(H) error) error {
	for _, e := range l.entries {
		if err := fn(e.handler); err != nil {
			return err
		}
	}
	return nil
}
