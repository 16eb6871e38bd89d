package frames

import (
	"context"

	"github.com/banshee-data/tangible/internal/observer"
)

// Position and Token are re-exported so that bus users need not import the
// observer package.
type (
	Position = observer.Position
	Token    = observer.Token
)

const (
	Back  = observer.Back
	Front = observer.Front
)

// Handler consumes one frame. Returning an error aborts dispatch to the
// remaining handlers for that frame.
type Handler func(ctx context.Context, kind Kind, f *Frame) error

// Bus dispatches frames to the handlers subscribed to their kind. Dispatch
// is synchronous and in subscription order. Bus is not safe for concurrent
// use; it belongs to the update loop.
type Bus struct {
	seq      observer.Sequence
	handlers map[Kind]*observer.List[Handler]
	kinds    map[Token]Kind
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Kind]*observer.List[Handler]),
		kinds:    make(map[Token]Kind),
	}
}

// Subscribe registers h for frames of the given kind. Handlers inserted at
// Front run before every handler already present.
func (b *Bus) Subscribe(kind Kind, h Handler, pos Position) Token {
	l, ok := b.handlers[kind]
	if !ok {
		l = &observer.List[Handler]{}
		b.handlers[kind] = l
	}
	t := b.seq.Next()
	l.Insert(t, h, pos)
	b.kinds[t] = kind
	return t
}

// Unsubscribe removes the handler registered under t. It reports false if t
// is unknown or was already removed.
func (b *Bus) Unsubscribe(t Token) bool {
	kind, ok := b.kinds[t]
	if !ok {
		return false
	}
	delete(b.kinds, t)
	return b.handlers[kind].Remove(t)
}

// Notify hands f to every handler subscribed to kind, stopping at and
// returning the first handler error. Frames with no subscribers are dropped.
func (b *Bus) Notify(ctx context.Context, kind Kind, f *Frame) error {
	l, ok := b.handlers[kind]
	if !ok {
		return nil
	}
	return l.Each(func(h Handler) error {
		return h(ctx, kind, f)
	})
}

// Len returns the number of handlers subscribed to kind.
func (b *Bus) Len(kind Kind) int {
	if l, ok := b.handlers[kind]; ok {
		return l.Len()
	}
	return 0
}
