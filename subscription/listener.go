package subscription

// Listener receives the events of every descriptor it is bound to.
//
// Listeners are compared by identity, so implementations must be comparable;
// use pointer receivers. ValueChanged may be called from the poll loop and
// from transport goroutines and should not block.
type Listener interface {
	ValueChanged(event ValueEvent)
}

type funcListener struct {
	fn func(ValueEvent)
}

func (l *funcListener) ValueChanged(event ValueEvent) { l.fn(event) }

// NewListener wraps fn. Each call returns a distinct listener.
func NewListener(fn func(ValueEvent)) Listener {
	return &funcListener{fn: fn}
}
