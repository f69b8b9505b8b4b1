package vigil

import "context"

// ActionFunc executes the external action behind an approved record.
type ActionFunc func(ctx context.Context, rec *Record) error

// Middleware is a function that wraps an ActionFunc to provide cross-cutting concerns.
type Middleware func(ActionFunc) ActionFunc

type handler struct {
	exec ActionFunc
}

// Mux routes approved records to handlers based on their action field.
type Mux struct {
	handlers    map[string]handler
	middlewares []Middleware
}

// NewMux creates a new action Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		middlewares: []Middleware{},
	}
}

// Handle registers a handler for an action name. A later call for the same
// action replaces the earlier handler.
func (m *Mux) Handle(action string, fn ActionFunc) {
	m.handlers[action] = handler{
		exec: fn,
	}
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
}

// Handles reports whether a handler is registered for action.
func (m *Mux) Handles(action string) bool {
	_, ok := m.handlers[action]
	return ok
}

// Actions returns the registered action names.
func (m *Mux) Actions() []string {
	out := make([]string, 0, len(m.handlers))
	for a := range m.handlers {
		out = append(out, a)
	}
	return out
}

func (m *Mux) lookup(action string) (ActionFunc, bool) {
	h, ok := m.handlers[action]
	if !ok {
		return nil, false
	}
	return m.wrapHandler(h.exec), true
}

func (m *Mux) wrapHandler(h ActionFunc) ActionFunc {
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}
