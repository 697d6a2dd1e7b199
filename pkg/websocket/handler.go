package websocket

import "context"

// Handler processes one decoded message for a connection's Writer. Unknown
// message types are ignored by the dispatcher per the envelope contract;
// a Handler is only ever invoked for a type it registered for.
type Handler interface {
	Handle(ctx context.Context, env *Envelope, w Writer) error
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, env *Envelope, w Writer) error

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, env *Envelope, w Writer) error {
	return f(ctx, env, w)
}

// Dispatcher routes inbound messages to a handler keyed by their Type field.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates a new message dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register registers a handler for a message type.
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc registers a handler function for a message type.
func (d *Dispatcher) RegisterFunc(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// Dispatch routes an envelope to its handler. An unrecognized type is
// silently ignored, matching the envelope contract in the external
// interface ("Unknown types are ignored").
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope, w Writer) error {
	handler, ok := d.handlers[env.Type]
	if !ok {
		return nil
	}
	return handler.Handle(ctx, env, w)
}

// HasHandler returns true if a handler is registered for the type.
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}
