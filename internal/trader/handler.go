package trader

import "intraday/internal/bridge"

// EventHandler handles one bridge event kind.
type EventHandler interface {
	// Kind returns the event kind this handler processes.
	Kind() bridge.Kind

	// Handle processes the event on the control loop goroutine.
	Handle(ctx *HandlerContext, evt bridge.Event) error
}

// HandlerContext gives handlers access to Trader internals without
// exposing the Trader itself.
type HandlerContext struct {
	trader *Trader
}

func NewHandlerContext(t *Trader) *HandlerContext {
	return &HandlerContext{trader: t}
}

// Trader returns the underlying Trader instance.
// Handlers should use this sparingly and prefer specific accessor methods.
func (c *HandlerContext) Trader() *Trader {
	return c.trader
}
