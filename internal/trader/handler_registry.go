package trader

import (
	"intraday/internal/bridge"
	"intraday/internal/logger"
)

// HandlerRegistry manages event handlers and dispatches events to them.
type HandlerRegistry struct {
	handlers map[bridge.Kind]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[bridge.Kind]EventHandler),
	}
}

// Register adds a handler to the registry.
// If a handler for the same kind already exists, it will be replaced.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Kind()] = h
}

func (r *HandlerRegistry) Get(k bridge.Kind) (EventHandler, bool) {
	h, ok := r.handlers[k]
	return h, ok
}

// RegisterDefaultHandlers registers all built-in event handlers.
func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&TickHandler{})
	r.Register(&BrokerEventHandler{})
	r.Register(&OpenResultHandler{})
	r.Register(&CloseResultHandler{})
	r.Register(&PositionsHandler{})
	r.Register(&ReconcileDueHandler{})
	r.Register(&ClosePositionHandler{})
	r.Register(&ResumeHandler{})
	logger.Debugf("Trader: Registered %d event handlers", len(r.handlers))
}
