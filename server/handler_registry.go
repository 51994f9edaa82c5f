package server

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

// HandlerFunc handles one client request. The returned value becomes the
// response payload; an error becomes an error response.
type HandlerFunc func(ctx context.Context, c *Client, req WebsocketRequest) (any, error)

// WebSocketHandlerFunc takes over a whole connection when its matcher
// accepts the request. It returns false to fall back to client handling.
type WebSocketHandlerFunc func(w http.ResponseWriter, r *http.Request) bool

// HandlerServer is what handlers see of the server.
type HandlerServer interface {
	Handle(messageType string, handler HandlerFunc) error
	HandleWebSocket(matcher func(r *http.Request) bool, handler WebSocketHandlerFunc)
	StartLifecycle(start func(ctx context.Context))
	Broadcast(msg WebsocketMessage)
}

// ServerHandler registers its routes and lifecycle in one place.
type ServerHandler interface {
	Register(server HandlerServer)
}

type wsHandlerEntry struct {
	matcher func(r *http.Request) bool
	handler WebSocketHandlerFunc
}

// HandlerRegistry routes requests by message type.
type HandlerRegistry struct {
	handlers          map[string]HandlerFunc
	wsHandlers        []wsHandlerEntry
	lifecycleStarters []func(ctx context.Context)
	mu                sync.RWMutex
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers handler for messageType. Registering a type twice is
// an error.
func (r *HandlerRegistry) Handle(messageType string, handler HandlerFunc) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if messageType == "" {
		return fmt.Errorf("message type cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[messageType]; exists {
		return fmt.Errorf("handler for message type '%s' already registered", messageType)
	}
	r.handlers[messageType] = handler
	return nil
}

// RegisterLifecycle registers a function to be called when the server starts.
func (r *HandlerRegistry) RegisterLifecycle(start func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifecycleStarters = append(r.lifecycleStarters, start)
}

// HandleWebSocket registers a custom handler for connections matcher accepts.
func (r *HandlerRegistry) HandleWebSocket(matcher func(r *http.Request) bool, handler WebSocketHandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wsHandlers = append(r.wsHandlers, wsHandlerEntry{matcher: matcher, handler: handler})
}

// TryCustomWebSocketHandler offers the request to the registered
// connection handlers in order.
func (r *HandlerRegistry) TryCustomWebSocketHandler(w http.ResponseWriter, req *http.Request) bool {
	r.mu.RLock()
	entries := append([]wsHandlerEntry(nil), r.wsHandlers...)
	r.mu.RUnlock()

	for _, entry := range entries {
		if entry.matcher(req) {
			return entry.handler(w, req)
		}
	}
	return false
}

// Get returns the handler for messageType.
func (r *HandlerRegistry) Get(messageType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[messageType]
	return handler, ok
}

// Has reports whether a handler is registered for messageType.
func (r *HandlerRegistry) Has(messageType string) bool {
	_, ok := r.Get(messageType)
	return ok
}

// MessageTypes returns the registered types, sorted.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// StartLifecycleHandlers runs every registered lifecycle function.
func (r *HandlerRegistry) StartLifecycleHandlers(ctx context.Context) {
	r.mu.RLock()
	starters := append(([]func(context.Context))(nil), r.lifecycleStarters...)
	r.mu.RUnlock()

	for _, starter := range starters {
		starter(ctx)
	}
}
