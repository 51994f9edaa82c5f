// Package server exposes a smartcard.Platform to remote collaborators over
// websocket and HTTP, and advertises itself over mDNS.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/buildinfo"
	"github.com/nedpals/davi-card-agent/smartcard"
)

const broadcastBuffer = 64

// Config holds the server configuration.
type Config struct {
	Platform  *smartcard.Platform
	Port      int
	APISecret string // optional ?secret= required from API clients
	MDNS      bool
	TLSCert   string
	TLSKey    string
	Logger    *zap.Logger
}

// Server manages the HTTP and websocket endpoints.
type Server struct {
	config     Config
	logger     *zap.Logger
	httpServer *http.Server
	upgrader   websocket.Upgrader

	clients    map[*Client]struct{}
	clientsMux sync.RWMutex
	outbox     chan WebsocketMessage

	handlerRegistry *HandlerRegistry
	mdnsServer      *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	bgOnce sync.Once
	wg     sync.WaitGroup
}

// New creates a server and registers the card API handlers.
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config: config,
		logger: logger.Named("server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:         make(map[*Client]struct{}),
		outbox:          make(chan WebsocketMessage, broadcastBuffer),
		handlerRegistry: NewHandlerRegistry(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if config.Platform != nil {
		NewCardHandler(config.Platform, s.logger).Register(s)
	}
	return s
}

// Handle registers a handler for a client message type.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(messageType, handler)
}

// HandleWebSocket lets handler take over connections matcher accepts.
func (s *Server) HandleWebSocket(matcher func(r *http.Request) bool, handler WebSocketHandlerFunc) {
	s.handlerRegistry.HandleWebSocket(matcher, handler)
}

// StartLifecycle registers start to run when the server starts.
func (s *Server) StartLifecycle(start func(ctx context.Context)) {
	s.handlerRegistry.RegisterLifecycle(start)
}

// Broadcast queues msg for every connected client. It never blocks; when
// the queue is full the message is dropped.
func (s *Server) Broadcast(msg WebsocketMessage) {
	select {
	case s.outbox <- msg:
	default:
		s.logger.Warn("Broadcast queue full, dropping message", zap.String("type", msg.Type))
	}
}

func (s *Server) pump() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.outbox:
			s.clientsMux.RLock()
			clients := make([]*Client, 0, len(s.clients))
			for c := range s.clients {
				clients = append(clients, c)
			}
			s.clientsMux.RUnlock()

			for _, c := range clients {
				if err := c.send(msg); err != nil {
					s.logger.Debug("Broadcast write failed", zap.Error(err))
					_ = c.conn.Close()
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// ClientCount returns the number of connected API clients.
func (s *Server) ClientCount() int {
	s.clientsMux.RLock()
	defer s.clientsMux.RUnlock()
	return len(s.clients)
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	apiV1 := "/api/v1"
	mux.HandleFunc(apiV1+"/health", enableCORS(s.handleHealthCheck))
	mux.HandleFunc(apiV1+"/devices", enableCORS(s.handleDevices))
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(buildinfo.DisplayName + " running"))
	}))
	return mux
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.startBackground()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("addr", s.httpServer.Addr), zap.Bool("tls", s.tlsEnabled()))
		var err error
		if s.tlsEnabled() {
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if s.config.MDNS {
		if err := s.startMDNS(); err != nil {
			s.logger.Warn("mDNS registration failed; auto-discovery unavailable", zap.Error(err))
		}
	}
	if addrs, err := LANAddrs(); err == nil {
		for _, a := range addrs {
			s.logger.Info("Reachable at", zap.String("url", fmt.Sprintf("%s://%s:%d/ws", s.scheme(), a, s.config.Port)))
		}
	}

	select {
	case err, ok := <-errCh:
		s.Stop()
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.Stop()
		return nil
	}
}

// startBackground runs the broadcast pump and lifecycle handlers once.
func (s *Server) startBackground() {
	s.bgOnce.Do(func() {
		s.wg.Add(1)
		go s.pump()
		s.handlerRegistry.StartLifecycleHandlers(s.ctx)
	})
}

// Stop shuts down mDNS, the HTTP server and the background routines.
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		s.logger.Info("mDNS service stopped")
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("Server shutdown error", zap.Error(err))
		}
		cancel()
		s.httpServer = nil
	}

	s.clientsMux.RLock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.clientsMux.RUnlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Server) tlsEnabled() bool {
	return s.config.TLSCert != "" && s.config.TLSKey != ""
}

func (s *Server) scheme() string {
	if s.tlsEnabled() {
		return "wss"
	}
	return "ws"
}

func (s *Server) startMDNS() error {
	txt := []string{
		"version=" + buildinfo.Version,
		"protocol=websocket",
		"path=/ws",
		"device_mode=?mode=device",
		"tls=" + fmt.Sprint(s.tlsEnabled()),
	}
	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, s.config.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.mdnsServer = server
	s.logger.Info("mDNS service registered", zap.String("name", MDNSServiceName), zap.String("type", MDNSServiceType), zap.Int("port", s.config.Port))
	return nil
}

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// handleWebSocket hands phone connections to the registered connection
// handlers and serves API clients itself.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.startBackground()

	if s.handlerRegistry.TryCustomWebSocketHandler(w, r) {
		return
	}

	if s.config.APISecret != "" && r.URL.Query().Get("secret") != s.config.APISecret {
		s.logger.Warn("WebSocket connection rejected: invalid API secret", zap.String("remote", r.RemoteAddr))
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	c := newClient(conn, s.logger.With(zap.String("remote", r.RemoteAddr)))
	s.clientsMux.Lock()
	s.clients[c] = struct{}{}
	s.clientsMux.Unlock()
	c.logger.Info("Client connected")

	ctx, cancel := context.WithCancel(s.ctx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		s.clientsMux.Lock()
		delete(s.clients, c)
		s.clientsMux.Unlock()
		_ = conn.Close()
		c.releaseAll()
		c.logger.Info("Client disconnected")
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req WebsocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.reply(c, WebsocketResponse{Type: MessageTypeError, Error: &ErrorInfo{Code: CodeParseError, Message: "invalid message format"}})
			continue
		}

		handler, ok := s.handlerRegistry.Get(req.Type)
		if !ok {
			s.reply(c, WebsocketResponse{ID: req.ID, Type: MessageTypeError,
				Error: &ErrorInfo{Code: CodeUnknownType, Message: fmt.Sprintf("unknown message type: %s", req.Type)}})
			continue
		}

		// Requests run concurrently so a blocking wait does not stall the
		// connection; responses correlate by id.
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			payload, err := handler(ctx, c, req)
			if err != nil {
				c.logger.Debug("Request failed", zap.String("type", req.Type), zap.Error(err))
				s.reply(c, WebsocketResponse{ID: req.ID, Type: req.Type, Error: errorInfo(err)})
				return
			}
			s.reply(c, WebsocketResponse{ID: req.ID, Type: req.Type, Success: true, Payload: payload})
		}()
	}
}

func (s *Server) reply(c *Client, resp WebsocketResponse) {
	if err := c.send(resp); err != nil {
		c.logger.Debug("Failed to send response", zap.Error(err))
	}
}

// errorInfo maps any error to its wire form through the canonical
// taxonomy.
func errorInfo(err error) *ErrorInfo {
	e := smartcard.MapTransportError(err)
	info := &ErrorInfo{Code: e.Kind.String(), Message: e.Error()}
	if e.Reason != smartcard.ReasonNone {
		info.Reason = e.Reason.String()
	}
	return info
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealthCheck serves GET /api/v1/health.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := map[string]any{
		"status":    "ok",
		"name":      buildinfo.Name,
		"version":   buildinfo.FullVersion(),
		"clients":   s.ClientCount(),
		"timestamp": time.Now().Format(time.RFC3339),
	}
	if p := s.config.Platform; p != nil {
		body["initialized"] = p.Initialized()
		body["eventDriven"] = p.EventDriven()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleDevices serves GET /api/v1/devices.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.config.Platform == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": &ErrorInfo{Code: smartcard.KindNotInitialized.String(), Message: "no platform"}})
		return
	}
	infos, err := s.config.Platform.DeviceInfo(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": errorInfo(err)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": infos})
}
