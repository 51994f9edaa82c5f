package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/smartcard"
)

const writeTimeout = 5 * time.Second

// Client is one API connection. Devices and sessions it acquires are
// scoped to it and released when it disconnects.
type Client struct {
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex

	mu       sync.Mutex
	devices  map[string]*smartcard.Device
	sessions map[string]*smartcard.CardSession
}

func newClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	return &Client{
		conn:     conn,
		logger:   logger,
		devices:  make(map[string]*smartcard.Device),
		sessions: make(map[string]*smartcard.CardSession),
	}
}

func (c *Client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *Client) adoptDevice(d *smartcard.Device) {
	c.mu.Lock()
	c.devices[d.Handle()] = d
	c.mu.Unlock()
}

func (c *Client) device(op, handle string) (*smartcard.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[handle]
	if !ok {
		return nil, smartcard.Errorf(smartcard.KindInvalidParameter, op, "unknown device handle %q", handle)
	}
	return d, nil
}

// dropDevice forgets d and every session opened on it.
func (c *Client) dropDevice(d *smartcard.Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, d.Handle())
	for h, s := range c.sessions {
		if s.Device() == d {
			delete(c.sessions, h)
		}
	}
}

func (c *Client) adoptSession(s *smartcard.CardSession) {
	c.mu.Lock()
	c.sessions[s.Handle()] = s
	c.mu.Unlock()
}

func (c *Client) session(op, handle string) (*smartcard.CardSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[handle]
	if !ok {
		return nil, smartcard.Errorf(smartcard.KindInvalidParameter, op, "unknown session handle %q", handle)
	}
	return s, nil
}

func (c *Client) dropSession(s *smartcard.CardSession) {
	c.mu.Lock()
	delete(c.sessions, s.Handle())
	c.mu.Unlock()
}

// releaseAll releases what the client still holds, sessions first.
func (c *Client) releaseAll() {
	c.mu.Lock()
	sessions := make([]*smartcard.CardSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	devices := make([]*smartcard.Device, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	c.sessions = make(map[string]*smartcard.CardSession)
	c.devices = make(map[string]*smartcard.Device)
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.Release(); err != nil && !smartcard.IsBenign(err) {
			c.logger.Warn("Releasing session failed", zap.String("session", s.Handle()), zap.Error(err))
		}
	}
	for _, d := range devices {
		if err := d.Release(); err != nil && !smartcard.IsBenign(err) {
			c.logger.Warn("Releasing device failed", zap.String("device", d.Handle()), zap.Error(err))
		}
	}
	if n := len(sessions) + len(devices); n > 0 {
		c.logger.Info("Released client resources", zap.Int("sessions", len(sessions)), zap.Int("devices", len(devices)))
	}
}
