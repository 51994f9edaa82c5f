package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/smartcard"
)

// CardHandler exposes a smartcard.Platform over the websocket API.
type CardHandler struct {
	platform *smartcard.Platform
	logger   *zap.Logger
}

// NewCardHandler creates a handler serving p. A nil logger discards
// output.
func NewCardHandler(p *smartcard.Platform, logger *zap.Logger) *CardHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CardHandler{platform: p, logger: logger}
}

// Register wires the request handlers and the event broadcast.
func (h *CardHandler) Register(s HandlerServer) {
	routes := map[string]HandlerFunc{
		MessageTypeListDevices:    h.listDevices,
		MessageTypeAcquireDevice:  h.acquireDevice,
		MessageTypeReleaseDevice:  h.releaseDevice,
		MessageTypeDeviceStatus:   h.deviceStatus,
		MessageTypeWaitForCard:    h.waitForCard,
		MessageTypeStartSession:   h.startSession,
		MessageTypeGetATR:         h.getATR,
		MessageTypeTransmit:       h.transmit,
		MessageTypeResetSession:   h.resetSession,
		MessageTypeReleaseSession: h.releaseSession,
	}
	for typ, fn := range routes {
		if err := s.Handle(typ, fn); err != nil {
			h.logger.Error("Failed to register handler", zap.String("type", typ), zap.Error(err))
		}
	}

	s.StartLifecycle(func(ctx context.Context) {
		unsubscribe := h.platform.Subscribe(func(ev smartcard.Event) {
			s.Broadcast(WebsocketMessage{Type: MessageTypeEvent, Payload: ev})
		})
		go func() {
			<-ctx.Done()
			unsubscribe()
		}()
	})
}

func decode[T any](req WebsocketRequest) (T, error) {
	var v T
	if len(req.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(req.Payload, &v); err != nil {
		return v, smartcard.WrapError(smartcard.KindInvalidParameter, req.Type, "invalid payload", err)
	}
	return v, nil
}

func (h *CardHandler) listDevices(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	infos, err := h.platform.DeviceInfo(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"devices": infos}, nil
}

func (h *CardHandler) acquireDevice(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[DeviceRequest](req)
	if err != nil {
		return nil, err
	}
	if p.DeviceID == "" {
		return nil, smartcard.NewError(smartcard.KindInvalidParameter, req.Type, "deviceId is required")
	}
	d, err := h.platform.AcquireDevice(ctx, p.DeviceID)
	if err != nil {
		return nil, err
	}
	c.adoptDevice(d)
	return AcquireResult{Handle: d.Handle(), Info: d.Info()}, nil
}

func (h *CardHandler) releaseDevice(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[HandleRequest](req)
	if err != nil {
		return nil, err
	}
	d, err := c.device(req.Type, p.Handle)
	if err != nil {
		return nil, err
	}
	c.dropDevice(d)
	if err := d.Release(); err != nil && !smartcard.IsBenign(err) {
		return nil, err
	}
	return map[string]any{"handle": p.Handle}, nil
}

func (h *CardHandler) deviceStatus(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[HandleRequest](req)
	if err != nil {
		return nil, err
	}
	d, err := c.device(req.Type, p.Handle)
	if err != nil {
		return nil, err
	}
	res := DeviceStatusResult{
		Handle:      d.Handle(),
		Available:   d.IsAvailable(),
		CardPresent: d.IsCardPresent(),
	}
	if s, ok := d.Session(); ok {
		res.Session = s.Handle()
	}
	return res, nil
}

func (h *CardHandler) waitForCard(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[WaitForCardRequest](req)
	if err != nil {
		return nil, err
	}
	d, err := c.device(req.Type, p.Handle)
	if err != nil {
		return nil, err
	}
	if err := d.WaitForCardPresence(ctx, time.Duration(p.TimeoutMs)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{"present": true}, nil
}

func (h *CardHandler) startSession(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[HandleRequest](req)
	if err != nil {
		return nil, err
	}
	d, err := c.device(req.Type, p.Handle)
	if err != nil {
		return nil, err
	}
	s, err := d.StartSession(ctx)
	if err != nil {
		return nil, err
	}
	c.adoptSession(s)
	return map[string]any{"session": s.Handle()}, nil
}

func (h *CardHandler) getATR(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[SessionRequest](req)
	if err != nil {
		return nil, err
	}
	s, err := c.session(req.Type, p.Session)
	if err != nil {
		return nil, err
	}
	atr, err := s.ATR(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"atr": smartcard.BytesToHex(atr)}, nil
}

func (h *CardHandler) transmit(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[TransmitRequest](req)
	if err != nil {
		return nil, err
	}
	s, err := c.session(req.Type, p.Session)
	if err != nil {
		return nil, err
	}

	var resp smartcard.ResponseAPDU
	if p.APDU != "" {
		raw, err := smartcard.HexToBytes(p.APDU)
		if err != nil {
			return nil, err
		}
		reply, err := s.TransmitRaw(ctx, raw)
		if err != nil {
			return nil, err
		}
		if resp, err = smartcard.DecodeResponse(reply); err != nil {
			return nil, err
		}
	} else {
		data, err := smartcard.HexToBytes(p.Data)
		if err != nil {
			return nil, err
		}
		cmd, err := smartcard.NewCommandAPDU(p.CLA, p.INS, p.P1, p.P2, data, p.Le)
		if err != nil {
			return nil, err
		}
		if resp, err = s.Transmit(ctx, cmd); err != nil {
			return nil, err
		}
	}

	return TransmitResult{
		Response: smartcard.BytesToHex(resp.Bytes()),
		Data:     smartcard.BytesToHex(resp.Data),
		SW:       fmt.Sprintf("%04X", resp.StatusWord()),
	}, nil
}

func (h *CardHandler) resetSession(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[SessionRequest](req)
	if err != nil {
		return nil, err
	}
	s, err := c.session(req.Type, p.Session)
	if err != nil {
		return nil, err
	}
	if err := s.Reset(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"session": s.Handle()}, nil
}

func (h *CardHandler) releaseSession(ctx context.Context, c *Client, req WebsocketRequest) (any, error) {
	p, err := decode[SessionRequest](req)
	if err != nil {
		return nil, err
	}
	s, err := c.session(req.Type, p.Session)
	if err != nil {
		return nil, err
	}
	c.dropSession(s)
	if err := s.Release(); err != nil && !smartcard.IsBenign(err) {
		return nil, err
	}
	return map[string]any{"session": p.Session}, nil
}
