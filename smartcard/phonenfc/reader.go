package phonenfc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nedpals/davi-card-agent/smartcard"
)

const defaultMaxCommand = 4 + 1 + smartcard.MaxShortLc + 1

type reader struct {
	phone *phone
}

// Available reports whether the phone is connected with its radio on.
func (r *reader) Available() bool {
	if r.phone.isClosed() {
		return false
	}
	on, _ := r.phone.state()
	return on
}

// NotifiesPresence is always true: phones push cardPresent and cardLost.
func (r *reader) NotifiesPresence() bool { return true }

// CardPresent answers from the last reported event.
func (r *reader) CardPresent(ctx context.Context) (bool, error) {
	if r.phone.isClosed() {
		return false, ErrPhoneGone
	}
	_, present := r.phone.state()
	return present, nil
}

func (r *reader) Connect(ctx context.Context) (smartcard.Channel, error) {
	if on, _ := r.phone.state(); !on {
		return nil, ErrRadioOff
	}
	raw, err := r.phone.request(ctx, MessageTypeConnect, nil)
	if err != nil {
		return nil, err
	}

	var res ConnectResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("malformed connect result: %w", err)
	}
	ats, err := smartcard.HexToBytes(res.ATS)
	if err != nil {
		return nil, fmt.Errorf("malformed ATS: %w", err)
	}

	max := res.MaxTransceiveLen
	if max <= 0 {
		max = defaultMaxCommand
	}
	return &channel{phone: r.phone, session: res.Session, ats: ats, max: max, cardType: res.CardType}, nil
}

// Close leaves reader mode. A phone that is already gone has nothing to
// release.
func (r *reader) Close() error {
	if r.phone.isClosed() {
		return nil
	}
	_, err := r.phone.request(context.Background(), MessageTypeDisableReader, nil)
	return err
}

type channel struct {
	phone    *phone
	session  string
	ats      []byte
	max      int
	cardType string
}

func (c *channel) Handle() string { return c.session }

func (c *channel) CardType() string { return c.cardType }

func (c *channel) Transceive(ctx context.Context, command []byte) ([]byte, error) {
	raw, err := c.phone.request(ctx, MessageTypeTransceive, TransceiveRequest{
		Session: c.session,
		Command: smartcard.BytesToHex(command),
	})
	if err != nil {
		return nil, err
	}

	var res TransceiveResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("malformed transceive result: %w", err)
	}
	return smartcard.HexToBytes(res.Response)
}

func (c *channel) Attributes(ctx context.Context) ([]byte, error) {
	return append([]byte(nil), c.ats...), nil
}

func (c *channel) MaxCommandLength() int { return c.max }

func (c *channel) Disconnect() error {
	if c.phone.isClosed() {
		return ErrPhoneGone
	}
	_, err := c.phone.request(context.Background(), MessageTypeDisconnect, SessionRequest{Session: c.session})
	return err
}
