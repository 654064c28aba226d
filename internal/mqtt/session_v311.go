package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	pahov3 "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// v311Session is an MQTT 3.1.1 session on the classic Paho client, for
// brokers that do not speak MQTT 5. The client's own reconnect logic
// is disabled; the [Manager] owns recovery.
type v311Session struct {
	sessionState
	client pahov3.Client
}

// connectV311 dials through open and performs the MQTT 3.1.1
// handshake. brokerURL is only used for logging inside the client;
// the connection itself always comes from open.
func connectV311(ctx context.Context, brokerURL string, open func(context.Context) (net.Conn, error), cfg SessionConfig) (Session, error) {
	s := &v311Session{}
	s.init()

	timeout := 30 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}

	opts := pahov3.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(timeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetDefaultPublishHandler(func(_ pahov3.Client, msg pahov3.Message) {
			if cfg.Inbound != nil {
				cfg.Inbound(msg.Topic(), msg.Payload())
			}
		}).
		SetConnectionLostHandler(func(_ pahov3.Client, err error) {
			s.end(fmt.Errorf("%w: %w", ErrNetwork, err))
		}).
		SetCustomOpenConnectionFn(func(_ *url.URL, _ pahov3.ClientOptions) (net.Conn, error) {
			return open(ctx)
		})

	s.client = pahov3.NewClient(opts)

	tok := s.client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		s.client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := tok.Error(); err != nil {
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) || errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
		}
		return nil, err
	}
	return s, nil
}

// wait blocks until tok completes or ctx ends.
func (s *v311Session) wait(ctx context.Context, tok pahov3.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends m. QoS 0 tokens complete once the packet is queued for
// writing.
func (s *v311Session) Publish(ctx context.Context, m Message) error {
	return s.wait(ctx, s.client.Publish(m.Topic, m.QoS, m.Retain, m.Payload))
}

// Subscribe adds filter. A nil callback routes matches through the
// default publish handler, and so into the manager's dispatcher.
func (s *v311Session) Subscribe(ctx context.Context, filter string, qos byte) error {
	return s.wait(ctx, s.client.Subscribe(filter, qos, nil))
}

// Unsubscribe removes filter.
func (s *v311Session) Unsubscribe(ctx context.Context, filter string) error {
	return s.wait(ctx, s.client.Unsubscribe(filter))
}

// Disconnect closes the session, allowing in-flight work up to 250ms.
func (s *v311Session) Disconnect(ctx context.Context) error {
	s.end(nil)
	quiesce := 250 * time.Millisecond
	if dl, ok := ctx.Deadline(); ok {
		quiesce = min(quiesce, max(time.Until(dl), 0))
	}
	s.client.Disconnect(uint(quiesce / time.Millisecond))
	return nil
}
