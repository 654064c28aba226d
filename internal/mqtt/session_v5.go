package mqtt

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// CONNACK reason codes that mean the broker rejected who we are rather
// than where we connected from.
const (
	reasonBadUserNameOrPassword = 0x86
	reasonNotAuthorized         = 0x87
	reasonBadAuthMethod         = 0x8C
)

// v5Session is an MQTT 5 session on the low-level Paho v2 client.
type v5Session struct {
	sessionState
	client *paho.Client
}

// connectV5 performs the MQTT 5 handshake over an already-established
// transport. On failure conn is closed.
func connectV5(ctx context.Context, conn net.Conn, cfg SessionConfig) (Session, error) {
	s := &v5Session{}
	s.init()

	s.client = paho.NewClient(paho.ClientConfig{
		ClientID: cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if cfg.Inbound != nil {
					cfg.Inbound(pr.Packet.Topic, pr.Packet.Payload)
				}
				return true, nil
			},
		},
		OnClientError: func(err error) {
			s.end(fmt.Errorf("%w: %w", ErrNetwork, err))
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.end(fmt.Errorf("%w: broker sent DISCONNECT (reason 0x%02X)", ErrNetwork, d.ReasonCode))
		},
	})

	ack, err := s.client.Connect(ctx, &paho.Connect{
		ClientID:   cfg.ClientID,
		KeepAlive:  uint16(cfg.KeepAlive / time.Second),
		CleanStart: true,
	})
	if err != nil {
		_ = conn.Close()
		if ack != nil {
			switch ack.ReasonCode {
			case reasonBadUserNameOrPassword, reasonNotAuthorized, reasonBadAuthMethod:
				return nil, fmt.Errorf("%w: broker refused connection (reason 0x%02X)", ErrAuthentication, ack.ReasonCode)
			}
		}
		return nil, err
	}
	return s, nil
}

// Publish sends m and, for QoS 1, waits for the PUBACK.
func (s *v5Session) Publish(ctx context.Context, m Message) error {
	resp, err := s.client.Publish(ctx, &paho.Publish{
		Topic:   m.Topic,
		Payload: m.Payload,
		QoS:     m.QoS,
		Retain:  m.Retain,
	})
	if err != nil {
		return err
	}
	if resp != nil && resp.ReasonCode >= 0x80 {
		return fmt.Errorf("publish to %s refused (reason 0x%02X)", m.Topic, resp.ReasonCode)
	}
	return nil
}

// Subscribe adds filter and checks the SUBACK reason code.
func (s *v5Session) Subscribe(ctx context.Context, filter string, qos byte) error {
	ack, err := s.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
	})
	if err != nil {
		return err
	}
	if ack != nil {
		for _, reason := range ack.Reasons {
			if reason >= 0x80 {
				return fmt.Errorf("subscribe %s refused (reason 0x%02X)", filter, reason)
			}
		}
	}
	return nil
}

// Unsubscribe removes filter.
func (s *v5Session) Unsubscribe(ctx context.Context, filter string) error {
	_, err := s.client.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{filter}})
	return err
}

// Disconnect sends DISCONNECT and closes the connection.
func (s *v5Session) Disconnect(_ context.Context) error {
	s.end(nil)
	return s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
