package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

// Supported protocol versions, matching config.ProtocolV5 and
// config.ProtocolV311.
const (
	ProtocolV5   = "5"
	ProtocolV311 = "3.1.1"
)

// BrokerConfig describes how to reach the broker.
type BrokerConfig struct {
	// Endpoint is the broker host name, without scheme or port.
	Endpoint string
	Port     int
	// Scheme is mqtts, ssl, tls or wss.
	Scheme string
	// Protocol is ProtocolV5 or ProtocolV311.
	Protocol string
	// TLS carries the client certificate and trusted roots. ServerName
	// defaults to Endpoint.
	TLS *tls.Config
	// Proxy is an optional socks5:// URL the TCP connection is tunnelled
	// through.
	Proxy string
	// WebSocketPath is the upgrade path for wss. Defaults to /mqtt.
	WebSocketPath string
}

// BrokerDialer dials TLS or TLS-WebSocket connections to a broker and
// runs the configured MQTT protocol version over them.
type BrokerDialer struct {
	cfg    BrokerConfig
	tls    *tls.Config
	proxy  proxy.Dialer
	logger *slog.Logger
}

// NewBrokerDialer validates cfg and prepares a dialer.
func NewBrokerDialer(cfg BrokerConfig, logger *slog.Logger) (*BrokerDialer, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("broker endpoint is required")
	}
	if cfg.TLS == nil {
		return nil, fmt.Errorf("%w: no TLS configuration", ErrAuthentication)
	}
	switch cfg.Scheme {
	case "", "mqtts", "ssl", "tls", "wss":
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", cfg.Scheme)
	}
	switch cfg.Protocol {
	case "":
		cfg.Protocol = ProtocolV5
	case ProtocolV5, ProtocolV311:
	default:
		return nil, fmt.Errorf("unsupported mqtt protocol version %q", cfg.Protocol)
	}
	if cfg.Port == 0 {
		cfg.Port = 8883
		if cfg.Scheme == "wss" {
			cfg.Port = 443
		}
	}
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/mqtt"
	}

	tlsCfg := cfg.TLS.Clone()
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = cfg.Endpoint
	}

	d := &BrokerDialer{cfg: cfg, tls: tlsCfg, logger: logger}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy URL: %w", err)
		}
		pd, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("configure proxy %s: %w", u.Redacted(), err)
		}
		d.proxy = pd
	}
	return d, nil
}

// URL returns the broker address in URL form, for logs and status.
func (d *BrokerDialer) URL() string {
	scheme := d.cfg.Scheme
	if scheme == "" {
		scheme = "mqtts"
	}
	u := url.URL{Scheme: scheme, Host: d.addr()}
	if scheme == "wss" {
		u.Path = d.cfg.WebSocketPath
	}
	return u.String()
}

func (d *BrokerDialer) addr() string {
	return net.JoinHostPort(d.cfg.Endpoint, strconv.Itoa(d.cfg.Port))
}

// Dial opens the transport and performs the MQTT handshake. It honours
// ctx's deadline for both steps.
func (d *BrokerDialer) Dial(ctx context.Context, cfg SessionConfig) (Session, error) {
	d.logger.Debug("dialing mqtt broker",
		"broker", d.URL(),
		"protocol", d.cfg.Protocol,
		"client_id", cfg.ClientID,
		"proxy", d.proxy != nil,
	)

	if d.cfg.Protocol == ProtocolV311 {
		return connectV311(ctx, d.URL(), d.open, cfg)
	}
	conn, err := d.open(ctx)
	if err != nil {
		return nil, err
	}
	return connectV5(ctx, conn, cfg)
}

// open establishes the secured byte stream MQTT runs over.
func (d *BrokerDialer) open(ctx context.Context) (net.Conn, error) {
	if d.cfg.Scheme == "wss" {
		return d.openWebSocket(ctx)
	}
	return d.openTLS(ctx)
}

func (d *BrokerDialer) openTLS(ctx context.Context) (net.Conn, error) {
	raw, err := d.netDial(ctx, "tcp", d.addr())
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, d.tls)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", d.addr(), err)
	}
	return conn, nil
}

func (d *BrokerDialer) openWebSocket(ctx context.Context) (net.Conn, error) {
	dialer := websocket.Dialer{
		NetDialContext:  d.netDial,
		TLSClientConfig: d.tls,
		Subprotocols:    []string{"mqtt"},
	}
	if dl, ok := ctx.Deadline(); ok {
		dialer.HandshakeTimeout = time.Until(dl)
	}

	ws, resp, err := dialer.DialContext(ctx, d.URL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: websocket upgrade refused: %s", ErrAuthentication, resp.Status)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL(), err)
	}
	return &wsConn{Conn: ws}, nil
}

// netDial opens the raw TCP connection, through the proxy if one is
// configured.
func (d *BrokerDialer) netDial(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.proxy == nil {
		var nd net.Dialer
		return nd.DialContext(ctx, network, addr)
	}
	if cd, ok := d.proxy.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, network, addr)
	}
	return d.proxy.Dial(network, addr)
}

// wsConn presents a WebSocket as the byte stream MQTT expects. Each
// MQTT write becomes one binary frame; reads span frame boundaries.
type wsConn struct {
	*websocket.Conn

	wmu sync.Mutex
	r   io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if errors.Is(err, io.EOF) {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
