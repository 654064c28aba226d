package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// Credentials names the files that authenticate the device. Either
// Cert and Key or PKCS12 must be set; RootCA is always required.
type Credentials struct {
	RootCA         string
	Cert           string
	Key            string
	PKCS12         string
	PKCS12Password string
	// ALPN protocols to offer, for example "x-amzn-mqtt-ca" to reach
	// AWS IoT on port 443 without WebSockets.
	ALPN []string
}

// LoadTLSConfig reads the credential files and builds a client TLS
// configuration. Every failure wraps [ErrAuthentication] since the
// device cannot authenticate without them.
func LoadTLSConfig(c Credentials) (*tls.Config, error) {
	if c.RootCA == "" {
		return nil, fmt.Errorf("%w: root CA path is required", ErrAuthentication)
	}
	caPEM, err := os.ReadFile(c.RootCA)
	if err != nil {
		return nil, fmt.Errorf("%w: read root CA: %w", ErrAuthentication, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: no certificates found in root CA %s", ErrAuthentication, c.RootCA)
	}

	var cert tls.Certificate
	switch {
	case c.PKCS12 != "":
		cert, err = loadPKCS12(c.PKCS12, c.PKCS12Password)
	case c.Cert != "" && c.Key != "":
		cert, err = tls.LoadX509KeyPair(c.Cert, c.Key)
	default:
		err = errors.New("client certificate and key (or a PKCS#12 bundle) are required")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	leaf := cert.Leaf
	if leaf == nil && len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	if leaf != nil && time.Now().After(leaf.NotAfter) {
		return nil, fmt.Errorf("%w: client certificate expired %s", ErrAuthentication, leaf.NotAfter.Format(time.RFC3339))
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      roots,
		Certificates: []tls.Certificate{cert},
		NextProtos:   c.ALPN,
	}, nil
}

func loadPKCS12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read pkcs12 bundle: %w", err)
	}
	key, leaf, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decode pkcs12 bundle %s: %w", path, err)
	}
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}
