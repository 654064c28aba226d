package mqtt

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testPKI writes a CA and a CA-signed client certificate into dir and
// returns the credential paths.
func testPKI(t *testing.T, dir string, notAfter time.Time) Credentials {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "soilcast test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Bot"},
		NotBefore:    time.Now().Add(-2 * time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatal(err)
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		t.Fatal(err)
	}

	c := Credentials{
		RootCA: filepath.Join(dir, "root-CA.crt"),
		Cert:   filepath.Join(dir, "Bot.cert.pem"),
		Key:    filepath.Join(dir, "Bot.private.key"),
	}
	writePEM(t, c.RootCA, "CERTIFICATE", caDER)
	writePEM(t, c.Cert, "CERTIFICATE", leafDER)
	writePEM(t, c.Key, "EC PRIVATE KEY", keyDER)
	return c
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadTLSConfig(t *testing.T) {
	c := testPKI(t, t.TempDir(), time.Now().Add(time.Hour))
	c.ALPN = []string{"x-amzn-mqtt-ca"}

	cfg, err := LoadTLSConfig(c)
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs not set")
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "x-amzn-mqtt-ca" {
		t.Errorf("NextProtos = %v, want [x-amzn-mqtt-ca]", cfg.NextProtos)
	}
}

func TestLoadTLSConfig_Failures(t *testing.T) {
	dir := t.TempDir()
	good := testPKI(t, dir, time.Now().Add(time.Hour))

	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	expiredDir := t.TempDir()
	expired := testPKI(t, expiredDir, time.Now().Add(-time.Hour))

	tests := []struct {
		name string
		c    Credentials
	}{
		{"no root CA", Credentials{Cert: good.Cert, Key: good.Key}},
		{"missing root CA file", Credentials{RootCA: filepath.Join(dir, "nope.crt"), Cert: good.Cert, Key: good.Key}},
		{"root CA without certificates", Credentials{RootCA: garbage, Cert: good.Cert, Key: good.Key}},
		{"no client cert", Credentials{RootCA: good.RootCA}},
		{"key mismatch", Credentials{RootCA: good.RootCA, Cert: good.Cert, Key: expired.Key}},
		{"expired client cert", expired},
		{"bad pkcs12", Credentials{RootCA: good.RootCA, PKCS12: garbage}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTLSConfig(tt.c)
			if !errors.Is(err, ErrAuthentication) {
				t.Errorf("LoadTLSConfig() error = %v, want ErrAuthentication", err)
			}
		})
	}
}
