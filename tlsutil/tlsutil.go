// Package tlsutil provides the minimal TLS bootstrap qpeer needs to stand up
// an Endpoint without an external certificate authority.
//
// Certificate policy (rotation, revocation, trust distribution) is
// explicitly out of scope for qpeer; this package only covers generating an
// ephemeral self-signed certificate and wiring the fixed ALPN identifier
// that all qpeer endpoints of a deployment must share.
package tlsutil

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// DefaultALPN is the fixed protocol identifier shared by all endpoints of a
// qpeer deployment.
const DefaultALPN = "qpeer/1"

// SelfSigned generates an ephemeral self-signed RSA certificate suitable for
// bootstrapping a qpeer endpoint that does not yet have a CA-issued cert.
func SelfSigned() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"qpeer"},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	certPEM := pemEncode("CERTIFICATE", der)
	keyPEM := pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(priv))
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("build key pair: %w", err)
	}
	return cert, nil
}

func pemEncode(typ string, data []byte) []byte {
	var buf bytes.Buffer
	_ = pem.Encode(&buf, &pem.Block{Type: typ, Bytes: data})
	return buf.Bytes()
}

// ServerConfig builds a *tls.Config for accepting inbound QUIC connections,
// advertising alpn (empty defaults to DefaultALPN).
func ServerConfig(cert tls.Certificate, alpn string) *tls.Config {
	if alpn == "" {
		alpn = DefaultALPN
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}
}

// ClientConfig builds a *tls.Config for dialing out. insecureSkipVerify is
// intended for deployments that rely on QUIC transport security alone and
// verify peer identity out-of-band (e.g. via the wire-level handshake);
// production deployments should supply a RootCAs pool instead.
func ClientConfig(alpn string, insecureSkipVerify bool) *tls.Config {
	if alpn == "" {
		alpn = DefaultALPN
	}
	return &tls.Config{
		NextProtos:         []string{alpn},
		InsecureSkipVerify: insecureSkipVerify,
	}
}
