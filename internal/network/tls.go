package network

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/juju/errors"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "ocppmesh"

// DevCAEnv overrides the CA file used to verify QUIC servers.
const DevCAEnv = "OCPPMESH_DEVTLS_CA_PATH"

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

// devTLSCert is a deterministic self-signed certificate for localhost so
// that nodes can verify each other in development without a CA.
func devTLSCert() (tls.Certificate, []byte, error) {
	seed := sha256.Sum256([]byte("ocppmesh-quic-dev-key"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(zeroReader{}, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, nil, errors.Annotate(err, "creating dev certificate")
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, der, nil
}

// ServerTLSConfig loads certFile and keyFile, or the development
// certificate when both are empty.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if certFile == "" && keyFile == "" {
		cert, _, err = devTLSCert()
	} else {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
	}
	if err != nil {
		return nil, errors.Annotate(err, "loading server certificate")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig trusts the PEM certificates in caPath (or $OCPPMESH_DEVTLS_CA_PATH),
// falling back to the development certificate.
func ClientTLSConfig(insecure bool, caPath string) (*tls.Config, error) {
	conf := &tls.Config{
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}
	if insecure {
		conf.InsecureSkipVerify = true
		return conf, nil
	}
	if env := os.Getenv(DevCAEnv); env != "" {
		caPath = env
	}
	pool := x509.NewCertPool()
	if caPath != "" {
		pemBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errors.Annotate(err, "reading CA file")
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.NotValidf("CA file %q", caPath)
		}
	} else {
		_, der, err := devTLSCert()
		if err != nil {
			return nil, errors.Trace(err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, errors.Trace(err)
		}
		pool.AddCert(cert)
	}
	conf.RootCAs = pool
	return conf, nil
}
