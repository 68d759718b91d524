package network

import (
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func writeDevCA(c *qt.C) string {
	_, der, err := devTLSCert()
	c.Assert(err, qt.IsNil)
	path := filepath.Join(c.TempDir(), "devtls_ca.pem")
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	c.Assert(os.WriteFile(path, pemBytes, 0o600), qt.IsNil)
	return path
}

func TestDevTLSCertIsDeterministic(t *testing.T) {
	c := qt.New(t)
	_, a, err := devTLSCert()
	c.Assert(err, qt.IsNil)
	_, b, err := devTLSCert()
	c.Assert(err, qt.IsNil)
	c.Assert(a, qt.DeepEquals, b)
}

func TestClientTLSConfigCAPath(t *testing.T) {
	c := qt.New(t)
	conf, err := ClientTLSConfig(false, writeDevCA(c))
	c.Assert(err, qt.IsNil)
	c.Check(conf.RootCAs, qt.IsNotNil)
	c.Check(conf.NextProtos, qt.DeepEquals, []string{ALPN})
}

func TestClientTLSConfigEnvOverride(t *testing.T) {
	c := qt.New(t)
	c.Setenv(DevCAEnv, writeDevCA(c))
	_, err := ClientTLSConfig(false, "/nonexistent")
	c.Assert(err, qt.IsNil)
}

func TestClientTLSConfigBadCA(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "junk.pem")
	c.Assert(os.WriteFile(path, []byte("junk"), 0o600), qt.IsNil)
	_, err := ClientTLSConfig(false, path)
	c.Assert(err, qt.ErrorMatches, `CA file ".*junk.pem" not valid`)

	_, err = ClientTLSConfig(false, filepath.Join(c.TempDir(), "missing.pem"))
	c.Assert(err, qt.ErrorMatches, `reading CA file: .*`)
}

func TestServerTLSConfigDev(t *testing.T) {
	c := qt.New(t)
	conf, err := ServerTLSConfig("", "")
	c.Assert(err, qt.IsNil)
	c.Assert(conf.Certificates, qt.HasLen, 1)
}
