// internal/crypto/crypto.go
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Signing suite: RSA-PSS over SHA3-256 digests. Keys are PKIX / PKCS#8 DER,
// stored hex encoded in a node's home directory.
// -----------------------------------------------------------------------------

const DefaultRSABits = 3072

// MinRSABits is the smallest key size GenKeypair accepts.
const MinRSABits = 2048

const (
	pubFile  = "pub.hex"
	privFile = "priv.hex"
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// Digest hashes label followed by every part, keeping digests of different
// purposes apart.
func Digest(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// KeyID is the short fingerprint peers use to look up a public key.
func KeyID(pub []byte) string {
	return hex.EncodeToString(Digest("ocppmesh:keyid:v1", pub)[:8])
}

// -----------------------------------------------------------------------------
// RSA-PSS
// -----------------------------------------------------------------------------

func GenKeypair(bits int) ([]byte, []byte, error) {
	if bits == 0 {
		bits = DefaultRSABits
	}
	if bits < MinRSABits {
		return nil, nil, errors.NotValidf("rsa key size %d (min %d)", bits, MinRSABits)
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return pubDER, privDER, nil
}

var pssOptions = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash}

func SignDigest(priv []byte, digest []byte) ([]byte, error) {
	key, err := ParseRSAPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return SignDigestKey(key, digest)
}

func SignDigestKey(key *rsa.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, errors.NotValidf("digest size %d", len(digest))
	}
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA3_256, digest, pssOptions)
	return sig, errors.Trace(err)
}

func VerifyDigest(pub []byte, digest []byte, sig []byte) bool {
	key, err := ParseRSAPublicKey(pub)
	if err != nil {
		return false
	}
	return VerifyDigestKey(key, digest, sig)
}

func VerifyDigestKey(key *rsa.PublicKey, digest []byte, sig []byte) bool {
	if len(digest) != 32 || key == nil {
		return false
	}
	return rsa.VerifyPSS(key, crypto.SHA3_256, digest, sig, pssOptions) == nil
}

func ParseRSAPublicKey(pub []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(pub)
	if err != nil {
		return nil, errors.Annotate(err, "parse public key")
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.NotValidf("%T as rsa public key", key)
	}
	return rsaKey, nil
}

func ParseRSAPrivateKey(priv []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(priv)
	if err != nil {
		return nil, errors.Annotate(err, "parse private key")
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.NotValidf("%T as rsa private key", key)
	}
	return rsaKey, nil
}

// -----------------------------------------------------------------------------
// Key storage
// -----------------------------------------------------------------------------

func SaveKeypair(dir string, pub, priv []byte) error {
	if len(pub) == 0 || len(priv) == 0 {
		return errors.New("empty key")
	}
	if err := os.WriteFile(filepath.Join(dir, pubFile), []byte(hex.EncodeToString(pub)), 0600); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(filepath.Join(dir, privFile), []byte(hex.EncodeToString(priv)), 0600))
}

// LoadKeypair reads the keypair saved in dir. A missing key file is
// reported as errors.NotFound.
func LoadKeypair(dir string) ([]byte, []byte, error) {
	pub, err := LoadPublicKey(filepath.Join(dir, pubFile))
	if err != nil {
		return nil, nil, err
	}
	priv, err := readHexFile(filepath.Join(dir, privFile))
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// LoadPublicKey reads a hex encoded PKIX public key file.
func LoadPublicKey(path string) ([]byte, error) {
	pub, err := readHexFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := ParseRSAPublicKey(pub); err != nil {
		return nil, errors.Annotatef(err, "%s", path)
	}
	return pub, nil
}

func readHexFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("key file %s", path)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	data, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, errors.NotValidf("hex in %s", filepath.Base(path))
	}
	return data, nil
}
