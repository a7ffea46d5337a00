package TLStream

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"os"
	"strings"
	"time"
)

var (
	ErrFailedDecodePemCert = errors.New("failed to decode PEM certificate")
	ErrFailedDecodePemKey  = errors.New("failed to decode PEM key")
)

// A client certificate chain with its signing key. ChainDER holds the exact
// DER blobs sent in the Certificate message, leaf first.
type ClientCertificate struct {
	Chain    []*x509.Certificate
	ChainDER [][]byte

	// *rsa.PrivateKey or *dsa.PrivateKey; CertificateVerify signs with
	// SHA-1 under either.
	PrivateKey crypto.PrivateKey
}

type Config struct {
	// Hostname for SNI and certificate matching. IP literals suppress SNI;
	// empty skips hostname verification.
	ServerName string

	// Roots for chain building. nil falls back to the system pool.
	RootCAs *x509.CertPool

	ClientCertificates []ClientCertificate

	// Overrides the built-in chain policy when set.
	VerifyPeer VerifyPeerCallback

	AlertCallback AlertCallback

	// Offered suites, preference order. Empty means everything implemented.
	Ciphers []CipherSuite

	// Abort the initial handshake when the server lacks the
	// renegotiation_info extension.
	StrictRenegotiation bool

	// Treat missing revocation information as a chain error.
	RequireRevocationStatus bool

	// Send application data right after our Finished on forward-secret
	// suites instead of waiting for the server's.
	FalseStart bool

	// Reject server RSA keys below this many bits. 0 means 1024.
	MinRSABits int

	// Entropy source; nil means crypto/rand.
	Rand io.Reader

	// Clock; nil means time.Now. Drives the ClientHello timestamp and
	// certificate validity.
	Time func() time.Time
}

func NewConfig(serverName string) *Config {
	return &Config{
		ServerName: serverName,
		Ciphers:    GetCipherSuiteDefault(),
	}
}

func (c *Config) rand() io.Reader {
	if c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

func (c *Config) time() time.Time {
	if c.Time != nil {
		return c.Time()
	}
	return time.Now()
}

func (c *Config) cipherSuites() []CipherSuite {
	if len(c.Ciphers) != 0 {
		return c.Ciphers
	}
	return GetCipherSuiteDefault()
}

func (c *Config) minRSABits() int {
	if c.MinRSABits > 0 {
		return c.MinRSABits
	}
	return 1024
}

// Loads a PEM chain plus key and appends them to ClientCertificates.
func (c *Config) AddClientCertificateFromFile(certPath, keyPath string) error {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	return c.AddClientCertificateFromPEM(certPEM, keyPEM)
}

func (c *Config) AddClientCertificateFromPEM(certPEM, keyPEM []byte) error {
	var chain []*x509.Certificate
	var chainDER [][]byte

	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if !strings.HasSuffix(block.Type, "CERTIFICATE") {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return err
		}
		chain = append(chain, cert)
		chainDER = append(chainDER, block.Bytes)
	}
	if len(chain) == 0 {
		return ErrFailedDecodePemCert
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || !strings.HasSuffix(keyBlock.Type, "PRIVATE KEY") {
		return ErrFailedDecodePemKey
	}

	// try PKCS#1, then PKCS#8, just for compatibility
	var key crypto.PrivateKey
	if k1, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes); err == nil {
		key = k1
	} else if k8, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes); err2 == nil {
		key = k8
	} else {
		return ErrFailedDecodePemKey
	}

	c.ClientCertificates = append(c.ClientCertificates, ClientCertificate{
		Chain:      chain,
		ChainDER:   chainDER,
		PrivateKey: key,
	})
	return nil
}
