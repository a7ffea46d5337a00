package TLStream

import (
	"crypto"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// Deterministic byte source; good enough entropy shape for key generation,
// bit-identical across runs.
type countingReader struct {
	state byte
}

func (c *countingReader) Read(p []byte) (int, error) {
	for i := range p {
		c.state = c.state*181 + 97
		p[i] = c.state
	}
	return len(p), nil
}

func testRSACertificate(t *testing.T, bits int) (*x509.Certificate, *rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, bits)
	assertNotError(t, err, "generate RSA key")

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "example.com"},
		DNSNames:              []string{"example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	assertNotError(t, err, "create certificate")
	cert, err := x509.ParseCertificate(der)
	assertNotError(t, err, "parse certificate")
	return cert, key, der
}

func TestRSAClientKeyExchange(t *testing.T) {
	cert, key, _ := testRSACertificate(t, 2048)

	s := newTestStream()
	hs := newHandshakeData()
	defer hs.release()
	hs.suite = TLS_RSA_WITH_AES_128_CBC_SHA.Settings()
	hs.peerCertificates = []*x509.Certificate{cert}

	ka := hs.suite.newKeyAgreement()
	assertTrue(t, !ka.requiresServerKeyExchange(), "RSA must not require a ServerKeyExchange")

	ckx, preMaster, err := ka.generateClientKeyExchange(s, hs)
	assertNotError(t, err, "generateClientKeyExchange")

	// 2-byte length prefix plus a 256-byte RSA-2048 ciphertext.
	assertEquals(t, len(ckx), 258)
	assertEquals(t, int(ckx[0])<<8|int(ckx[1]), 256)

	decrypted, err := rsa.DecryptPKCS1v15(rand.Reader, key, ckx[2:])
	assertNotError(t, err, "premaster decrypt")
	assertEquals(t, len(decrypted), masterSecretLength)
	assertEquals(t, decrypted[0], byte(0x03))
	assertEquals(t, decrypted[1], byte(0x03))
	assertByteEquals(t, decrypted, preMaster)
}

func TestECDHEKeyExchangeSharedSecret(t *testing.T) {
	serverPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	assertNotError(t, err, "server keygen")

	s := newTestStream()
	s.config.Rand = &countingReader{}
	hs := newHandshakeData()
	defer hs.release()
	hs.suite = TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256.Settings()

	ka := &ecdheKeyAgreement{group: NamedGroupP256, peerPoint: serverPriv.PublicKey().Bytes()}
	ckx, preMaster, err := ka.generateClientKeyExchange(s, hs)
	assertNotError(t, err, "generateClientKeyExchange")

	// Uncompressed P-256 point: length prefix, then 0x04 || X || Y.
	assertEquals(t, len(ckx), 66)
	assertEquals(t, ckx[0], byte(65))
	assertEquals(t, ckx[1], byte(0x04))
	assertEquals(t, len(preMaster), 32)

	// The server arrives at the same X coordinate.
	clientPub, err := ecdh.P256().NewPublicKey(ckx[1:])
	assertNotError(t, err, "client point rejected")
	shared, err := serverPriv.ECDH(clientPub)
	assertNotError(t, err, "server ECDH")
	assertByteEquals(t, shared, preMaster)
}

func TestECDHEKeyExchangeDeterministic(t *testing.T) {
	serverPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	assertNotError(t, err, "server keygen")
	point := serverPriv.PublicKey().Bytes()

	run := func() ([]byte, []byte) {
		s := newTestStream()
		s.config.Rand = &countingReader{}
		hs := newHandshakeData()
		defer hs.release()
		hs.suite = TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256.Settings()
		ka := &ecdheKeyAgreement{group: NamedGroupP256, peerPoint: point}
		ckx, preMaster, err := ka.generateClientKeyExchange(s, hs)
		assertNotError(t, err, "generateClientKeyExchange")
		return ckx, preMaster
	}

	ckx1, pre1 := run()
	ckx2, pre2 := run()
	assertByteEquals(t, ckx1, ckx2)
	assertByteEquals(t, pre1, pre2)
}

// Oakley group 2 (RFC 2409), 1024 bits, generator 2.
const modp1024 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E08" +
	"8A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6D" +
	"F25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6" +
	"F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFF" +
	"FFFFFFFF"

func TestDHEKeyExchangeSharedSecret(t *testing.T) {
	p, ok := new(big.Int).SetString(modp1024, 16)
	assertTrue(t, ok, "bad prime fixture")
	g := big.NewInt(2)

	xs, err := rand.Int(rand.Reader, p)
	assertNotError(t, err, "server scalar")
	ys := new(big.Int).Exp(g, xs, p)

	s := newTestStream()
	hs := newHandshakeData()
	defer hs.release()
	hs.suite = TLS_DHE_RSA_WITH_AES_128_CBC_SHA.Settings()

	ka := &dheKeyAgreement{p: p, g: g, ys: ys}
	ckx, preMaster, err := ka.generateClientKeyExchange(s, hs)
	assertNotError(t, err, "generateClientKeyExchange")

	ycLen := int(ckx[0])<<8 | int(ckx[1])
	assertEquals(t, len(ckx), 2+ycLen)
	yc := new(big.Int).SetBytes(ckx[2:])

	shared := new(big.Int).Exp(yc, xs, p)
	assertByteEquals(t, preMaster, shared.Bytes())
}

func TestDHERejectsDegenerateParameters(t *testing.T) {
	s := newTestStream()
	hs := newHandshakeData()
	defer hs.release()
	hs.suite = TLS_DHE_RSA_WITH_AES_128_CBC_SHA.Settings()

	// p of 16 bits and Ys = 1: both independently fatal.
	body := []byte{
		0x00, 0x02, 0xFF, 0xFB, // p
		0x00, 0x01, 0x02, // g
		0x00, 0x01, 0x01, // Ys
	}
	ka := new(dheKeyAgreement)
	err := ka.processServerKeyExchange(s, hs, body)
	assertEquals(t, err, ErrWeakDHParameters)
}

func TestServerKeyExchangeSignature(t *testing.T) {
	cert, key, _ := testRSACertificate(t, 2048)

	params := []byte{
		0x03,       // named_curve
		0x00, 0x17, // secp256r1
		0x05, 0x04, 0x01, 0x02, 0x03, 0x04, // bogus point, irrelevant here
	}

	newHS := func() (*TLStream, *handshakeData) {
		s := newTestStream()
		hs := newHandshakeData()
		hs.suite = TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256.Settings()
		hs.peerCertificates = []*x509.Certificate{cert}
		for i := range hs.clientRandom {
			hs.clientRandom[i] = byte(i)
			hs.serverRandom[i] = byte(i + 1)
		}
		return s, hs
	}

	s, hs := newHS()
	defer hs.release()

	h := sha256.New()
	h.Write(hs.clientRandom[:])
	h.Write(hs.serverRandom[:])
	h.Write(params)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h.Sum(nil))
	assertNotError(t, err, "sign")

	sigBlock := append([]byte{
		byte(HashAlgorithmSHA256), byte(SignatureAlgorithmRSA),
		byte(len(sig) >> 8), byte(len(sig)),
	}, sig...)

	assertNotError(t, s.verifyServerKeyExchangeSignature(hs, params, sigBlock), "valid signature rejected")

	// A flipped bit in the signature, or in the signed region, breaks it.
	s2, hs2 := newHS()
	defer hs2.release()
	bad := append([]byte(nil), sigBlock...)
	bad[len(bad)-1] ^= 1
	assertEquals(t, s2.verifyServerKeyExchangeSignature(hs2, params, bad), ErrBadServerKeySignature)

	s3, hs3 := newHS()
	defer hs3.release()
	hs3.clientRandom[0] ^= 1
	assertEquals(t, s3.verifyServerKeyExchangeSignature(hs3, params, sigBlock), ErrBadServerKeySignature)
}
