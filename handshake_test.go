package TLStream

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"testing"
)

func record(recType RecordType, payload []byte) []byte {
	out := make([]byte, 5+len(payload))
	out[0] = byte(recType)
	out[1] = ProtocolVersion >> 8
	out[2] = ProtocolVersion & 0xFF
	binary.BigEndian.PutUint16(out[3:], uint16(len(payload)))
	copy(out[5:], payload)
	return out
}

// Server negotiates {3,2}: the client must bail with protocol_version.
func TestDowngradeRejected(t *testing.T) {
	shBody := []byte{0x03, 0x02}
	shBody = append(shBody, make([]byte, randomLength)...) // server random
	shBody = append(shBody, 0)                             // session id
	shBody = append(shBody, 0x00, 0x2F)                    // TLS_RSA_WITH_AES_128_CBC_SHA
	shBody = append(shBody, 0)                             // null compression

	flight := hsMessage(HandshakeTypeServerHello, shBody)
	flight = append(flight, hsMessage(HandshakeTypeServerHelloDone, nil)...)

	tr := newScriptTransport(record(RecordTypeHandshake, flight))
	s := NewTLStream(tr, NewConfig("example.com"))

	err := s.PerformInitialHandshake()
	assertEquals(t, err, ErrProtocolVersion)

	// The wire must carry our fatal protocol_version alert after the hello.
	out := tr.out.Bytes()
	alert := out[len(out)-7:]
	assertEquals(t, RecordType(alert[0]), RecordTypeAlert)
	assertEquals(t, AlertLevel(alert[5]), AlertLevelFatal)
	assertEquals(t, AlertDescription(alert[6]), AlertDescriptionProtocolVersion)
}

func TestServerHelloUnknownExtensionFatal(t *testing.T) {
	shBody := []byte{0x03, 0x03}
	shBody = append(shBody, make([]byte, randomLength)...)
	shBody = append(shBody, 0)
	shBody = append(shBody, 0x00, 0x2F)
	shBody = append(shBody, 0)
	// One extension we never offered: heartbeat(15).
	shBody = append(shBody, 0x00, 0x05, 0x00, 0x0F, 0x00, 0x01, 0x00)

	flight := hsMessage(HandshakeTypeServerHello, shBody)
	flight = append(flight, hsMessage(HandshakeTypeServerHelloDone, nil)...)

	s := NewTLStream(newScriptTransport(record(RecordTypeHandshake, flight)), NewConfig("example.com"))
	err := s.PerformInitialHandshake()
	assertEquals(t, err, ErrUnsupportedExtension)
}

func TestServerHelloUnknownCipherSuiteFatal(t *testing.T) {
	shBody := []byte{0x03, 0x03}
	shBody = append(shBody, make([]byte, randomLength)...)
	shBody = append(shBody, 0)
	shBody = append(shBody, 0x13, 0x01) // a TLS 1.3 suite we never offered
	shBody = append(shBody, 0)

	flight := hsMessage(HandshakeTypeServerHello, shBody)
	flight = append(flight, hsMessage(HandshakeTypeServerHelloDone, nil)...)

	s := NewTLStream(newScriptTransport(record(RecordTypeHandshake, flight)), NewConfig("example.com"))
	err := s.PerformInitialHandshake()
	assertEquals(t, err, ErrUnknownCipherSuite)
}

func TestOutOfOrderServerFlightFatal(t *testing.T) {
	// Certificate before ServerHello.
	flight := hsMessage(HandshakeTypeCertificate, []byte{0, 0, 0})
	flight = append(flight, hsMessage(HandshakeTypeServerHelloDone, nil)...)

	s := NewTLStream(newScriptTransport(record(RecordTypeHandshake, flight)), NewConfig("example.com"))
	err := s.PerformInitialHandshake()
	assertEquals(t, err, ErrUnexpectedMessage)
}

// ChangeCipherSpec with payload 0x00 while waiting for the server's cipher
// switch.
func TestChangeCipherSpecBadPayload(t *testing.T) {
	tr := newScriptTransport(record(RecordTypeChangeCipher, []byte{0x00}))
	s := NewTLStream(tr, NewConfig(""))
	s.hs = newHandshakeData()
	s.hs.suite = TLS_RSA_WITH_AES_128_CBC_SHA.Settings()

	err := s.waitServerFinished()
	assertEquals(t, err, ErrMalformedChangeCipherSpec)
}

// A ChangeCipherSpec with no pending state armed is unexpected_message.
func TestChangeCipherSpecWithoutPendingState(t *testing.T) {
	tr := newScriptTransport(record(RecordTypeChangeCipher, []byte{0x01}))
	s := NewTLStream(tr, NewConfig(""))
	s.hs = newHandshakeData()
	s.hs.suite = TLS_RSA_WITH_AES_128_CBC_SHA.Settings()

	err := s.waitServerFinished()
	assertEquals(t, err, ErrUnexpectedMessage)
}

// HelloRequest while in WAIT_CCS is spurious and fatal.
func TestHelloRequestDuringWaitCCS(t *testing.T) {
	tr := newScriptTransport(record(RecordTypeHandshake, hsMessage(HandshakeTypeHelloRequest, nil)))
	s := NewTLStream(tr, NewConfig(""))
	s.hs = newHandshakeData()
	s.hs.suite = TLS_RSA_WITH_AES_128_CBC_SHA.Settings()

	err := s.waitServerFinished()
	assertEquals(t, err, ErrUnexpectedMessage)
}

func TestSelectClientCertificate(t *testing.T) {
	rsaCert, rsaKey, rsaDER := testRSACertificate(t, 2048)

	cfg := NewConfig("example.com")
	cfg.ClientCertificates = []ClientCertificate{
		{Chain: []*x509.Certificate{rsaCert}, ChainDER: [][]byte{rsaDER}, PrivateKey: rsaKey},
	}
	s := NewTLStream(discardTransport{}, cfg)

	hs := newHandshakeData()
	defer hs.release()

	// RSA requested: our RSA certificate fits.
	hs.certReqTypes = []byte{clientCertTypeRSASign}
	cc := s.selectClientCertificate(hs)
	assertTrue(t, cc != nil, "RSA certificate not selected")
	_, isRSA := cc.PrivateKey.(*rsa.PrivateKey)
	assertTrue(t, isRSA, "wrong key type selected")

	// Only DSS acceptable: nothing fits, empty chain goes out.
	hs.certReqTypes = []byte{clientCertTypeDSSSign}
	assertTrue(t, s.selectClientCertificate(hs) == nil, "DSA slot filled by RSA certificate")

	// Issuer-constrained to an unrelated DN: nothing fits.
	hs.certReqTypes = []byte{clientCertTypeRSASign}
	hs.certReqAuthorities = [][]byte{[]byte("some other issuer")}
	assertTrue(t, s.selectClientCertificate(hs) == nil, "issuer constraint ignored")
}

func TestBuildCertificateMessage(t *testing.T) {
	// Empty chain: just the zero-length list.
	msg := buildCertificateMessage(nil)
	assertByteEquals(t, msg, []byte{byte(HandshakeTypeCertificate), 0, 0, 3, 0, 0, 0})

	der1 := []byte{0xDE, 0xAD}
	der2 := []byte{0xBE, 0xEF, 0x01}
	msg = buildCertificateMessage(&ClientCertificate{ChainDER: [][]byte{der1, der2}})

	assertEquals(t, HandshakeType(msg[0]), HandshakeTypeCertificate)
	assertEquals(t, readUint24(msg[1:]), len(msg)-4)
	assertEquals(t, readUint24(msg[4:]), len(msg)-7)
	assertEquals(t, readUint24(msg[7:]), len(der1))
	assertByteEquals(t, msg[10:12], der1)
	assertEquals(t, readUint24(msg[12:]), len(der2))
	assertByteEquals(t, msg[15:], der2)
}

func TestBufferedAppDataCap(t *testing.T) {
	s := newTestStream()
	s.established = true

	chunk := make([]byte, 1<<20)
	for i := 0; i < 10; i++ {
		assertNotError(t, s.bufferAppData(chunk), "under the cap")
	}
	assertEquals(t, s.bufferAppData([]byte{1}), ErrReadBufferExceeded)
}
