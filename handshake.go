package TLStream

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/crypto/cryptobyte"
)

// https://datatracker.ietf.org/doc/html/rfc5246#section-7.4
/*
	enum {
		hello_request(0), client_hello(1), server_hello(2),
		certificate(11), server_key_exchange (12),
		certificate_request(13), server_hello_done(14),
		certificate_verify(15), client_key_exchange(16),
		finished(20), (255)
	} HandshakeType;
*/
type HandshakeType uint8

const (
	HandshakeTypeHelloRequest HandshakeType = iota
	HandshakeTypeClientHello
	HandshakeTypeServerHello
	HandshakeTypeCertificate        HandshakeType = 11
	HandshakeTypeServerKeyExchange  HandshakeType = 12
	HandshakeTypeCertificateRequest HandshakeType = 13
	HandshakeTypeServerHelloDone    HandshakeType = 14
	HandshakeTypeCertificateVerify  HandshakeType = 15
	HandshakeTypeClientKeyExchange  HandshakeType = 16
	HandshakeTypeFinished           HandshakeType = 20
)

func (h HandshakeType) String() string {
	switch h {
	case HandshakeTypeHelloRequest:
		return "hello_request"
	case HandshakeTypeClientHello:
		return "client_hello"
	case HandshakeTypeServerHello:
		return "server_hello"
	case HandshakeTypeCertificate:
		return "certificate"
	case HandshakeTypeServerKeyExchange:
		return "server_key_exchange"
	case HandshakeTypeCertificateRequest:
		return "certificate_request"
	case HandshakeTypeServerHelloDone:
		return "server_hello_done"
	case HandshakeTypeCertificateVerify:
		return "certificate_verify"
	case HandshakeTypeClientKeyExchange:
		return "client_key_exchange"
	case HandshakeTypeFinished:
		return "finished"
	default:
		return "Invalid HandshakeType"
	}
}

// Prepends the 4-byte handshake header in place, same shifting trick as
// BuildRecordMessage.
func marshallHandshake(msgType HandshakeType, inOut *bytebufferpool.ByteBuffer) {
	bodyLen := inOut.Len()

	inOut.B = EnsureLen(inOut.B, bodyLen+4)
	copy(inOut.B[4:], inOut.B[:bodyLen])

	inOut.B[0] = byte(msgType)
	putUint24(inOut.B[1:], bodyLen)
}

// Everything scoped to one handshake. Destroyed once the peer Finished
// verifies.
type handshakeData struct {
	cipher CipherSuite
	suite  *cipherSuiteSettings

	clientRandom [randomLength]byte
	serverRandom [randomLength]byte

	// Full transcript of handshake messages. The client-Finished and
	// server-Finished digests diverge by when they are taken: before and
	// after our own Finished message is appended.
	messages *bytebufferpool.ByteBuffer

	masterSecret [masterSecretLength]byte

	keyAgreement keyAgreement

	peerCertificates []*x509.Certificate
	peerChain        []*x509.Certificate

	certRequested      bool
	certReqTypes       []byte
	certReqSchemes     []SignatureScheme
	certReqAuthorities [][]byte
	clientCert         *ClientCertificate
}

func newHandshakeData() *handshakeData {
	return &handshakeData{
		messages: bytebufferpool.Get(),
	}
}

func (hs *handshakeData) release() {
	ZeroSlice(hs.masterSecret[:])
	ZeroSlice(hs.messages.B)
	hs.messages.Reset()
	bytebufferpool.Put(hs.messages)
	hs.messages = nil
}

func (hs *handshakeData) transcribe(msg []byte) {
	hs.messages.Write(msg)
}

// Drives one full handshake: ClientHello out, server flight in, client
// flight out and, unless false start applies, the server Finished in.
func (t *TLStream) runHandshake() error {
	hs := newHandshakeData()
	t.hs = hs

	if err := t.sendClientHello(hs); err != nil {
		return err
	}

	if err := t.receiveServerFlight(hs); err != nil {
		return err
	}
	if err := t.processServerFlight(hs); err != nil {
		return err
	}

	if err := t.sendClientFlight(hs); err != nil {
		return err
	}

	if t.config.FalseStart && !t.renegotiating && hs.suite.keyExchange.ForwardSecret() {
		// Application data may flow now; the server Finished is checked on
		// the next read.
		t.finishedPending = true
		return nil
	}

	return t.waitServerFinished()
}

func (t *TLStream) sendClientHello(hs *handshakeData) error {
	binary.BigEndian.PutUint32(hs.clientRandom[:4], uint32(t.config.time().Unix()))
	if _, err := io.ReadFull(t.config.rand(), hs.clientRandom[4:]); err != nil {
		return t.fatalAlert(AlertDescriptionInternalError, err)
	}

	suites := t.config.cipherSuites()

	var b cryptobyte.Builder
	b.AddUint8(uint8(HandshakeTypeClientHello))
	b.AddUint24LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddUint16(ProtocolVersion)
		body.AddBytes(hs.clientRandom[:])
		body.AddUint8(0) // no session ID, resumption is out of scope
		body.AddUint16LengthPrefixed(func(cs *cryptobyte.Builder) {
			for _, suite := range suites {
				cs.AddUint16(uint16(suite))
			}
		})
		body.AddUint8(1)
		body.AddUint8(0) // null compression only
		t.writeClientHelloExtensions(body, suites)
	})

	msg, err := b.Bytes()
	if err != nil {
		return t.fatalAlert(AlertDescriptionInternalError, err)
	}
	hs.transcribe(msg)

	stage := bytebufferpool.Get()
	defer bytebufferpool.Put(stage)
	if err := t.stageHandshakeRecords(stage, msg); err != nil {
		return err
	}
	return t.writeAndFlush(stage.B)
}

// Accumulates one server flight into the handshake buffer, up to and
// including ServerHelloDone.
func (t *TLStream) receiveServerFlight(hs *handshakeData) error {
	t.hsBuffer.Drain()
	if t.renegotiating {
		t.hsBuffer.SetPolicy(HelloRequestIgnoreUntilFinished)
	} else {
		t.hsBuffer.SetPolicy(HelloRequestIgnore)
	}

	for !t.hsBuffer.ContainsServerHelloDone() {
		recType, plaintext, err := t.readRecord()
		if err != nil {
			return err
		}

		switch recType {
		case RecordTypeHandshake:
			if err := t.hsBuffer.Feed(plaintext); err != nil {
				return t.fatalAlert(AlertDescriptionUnexpectedMessage, err)
			}

		case RecordTypeAlert:
			if err := t.handleAlert(plaintext); err != nil {
				return err
			}

		case RecordTypeApplicationData:
			// Data still in flight under the old keys while we renegotiate.
			if !t.established {
				return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
			}
			if err := t.bufferAppData(plaintext); err != nil {
				return err
			}

		default:
			return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
		}
	}
	return nil
}

// Walks the accumulated flight in protocol order: ServerHello, Certificate,
// ServerKeyExchange?, CertificateRequest?, ServerHelloDone. Anything out of
// order is unexpected_message.
func (t *TLStream) processServerFlight(hs *handshakeData) error {
	msgs := t.hsBuffer.Messages()

	i := 0
	next := func() []byte {
		if i >= len(msgs) {
			return nil
		}
		m := msgs[i]
		i++
		return m
	}

	msg := next()
	if msg == nil || HandshakeType(msg[0]) != HandshakeTypeServerHello {
		return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
	}
	hs.transcribe(msg)
	if err := t.processServerHello(hs, msg[4:]); err != nil {
		return err
	}

	msg = next()
	if msg == nil || HandshakeType(msg[0]) != HandshakeTypeCertificate {
		return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
	}
	hs.transcribe(msg)
	if err := t.processCertificate(hs, msg[4:]); err != nil {
		return err
	}

	msg = next()
	if hs.keyAgreement.requiresServerKeyExchange() {
		if msg == nil || HandshakeType(msg[0]) != HandshakeTypeServerKeyExchange {
			return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
		}
		hs.transcribe(msg)
		if err := hs.keyAgreement.processServerKeyExchange(t, hs, msg[4:]); err != nil {
			return err
		}
		msg = next()
	} else if msg != nil && HandshakeType(msg[0]) == HandshakeTypeServerKeyExchange {
		return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
	}

	if msg != nil && HandshakeType(msg[0]) == HandshakeTypeCertificateRequest {
		hs.transcribe(msg)
		if err := t.processCertificateRequest(hs, msg[4:]); err != nil {
			return err
		}
		msg = next()
	}

	if msg == nil || HandshakeType(msg[0]) != HandshakeTypeServerHelloDone {
		return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
	}
	if len(msg) != 4 {
		return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
	}
	hs.transcribe(msg)

	if next() != nil {
		return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
	}

	t.hsBuffer.Drain()
	return nil
}

func (t *TLStream) processServerHello(hs *handshakeData, body []byte) error {
	s := cryptobyte.String(body)

	var version uint16
	var sessionID cryptobyte.String
	var compression uint8

	if !s.ReadUint16(&version) ||
		!s.CopyBytes(hs.serverRandom[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) {
		return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
	}

	if version != ProtocolVersion {
		log.Warn().Uint16("version", version).Msg("Server negotiated unsupported protocol version")
		return t.fatalAlert(AlertDescriptionProtocolVersion, ErrProtocolVersion)
	}

	var suiteID uint16
	if !s.ReadUint16(&suiteID) || !s.ReadUint8(&compression) {
		return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
	}

	offered := false
	for _, c := range t.config.cipherSuites() {
		if uint16(c) == suiteID {
			offered = true
			break
		}
	}
	settings := CipherSuite(suiteID).Settings()
	if !offered || settings == nil {
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrUnknownCipherSuite)
	}
	if compression != 0 {
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrCompressionNotNull)
	}

	hs.cipher = CipherSuite(suiteID)
	hs.suite = settings
	hs.keyAgreement = settings.newKeyAgreement()

	sawRenegotiationInfo := false
	if !s.Empty() {
		var extensions cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
			return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
		}
		for !extensions.Empty() {
			var extType uint16
			var extData cryptobyte.String
			if !extensions.ReadUint16(&extType) ||
				!extensions.ReadUint16LengthPrefixed(&extData) {
				return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
			}
			if Extension(extType) == ExtensionRenegotiationInfo {
				sawRenegotiationInfo = true
			}
			if err := t.processServerHelloExtension(Extension(extType), extData); err != nil {
				return err
			}
		}
	}

	if !sawRenegotiationInfo {
		if t.renegotiating && t.secureRenegotiation {
			return t.fatalAlert(AlertDescriptionHandshakeFailure, ErrRenegotiationBindingMismatch)
		}
		if !t.renegotiating && t.config.StrictRenegotiation {
			return t.fatalAlert(AlertDescriptionHandshakeFailure, ErrRenegotiationNotSupported)
		}
	}

	log.Debug().Str("cipher", hs.cipher.String()).Msg("ServerHello accepted")
	return nil
}

func (t *TLStream) processCertificate(hs *handshakeData, body []byte) error {
	certs, err := parseCertificateList(body)
	if err != nil {
		return t.fatalAlert(AlertDescriptionDecodeError, err)
	}
	if len(certs) == 0 {
		return t.fatalAlert(AlertDescriptionBadCertificate, ErrCertificateRejected)
	}
	hs.peerCertificates = certs

	switch hs.suite.auth {
	case authECDSA:
		if _, ok := certs[0].PublicKey.(*ecdsa.PublicKey); !ok {
			return t.fatalAlert(AlertDescriptionIllegalParameter, ErrServerKeyMismatch)
		}
	case authRSA:
		// DHE_RSA and ECDHE_RSA sign with the certificate key; plain RSA
		// encrypts to it. Either way it has to be RSA, except for ECDH_RSA
		// where the SPKI itself is an EC point under an RSA-signed
		// certificate.
		if hs.suite.keyExchange != KeyExchangeECDH {
			pub, ok := certs[0].PublicKey.(*rsa.PublicKey)
			if !ok {
				return t.fatalAlert(AlertDescriptionIllegalParameter, ErrServerKeyMismatch)
			}
			if pub.N.BitLen() < t.config.minRSABits() {
				return t.fatalAlert(AlertDescriptionInsufficientSecurity, ErrWeakServerKey)
			}
		}
	}

	return t.verifyServerCertificates(hs)
}

func (t *TLStream) processCertificateRequest(hs *handshakeData, body []byte) error {
	s := cryptobyte.String(body)

	var certTypes, sigAlgs, authorities cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&certTypes) ||
		!s.ReadUint16LengthPrefixed(&sigAlgs) ||
		!s.ReadUint16LengthPrefixed(&authorities) ||
		!s.Empty() || len(sigAlgs)%2 != 0 {
		return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
	}

	hs.certRequested = true
	hs.certReqTypes = append([]byte(nil), certTypes...)

	for len(sigAlgs) >= 2 {
		hs.certReqSchemes = append(hs.certReqSchemes,
			SignatureScheme(uint16(sigAlgs[0])<<8|uint16(sigAlgs[1])))
		sigAlgs = sigAlgs[2:]
	}

	for !authorities.Empty() {
		var dn cryptobyte.String
		if !authorities.ReadUint16LengthPrefixed(&dn) {
			return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
		}
		hs.certReqAuthorities = append(hs.certReqAuthorities, append([]byte(nil), dn...))
	}
	return nil
}

// Certificate? -> ClientKeyExchange -> CertificateVerify? ->
// ChangeCipherSpec -> Finished, one flush.
func (t *TLStream) sendClientFlight(hs *handshakeData) error {
	stage := bytebufferpool.Get()
	defer bytebufferpool.Put(stage)

	if hs.certRequested {
		hs.clientCert = t.selectClientCertificate(hs)
		msg := buildCertificateMessage(hs.clientCert)
		hs.transcribe(msg)
		if err := t.stageHandshakeRecords(stage, msg); err != nil {
			return err
		}
	}

	ckxBody, preMaster, err := hs.keyAgreement.generateClientKeyExchange(t, hs)
	if err != nil {
		return err
	}
	ckx := bytebufferpool.Get()
	ckx.Write(ckxBody)
	marshallHandshake(HandshakeTypeClientKeyExchange, ckx)
	hs.transcribe(ckx.B)
	err = t.stageHandshakeRecords(stage, ckx.B)
	bytebufferpool.Put(ckx)
	if err != nil {
		ZeroSlice(preMaster)
		return err
	}

	if hs.certRequested && hs.clientCert != nil {
		msg, err := t.buildCertificateVerify(hs)
		if err != nil {
			ZeroSlice(preMaster)
			return err
		}
		hs.transcribe(msg)
		if err := t.stageHandshakeRecords(stage, msg); err != nil {
			ZeroSlice(preMaster)
			return err
		}
	}

	hs.deriveMasterSecret(preMaster)

	pendingOut, pendingIn, err := hs.deriveConnStates()
	if err != nil {
		return t.fatalAlert(AlertDescriptionInternalError, err)
	}
	t.pendingIn = pendingIn

	// ChangeCipherSpec still travels under the old write state; everything
	// after it under the new one.
	ccs := bytebufferpool.Get()
	ccs.WriteByte(0x01)
	err = t.protectRecord(RecordTypeChangeCipher, ccs)
	if err == nil {
		stage.Write(ccs.B)
	}
	bytebufferpool.Put(ccs)
	if err != nil {
		return err
	}

	t.out.destroy()
	t.out = pendingOut

	clientVerify := hs.computeVerifyData(clientFinishedLabel)
	if t.secureRenegotiation {
		t.clientVerifyData = clientVerify
	}

	fin := bytebufferpool.Get()
	fin.Write(clientVerify[:])
	marshallHandshake(HandshakeTypeFinished, fin)
	hs.transcribe(fin.B)
	err = t.protectRecord(RecordTypeHandshake, fin)
	if err == nil {
		stage.Write(fin.B)
	}
	bytebufferpool.Put(fin)
	if err != nil {
		return err
	}

	return t.writeAndFlush(stage.B)
}

func buildCertificateMessage(cc *ClientCertificate) []byte {
	total := 0
	if cc != nil {
		for _, der := range cc.ChainDER {
			total += 3 + len(der)
		}
	}

	msg := make([]byte, 4+3+total)
	msg[0] = byte(HandshakeTypeCertificate)
	putUint24(msg[1:], 3+total)
	putUint24(msg[4:], total)

	off := 7
	if cc != nil {
		for _, der := range cc.ChainDER {
			putUint24(msg[off:], len(der))
			copy(msg[off+3:], der)
			off += 3 + len(der)
		}
	}
	return msg
}

// CertificateVerify signs the SHA-1 transcript up to, but not including,
// this message. RSA-SHA1 or DSA-SHA1; ECDSA client auth is not offered.
func (t *TLStream) buildCertificateVerify(hs *handshakeData) ([]byte, error) {
	digest := sha1.Sum(hs.messages.B)

	var sigAlg SignatureAlgorithm
	var signature []byte
	var err error

	switch key := hs.clientCert.PrivateKey.(type) {
	case *rsa.PrivateKey:
		sigAlg = SignatureAlgorithmRSA
		signature, err = rsa.SignPKCS1v15(t.config.rand(), key, crypto.SHA1, digest[:])
	case *dsa.PrivateKey:
		sigAlg = SignatureAlgorithmDSA
		var r, ss *big.Int
		r, ss, err = dsa.Sign(t.config.rand(), key, digest[:])
		if err == nil {
			signature, err = asn1.Marshal(dsaSignature{R: r, S: ss})
		}
	default:
		return nil, t.fatalAlert(AlertDescriptionInternalError, ErrUnsupportedClientKey)
	}
	if err != nil {
		return nil, t.fatalAlert(AlertDescriptionInternalError, err)
	}

	body := make([]byte, 4+len(signature))
	body[0] = byte(HashAlgorithmSHA1)
	body[1] = byte(sigAlg)
	body[2] = byte(len(signature) >> 8)
	body[3] = byte(len(signature))
	copy(body[4:], signature)

	buff := bytebufferpool.Get()
	defer bytebufferpool.Put(buff)
	buff.Write(body)
	marshallHandshake(HandshakeTypeCertificateVerify, buff)
	return append([]byte(nil), buff.B...), nil
}

// Reads the peer ChangeCipherSpec and Finished, verifies the transcript
// binding and promotes the connection to established.
func (t *TLStream) waitServerFinished() error {
	hs := t.hs

	// Retransmitted HelloRequests stay ignorable during a renegotiation;
	// anywhere else they are spurious and fatal.
	if t.renegotiating {
		t.hsBuffer.SetPolicy(HelloRequestIgnoreUntilFinished)
	} else {
		t.hsBuffer.SetPolicy(HelloRequestInclude)
	}

	// WAIT_CCS
	for {
		recType, plaintext, err := t.readRecord()
		if err != nil {
			return err
		}

		if recType == RecordTypeChangeCipher {
			if len(plaintext) != 1 || plaintext[0] != 0x01 {
				return t.fatalAlert(AlertDescriptionIllegalParameter, ErrMalformedChangeCipherSpec)
			}
			if t.pendingIn == nil || !t.hsBuffer.Empty() {
				return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
			}
			t.in.destroy()
			t.in = t.pendingIn
			t.pendingIn = nil
			break
		}

		switch recType {
		case RecordTypeAlert:
			if err := t.handleAlert(plaintext); err != nil {
				return err
			}
		case RecordTypeApplicationData:
			// Old keys are still live in this direction mid-renegotiation.
			if !t.established {
				return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
			}
			if err := t.bufferAppData(plaintext); err != nil {
				return err
			}
		case RecordTypeHandshake:
			// Spurious while a Finished exchange is pending, except that
			// HelloRequest retransmissions stay droppable mid-renegotiation;
			// anything the buffer keeps trips the fence check at the
			// ChangeCipherSpec.
			if !t.renegotiating {
				return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
			}
			if err := t.hsBuffer.Feed(plaintext); err != nil {
				return t.fatalAlert(AlertDescriptionUnexpectedMessage, err)
			}
		default:
			return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
		}
	}

	// WAIT_FINISHED
	for len(t.hsBuffer.Messages()) == 0 {
		recType, plaintext, err := t.readRecord()
		if err != nil {
			return err
		}

		switch recType {
		case RecordTypeHandshake:
			if err := t.hsBuffer.Feed(plaintext); err != nil {
				return t.fatalAlert(AlertDescriptionUnexpectedMessage, err)
			}
		case RecordTypeAlert:
			if err := t.handleAlert(plaintext); err != nil {
				return err
			}
		default:
			return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
		}
	}

	msgs := t.hsBuffer.Messages()
	msg := msgs[0]
	if len(msgs) != 1 || HandshakeType(msg[0]) != HandshakeTypeFinished ||
		len(msg) != 4+verifyDataLength {
		return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
	}

	expected := hs.computeVerifyData(serverFinishedLabel)
	if subtle.ConstantTimeCompare(expected[:], msg[4:]) != 1 {
		log.Warn().Msg("Server Finished verify data mismatch")
		return t.fatalAlert(AlertDescriptionDecryptError, ErrFinishedMismatch)
	}
	hs.transcribe(msg)
	t.hsBuffer.Drain()

	if t.secureRenegotiation {
		copy(t.serverVerifyData[:], msg[4:])
	}

	t.established = true
	t.renegotiating = false
	t.finishedPending = false
	t.authenticated = true
	t.negotiated = hs.cipher
	t.peerCertificates = hs.peerCertificates

	hs.release()
	t.hs = nil

	log.Debug().Str("cipher", t.negotiated.String()).Msg("Handshake complete")
	return nil
}
