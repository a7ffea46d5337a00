package TLStream

import (
	"crypto/x509"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

var (
	ErrClosed                    = errors.New("connection is closed")
	ErrFatalAlert                = errors.New("peer sent a fatal alert")
	ErrMalformedAlert            = errors.New("peer sent a malformed alert")
	ErrUnexpectedMessage         = errors.New("peer violated the handshake message order")
	ErrUnknownRecordType         = errors.New("record has an unknown content type")
	ErrBadRecordMac              = errors.New("record failed integrity verification")
	ErrRecordOverflow            = errors.New("record length exceeds the ciphertext bound")
	ErrProtocolVersion           = errors.New("peer negotiated an unsupported protocol version")
	ErrDecodeError               = errors.New("peer sent an unparseable handshake message")
	ErrUnknownCipherSuite        = errors.New("server selected a cipher suite we did not offer")
	ErrCompressionNotNull        = errors.New("server selected a compression method other than null")
	ErrUnsupportedExtension      = errors.New("server sent an extension we did not offer")
	ErrUnsupportedPointFormat    = errors.New("peer used a point format other than uncompressed")
	ErrUnsupportedCurve          = errors.New("server chose an elliptic curve we do not support")
	ErrWeakDHParameters          = errors.New("server sent degenerate Diffie-Hellman parameters")
	ErrWeakServerKey             = errors.New("server RSA key is below the configured minimum")
	ErrServerKeyMismatch         = errors.New("server certificate key does not match the cipher suite")
	ErrBadServerKeySignature     = errors.New("server key exchange signature is invalid")
	ErrCertificateRejected       = errors.New("server certificate chain was rejected")
	ErrFinishedMismatch          = errors.New("server finished verify data and our verify data mismatch")
	ErrMalformedChangeCipherSpec = errors.New("change cipher spec payload is not 0x01")
	ErrTooManyHandshakeMessages  = errors.New("peer buffered too many handshake messages in one flight")
	ErrUnsupportedClientKey      = errors.New("client certificate key type cannot sign a certificate verify")
	ErrReadBufferExceeded        = errors.New("buffered application data exceeded the cap")

	ErrRenegotiationRefused         = errors.New("peer refused renegotiation")
	ErrRenegotiationInProgress      = errors.New("cannot write application data during a renegotiation")
	ErrRenegotiationBindingMismatch = errors.New("renegotiation_info does not bind to the previous handshake")
	ErrRenegotiationNotSupported    = errors.New("server does not support secure renegotiation")
)

// Buffered application data accepted while a handshake flight is in
// progress. More than this and the peer is stalling us on purpose.
const maxBufferedAppData = 10 << 20

var recordBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, recordBufferSize)
	},
}

// Represents the client side of a TLS 1.2 connection over a blocking
// transport. Single caller per direction; no internal goroutines.
type TLStream struct {
	config    *Config
	transport Transport

	// One maximum ciphertext record plus header, reused for every read.
	buf []byte

	// Current read/write states plus the read state armed by our flight and
	// adopted at the peer's ChangeCipherSpec.
	in, out   *connState
	pendingIn *connState

	hs       *handshakeData
	hsBuffer *handshakeBuffer

	// Unconsumed tail of the current application-data record. Window into
	// buf; valid until the next record is read.
	plainBuf []byte

	// Application data that arrived mid-handshake, oldest first.
	appQueue    [][]byte
	appQueueLen int

	established     bool
	authenticated   bool
	finishedPending bool
	renegotiating   bool
	closing         bool
	closed          bool

	secureRenegotiation bool
	clientVerifyData    [verifyDataLength]byte
	serverVerifyData    [verifyDataLength]byte

	negotiated       CipherSuite
	peerCertificates []*x509.Certificate
}

func NewTLStream(transport Transport, config *Config) *TLStream {
	return &TLStream{
		config:    config,
		transport: transport,
		buf:       recordBufPool.Get().([]byte),
		in:        nullConnState(),
		out:       nullConnState(),
		hsBuffer:  newHandshakeBuffer(),
	}
}

// PerformInitialHandshake runs the first handshake. Idempotent once the
// connection is established.
func (t *TLStream) PerformInitialHandshake() error {
	if t.closed {
		return ErrClosed
	}
	if t.established || t.finishedPending {
		return nil
	}
	return t.runHandshake()
}

// Renegotiate starts a caller-initiated handshake on an established
// connection and blocks until it completes.
func (t *TLStream) Renegotiate() error {
	if t.closed {
		return ErrClosed
	}
	if !t.established && !t.finishedPending {
		return t.PerformInitialHandshake()
	}
	if err := t.completePendingFinished(); err != nil {
		return err
	}
	t.renegotiating = true
	err := t.runHandshake()
	if errors.Is(err, ErrRenegotiationRefused) {
		// The peer keeps the session alive, it just will not rekey.
		if t.hs != nil {
			t.hs.release()
			t.hs = nil
		}
		t.renegotiating = false
	}
	return err
}

func (t *TLStream) HandshakeComplete() bool {
	return t.established
}

func (t *TLStream) NegotiatedCipherSuite() CipherSuite {
	return t.negotiated
}

func (t *TLStream) PeerCertificates() []*x509.Certificate {
	return t.peerCertificates
}

func (t *TLStream) IsSecureRenegotiation() bool {
	return t.secureRenegotiation
}

// True once a peer Finished has validated against the transcript.
func (t *TLStream) IsAuthenticated() bool {
	return t.authenticated
}

func (t *TLStream) HasBufferedReadData() bool {
	return t.appQueueLen > 0 || len(t.plainBuf) > 0
}

// Read surfaces application data. Blocks on the transport; drives a pending
// Finished exchange or a server-initiated renegotiation when one shows up.
func (t *TLStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if n := t.drainBuffered(p); n > 0 {
		return n, nil
	}
	if t.closed {
		return 0, io.EOF
	}

	if !t.established && !t.finishedPending {
		if err := t.PerformInitialHandshake(); err != nil {
			return 0, err
		}
	}
	if err := t.completePendingFinished(); err != nil {
		return 0, err
	}

	for {
		if n := t.drainBuffered(p); n > 0 {
			return n, nil
		}

		recType, plaintext, err := t.readRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, err
		}

		switch recType {
		case RecordTypeApplicationData:
			if len(plaintext) == 0 {
				continue
			}
			t.plainBuf = plaintext

		case RecordTypeHandshake:
			if err := t.handleIdleHandshakeRecord(plaintext); err != nil {
				return 0, err
			}

		case RecordTypeAlert:
			if err := t.handleAlert(plaintext); err != nil {
				if errors.Is(err, io.EOF) {
					return t.drainBuffered(p), io.EOF
				}
				return 0, err
			}

		case RecordTypeChangeCipher:
			return 0, t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
		}
	}
}

// A handshake record on an established, idle connection is either a
// HelloRequest (renegotiate) or a protocol violation.
func (t *TLStream) handleIdleHandshakeRecord(plaintext []byte) error {
	t.hsBuffer.SetPolicy(HelloRequestInclude)
	if err := t.hsBuffer.Feed(plaintext); err != nil {
		return t.fatalAlert(AlertDescriptionUnexpectedMessage, err)
	}

	msgs := t.hsBuffer.Messages()
	if len(msgs) == 0 {
		// Partial message; more records follow.
		return nil
	}
	for _, msg := range msgs {
		if HandshakeType(msg[0]) != HandshakeTypeHelloRequest {
			return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
		}
		if len(msg) != 4 {
			return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
		}
	}
	t.hsBuffer.Drain()

	log.Debug().Msg("HelloRequest received, renegotiating")
	t.renegotiating = true
	return t.runHandshake()
}

func (t *TLStream) drainBuffered(p []byte) int {
	if t.appQueueLen > 0 {
		head := t.appQueue[0]
		n := copy(p, head)
		if n == len(head) {
			t.appQueue = t.appQueue[1:]
		} else {
			t.appQueue[0] = head[n:]
		}
		t.appQueueLen -= n
		return n
	}
	if len(t.plainBuf) > 0 {
		n := copy(p, t.plainBuf)
		t.plainBuf = t.plainBuf[n:]
		return n
	}
	return 0
}

func (t *TLStream) bufferAppData(plaintext []byte) error {
	if len(plaintext) == 0 {
		return nil
	}
	if t.appQueueLen+len(plaintext) > maxBufferedAppData {
		return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrReadBufferExceeded)
	}
	t.appQueue = append(t.appQueue, append([]byte(nil), plaintext...))
	t.appQueueLen += len(plaintext)
	return nil
}

// Write encrypts and sends application data, splitting at the plaintext
// record bound. With false start active, data flows before the server
// Finished only on forward-secret suites; runHandshake guarantees that.
func (t *TLStream) Write(p []byte) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}
	if t.renegotiating {
		return 0, ErrRenegotiationInProgress
	}
	if !t.established && !t.finishedPending {
		if err := t.PerformInitialHandshake(); err != nil {
			return 0, err
		}
	}

	written := 0
	for off := 0; off < len(p); off += MaxTLSRecordSize {
		end := off + MaxTLSRecordSize
		if end > len(p) {
			end = len(p)
		}

		buff := bytebufferpool.Get()
		buff.Write(p[off:end])
		err := t.protectRecord(RecordTypeApplicationData, buff)
		if err == nil {
			_, err = t.transport.Write(buff.B)
		}
		bytebufferpool.Put(buff)
		if err != nil {
			return written, t.transportFailure(err)
		}
		written = end
	}

	if err := t.transport.Flush(); err != nil {
		return written, t.transportFailure(err)
	}
	return written, nil
}

func (t *TLStream) Flush() error {
	if t.closed {
		return ErrClosed
	}
	return t.transport.Flush()
}

// Close performs the orderly shutdown: close_notify out, a zero-byte read,
// then transport teardown. It always returns nil; the outcome of the
// zero-byte read is not reported.
func (t *TLStream) Close() error {
	if t.closed {
		return nil
	}
	t.shutdown(true)
	return nil
}

func (t *TLStream) completePendingFinished() error {
	if !t.finishedPending {
		return nil
	}
	return t.waitServerFinished()
}

// readRecord pulls one record off the transport, validates the header and
// strips protection. The returned plaintext window lives in t.buf until the
// next call.
func (t *TLStream) readRecord() (RecordType, []byte, error) {
	if t.closed {
		return 0, nil, ErrClosed
	}

	if _, err := io.ReadFull(t.transport, t.buf[:recordHeaderSize]); err != nil {
		return 0, nil, t.transportFailure(err)
	}

	recType := RecordType(t.buf[0])
	if recType < RecordTypeChangeCipher || recType > RecordTypeApplicationData {
		return 0, nil, t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnknownRecordType)
	}
	if t.buf[1] != ProtocolVersion>>8 || t.buf[2] != ProtocolVersion&0xFF {
		return 0, nil, t.fatalAlert(AlertDescriptionProtocolVersion, ErrProtocolVersion)
	}

	length := int(binary.BigEndian.Uint16(t.buf[3:5]))
	if length > MaxTLSCiphertextSize {
		return 0, nil, t.fatalAlert(AlertDescriptionRecordOverflow, ErrRecordOverflow)
	}

	if _, err := io.ReadFull(t.transport, t.buf[recordHeaderSize:recordHeaderSize+length]); err != nil {
		return 0, nil, t.transportFailure(err)
	}

	plaintext, err := t.unprotectRecord(recType, t.buf[recordHeaderSize:recordHeaderSize+length])
	if err != nil {
		return 0, nil, err
	}
	return recType, plaintext, nil
}

// Splits a handshake message into records and appends them, protected, to
// the staging buffer.
func (t *TLStream) stageHandshakeRecords(stage *bytebufferpool.ByteBuffer, msg []byte) error {
	for off := 0; off < len(msg); off += MaxTLSRecordSize {
		end := off + MaxTLSRecordSize
		if end > len(msg) {
			end = len(msg)
		}

		buff := bytebufferpool.Get()
		buff.Write(msg[off:end])
		err := t.protectRecord(RecordTypeHandshake, buff)
		if err == nil {
			stage.Write(buff.B)
		}
		bytebufferpool.Put(buff)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *TLStream) writeAndFlush(b []byte) error {
	if _, err := t.transport.Write(b); err != nil {
		return t.transportFailure(err)
	}
	if err := t.transport.Flush(); err != nil {
		return t.transportFailure(err)
	}
	return nil
}

// A transport error mid-record or mid-handshake is terminal: no alert can
// be delivered reliably, so only local teardown remains.
func (t *TLStream) transportFailure(err error) error {
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	t.teardown()
	return err
}

// fatalAlert serialises a fatal alert, flushes it, tears the connection
// down and hands the protocol error back to the caller.
func (t *TLStream) fatalAlert(desc AlertDescription, err error) error {
	if !t.closed && !t.closing {
		t.closing = true
		buff := bytebufferpool.Get()
		if alertErr := t.buildAlert(AlertLevelFatal, desc, buff); alertErr == nil {
			t.transport.Write(buff.B)
			t.transport.Flush()
		}
		bytebufferpool.Put(buff)
		t.teardown()
	}
	log.Warn().Str("alert", desc.String()).Err(err).Msg("Connection failed")
	return err
}

// shutdown runs the close_notify exchange side effects; graceful means we
// still owe the peer our own close_notify.
func (t *TLStream) shutdown(graceful bool) {
	if t.closed || t.closing {
		return
	}
	t.closing = true

	if graceful {
		buff := bytebufferpool.Get()
		if err := t.buildAlert(AlertLevelWarning, AlertDescriptionCloseNotify, buff); err == nil {
			t.transport.Write(buff.B)
			t.transport.Flush()
		}
		bytebufferpool.Put(buff)

		// Zero-byte read before teardown. Its result is discarded, so a
		// connection reset seen here does not reach the caller.
		t.transport.Read(t.buf[:0])
	}

	t.teardown()
}

// teardown destroys all key material and releases the transport. Safe to
// call on every error exit path.
func (t *TLStream) teardown() {
	if t.closed {
		return
	}
	t.closed = true
	t.established = false
	t.finishedPending = false

	t.in.destroy()
	t.out.destroy()
	if t.pendingIn != nil {
		t.pendingIn.destroy()
		t.pendingIn = nil
	}
	if t.hs != nil {
		t.hs.release()
		t.hs = nil
	}
	if t.hsBuffer != nil {
		t.hsBuffer.release()
		t.hsBuffer = nil
	}

	if t.buf != nil {
		ZeroSlice(t.buf)
		recordBufPool.Put(t.buf)
		t.buf = nil
	}

	t.transport.Close()
}
