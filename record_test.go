package TLStream

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"io"
	"testing"

	"github.com/valyala/bytebufferpool"
)

type discardTransport struct{}

func (discardTransport) Read(p []byte) (int, error)  { return 0, io.EOF }
func (discardTransport) Write(p []byte) (int, error) { return len(p), nil }
func (discardTransport) Flush() error                { return nil }
func (discardTransport) Close() error                { return nil }

// A transport scripted with incoming bytes; outgoing bytes are captured.
type scriptTransport struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func newScriptTransport(incoming []byte) *scriptTransport {
	return &scriptTransport{in: bytes.NewReader(incoming)}
}

func (s *scriptTransport) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *scriptTransport) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s *scriptTransport) Flush() error                { return nil }
func (s *scriptTransport) Close() error                { return nil }

func newTestStream() *TLStream {
	return NewTLStream(discardTransport{}, NewConfig(""))
}

// Two streams sharing one derived key block: a writes with the client
// halves, b reads them; b writes with the server halves, a reads those.
func pairedStreams(t *testing.T, suite CipherSuite) (a, b *TLStream) {
	t.Helper()

	settings := suite.Settings()
	assertTrue(t, settings != nil, "suite missing from the settings table")

	hs := newHandshakeData()
	defer hs.release()
	hs.suite = settings
	for i := range hs.clientRandom {
		hs.clientRandom[i] = byte(i)
		hs.serverRandom[i] = byte(i * 3)
	}
	copy(hs.masterSecret[:], bytes.Repeat([]byte{0x42}, masterSecretLength))

	aw, ar, err := hs.deriveConnStates()
	assertNotError(t, err, "deriveConnStates")
	bw, br, err := hs.deriveConnStates()
	assertNotError(t, err, "deriveConnStates")

	a = newTestStream()
	b = newTestStream()
	a.out, a.in = aw, ar
	// The peer writes with the server halves and reads the client halves.
	b.out, b.in = br, bw
	return a, b
}

func sealRecord(t *testing.T, s *TLStream, recType RecordType, plaintext []byte) []byte {
	t.Helper()
	buff := bytebufferpool.Get()
	defer bytebufferpool.Put(buff)
	buff.Write(plaintext)
	assertNotError(t, s.protectRecord(recType, buff), "protectRecord")
	return append([]byte(nil), buff.B...)
}

func openRecord(s *TLStream, record []byte) ([]byte, error) {
	recType := RecordType(record[0])
	length := int(binary.BigEndian.Uint16(record[3:5]))
	fragment := append([]byte(nil), record[5:5+length]...)
	return s.unprotectRecord(recType, fragment)
}

func TestRecordRoundTrip(t *testing.T) {
	suites := []CipherSuite{
		TLS_RSA_WITH_AES_128_CBC_SHA,
		TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384,
		TLS_RSA_WITH_AES_128_CBC_SHA256,
		TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	}
	lengths := []int{0, 1, 15, 16, 17, 255, 1000, MaxTLSRecordSize}

	for _, suite := range suites {
		t.Run(suite.String(), func(t *testing.T) {
			a, b := pairedStreams(t, suite)

			for _, n := range lengths {
				plaintext := make([]byte, n)
				for i := range plaintext {
					plaintext[i] = byte(i)
				}

				record := sealRecord(t, a, RecordTypeApplicationData, plaintext)

				// Header invariants: 5 + length bytes on the wire, length
				// field matches the fragment.
				length := int(binary.BigEndian.Uint16(record[3:5]))
				assertEquals(t, len(record), 5+length)
				assertTrue(t, length <= MaxTLSCiphertextSize, "fragment exceeds ciphertext bound")

				got, err := openRecord(b, record)
				assertNotError(t, err, "unprotect")
				assertByteEquals(t, got, plaintext)
			}
		})
	}
}

func TestRecordSequenceNumbers(t *testing.T) {
	a, b := pairedStreams(t, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256)

	for i := 0; i < 5; i++ {
		assertEquals(t, a.out.seq, uint64(i))
		record := sealRecord(t, a, RecordTypeApplicationData, []byte("ping"))
		assertEquals(t, b.in.seq, uint64(i))
		_, err := openRecord(b, record)
		assertNotError(t, err, "unprotect")
	}
	assertEquals(t, a.out.seq, uint64(5))
	assertEquals(t, b.in.seq, uint64(5))
}

func TestRecordTamperFails(t *testing.T) {
	for _, suite := range []CipherSuite{
		TLS_RSA_WITH_AES_128_CBC_SHA,
		TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	} {
		t.Run(suite.String(), func(t *testing.T) {
			a, _ := pairedStreams(t, suite)
			record := sealRecord(t, a, RecordTypeApplicationData, []byte("attack at dawn"))

			for _, flip := range []int{5, len(record) - 1, len(record) / 2} {
				_, fresh := pairedStreams(t, suite)
				mutated := append([]byte(nil), record...)
				mutated[flip] ^= 0x40
				_, err := openRecord(fresh, mutated)
				assertEquals(t, err, ErrBadRecordMac)
			}

			// Tampering the header type changes the associated data.
			_, fresh := pairedStreams(t, suite)
			mutated := append([]byte(nil), record...)
			mutated[0] = byte(RecordTypeHandshake)
			_, err := openRecord(fresh, mutated)
			assertEquals(t, err, ErrBadRecordMac)
		})
	}
}

func TestRecordSequenceReuseFails(t *testing.T) {
	a, b := pairedStreams(t, TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256)

	record := sealRecord(t, a, RecordTypeApplicationData, []byte("once"))
	_, err := openRecord(b, record)
	assertNotError(t, err, "first decrypt")

	// Replay: the receiver sequence number moved on, the AAD no longer
	// matches.
	_, err = openRecord(b, record)
	assertEquals(t, err, ErrBadRecordMac)
}

// Maximum padding (255) is legal as long as the lengths stay consistent.
func TestCBCMaxPaddingAccepted(t *testing.T) {
	a, b := pairedStreams(t, TLS_RSA_WITH_AES_128_CBC_SHA)
	settings := TLS_RSA_WITH_AES_128_CBC_SHA.Settings()

	// 12 plaintext + 20 MAC + 256 padding bytes = 288, a block multiple.
	plaintext := []byte("twelve bytes")
	assertEquals(t, len(plaintext), 12)

	cs := a.out
	var hdr [13]byte
	marshallSeqHeader(hdr[:], cs.seq, RecordTypeApplicationData, len(plaintext))
	cs.mac.Reset()
	cs.mac.Write(hdr[:])
	cs.mac.Write(plaintext)
	macSum := cs.mac.Sum(nil)

	padLen := 255
	payload := make([]byte, 0, len(plaintext)+len(macSum)+padLen+1)
	payload = append(payload, plaintext...)
	payload = append(payload, macSum...)
	for i := 0; i <= padLen; i++ {
		payload = append(payload, byte(padLen))
	}

	fragment := make([]byte, settings.blockLen+len(payload))
	copy(fragment, bytes.Repeat([]byte{0xA5}, settings.blockLen))
	cipher.NewCBCEncrypter(cs.block, fragment[:settings.blockLen]).
		CryptBlocks(fragment[settings.blockLen:], payload)

	got, err := b.unprotectRecord(RecordTypeApplicationData, fragment)
	assertNotError(t, err, "max padding rejected")
	assertByteEquals(t, got, plaintext)
}

func TestRecordOverflow(t *testing.T) {
	// length exactly at the ciphertext bound is fine under the null cipher.
	header := []byte{byte(RecordTypeHandshake), 0x03, 0x03, 0, 0}
	binary.BigEndian.PutUint16(header[3:], uint16(MaxTLSCiphertextSize))
	body := make([]byte, MaxTLSCiphertextSize)
	body[0] = byte(HandshakeTypeHelloRequest)

	tr := newScriptTransport(append(header, body...))
	s := NewTLStream(tr, NewConfig(""))
	recType, plaintext, err := s.readRecord()
	assertNotError(t, err, "bound-sized record rejected")
	assertEquals(t, recType, RecordTypeHandshake)
	assertEquals(t, len(plaintext), MaxTLSCiphertextSize)

	// One byte past the bound is record_overflow.
	over := []byte{byte(RecordTypeHandshake), 0x03, 0x03, 0, 0}
	binary.BigEndian.PutUint16(over[3:], uint16(MaxTLSCiphertextSize+1))

	s2 := NewTLStream(newScriptTransport(append(over, make([]byte, MaxTLSCiphertextSize+1)...)), NewConfig(""))
	_, _, err = s2.readRecord()
	assertEquals(t, err, ErrRecordOverflow)
}

func TestRecordRejectsWrongVersion(t *testing.T) {
	raw := []byte{byte(RecordTypeHandshake), 0x03, 0x02, 0x00, 0x01, 0x00}
	s := NewTLStream(newScriptTransport(raw), NewConfig(""))
	_, _, err := s.readRecord()
	assertEquals(t, err, ErrProtocolVersion)
}
