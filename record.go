package TLStream

import (
	"encoding/binary"

	"github.com/valyala/bytebufferpool"
)

const (
	// https://datatracker.ietf.org/doc/html/rfc5246#section-6.2.1
	/*
		The record layer fragments information blocks into TLSPlaintext
		records carrying data in chunks of 2^14 bytes or less.
	*/
	MaxTLSRecordSize = 1 << 14

	// https://datatracker.ietf.org/doc/html/rfc5246#section-6.2.3
	/*
		The length (in bytes) of the following TLSCiphertext.fragment.
		The length MUST NOT exceed 2^14 + 2048.
	*/
	MaxTLSCiphertextSize = MaxTLSRecordSize + 2048

	recordHeaderSize = 5

	// One maximum ciphertext record plus its header. The stream's record
	// buffer never needs to grow past this.
	recordBufferSize = recordHeaderSize + MaxTLSCiphertextSize
)

// https://datatracker.ietf.org/doc/html/rfc5246#section-6.2.1
/*
	enum {
		change_cipher_spec(20),
		alert(21),
		handshake(22),
		application_data(23),
		(255)
	} ContentType;
*/
type RecordType uint8

const (
	RecordTypeChangeCipher RecordType = (0x14 + iota)
	RecordTypeAlert
	RecordTypeHandshake
	RecordTypeApplicationData
)

func (r RecordType) String() string {
	switch r {
	case RecordTypeChangeCipher:
		return "change_cipher_spec"
	case RecordTypeAlert:
		return "alert"
	case RecordTypeHandshake:
		return "handshake"
	case RecordTypeApplicationData:
		return "application_data"
	default:
		return "Invalid ContentType"
	}
}

// Wrap payload in full TLS record (type + version + 2-byte length).
func BuildRecordMessage(recType RecordType, inOut *bytebufferpool.ByteBuffer) {

	bodyLen := inOut.Len()

	// Same trick as with marshallHandshake: shift the body back by the
	// header size and write the header in front of it.
	inOut.B = EnsureLen(inOut.B, bodyLen+recordHeaderSize)
	copy(inOut.B[recordHeaderSize:], inOut.B[:bodyLen])

	inOut.B[0] = byte(recType)
	inOut.B[1] = byte(ProtocolVersion >> 8)
	inOut.B[2] = byte(ProtocolVersion & 0xFF)
	binary.BigEndian.PutUint16(inOut.B[3:], uint16(bodyLen))
}
