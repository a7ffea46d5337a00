package TLStream

const (
	// The only version we speak. Offered in the ClientHello, required in the
	// ServerHello and on every record header.
	ProtocolVersion = 0x0303
)

const (
	masterSecretLength   = 48
	randomLength         = 32
	verifyDataLength     = 12
	gcmExplicitNonceSize = 8
	gcmSaltSize          = 4
	gcmTagSize           = 16
)

// seq(8) || type(1) || version(2) || length(2). Associated data for GCM
// records and the MAC prefix for CBC suites.
func marshallSeqHeader(dst []byte, seq uint64, recType RecordType, length int) {
	dst[0] = byte(seq >> 56)
	dst[1] = byte(seq >> 48)
	dst[2] = byte(seq >> 40)
	dst[3] = byte(seq >> 32)
	dst[4] = byte(seq >> 24)
	dst[5] = byte(seq >> 16)
	dst[6] = byte(seq >> 8)
	dst[7] = byte(seq)
	dst[8] = byte(recType)
	dst[9] = byte(ProtocolVersion >> 8)
	dst[10] = byte(ProtocolVersion & 0xFF)
	dst[11] = byte(length >> 8)
	dst[12] = byte(length & 0xFF)
}
