package TLStream

import "crypto/ecdh"

var (
	CURVE_P256 ecdh.Curve = ecdh.P256()
	CURVE_P384 ecdh.Curve = ecdh.P384()
	CURVE_P521 ecdh.Curve = ecdh.P521()
)

// https://datatracker.ietf.org/doc/html/rfc4492#section-5.1.1
/*
	enum {
		sect163k1(1), ... secp256r1(23), secp384r1(24), secp521r1(25),
		arbitrary_explicit_prime_curves(0xFF01),
		arbitrary_explicit_char2_curves(0xFF02),
		(0xFFFF)
	} NamedCurve;
*/
type NamedGroup uint16

const (
	NamedGroupP256 NamedGroup = 0x0017 // aka secp256r1 or prime256v1
	NamedGroupP384 NamedGroup = 0x0018 // aka secp384r1
	NamedGroupP521 NamedGroup = 0x0019 // aka secp521r1
)

func (n NamedGroup) ToBytes() []byte {
	return []byte{byte(n >> 8), byte(n & 0xFF)}
}

func (n NamedGroup) GetCurve() ecdh.Curve {
	switch n {
	case NamedGroupP256:
		return CURVE_P256
	case NamedGroupP384:
		return CURVE_P384
	case NamedGroupP521:
		return CURVE_P521
	default:
		panic("unsupported named group")
	}
}

// Byte length of a coordinate on the curve. An uncompressed point is
// 1 + 2*CoordinateLen bytes on the wire.
func (n NamedGroup) CoordinateLen() int {
	switch n {
	case NamedGroupP256:
		return 32
	case NamedGroupP384:
		return 48
	case NamedGroupP521:
		return 66
	default:
		panic("unsupported named group")
	}
}

func (n NamedGroup) Supported() bool {
	return n == NamedGroupP256 || n == NamedGroupP384 || n == NamedGroupP521
}

func (n NamedGroup) String() string {
	switch n {
	case NamedGroupP256:
		return "P-256"
	case NamedGroupP384:
		return "P-384"
	case NamedGroupP521:
		return "P-521"
	default:
		return "Invalid NamedGroup"
	}
}
