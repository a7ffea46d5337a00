package TLStream

import "crypto"

// https://datatracker.ietf.org/doc/html/rfc5246#section-7.4.1.4.1
/*
	enum {
		none(0), md5(1), sha1(2), sha224(3), sha256(4), sha384(5),
		sha512(6), (255)
	} HashAlgorithm;

	enum { anonymous(0), rsa(1), dsa(2), ecdsa(3), (255) }
	SignatureAlgorithm;
*/
type HashAlgorithm uint8

const (
	HashAlgorithmNone HashAlgorithm = iota
	HashAlgorithmMD5
	HashAlgorithmSHA1
	HashAlgorithmSHA224
	HashAlgorithmSHA256
	HashAlgorithmSHA384
	HashAlgorithmSHA512
)

type SignatureAlgorithm uint8

const (
	SignatureAlgorithmAnonymous SignatureAlgorithm = iota
	SignatureAlgorithmRSA
	SignatureAlgorithmDSA
	SignatureAlgorithmECDSA
)

// A SignatureScheme is a HashAlgorithm/SignatureAlgorithm pair packed the
// way it travels in signature_algorithms and in signed handshake messages:
// hash in the high byte, signature in the low byte.
type SignatureScheme uint16

const (
	RSA_PKCS1_SHA1   SignatureScheme = 0x0201
	RSA_PKCS1_SHA256 SignatureScheme = 0x0401
	RSA_PKCS1_SHA384 SignatureScheme = 0x0501
	RSA_PKCS1_SHA512 SignatureScheme = 0x0601

	DSA_SHA1 SignatureScheme = 0x0202

	ECDSA_SHA1   SignatureScheme = 0x0203
	ECDSA_SHA256 SignatureScheme = 0x0403
	ECDSA_SHA384 SignatureScheme = 0x0503
	ECDSA_SHA512 SignatureScheme = 0x0603
)

// The pairs we advertise in the ClientHello: {SHA-1,SHA-256,SHA-384,SHA-512}
// x {ECDSA,RSA} plus SHA-1/DSA.
func offeredSignatureSchemes() []SignatureScheme {
	return []SignatureScheme{
		ECDSA_SHA256,
		RSA_PKCS1_SHA256,
		ECDSA_SHA384,
		RSA_PKCS1_SHA384,
		ECDSA_SHA512,
		RSA_PKCS1_SHA512,
		ECDSA_SHA1,
		RSA_PKCS1_SHA1,
		DSA_SHA1,
	}
}

func (s SignatureScheme) HashAlgorithm() HashAlgorithm {
	return HashAlgorithm(s >> 8)
}

func (s SignatureScheme) SignatureAlgorithm() SignatureAlgorithm {
	return SignatureAlgorithm(s & 0xFF)
}

func (s SignatureScheme) ToBytes() []byte {
	return []byte{byte(s >> 8), byte(s & 0xFF)}
}

func (h HashAlgorithm) GetCryptoHash() crypto.Hash {
	switch h {
	case HashAlgorithmSHA1:
		return crypto.SHA1
	case HashAlgorithmSHA256:
		return crypto.SHA256
	case HashAlgorithmSHA384:
		return crypto.SHA384
	case HashAlgorithmSHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

func (s SignatureScheme) String() string {
	switch s {
	case RSA_PKCS1_SHA1:
		return "RSA_PKCS1_SHA1"
	case RSA_PKCS1_SHA256:
		return "RSA_PKCS1_SHA256"
	case RSA_PKCS1_SHA384:
		return "RSA_PKCS1_SHA384"
	case RSA_PKCS1_SHA512:
		return "RSA_PKCS1_SHA512"
	case DSA_SHA1:
		return "DSA_SHA1"
	case ECDSA_SHA1:
		return "ECDSA_SHA1"
	case ECDSA_SHA256:
		return "ECDSA_SHA256"
	case ECDSA_SHA384:
		return "ECDSA_SHA384"
	case ECDSA_SHA512:
		return "ECDSA_SHA512"
	default:
		return "Invalid SignatureScheme"
	}
}
