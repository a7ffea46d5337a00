package TLStream

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

var (
	HASH_SHA1_SETTINGS = &HashSettings{
		size:    sha1.Size,
		newFunc: sha1.New,
		hash:    SHA1,
	}

	HASH_SHA256_SETTINGS = &HashSettings{
		size:    sha256.Size,
		newFunc: sha256.New,
		hash:    SHA256,
	}

	HASH_SHA384_SETTINGS = &HashSettings{
		size:    sha512.Size384,
		newFunc: sha512.New384,
		hash:    SHA384,
	}
)

type cipherHash uint8

const (
	SHA1 cipherHash = iota
	SHA256
	SHA384
)

type HashSettings struct {
	size    int
	newFunc func() hash.Hash
	hash    cipherHash
}

func (h *HashSettings) Hash(data []byte) []byte {
	switch h.hash {
	case SHA1:
		sum := sha1.Sum(data)
		return sum[:]
	case SHA256:
		sum := sha256.Sum256(data)
		return sum[:]
	case SHA384:
		sum := sha512.Sum384(data)
		return sum[:]
	default:
		panic("unknown hash")
	}
}

// https://datatracker.ietf.org/doc/html/rfc5246#section-7.4.3
/*
	enum {
		dhe_dss, dhe_rsa, dh_anon, rsa, dh_dss, dh_rsa
		ecdh suites per RFC 4492
	} KeyExchangeAlgorithm;
*/
type KeyExchange uint8

const (
	KeyExchangeRSA KeyExchange = iota
	KeyExchangeDHE
	KeyExchangeECDHE
	KeyExchangeECDH
)

func (k KeyExchange) String() string {
	switch k {
	case KeyExchangeRSA:
		return "RSA"
	case KeyExchangeDHE:
		return "DHE"
	case KeyExchangeECDHE:
		return "ECDHE"
	case KeyExchangeECDH:
		return "ECDH"
	default:
		return "Invalid KeyExchange"
	}
}

// Whether the key exchange yields forward secrecy. Gates false start.
func (k KeyExchange) ForwardSecret() bool {
	return k == KeyExchangeDHE || k == KeyExchangeECDHE
}

type ProtectionMode uint8

const (
	ProtectionNull ProtectionMode = iota
	ProtectionCBC
	ProtectionGCM
)

type certificateAuth uint8

const (
	authRSA certificateAuth = iota
	authECDSA
)

// https://datatracker.ietf.org/doc/html/rfc5246#appendix-A.5 and RFC 4492 / RFC 5288 / RFC 5289
/*
	TLS_RSA_WITH_AES_128_CBC_SHA            = { 0x00,0x2F }
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA        = { 0x00,0x33 }
	TLS_RSA_WITH_AES_256_CBC_SHA            = { 0x00,0x35 }
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA        = { 0x00,0x39 }
	TLS_RSA_WITH_AES_128_CBC_SHA256         = { 0x00,0x3C }
	TLS_RSA_WITH_AES_256_CBC_SHA256         = { 0x00,0x3D }
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA256     = { 0x00,0x67 }
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA256     = { 0x00,0x6B }
	TLS_RSA_WITH_AES_128_GCM_SHA256         = { 0x00,0x9C }
	TLS_RSA_WITH_AES_256_GCM_SHA384         = { 0x00,0x9D }
	TLS_DHE_RSA_WITH_AES_128_GCM_SHA256     = { 0x00,0x9E }
	TLS_DHE_RSA_WITH_AES_256_GCM_SHA384     = { 0x00,0x9F }
	TLS_ECDH_ECDSA_WITH_AES_128_CBC_SHA     = { 0xC0,0x04 }
	TLS_ECDH_ECDSA_WITH_AES_256_CBC_SHA     = { 0xC0,0x05 }
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA    = { 0xC0,0x09 }
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA    = { 0xC0,0x0A }
	TLS_ECDH_RSA_WITH_AES_128_CBC_SHA       = { 0xC0,0x0E }
	TLS_ECDH_RSA_WITH_AES_256_CBC_SHA       = { 0xC0,0x0F }
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA      = { 0xC0,0x13 }
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA      = { 0xC0,0x14 }
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256 = { 0xC0,0x23 }
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384 = { 0xC0,0x24 }
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256   = { 0xC0,0x27 }
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384   = { 0xC0,0x28 }
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256 = { 0xC0,0x2B }
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384 = { 0xC0,0x2C }
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256   = { 0xC0,0x2F }
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384   = { 0xC0,0x30 }
*/
type CipherSuite uint16

const (
	TLS_RSA_WITH_AES_128_CBC_SHA            CipherSuite = 0x002F
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA        CipherSuite = 0x0033
	TLS_RSA_WITH_AES_256_CBC_SHA            CipherSuite = 0x0035
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA        CipherSuite = 0x0039
	TLS_RSA_WITH_AES_128_CBC_SHA256         CipherSuite = 0x003C
	TLS_RSA_WITH_AES_256_CBC_SHA256         CipherSuite = 0x003D
	TLS_DHE_RSA_WITH_AES_128_CBC_SHA256     CipherSuite = 0x0067
	TLS_DHE_RSA_WITH_AES_256_CBC_SHA256     CipherSuite = 0x006B
	TLS_RSA_WITH_AES_128_GCM_SHA256         CipherSuite = 0x009C
	TLS_RSA_WITH_AES_256_GCM_SHA384         CipherSuite = 0x009D
	TLS_DHE_RSA_WITH_AES_128_GCM_SHA256     CipherSuite = 0x009E
	TLS_DHE_RSA_WITH_AES_256_GCM_SHA384     CipherSuite = 0x009F
	TLS_ECDH_ECDSA_WITH_AES_128_CBC_SHA     CipherSuite = 0xC004
	TLS_ECDH_ECDSA_WITH_AES_256_CBC_SHA     CipherSuite = 0xC005
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA    CipherSuite = 0xC009
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA    CipherSuite = 0xC00A
	TLS_ECDH_RSA_WITH_AES_128_CBC_SHA       CipherSuite = 0xC00E
	TLS_ECDH_RSA_WITH_AES_256_CBC_SHA       CipherSuite = 0xC00F
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA      CipherSuite = 0xC013
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA      CipherSuite = 0xC014
	TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256 CipherSuite = 0xC023
	TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384 CipherSuite = 0xC024
	TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256   CipherSuite = 0xC027
	TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384   CipherSuite = 0xC028
	TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256 CipherSuite = 0xC02B
	TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384 CipherSuite = 0xC02C
	TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256   CipherSuite = 0xC02F
	TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384   CipherSuite = 0xC030
)

// Everything the record layer and key schedule need to know about a suite.
type cipherSuiteSettings struct {
	id          CipherSuite
	keyExchange KeyExchange
	auth        certificateAuth
	protection  ProtectionMode
	keyLen      int
	macLen      int
	blockLen    int
	prf         *HashSettings
	macHash     *HashSettings
}

// recordIVLen is the length of the per-connection IV material taken from the
// key block: the 4-byte salt for GCM, nothing for CBC (fresh random IV per
// record).
func (s *cipherSuiteSettings) recordIVLen() int {
	if s.protection == ProtectionGCM {
		return gcmSaltSize
	}
	return 0
}

var cipherSuiteSettingsTable = []cipherSuiteSettings{
	{TLS_RSA_WITH_AES_128_CBC_SHA, KeyExchangeRSA, authRSA, ProtectionCBC, 16, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_DHE_RSA_WITH_AES_128_CBC_SHA, KeyExchangeDHE, authRSA, ProtectionCBC, 16, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_RSA_WITH_AES_256_CBC_SHA, KeyExchangeRSA, authRSA, ProtectionCBC, 32, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_DHE_RSA_WITH_AES_256_CBC_SHA, KeyExchangeDHE, authRSA, ProtectionCBC, 32, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_RSA_WITH_AES_128_CBC_SHA256, KeyExchangeRSA, authRSA, ProtectionCBC, 16, 32, 16, HASH_SHA256_SETTINGS, HASH_SHA256_SETTINGS},
	{TLS_RSA_WITH_AES_256_CBC_SHA256, KeyExchangeRSA, authRSA, ProtectionCBC, 32, 32, 16, HASH_SHA256_SETTINGS, HASH_SHA256_SETTINGS},
	{TLS_DHE_RSA_WITH_AES_128_CBC_SHA256, KeyExchangeDHE, authRSA, ProtectionCBC, 16, 32, 16, HASH_SHA256_SETTINGS, HASH_SHA256_SETTINGS},
	{TLS_DHE_RSA_WITH_AES_256_CBC_SHA256, KeyExchangeDHE, authRSA, ProtectionCBC, 32, 32, 16, HASH_SHA256_SETTINGS, HASH_SHA256_SETTINGS},
	{TLS_RSA_WITH_AES_128_GCM_SHA256, KeyExchangeRSA, authRSA, ProtectionGCM, 16, 0, 0, HASH_SHA256_SETTINGS, nil},
	{TLS_RSA_WITH_AES_256_GCM_SHA384, KeyExchangeRSA, authRSA, ProtectionGCM, 32, 0, 0, HASH_SHA384_SETTINGS, nil},
	{TLS_DHE_RSA_WITH_AES_128_GCM_SHA256, KeyExchangeDHE, authRSA, ProtectionGCM, 16, 0, 0, HASH_SHA256_SETTINGS, nil},
	{TLS_DHE_RSA_WITH_AES_256_GCM_SHA384, KeyExchangeDHE, authRSA, ProtectionGCM, 32, 0, 0, HASH_SHA384_SETTINGS, nil},
	{TLS_ECDH_ECDSA_WITH_AES_128_CBC_SHA, KeyExchangeECDH, authECDSA, ProtectionCBC, 16, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_ECDH_ECDSA_WITH_AES_256_CBC_SHA, KeyExchangeECDH, authECDSA, ProtectionCBC, 32, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA, KeyExchangeECDHE, authECDSA, ProtectionCBC, 16, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA, KeyExchangeECDHE, authECDSA, ProtectionCBC, 32, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_ECDH_RSA_WITH_AES_128_CBC_SHA, KeyExchangeECDH, authRSA, ProtectionCBC, 16, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_ECDH_RSA_WITH_AES_256_CBC_SHA, KeyExchangeECDH, authRSA, ProtectionCBC, 32, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA, KeyExchangeECDHE, authRSA, ProtectionCBC, 16, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA, KeyExchangeECDHE, authRSA, ProtectionCBC, 32, 20, 16, HASH_SHA256_SETTINGS, HASH_SHA1_SETTINGS},
	{TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256, KeyExchangeECDHE, authECDSA, ProtectionCBC, 16, 32, 16, HASH_SHA256_SETTINGS, HASH_SHA256_SETTINGS},
	{TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384, KeyExchangeECDHE, authECDSA, ProtectionCBC, 32, 48, 16, HASH_SHA384_SETTINGS, HASH_SHA384_SETTINGS},
	{TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256, KeyExchangeECDHE, authRSA, ProtectionCBC, 16, 32, 16, HASH_SHA256_SETTINGS, HASH_SHA256_SETTINGS},
	{TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384, KeyExchangeECDHE, authRSA, ProtectionCBC, 32, 48, 16, HASH_SHA384_SETTINGS, HASH_SHA384_SETTINGS},
	{TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256, KeyExchangeECDHE, authECDSA, ProtectionGCM, 16, 0, 0, HASH_SHA256_SETTINGS, nil},
	{TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384, KeyExchangeECDHE, authECDSA, ProtectionGCM, 32, 0, 0, HASH_SHA384_SETTINGS, nil},
	{TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256, KeyExchangeECDHE, authRSA, ProtectionGCM, 16, 0, 0, HASH_SHA256_SETTINGS, nil},
	{TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384, KeyExchangeECDHE, authRSA, ProtectionGCM, 32, 0, 0, HASH_SHA384_SETTINGS, nil},
}

func (c CipherSuite) Settings() *cipherSuiteSettings {
	for i := range cipherSuiteSettingsTable {
		if cipherSuiteSettingsTable[i].id == c {
			return &cipherSuiteSettingsTable[i]
		}
	}
	return nil
}

func GetCipherSuiteOrderedSecure() []CipherSuite {
	return []CipherSuite{
		TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		TLS_DHE_RSA_WITH_AES_256_GCM_SHA384,
		TLS_DHE_RSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384,
		TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384,
		TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256,
		TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA,
		TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
		TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
	}
}

func GetCipherSuiteOrderedPerformance() []CipherSuite {
	return []CipherSuite{
		TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		TLS_DHE_RSA_WITH_AES_128_GCM_SHA256,
		TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		TLS_RSA_WITH_AES_128_GCM_SHA256,
		TLS_RSA_WITH_AES_128_CBC_SHA256,
		TLS_RSA_WITH_AES_128_CBC_SHA,
	}
}

// Everything we implement, compatibility order.
func GetCipherSuiteDefault() []CipherSuite {
	out := make([]CipherSuite, 0, len(cipherSuiteSettingsTable))
	for i := range cipherSuiteSettingsTable {
		out = append(out, cipherSuiteSettingsTable[i].id)
	}
	return out
}

func (c CipherSuite) ToBytes() []byte {
	return []byte{byte(c >> 8), byte(c & 0xFF)}
}

func (c CipherSuite) String() string {
	switch c {
	case TLS_RSA_WITH_AES_128_CBC_SHA:
		return "TLS_RSA_WITH_AES_128_CBC_SHA"
	case TLS_DHE_RSA_WITH_AES_128_CBC_SHA:
		return "TLS_DHE_RSA_WITH_AES_128_CBC_SHA"
	case TLS_RSA_WITH_AES_256_CBC_SHA:
		return "TLS_RSA_WITH_AES_256_CBC_SHA"
	case TLS_DHE_RSA_WITH_AES_256_CBC_SHA:
		return "TLS_DHE_RSA_WITH_AES_256_CBC_SHA"
	case TLS_RSA_WITH_AES_128_CBC_SHA256:
		return "TLS_RSA_WITH_AES_128_CBC_SHA256"
	case TLS_RSA_WITH_AES_256_CBC_SHA256:
		return "TLS_RSA_WITH_AES_256_CBC_SHA256"
	case TLS_DHE_RSA_WITH_AES_128_CBC_SHA256:
		return "TLS_DHE_RSA_WITH_AES_128_CBC_SHA256"
	case TLS_DHE_RSA_WITH_AES_256_CBC_SHA256:
		return "TLS_DHE_RSA_WITH_AES_256_CBC_SHA256"
	case TLS_RSA_WITH_AES_128_GCM_SHA256:
		return "TLS_RSA_WITH_AES_128_GCM_SHA256"
	case TLS_RSA_WITH_AES_256_GCM_SHA384:
		return "TLS_RSA_WITH_AES_256_GCM_SHA384"
	case TLS_DHE_RSA_WITH_AES_128_GCM_SHA256:
		return "TLS_DHE_RSA_WITH_AES_128_GCM_SHA256"
	case TLS_DHE_RSA_WITH_AES_256_GCM_SHA384:
		return "TLS_DHE_RSA_WITH_AES_256_GCM_SHA384"
	case TLS_ECDH_ECDSA_WITH_AES_128_CBC_SHA:
		return "TLS_ECDH_ECDSA_WITH_AES_128_CBC_SHA"
	case TLS_ECDH_ECDSA_WITH_AES_256_CBC_SHA:
		return "TLS_ECDH_ECDSA_WITH_AES_256_CBC_SHA"
	case TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA:
		return "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA"
	case TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA:
		return "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA"
	case TLS_ECDH_RSA_WITH_AES_128_CBC_SHA:
		return "TLS_ECDH_RSA_WITH_AES_128_CBC_SHA"
	case TLS_ECDH_RSA_WITH_AES_256_CBC_SHA:
		return "TLS_ECDH_RSA_WITH_AES_256_CBC_SHA"
	case TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA:
		return "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA"
	case TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA:
		return "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA"
	case TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256:
		return "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA256"
	case TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384:
		return "TLS_ECDHE_ECDSA_WITH_AES_256_CBC_SHA384"
	case TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256:
		return "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256"
	case TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384:
		return "TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA384"
	case TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256:
		return "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256"
	case TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384:
		return "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384"
	case TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:
		return "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256"
	case TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384:
		return "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384"
	default:
		return "Invalid CipherSuite"
	}
}
