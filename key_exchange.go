package TLStream

import (
	"crypto/dsa"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/asn1"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
)

// Tagged key-exchange dispatch: one implementation per algorithm family the
// suite table names. Each one owns the ServerKeyExchange parameters it
// parsed and produces the ClientKeyExchange body plus the premaster secret.
type keyAgreement interface {
	requiresServerKeyExchange() bool
	processServerKeyExchange(t *TLStream, hs *handshakeData, body []byte) error
	generateClientKeyExchange(t *TLStream, hs *handshakeData) (ckx, preMaster []byte, err error)
}

func (s *cipherSuiteSettings) newKeyAgreement() keyAgreement {
	switch s.keyExchange {
	case KeyExchangeRSA:
		return new(rsaKeyAgreement)
	case KeyExchangeDHE:
		return new(dheKeyAgreement)
	case KeyExchangeECDHE:
		return new(ecdheKeyAgreement)
	case KeyExchangeECDH:
		return new(ecdhKeyAgreement)
	default:
		panic("unsupported key exchange")
	}
}

// -- RSA ---------------------------------------------------------------

// Plain RSA: premaster {3,3} || 46 random bytes, PKCS#1 v1.5 encrypted to
// the server's certificate key, 2-byte length prefix on the wire.
type rsaKeyAgreement struct{}

func (ka *rsaKeyAgreement) requiresServerKeyExchange() bool { return false }

func (ka *rsaKeyAgreement) processServerKeyExchange(t *TLStream, hs *handshakeData, body []byte) error {
	return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
}

func (ka *rsaKeyAgreement) generateClientKeyExchange(t *TLStream, hs *handshakeData) ([]byte, []byte, error) {
	pub, ok := hs.peerCertificates[0].PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, nil, t.fatalAlert(AlertDescriptionIllegalParameter, ErrServerKeyMismatch)
	}
	if pub.N.BitLen() < t.config.minRSABits() {
		return nil, nil, t.fatalAlert(AlertDescriptionInsufficientSecurity, ErrWeakServerKey)
	}

	preMaster := make([]byte, masterSecretLength)
	preMaster[0] = ProtocolVersion >> 8
	preMaster[1] = ProtocolVersion & 0xFF
	if _, err := io.ReadFull(t.config.rand(), preMaster[2:]); err != nil {
		return nil, nil, t.fatalAlert(AlertDescriptionInternalError, err)
	}

	encrypted, err := rsa.EncryptPKCS1v15(t.config.rand(), pub, preMaster)
	if err != nil {
		ZeroSlice(preMaster)
		return nil, nil, t.fatalAlert(AlertDescriptionInternalError, err)
	}

	ckx := make([]byte, 2+len(encrypted))
	ckx[0] = byte(len(encrypted) >> 8)
	ckx[1] = byte(len(encrypted))
	copy(ckx[2:], encrypted)

	return ckx, preMaster, nil
}

// -- DHE ---------------------------------------------------------------

type dheKeyAgreement struct {
	p, g, ys *big.Int
}

func (ka *dheKeyAgreement) requiresServerKeyExchange() bool { return true }

func (ka *dheKeyAgreement) processServerKeyExchange(t *TLStream, hs *handshakeData, body []byte) error {
	s := cryptobyte.String(body)

	var pBytes, gBytes, ysBytes cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&pBytes) ||
		!s.ReadUint16LengthPrefixed(&gBytes) ||
		!s.ReadUint16LengthPrefixed(&ysBytes) {
		return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
	}
	paramsLen := len(body) - len(s)

	ka.p = new(big.Int).SetBytes(pBytes)
	ka.g = new(big.Int).SetBytes(gBytes)
	ka.ys = new(big.Int).SetBytes(ysBytes)

	// Degenerate groups hand the peer the premaster for free.
	if ka.p.BitLen() < 512 {
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrWeakDHParameters)
	}
	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(ka.p, one)
	if ka.ys.Cmp(one) <= 0 || ka.ys.Cmp(pMinus1) >= 0 {
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrWeakDHParameters)
	}

	return t.verifyServerKeyExchangeSignature(hs, body[:paramsLen], []byte(s))
}

func (ka *dheKeyAgreement) generateClientKeyExchange(t *TLStream, hs *handshakeData) ([]byte, []byte, error) {
	pLen := (ka.p.BitLen() + 7) / 8

	xBytes := make([]byte, pLen)
	if _, err := io.ReadFull(t.config.rand(), xBytes); err != nil {
		return nil, nil, t.fatalAlert(AlertDescriptionInternalError, err)
	}
	x := new(big.Int).SetBytes(xBytes)
	ZeroSlice(xBytes)
	x.Mod(x, ka.p)

	yc := new(big.Int).Exp(ka.g, x, ka.p)
	z := new(big.Int).Exp(ka.ys, x, ka.p)
	x.SetInt64(0)

	// Bytes() is minimal big-endian, so any leading zero octet is already
	// stripped, as RFC 5246 8.1.2 requires.
	preMaster := z.Bytes()
	z.SetInt64(0)

	ycBytes := yc.Bytes()
	ckx := make([]byte, 2+len(ycBytes))
	ckx[0] = byte(len(ycBytes) >> 8)
	ckx[1] = byte(len(ycBytes))
	copy(ckx[2:], ycBytes)

	return ckx, preMaster, nil
}

// -- ECDHE -------------------------------------------------------------

type ecdheKeyAgreement struct {
	group     NamedGroup
	peerPoint []byte
}

func (ka *ecdheKeyAgreement) requiresServerKeyExchange() bool { return true }

func (ka *ecdheKeyAgreement) processServerKeyExchange(t *TLStream, hs *handshakeData, body []byte) error {
	s := cryptobyte.String(body)

	// curve_type(1) must be named_curve(3).
	var curveType uint8
	var groupID uint16
	var point cryptobyte.String
	if !s.ReadUint8(&curveType) || !s.ReadUint16(&groupID) ||
		!s.ReadUint8LengthPrefixed(&point) {
		return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
	}
	paramsLen := len(body) - len(s)

	if curveType != 0x03 {
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrUnsupportedCurve)
	}
	ka.group = NamedGroup(groupID)
	if !ka.group.Supported() {
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrUnsupportedCurve)
	}
	coordLen := ka.group.CoordinateLen()
	if len(point) != 1+2*coordLen || point[0] != 0x04 {
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrUnsupportedPointFormat)
	}
	ka.peerPoint = append([]byte(nil), point...)

	return t.verifyServerKeyExchangeSignature(hs, body[:paramsLen], []byte(s))
}

func (ka *ecdheKeyAgreement) generateClientKeyExchange(t *TLStream, hs *handshakeData) ([]byte, []byte, error) {
	return ecPointAgreement(t, ka.group.GetCurve(), ka.peerPoint)
}

// -- static ECDH (ECDH_RSA / ECDH_ECDSA) -------------------------------

// The server's point and curve come out of the certificate's
// subjectPublicKeyInfo instead of a ServerKeyExchange.
type ecdhKeyAgreement struct{}

func (ka *ecdhKeyAgreement) requiresServerKeyExchange() bool { return false }

func (ka *ecdhKeyAgreement) processServerKeyExchange(t *TLStream, hs *handshakeData, body []byte) error {
	return t.fatalAlert(AlertDescriptionUnexpectedMessage, ErrUnexpectedMessage)
}

func (ka *ecdhKeyAgreement) generateClientKeyExchange(t *TLStream, hs *handshakeData) ([]byte, []byte, error) {
	pub, ok := hs.peerCertificates[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, t.fatalAlert(AlertDescriptionIllegalParameter, ErrServerKeyMismatch)
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, nil, t.fatalAlert(AlertDescriptionIllegalParameter, ErrUnsupportedCurve)
	}
	return ecPointAgreement(t, ecdhPub.Curve(), ecdhPub.Bytes())
}

// Shared ECDHE/ECDH tail: ephemeral scalar, uncompressed public point on the
// wire, premaster = X coordinate of the shared point left-padded to the
// curve's byte length (crypto/ecdh's fixed-width output).
func ecPointAgreement(t *TLStream, curve ecdh.Curve, peerPoint []byte) ([]byte, []byte, error) {
	peerPub, err := curve.NewPublicKey(peerPoint)
	if err != nil {
		return nil, nil, t.fatalAlert(AlertDescriptionIllegalParameter, ErrUnsupportedPointFormat)
	}

	priv, err := curve.GenerateKey(t.config.rand())
	if err != nil {
		return nil, nil, t.fatalAlert(AlertDescriptionInternalError, err)
	}

	preMaster, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, nil, t.fatalAlert(AlertDescriptionIllegalParameter, ErrUnsupportedPointFormat)
	}

	point := priv.PublicKey().Bytes()
	ckx := make([]byte, 1+len(point))
	ckx[0] = byte(len(point))
	copy(ckx[1:], point)

	return ckx, preMaster, nil
}

// -- ServerKeyExchange signature ---------------------------------------

type dsaSignature struct {
	R, S *big.Int
}

// The signature covers client_random || server_random || params, with the
// hash and signature algorithm named explicitly in front of it.
func (t *TLStream) verifyServerKeyExchangeSignature(hs *handshakeData, params, sigBlock []byte) error {
	s := cryptobyte.String(sigBlock)

	var hashID, sigID uint8
	var signature cryptobyte.String
	if !s.ReadUint8(&hashID) || !s.ReadUint8(&sigID) ||
		!s.ReadUint16LengthPrefixed(&signature) || !s.Empty() {
		return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
	}

	cryptoHash := HashAlgorithm(hashID).GetCryptoHash()
	if cryptoHash == 0 {
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrBadServerKeySignature)
	}

	h := cryptoHash.New()
	h.Write(hs.clientRandom[:])
	h.Write(hs.serverRandom[:])
	h.Write(params)
	digest := h.Sum(nil)

	leafKey := hs.peerCertificates[0].PublicKey

	switch SignatureAlgorithm(sigID) {
	case SignatureAlgorithmRSA:
		pub, ok := leafKey.(*rsa.PublicKey)
		if !ok {
			return t.fatalAlert(AlertDescriptionIllegalParameter, ErrServerKeyMismatch)
		}
		if err := rsa.VerifyPKCS1v15(pub, cryptoHash, digest, signature); err != nil {
			return t.fatalAlert(AlertDescriptionDecryptError, ErrBadServerKeySignature)
		}

	case SignatureAlgorithmECDSA:
		pub, ok := leafKey.(*ecdsa.PublicKey)
		if !ok {
			return t.fatalAlert(AlertDescriptionIllegalParameter, ErrServerKeyMismatch)
		}
		if !ecdsa.VerifyASN1(pub, digest, signature) {
			return t.fatalAlert(AlertDescriptionDecryptError, ErrBadServerKeySignature)
		}

	case SignatureAlgorithmDSA:
		pub, ok := leafKey.(*dsa.PublicKey)
		if !ok {
			return t.fatalAlert(AlertDescriptionIllegalParameter, ErrServerKeyMismatch)
		}
		var sig dsaSignature
		if _, err := asn1.Unmarshal(signature, &sig); err != nil {
			return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
		}
		if !dsa.Verify(pub, digest, sig.R, sig.S) {
			return t.fatalAlert(AlertDescriptionDecryptError, ErrBadServerKeySignature)
		}

	default:
		return t.fatalAlert(AlertDescriptionIllegalParameter, ErrBadServerKeySignature)
	}

	return nil
}
