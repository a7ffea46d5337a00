package TLStream

import (
	"bytes"
	"crypto/dsa"
	"crypto/rsa"
	"crypto/x509"
	"errors"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/cryptobyte"
)

// Per-chain status flags, the policy-error surface handed to the
// verification callback.
type ChainStatus uint8

const (
	ChainStatusNotTimeValid ChainStatus = 1 << iota
	ChainStatusRevoked
	ChainStatusRevocationUnknown
	ChainStatusNameMismatch
	ChainStatusOther
)

func (s ChainStatus) Has(flag ChainStatus) bool { return s&flag != 0 }

// VerifyPeerCallback decides certificate acceptance when the built-in policy
// is not enough. Returning false rejects the handshake.
type VerifyPeerCallback func(leaf *x509.Certificate, chain []*x509.Certificate, status ChainStatus) bool

// Certificate message body: a 24-bit list of 24-bit DER blobs, leaf first.
func parseCertificateList(body []byte) ([]*x509.Certificate, error) {
	s := cryptobyte.String(body)

	var list cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&list) || !s.Empty() {
		return nil, errors.New("malformed certificate list")
	}

	var certs []*x509.Certificate
	for !list.Empty() {
		var der cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&der) {
			return nil, errors.New("malformed certificate entry")
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// Builds and judges the server chain. The verified chain (or the presented
// one when building fails but the callback accepts) lands in hs.peerChain.
func (t *TLStream) verifyServerCertificates(hs *handshakeData) error {
	leaf := hs.peerCertificates[0]
	var status ChainStatus

	now := t.config.time()
	for _, cert := range hs.peerCertificates {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			status |= ChainStatusNotTimeValid
		}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range hs.peerCertificates[1:] {
		intermediates.AddCert(cert)
	}
	opts := x509.VerifyOptions{
		Roots:         t.config.RootCAs,
		Intermediates: intermediates,
		CurrentTime:   now,
	}

	chains, err := leaf.Verify(opts)
	if err != nil {
		var invalid x509.CertificateInvalidError
		if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
			status |= ChainStatusNotTimeValid
		} else {
			status |= ChainStatusOther
		}
		hs.peerChain = hs.peerCertificates
	} else {
		hs.peerChain = chains[0]
	}

	// crypto/x509 performs no revocation lookups. Whether that absence is
	// acceptable is a policy decision.
	if t.config.RequireRevocationStatus {
		status |= ChainStatusRevocationUnknown
	}

	if t.config.ServerName != "" {
		if err := leaf.VerifyHostname(t.config.ServerName); err != nil {
			status |= ChainStatusNameMismatch
		}
	}

	ok := false
	if t.config.VerifyPeer != nil {
		ok = t.config.VerifyPeer(leaf, hs.peerChain, status)
	} else {
		ok = status&^ChainStatusRevocationUnknown == 0 && !t.config.RequireRevocationStatus
	}
	if ok {
		return nil
	}

	log.Warn().
		Uint8("status", uint8(status)).
		Str("subject", leaf.Subject.String()).
		Msg("Rejecting server certificate chain")

	desc := AlertDescriptionCertificateUnknown
	switch {
	case status.Has(ChainStatusNotTimeValid):
		desc = AlertDescriptionCertificateExpired
	case status.Has(ChainStatusRevoked):
		desc = AlertDescriptionCertificateRevoked
	}
	return t.fatalAlert(desc, ErrCertificateRejected)
}

// https://datatracker.ietf.org/doc/html/rfc5246#section-7.4.4
/*
	enum {
		rsa_sign(1), dss_sign(2), rsa_fixed_dh(3), dss_fixed_dh(4),
		ecdsa_sign(64), ...
	} ClientCertificateType;
*/
const (
	clientCertTypeRSASign = 1
	clientCertTypeDSSSign = 2
)

// Picks the first configured certificate whose key matches an acceptable
// type and, when the server names issuers, whose chain touches one of them.
// Returns nil when nothing fits; the flight then carries an empty chain.
func (t *TLStream) selectClientCertificate(hs *handshakeData) *ClientCertificate {
	for i := range t.config.ClientCertificates {
		cc := &t.config.ClientCertificates[i]
		if len(cc.Chain) == 0 {
			continue
		}

		typeOK := false
		for _, ct := range hs.certReqTypes {
			switch {
			case ct == clientCertTypeRSASign:
				if _, ok := cc.PrivateKey.(*rsa.PrivateKey); ok {
					typeOK = true
				}
			case ct == clientCertTypeDSSSign:
				if _, ok := cc.PrivateKey.(*dsa.PrivateKey); ok {
					typeOK = true
				}
			}
		}
		if !typeOK {
			continue
		}

		if len(hs.certReqAuthorities) > 0 && !chainTouchesAuthorities(cc.Chain, hs.certReqAuthorities) {
			continue
		}
		return cc
	}
	return nil
}

func chainTouchesAuthorities(chain []*x509.Certificate, authorities [][]byte) bool {
	for _, cert := range chain {
		for _, dn := range authorities {
			if bytes.Equal(cert.RawIssuer, dn) || bytes.Equal(cert.RawSubject, dn) {
				return true
			}
		}
	}
	return false
}
