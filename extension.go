package TLStream

import (
	"bytes"
	"net"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/net/idna"
)

// https://datatracker.ietf.org/doc/html/rfc5246#section-7.4.1.4 plus
// RFC 6066, RFC 4492 and RFC 5746
/*
	enum {
		server_name(0),                   RFC 6066
		elliptic_curves(10),              RFC 4492
		ec_point_formats(11),             RFC 4492
		signature_algorithms(13),         RFC 5246
		renegotiation_info(0xFF01),       RFC 5746
		(65535)
	} ExtensionType;
*/
type Extension uint16

const (
	ExtensionServerName          Extension = 0
	ExtensionSupportedGroups     Extension = 10
	ExtensionECPointFormats      Extension = 11
	ExtensionSignatureAlgorithms Extension = 13
	ExtensionRenegotiationInfo   Extension = 0xFF01
)

const pointFormatUncompressed = 0

// hostnameForSNI returns the ASCII form of the configured hostname, or ""
// when SNI must be suppressed (empty config, IP literal).
func hostnameForSNI(name string) string {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return ""
	}
	if ip := net.ParseIP(strings.Trim(name, "[]")); ip != nil {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		// Send what we were given; the server is the authority on its own
		// name.
		return name
	}
	return ascii
}

// Appends the ClientHello extension block. renegotiation_info always goes
// out (empty on the first handshake, our previous verify_data on secure
// renegotiation); curves and point formats only when an EC suite is offered.
func (t *TLStream) writeClientHelloExtensions(b *cryptobyte.Builder, suites []CipherSuite) {
	b.AddUint16LengthPrefixed(func(ext *cryptobyte.Builder) {

		ext.AddUint16(uint16(ExtensionRenegotiationInfo))
		ext.AddUint16LengthPrefixed(func(ri *cryptobyte.Builder) {
			ri.AddUint8LengthPrefixed(func(vd *cryptobyte.Builder) {
				if t.secureRenegotiation && t.established {
					vd.AddBytes(t.clientVerifyData[:])
				}
			})
		})

		if name := hostnameForSNI(t.config.ServerName); name != "" {
			ext.AddUint16(uint16(ExtensionServerName))
			ext.AddUint16LengthPrefixed(func(sni *cryptobyte.Builder) {
				sni.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
					list.AddUint8(0) // host_name
					list.AddUint16LengthPrefixed(func(hn *cryptobyte.Builder) {
						hn.AddBytes([]byte(name))
					})
				})
			})
		}

		ext.AddUint16(uint16(ExtensionSignatureAlgorithms))
		ext.AddUint16LengthPrefixed(func(sa *cryptobyte.Builder) {
			sa.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
				for _, scheme := range offeredSignatureSchemes() {
					list.AddUint16(uint16(scheme))
				}
			})
		})

		if anyECSuite(suites) {
			ext.AddUint16(uint16(ExtensionSupportedGroups))
			ext.AddUint16LengthPrefixed(func(sg *cryptobyte.Builder) {
				sg.AddUint16LengthPrefixed(func(list *cryptobyte.Builder) {
					list.AddUint16(uint16(NamedGroupP256))
					list.AddUint16(uint16(NamedGroupP384))
					list.AddUint16(uint16(NamedGroupP521))
				})
			})

			ext.AddUint16(uint16(ExtensionECPointFormats))
			ext.AddUint16LengthPrefixed(func(pf *cryptobyte.Builder) {
				pf.AddUint8LengthPrefixed(func(list *cryptobyte.Builder) {
					list.AddUint8(pointFormatUncompressed)
				})
			})
		}
	})
}

func anyECSuite(suites []CipherSuite) bool {
	for _, s := range suites {
		settings := s.Settings()
		if settings == nil {
			continue
		}
		if settings.keyExchange == KeyExchangeECDHE || settings.keyExchange == KeyExchangeECDH {
			return true
		}
	}
	return false
}

// Validates one ServerHello extension. Only renegotiation_info, server_name
// and ec_point_formats are accepted, whether or not this ClientHello carried
// them; any other type is fatal.
func (t *TLStream) processServerHelloExtension(extType Extension, data []byte) error {
	switch extType {
	case ExtensionRenegotiationInfo:
		return t.processRenegotiationInfo(data)

	case ExtensionServerName:
		// Empty acknowledgement of our SNI.
		if len(data) != 0 {
			return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
		}
		return nil

	case ExtensionECPointFormats:
		if len(data) < 2 || int(data[0]) != len(data)-1 {
			return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
		}
		if bytes.IndexByte(data[1:], pointFormatUncompressed) < 0 {
			return t.fatalAlert(AlertDescriptionIllegalParameter, ErrUnsupportedPointFormat)
		}
		return nil

	default:
		return t.fatalAlert(AlertDescriptionUnsupportedExtension, ErrUnsupportedExtension)
	}
}

// RFC 5746: empty on the initial handshake, client_verify_data ||
// server_verify_data on a secure renegotiation. Anything else is an active
// attack.
func (t *TLStream) processRenegotiationInfo(data []byte) error {
	if len(data) < 1 || int(data[0]) != len(data)-1 {
		return t.fatalAlert(AlertDescriptionDecodeError, ErrDecodeError)
	}
	value := data[1:]

	if t.renegotiating && t.secureRenegotiation {
		if len(value) != 2*verifyDataLength ||
			!bytes.Equal(value[:verifyDataLength], t.clientVerifyData[:]) ||
			!bytes.Equal(value[verifyDataLength:], t.serverVerifyData[:]) {
			return t.fatalAlert(AlertDescriptionHandshakeFailure, ErrRenegotiationBindingMismatch)
		}
		return nil
	}

	if len(value) != 0 {
		return t.fatalAlert(AlertDescriptionHandshakeFailure, ErrRenegotiationBindingMismatch)
	}
	t.secureRenegotiation = true
	return nil
}
