package TLStream

import (
	"io"

	"github.com/rs/zerolog/log"
	"github.com/valyala/bytebufferpool"
)

// https://datatracker.ietf.org/doc/html/rfc5246#section-7.2
/*
	enum { warning(1), fatal(2), (255) } AlertLevel;
*/
type AlertLevel uint8

const (
	AlertLevelWarning AlertLevel = iota + 1
	AlertLevelFatal
)

func (a AlertLevel) String() string {
	switch a {
	case AlertLevelWarning:
		return "Warning"
	case AlertLevelFatal:
		return "Fatal"
	default:
		return "Invalid Level"
	}
}

// https://datatracker.ietf.org/doc/html/rfc5246#section-7.2
/*
	enum {
		close_notify(0),
		unexpected_message(10),
		bad_record_mac(20),
		decryption_failed_RESERVED(21),
		record_overflow(22),
		decompression_failure(30),
		handshake_failure(40),
		no_certificate_RESERVED(41),
		bad_certificate(42),
		unsupported_certificate(43),
		certificate_revoked(44),
		certificate_expired(45),
		certificate_unknown(46),
		illegal_parameter(47),
		unknown_ca(48),
		access_denied(49),
		decode_error(50),
		decrypt_error(51),
		export_restriction_RESERVED(60),
		protocol_version(70),
		insufficient_security(71),
		internal_error(80),
		user_canceled(90),
		no_renegotiation(100),
		unsupported_extension(110),
		(255)
	} AlertDescription;
*/
type AlertDescription uint8

const (
	AlertDescriptionCloseNotify       AlertDescription = 0
	AlertDescriptionUnexpectedMessage AlertDescription = 10
	AlertDescriptionBadRecordMac      AlertDescription = 20
	AlertDescriptionRecordOverflow    AlertDescription = 22
	AlertDescriptionHandshakeFailure  AlertDescription = 40
	AlertDescriptionBadCertificate    AlertDescription = 37 + iota
	AlertDescriptionUnsupportedCertificate
	AlertDescriptionCertificateRevoked
	AlertDescriptionCertificateExpired
	AlertDescriptionCertificateUnknown
	AlertDescriptionIllegalParameter
	AlertDescriptionUnknownCa
	AlertDescriptionAccessDenied
	AlertDescriptionDecodeError
	AlertDescriptionDecryptError
	AlertDescriptionProtocolVersion      AlertDescription = 70
	AlertDescriptionInsufficientSecurity AlertDescription = 71
	AlertDescriptionInternalError        AlertDescription = 80
	AlertDescriptionUserCanceled         AlertDescription = 90
	AlertDescriptionNoRenegotiation      AlertDescription = 100
	AlertDescriptionUnsupportedExtension AlertDescription = 110
)

func (a AlertDescription) String() string {
	switch a {
	case AlertDescriptionCloseNotify:
		return "close_notify"
	case AlertDescriptionUnexpectedMessage:
		return "unexpected_message"
	case AlertDescriptionBadRecordMac:
		return "bad_record_mac"
	case AlertDescriptionRecordOverflow:
		return "record_overflow"
	case AlertDescriptionHandshakeFailure:
		return "handshake_failure"
	case AlertDescriptionBadCertificate:
		return "bad_certificate"
	case AlertDescriptionUnsupportedCertificate:
		return "unsupported_certificate"
	case AlertDescriptionCertificateRevoked:
		return "certificate_revoked"
	case AlertDescriptionCertificateExpired:
		return "certificate_expired"
	case AlertDescriptionCertificateUnknown:
		return "certificate_unknown"
	case AlertDescriptionIllegalParameter:
		return "illegal_parameter"
	case AlertDescriptionUnknownCa:
		return "unknown_ca"
	case AlertDescriptionAccessDenied:
		return "access_denied"
	case AlertDescriptionDecodeError:
		return "decode_error"
	case AlertDescriptionDecryptError:
		return "decrypt_error"
	case AlertDescriptionProtocolVersion:
		return "protocol_version"
	case AlertDescriptionInsufficientSecurity:
		return "insufficient_security"
	case AlertDescriptionInternalError:
		return "internal_error"
	case AlertDescriptionUserCanceled:
		return "user_canceled"
	case AlertDescriptionNoRenegotiation:
		return "no_renegotiation"
	case AlertDescriptionUnsupportedExtension:
		return "unsupported_extension"
	default:
		return "Invalid Description"
	}
}

type AlertCallback func(level AlertLevel, description AlertDescription)

// Interprets an alert record payload from the peer. Warning-level alerts
// other than close_notify and no_renegotiation are ignored.
func (t *TLStream) handleAlert(in []byte) error {
	if len(in) < 2 {
		return ErrMalformedAlert
	}

	level := AlertLevel(in[0])
	description := AlertDescription(in[1])

	if t.config.AlertCallback != nil {
		t.config.AlertCallback(level, description)
	}

	// "This alert notifies the recipient that the sender will not send any
	// more messages on this connection. Any data received after a closure
	// alert has been received MUST be ignored"
	// ~ https://datatracker.ietf.org/doc/html/rfc5246#section-7.2.1
	if description == AlertDescriptionCloseNotify {
		t.shutdown(true)
		return io.EOF
	}

	// "Upon transmission or receipt of a fatal alert message, both parties
	// immediately close the connection" ~ RFC 5246 7.2.2
	if level == AlertLevelFatal {
		log.Warn().Str("alert", description.String()).Msg("Peer sent fatal alert")
		t.shutdown(false)
		return ErrFatalAlert
	}

	if description == AlertDescriptionNoRenegotiation {
		return ErrRenegotiationRefused
	}

	log.Debug().Str("alert", description.String()).Msg("Ignoring warning alert")
	return nil
}

// Serialises a two-byte alert under the current write state.
func (t *TLStream) buildAlert(level AlertLevel, desc AlertDescription, out *bytebufferpool.ByteBuffer) error {
	out.WriteByte(byte(level))
	out.WriteByte(byte(desc))
	return t.protectRecord(RecordTypeAlert, out)
}
