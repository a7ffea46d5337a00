package TLStream

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"io"

	"github.com/valyala/bytebufferpool"
)

// protectRecord turns the plaintext in inOut into a full record (header +
// protected fragment) under the current write state, in place.
func (t *TLStream) protectRecord(recType RecordType, inOut *bytebufferpool.ByteBuffer) error {
	cs := t.out

	if !cs.active() {
		BuildRecordMessage(recType, inOut)
		cs.seq++
		return nil
	}

	switch cs.settings.protection {
	case ProtectionCBC:
		if err := t.protectCBC(cs, recType, inOut); err != nil {
			return err
		}
	case ProtectionGCM:
		if err := t.protectGCM(cs, recType, inOut); err != nil {
			return err
		}
	default:
		BuildRecordMessage(recType, inOut)
		cs.seq++
		return nil
	}
	return nil
}

// MAC-then-pad-then-encrypt. Fragment layout: IV || CBC(plaintext || MAC ||
// padding), with a fresh random IV per record and padLen+1 trailing bytes
// each equal to padLen.
func (t *TLStream) protectCBC(cs *connState, recType RecordType, inOut *bytebufferpool.ByteBuffer) error {
	settings := cs.settings
	plainLen := inOut.Len()
	blockLen := settings.blockLen

	var hdr [13]byte
	marshallSeqHeader(hdr[:], cs.seq, recType, plainLen)
	cs.mac.Reset()
	cs.mac.Write(hdr[:])
	cs.mac.Write(inOut.B)
	macSum := cs.mac.Sum(nil)

	total := plainLen + len(macSum)
	padLen := blockLen - (total+1)%blockLen
	if padLen == blockLen {
		padLen = 0
	}
	fragLen := blockLen + total + 1 + padLen

	inOut.B = EnsureLen(inOut.B, fragLen)
	copy(inOut.B[blockLen:], inOut.B[:plainLen])
	if _, err := io.ReadFull(t.config.rand(), inOut.B[:blockLen]); err != nil {
		return t.fatalAlert(AlertDescriptionInternalError, err)
	}
	copy(inOut.B[blockLen+plainLen:], macSum)
	for i := blockLen + total; i < fragLen; i++ {
		inOut.B[i] = byte(padLen)
	}

	cbc := cipher.NewCBCEncrypter(cs.block, inOut.B[:blockLen])
	cbc.CryptBlocks(inOut.B[blockLen:fragLen], inOut.B[blockLen:fragLen])

	cs.seq++
	BuildRecordMessage(recType, inOut)
	return nil
}

// Fragment layout: explicit_nonce(8) || ciphertext || tag(16). The explicit
// nonce is the write sequence number; the full nonce prepends the 4-byte
// salt from the key block.
func (t *TLStream) protectGCM(cs *connState, recType RecordType, inOut *bytebufferpool.ByteBuffer) error {
	plainLen := inOut.Len()

	var hdr [13]byte
	marshallSeqHeader(hdr[:], cs.seq, recType, plainLen)

	fragLen := gcmExplicitNonceSize + plainLen + gcmTagSize
	inOut.B = EnsureLen(inOut.B, fragLen)
	copy(inOut.B[gcmExplicitNonceSize:], inOut.B[:plainLen])
	binary.BigEndian.PutUint64(inOut.B[:gcmExplicitNonceSize], cs.seq)

	var nonce [gcmSaltSize + gcmExplicitNonceSize]byte
	copy(nonce[:gcmSaltSize], cs.iv)
	copy(nonce[gcmSaltSize:], inOut.B[:gcmExplicitNonceSize])

	cs.aead.Seal(
		inOut.B[gcmExplicitNonceSize:gcmExplicitNonceSize],
		nonce[:],
		inOut.B[gcmExplicitNonceSize:gcmExplicitNonceSize+plainLen],
		hdr[:],
	)

	cs.seq++
	BuildRecordMessage(recType, inOut)
	return nil
}

// unprotectRecord strips protection from a received fragment in place and
// returns the plaintext window into it.
func (t *TLStream) unprotectRecord(recType RecordType, fragment []byte) ([]byte, error) {
	cs := t.in

	if !cs.active() {
		cs.seq++
		return fragment, nil
	}

	switch cs.settings.protection {
	case ProtectionCBC:
		return t.unprotectCBC(cs, recType, fragment)
	case ProtectionGCM:
		return t.unprotectGCM(cs, recType, fragment)
	default:
		cs.seq++
		return fragment, nil
	}
}

// Constant-time posture: the padding-length sanity result is deferred, the
// MAC comparison and every padding byte are checked regardless, and a single
// combined decision raises bad_record_mac. Nothing about which check failed
// leaks through timing.
func (t *TLStream) unprotectCBC(cs *connState, recType RecordType, fragment []byte) ([]byte, error) {
	settings := cs.settings
	blockLen := settings.blockLen
	macLen := settings.macLen

	if len(fragment) < blockLen+macLen+1 || (len(fragment)-blockLen)%blockLen != 0 {
		return nil, t.fatalAlert(AlertDescriptionBadRecordMac, ErrBadRecordMac)
	}

	iv := fragment[:blockLen]
	payload := fragment[blockLen:]
	cipher.NewCBCDecrypter(cs.block, iv).CryptBlocks(payload, payload)

	paddingOK := 1
	padLen := int(payload[len(payload)-1])
	if padLen > len(payload)-macLen-1 {
		paddingOK = 0
		padLen = 0
	}

	plainLen := len(payload) - macLen - 1 - padLen
	plaintext := payload[:plainLen]

	var hdr [13]byte
	marshallSeqHeader(hdr[:], cs.seq, recType, plainLen)
	cs.mac.Reset()
	cs.mac.Write(hdr[:])
	cs.mac.Write(plaintext)
	expect := cs.mac.Sum(nil)

	macOK := subtle.ConstantTimeCompare(expect, payload[plainLen:plainLen+macLen])

	padByteOK := 1
	for i := plainLen + macLen; i < len(payload); i++ {
		padByteOK &= subtle.ConstantTimeByteEq(payload[i], byte(padLen))
	}

	if macOK&padByteOK&paddingOK != 1 {
		return nil, t.fatalAlert(AlertDescriptionBadRecordMac, ErrBadRecordMac)
	}

	cs.seq++
	return plaintext, nil
}

func (t *TLStream) unprotectGCM(cs *connState, recType RecordType, fragment []byte) ([]byte, error) {
	if len(fragment) < gcmExplicitNonceSize+gcmTagSize {
		return nil, t.fatalAlert(AlertDescriptionBadRecordMac, ErrBadRecordMac)
	}
	plainLen := len(fragment) - gcmExplicitNonceSize - gcmTagSize

	var nonce [gcmSaltSize + gcmExplicitNonceSize]byte
	copy(nonce[:gcmSaltSize], cs.iv)
	copy(nonce[gcmSaltSize:], fragment[:gcmExplicitNonceSize])

	var hdr [13]byte
	marshallSeqHeader(hdr[:], cs.seq, recType, plainLen)

	plaintext, err := cs.aead.Open(
		fragment[gcmExplicitNonceSize:gcmExplicitNonceSize],
		nonce[:],
		fragment[gcmExplicitNonceSize:],
		hdr[:],
	)
	if err != nil {
		return nil, t.fatalAlert(AlertDescriptionBadRecordMac, ErrBadRecordMac)
	}

	cs.seq++
	return plaintext, nil
}
