package TLStream

import (
	"crypto/hmac"
	"hash"
)

var (
	masterSecretLabel   = []byte("master secret")
	keyExpansionLabel   = []byte("key expansion")
	clientFinishedLabel = []byte("client finished")
	serverFinishedLabel = []byte("server finished")
)

// pHash implements the P_hash function as defined in RFC 5246, section 5:
// A(0) = seed, A(i) = HMAC(secret, A(i-1)), output is
// HMAC(secret, A(1)||seed) || HMAC(secret, A(2)||seed) || ...
func pHash(result, secret, seed []byte, newHash func() hash.Hash) {
	h := hmac.New(newHash, secret)
	h.Write(seed)
	a := h.Sum(nil)

	j := 0
	for j < len(result) {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)
		copy(result[j:], b)
		j += len(b)

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
}

// prf fills result with PRF(secret, label, seed) per RFC 5246 section 5,
// using the hash the negotiated suite prescribes (SHA-256 or SHA-384).
func prf(result, secret, label, seed []byte, settings *HashSettings) {
	labelAndSeed := make([]byte, len(label)+len(seed))
	copy(labelAndSeed, label)
	copy(labelAndSeed[len(label):], seed)

	pHash(result, secret, labelAndSeed, settings.newFunc)

	ZeroSlice(labelAndSeed)
}
