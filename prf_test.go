package TLStream

import "testing"

// The widely circulated P_SHA256 vector for the TLS 1.2 PRF.
func TestPRFSHA256Vector(t *testing.T) {
	secret := unhex(t, "9bbe436ba940f017b17652849a71db35")
	seed := unhex(t, "a0ba9f936cda311827a6f796ffd5198c")
	label := []byte("test label")
	want := unhex(t,
		"e3f229ba727be17b8d122620557cd453c2aab21d07c3d495329b52d4e61edb5a"+
			"6b301791e90d35c9c9a46b4e14baf9af0fa022f7077def17abfd3797c0564bab"+
			"4fbc91666e9def9b97fce34f796789baa48082d122ee42c5a72e5a5110fff701"+
			"87347b66")

	out := make([]byte, len(want))
	prf(out, secret, label, seed, HASH_SHA256_SETTINGS)
	assertByteEquals(t, out, want)
}

func TestPRFDeterministic(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef0123456789abcdef")
	seed := make([]byte, 64)

	a := make([]byte, 100)
	b := make([]byte, 100)
	prf(a, secret, masterSecretLabel, seed, HASH_SHA384_SETTINGS)
	prf(b, secret, masterSecretLabel, seed, HASH_SHA384_SETTINGS)
	assertByteEquals(t, a, b)

	c := make([]byte, 100)
	prf(c, secret, keyExpansionLabel, seed, HASH_SHA384_SETTINGS)
	assertNotByteEquals(t, c, a)
}

func TestMasterSecretDerivation(t *testing.T) {
	hs := newHandshakeData()
	defer hs.release()
	hs.suite = TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256.Settings()

	for i := range hs.clientRandom {
		hs.clientRandom[i] = byte(i)
		hs.serverRandom[i] = byte(255 - i)
	}

	preMaster := []byte("a premaster secret that gets consumed")
	preMasterCopy := append([]byte(nil), preMaster...)
	hs.deriveMasterSecret(preMaster)

	assertEquals(t, len(hs.masterSecret), masterSecretLength)

	// Reference computation straight from the PRF.
	seed := append(append([]byte(nil), hs.clientRandom[:]...), hs.serverRandom[:]...)
	want := make([]byte, masterSecretLength)
	prf(want, preMasterCopy, masterSecretLabel, seed, HASH_SHA256_SETTINGS)
	assertByteEquals(t, hs.masterSecret[:], want)

	// The premaster must be wiped.
	assertByteEquals(t, preMaster, make([]byte, len(preMaster)))
}
