package TLStream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"hash"
)

// Per-direction cipher state. A fresh pair is derived by every handshake and
// armed by the ChangeCipherSpec fence; before the first one the connection
// runs the null cipher (settings == nil).
type connState struct {
	settings *cipherSuiteSettings

	key    []byte
	macKey []byte
	iv     []byte // GCM salt

	seq uint64

	block cipher.Block // CBC
	mac   hash.Hash    // CBC, incremental HMAC
	aead  cipher.AEAD  // GCM
}

func nullConnState() *connState {
	return &connState{}
}

func (cs *connState) active() bool {
	return cs.settings != nil
}

// Wipe key material once the state is superseded or the connection dies.
func (cs *connState) destroy() {
	ZeroSlice(cs.key)
	ZeroSlice(cs.macKey)
	ZeroSlice(cs.iv)
	cs.key = nil
	cs.macKey = nil
	cs.iv = nil
	cs.block = nil
	cs.mac = nil
	cs.aead = nil
	cs.settings = nil
}

// master_secret = PRF(preMaster, "master secret", client_random ||
// server_random, 48). The premaster dies here.
func (hs *handshakeData) deriveMasterSecret(preMaster []byte) {
	seed := make([]byte, 0, 2*randomLength)
	seed = append(seed, hs.clientRandom[:]...)
	seed = append(seed, hs.serverRandom[:]...)

	prf(hs.masterSecret[:], preMaster, masterSecretLabel, seed, hs.suite.prf)

	ZeroSlice(preMaster)
}

// key_block = PRF(master_secret, "key expansion", server_random ||
// client_random, 2*mac + 2*key + 2*iv), partitioned client-first. We write
// with the client halves and read with the server halves.
func (hs *handshakeData) deriveConnStates() (write, read *connState, err error) {
	settings := hs.suite
	macLen := settings.macLen
	keyLen := settings.keyLen
	ivLen := settings.recordIVLen()

	seed := make([]byte, 0, 2*randomLength)
	seed = append(seed, hs.serverRandom[:]...)
	seed = append(seed, hs.clientRandom[:]...)

	keyBlock := make([]byte, 2*macLen+2*keyLen+2*ivLen)
	prf(keyBlock, hs.masterSecret[:], keyExpansionLabel, seed, settings.prf)
	defer ZeroSlice(keyBlock)

	rest := keyBlock
	clientMAC, rest := rest[:macLen], rest[macLen:]
	serverMAC, rest := rest[:macLen], rest[macLen:]
	clientKey, rest := rest[:keyLen], rest[keyLen:]
	serverKey, rest := rest[:keyLen], rest[keyLen:]
	clientIV, rest := rest[:ivLen], rest[ivLen:]
	serverIV := rest[:ivLen]

	write, err = newConnState(settings, clientKey, clientMAC, clientIV)
	if err != nil {
		return nil, nil, err
	}
	read, err = newConnState(settings, serverKey, serverMAC, serverIV)
	if err != nil {
		write.destroy()
		return nil, nil, err
	}
	return write, read, nil
}

func newConnState(settings *cipherSuiteSettings, key, macKey, iv []byte) (*connState, error) {
	cs := &connState{
		settings: settings,
		key:      append([]byte(nil), key...),
		macKey:   append([]byte(nil), macKey...),
		iv:       append([]byte(nil), iv...),
	}

	block, err := aes.NewCipher(cs.key)
	if err != nil {
		cs.destroy()
		return nil, err
	}

	switch settings.protection {
	case ProtectionCBC:
		cs.block = block
		cs.mac = hmac.New(settings.macHash.newFunc, cs.macKey)
	case ProtectionGCM:
		cs.aead, err = cipher.NewGCM(block)
		if err != nil {
			cs.destroy()
			return nil, err
		}
	}
	return cs, nil
}

// verify_data = PRF(master_secret, label, Hash(transcript), 12). The caller
// decides which transcript prefix applies by when it calls this: the client
// Finished is computed before its own message enters the transcript, the
// server Finished after.
func (hs *handshakeData) computeVerifyData(label []byte) [verifyDataLength]byte {
	transcriptHash := hs.suite.prf.Hash(hs.messages.B)

	var out [verifyDataLength]byte
	prf(out[:], hs.masterSecret[:], label, transcriptHash, hs.suite.prf)
	return out
}
