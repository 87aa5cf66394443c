package weft

// KeySet is the record-protection material derived from one traffic secret:
// one key and one IV, tagged with the suite they belong to.  A KeySet is
// installed for exactly one direction at one epoch, via the RekeyIn/RekeyOut
// action pair.
type KeySet struct {
	Suite CipherSuite
	Keys  map[string][]byte
}

// Wipe erases the key material.  Called when a cipher state built from this
// set retires the previous one, and on connection teardown.
func (ks KeySet) Wipe() {
	for _, v := range ks.Keys {
		wipe(v)
	}
}

// makeTrafficKeys derives the AEAD key and IV for a traffic secret
// (RFC 8446, Section 7.3):
//
//	key = HKDF-Expand-Label(secret, "key", "", key_length)
//	iv  = HKDF-Expand-Label(secret, "iv",  "", iv_length)
//
// The same two labels serve both directions and both roles; direction is
// carried by which secret (client/server) feeds the expansion, and the
// role-to-direction mapping inverts between read and write at install time.
func makeTrafficKeys(params CipherSuiteParams, secret []byte) KeySet {
	logf(logTypeCrypto, "making traffic keys: secret=%x", secret)
	return KeySet{
		Suite: params.Suite,
		Keys: map[string][]byte{
			labelForKey: HkdfExpandLabel(params.Hash, secret, labelForKey, []byte{}, params.KeyLen),
			labelForIV:  HkdfExpandLabel(params.Hash, secret, labelForIV, []byte{}, params.IvLen),
		},
	}
}
