package weft

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	_ "crypto/sha256"
	_ "crypto/sha512"
)

type aeadFactory func(key []byte) (cipher.AEAD, error)

// CipherSuiteParams carries the per-suite derivation parameters: the
// transcript/HKDF hash and the AEAD key and IV sizes.
type CipherSuiteParams struct {
	Suite  CipherSuite
	Cipher aeadFactory // AEAD cipher factory
	Hash   crypto.Hash // Hash for transcript and HKDF
	KeyLen int         // Key length in octets
	IvLen  int         // IV length in octets
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// CipherSuiteRegistry is the closed set of suites this build supports.  It is
// constructed once and passed by reference into the key schedule and the
// record layer; there is no static mutable table behind it.
type CipherSuiteRegistry struct {
	params map[CipherSuite]CipherSuiteParams
}

// NewCipherSuiteRegistry returns a registry holding all built-in suites.
func NewCipherSuiteRegistry() *CipherSuiteRegistry {
	return &CipherSuiteRegistry{
		params: map[CipherSuite]CipherSuiteParams{
			TLS_AES_128_GCM_SHA256: {
				Suite:  TLS_AES_128_GCM_SHA256,
				Cipher: newAESGCM,
				Hash:   crypto.SHA256,
				KeyLen: 16,
				IvLen:  12,
			},
			TLS_AES_256_GCM_SHA384: {
				Suite:  TLS_AES_256_GCM_SHA384,
				Cipher: newAESGCM,
				Hash:   crypto.SHA384,
				KeyLen: 32,
				IvLen:  12,
			},
			TLS_CHACHA20_POLY1305_SHA256: {
				Suite:  TLS_CHACHA20_POLY1305_SHA256,
				Cipher: chacha20poly1305.New,
				Hash:   crypto.SHA256,
				KeyLen: chacha20poly1305.KeySize,
				IvLen:  chacha20poly1305.NonceSize,
			},
		},
	}
}

func (r *CipherSuiteRegistry) Lookup(suite CipherSuite) (CipherSuiteParams, bool) {
	params, ok := r.params[suite]
	return params, ok
}

func (r *CipherSuiteRegistry) Supported() []CipherSuite {
	out := make([]CipherSuite, 0, len(r.params))
	for s := range r.params {
		out = append(out, s)
	}
	return out
}

// mustLookup is for call sites past negotiation, where an unknown suite can
// only mean the caller skipped negotiation.
func (r *CipherSuiteRegistry) mustLookup(suite CipherSuite) CipherSuiteParams {
	params, ok := r.params[suite]
	if !ok {
		panic(fmt.Sprintf("weft: suite %v installed without negotiation", suite))
	}
	return params
}
