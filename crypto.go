package weft

import (
	"bytes"
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/hybrid"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

var prng = rand.Reader

// HKDF-Extract and HKDF-Expand per RFC 5869, via x/crypto/hkdf.

func HkdfExtract(hash crypto.Hash, salt, ikm []byte) []byte {
	if salt == nil {
		salt = make([]byte, hash.Size())
	}
	if ikm == nil {
		ikm = make([]byte, hash.Size())
	}
	return hkdf.Extract(hash.New, ikm, salt)
}

func hkdfExpand(hash crypto.Hash, prk, info []byte, outLen int) []byte {
	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.Expand(hash.New, prk, info), out); err != nil {
		// Only reachable by asking for more than 255 blocks.
		panic("weft: hkdf expand: " + err.Error())
	}
	return out
}

// hkdfEncodeLabel builds the HkdfLabel structure from RFC 8446, Section 7.1:
//
//	struct {
//	    uint16 length;
//	    opaque label<7..255> = "tls13 " + Label;
//	    opaque context<0..255>;
//	} HkdfLabel;
//
// The "tls13 " prefix is the RFC-final one; the draft-era "TLS 1.3, " prefix
// is intentionally not supported.
func hkdfEncodeLabel(label string, context []byte, outLen int) []byte {
	var b cryptobyte.Builder
	b.AddUint16(uint16(outLen))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 "))
		b.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	return b.BytesOrPanic()
}

// HkdfExpandLabel is HKDF-Expand-Label from RFC 8446.  The label byte strings
// are protocol-fixed; see the label* constants in schedule.go.
func HkdfExpandLabel(hash crypto.Hash, secret []byte, label string, context []byte, outLen int) []byte {
	info := hkdfEncodeLabel(label, context, outLen)
	derived := hkdfExpand(hash, secret, info, outLen)

	logf(logTypeCrypto, "HKDF-Expand-Label(%s) = [%d] %x", label, len(derived), derived)
	return derived
}

// computeFinishedData computes the Finished MAC:
//
//	finished_key = HKDF-Expand-Label(secret, "finished", "", Hash.length)
//	verify_data  = HMAC(finished_key, transcript_hash)
func computeFinishedData(params CipherSuiteParams, baseKey []byte, transcriptHash []byte) []byte {
	finishedKey := HkdfExpandLabel(params.Hash, baseKey, labelFinished, []byte{}, params.Hash.Size())
	defer wipe(finishedKey)

	mac := hmac.New(params.Hash.New, finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

// verifyFinishedData is the receive-side check; constant-time comparison.
func verifyFinishedData(params CipherSuiteParams, baseKey, transcriptHash, verifyData []byte) bool {
	expected := computeFinishedData(params, baseKey, transcriptHash)
	defer wipe(expected)
	return hmac.Equal(expected, verifyData)
}

// Key exchange.  The group set is closed (enum dispatch, no method tables):
// classical ECDHE groups via crypto/ecdh, and one hybrid post-quantum group
// via circl's KEM.  The hybrid group is KEM-shaped, so the share flow is
// asymmetric: the client's share is a public key, the server's "share" in
// reply is a ciphertext.

func ecdhCurveForGroup(group NamedGroup) ecdh.Curve {
	switch group {
	case P256:
		return ecdh.P256()
	case P384:
		return ecdh.P384()
	case X25519:
		return ecdh.X25519()
	}
	return nil
}

func kemSchemeForGroup(group NamedGroup) kem.Scheme {
	if group == X25519Kyber768 {
		return hybrid.Kyber768X25519()
	}
	return nil
}

func groupSupported(group NamedGroup) bool {
	return ecdhCurveForGroup(group) != nil || kemSchemeForGroup(group) != nil
}

// keySharePrivate holds the initiator-side private state for one offered
// share.  Exactly one field is set.
type keySharePrivate struct {
	group NamedGroup
	ecdh  *ecdh.PrivateKey
	kem   kem.PrivateKey
}

func (p *keySharePrivate) marshal() ([]byte, error) {
	if p.ecdh != nil {
		return p.ecdh.Bytes(), nil
	}
	if p.kem != nil {
		return p.kem.MarshalBinary()
	}
	return nil, fmt.Errorf("weft: empty key share private")
}

func unmarshalKeySharePrivate(group NamedGroup, data []byte) (*keySharePrivate, error) {
	if crv := ecdhCurveForGroup(group); crv != nil {
		priv, err := crv.NewPrivateKey(data)
		if err != nil {
			return nil, err
		}
		return &keySharePrivate{group: group, ecdh: priv}, nil
	}
	if scheme := kemSchemeForGroup(group); scheme != nil {
		priv, err := scheme.UnmarshalBinaryPrivateKey(data)
		if err != nil {
			return nil, err
		}
		return &keySharePrivate{group: group, kem: priv}, nil
	}
	return nil, fmt.Errorf("weft: unsupported group %v", group)
}

// newKeyShare generates the initiator half of a key exchange.
func newKeyShare(group NamedGroup) (pub []byte, priv *keySharePrivate, err error) {
	if crv := ecdhCurveForGroup(group); crv != nil {
		key, err := crv.GenerateKey(prng)
		if err != nil {
			return nil, nil, err
		}
		return key.PublicKey().Bytes(), &keySharePrivate{group: group, ecdh: key}, nil
	}
	if scheme := kemSchemeForGroup(group); scheme != nil {
		pk, sk, err := scheme.GenerateKeyPair()
		if err != nil {
			return nil, nil, err
		}
		pkBytes, err := pk.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		return pkBytes, &keySharePrivate{group: group, kem: sk}, nil
	}
	return nil, nil, fmt.Errorf("weft: unsupported group %v", group)
}

// keyShareRespond consumes the initiator's share and produces the responder
// share plus the shared secret.  For ECDHE groups this is a fresh keypair and
// a DH; for KEM groups it is an encapsulation.
func keyShareRespond(group NamedGroup, peerShare []byte) (resp []byte, shared []byte, err error) {
	if crv := ecdhCurveForGroup(group); crv != nil {
		peerPub, err := crv.NewPublicKey(peerShare)
		if err != nil {
			return nil, nil, err
		}
		key, err := crv.GenerateKey(prng)
		if err != nil {
			return nil, nil, err
		}
		shared, err := key.ECDH(peerPub)
		if err != nil {
			return nil, nil, err
		}
		return key.PublicKey().Bytes(), shared, nil
	}
	if scheme := kemSchemeForGroup(group); scheme != nil {
		pk, err := scheme.UnmarshalBinaryPublicKey(peerShare)
		if err != nil {
			return nil, nil, err
		}
		ct, ss, err := scheme.Encapsulate(pk)
		if err != nil {
			return nil, nil, err
		}
		return ct, ss, nil
	}
	return nil, nil, fmt.Errorf("weft: unsupported group %v", group)
}

// keyShareFinish consumes the responder share on the initiator side.
func keyShareFinish(priv *keySharePrivate, respShare []byte) ([]byte, error) {
	if priv.ecdh != nil {
		crv := ecdhCurveForGroup(priv.group)
		peerPub, err := crv.NewPublicKey(respShare)
		if err != nil {
			return nil, err
		}
		return priv.ecdh.ECDH(peerPub)
	}
	if priv.kem != nil {
		scheme := kemSchemeForGroup(priv.group)
		return scheme.Decapsulate(priv.kem, respShare)
	}
	return nil, fmt.Errorf("weft: empty key share private")
}

// CertificateVerify signatures (RFC 8446, Section 4.4.3): the signed content
// is 64 spaces, a context string, a zero byte, and the transcript hash.

const (
	contextCertificateVerifyServer = "TLS 1.3, server CertificateVerify"
	contextCertificateVerifyClient = "TLS 1.3, client CertificateVerify"
)

func certificateVerifyContent(isServer bool, transcriptHash []byte) []byte {
	context := contextCertificateVerifyClient
	if isServer {
		context = contextCertificateVerifyServer
	}
	content := bytes.Repeat([]byte{0x20}, 64)
	content = append(content, []byte(context)...)
	content = append(content, 0)
	content = append(content, transcriptHash...)
	return content
}

func schemeForSigner(key crypto.Signer) (SignatureScheme, error) {
	switch pub := key.Public().(type) {
	case *rsa.PublicKey:
		return RSA_PSS_SHA256, nil
	case *ecdsa.PublicKey:
		switch pub.Curve.Params().BitSize {
		case 256:
			return ECDSA_P256_SHA256, nil
		case 384:
			return ECDSA_P384_SHA384, nil
		}
		return 0, fmt.Errorf("weft: unsupported ECDSA curve")
	case ed25519.PublicKey:
		return Ed25519, nil
	}
	return 0, fmt.Errorf("weft: unsupported signing key type")
}

func hashForScheme(scheme SignatureScheme) crypto.Hash {
	switch scheme {
	case ECDSA_P256_SHA256, RSA_PSS_SHA256:
		return crypto.SHA256
	case ECDSA_P384_SHA384, RSA_PSS_SHA384:
		return crypto.SHA384
	case RSA_PSS_SHA512:
		return crypto.SHA512
	}
	return 0 // Ed25519 signs the message directly
}

// signCertificateVerify signs the CertificateVerify content.  An asynchronous
// signer may return ErrOperationPending; the server state machine stays in
// its signing state and retries on re-entry.
func signCertificateVerify(key crypto.Signer, scheme SignatureScheme, isServer bool, transcriptHash []byte) ([]byte, error) {
	content := certificateVerifyContent(isServer, transcriptHash)

	if scheme == Ed25519 {
		return key.Sign(prng, content, crypto.Hash(0))
	}

	hash := hashForScheme(scheme)
	h := hash.New()
	h.Write(content)
	digest := h.Sum(nil)

	var opts crypto.SignerOpts = hash
	switch scheme {
	case RSA_PSS_SHA256, RSA_PSS_SHA384, RSA_PSS_SHA512:
		opts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash}
	}
	return key.Sign(prng, digest, opts)
}

func verifyCertificateVerify(pub crypto.PublicKey, scheme SignatureScheme, isServer bool, transcriptHash, sig []byte) error {
	content := certificateVerifyContent(isServer, transcriptHash)

	switch key := pub.(type) {
	case ed25519.PublicKey:
		if scheme != Ed25519 {
			return fmt.Errorf("weft: scheme %04x not valid for Ed25519 key", uint16(scheme))
		}
		if !ed25519.Verify(key, content, sig) {
			return fmt.Errorf("weft: Ed25519 verification failure")
		}
		return nil
	case *ecdsa.PublicKey:
		if scheme != ECDSA_P256_SHA256 && scheme != ECDSA_P384_SHA384 {
			return fmt.Errorf("weft: scheme %04x not valid for ECDSA key", uint16(scheme))
		}
		hash := hashForScheme(scheme)
		h := hash.New()
		h.Write(content)
		if !ecdsa.VerifyASN1(key, h.Sum(nil), sig) {
			return fmt.Errorf("weft: ECDSA verification failure")
		}
		return nil
	case *rsa.PublicKey:
		hash := hashForScheme(scheme)
		if hash == 0 {
			return fmt.Errorf("weft: scheme %04x not valid for RSA key", uint16(scheme))
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hash}
		h := hash.New()
		h.Write(content)
		return rsa.VerifyPSS(key, hash, h.Sum(nil), sig, opts)
	}
	return fmt.Errorf("weft: unsupported public key type")
}

// NewSelfSigned generates a throwaway certificate for the given name.  Used
// by tests and demos; production callers load real chains.
func NewSelfSigned(name string, key crypto.Signer) (*x509.Certificate, error) {
	serial, err := rand.Int(prng, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		DNSNames:     []string{name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(prng, template, template, key.Public(), key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}
