package weft

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Extension code points we produce or consume.  Wire layouts of extensions
// beyond these are out of scope; unknown extensions are skipped on parse.
const (
	extensionTypeServerName          uint16 = 0
	extensionTypeSupportedGroups     uint16 = 10
	extensionTypeSignatureAlgorithms uint16 = 13
	extensionTypeALPN                uint16 = 16
	extensionTypePreSharedKey        uint16 = 41
	extensionTypeEarlyData           uint16 = 42
	extensionTypeSupportedVersions   uint16 = 43
	extensionTypePSKKeyExchangeModes uint16 = 45
	extensionTypeKeyShare            uint16 = 51
)

// HandshakeMessageBody is the decoded form of one handshake message.
type HandshakeMessageBody interface {
	Type() HandshakeType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

func newBodyForType(t HandshakeType) HandshakeMessageBody {
	switch t {
	case HandshakeTypeClientHello:
		return new(ClientHelloBody)
	case HandshakeTypeServerHello:
		return new(ServerHelloBody)
	case HandshakeTypeEncryptedExtensions:
		return new(EncryptedExtensionsBody)
	case HandshakeTypeCertificateRequest:
		return new(CertificateRequestBody)
	case HandshakeTypeCertificate:
		return new(CertificateBody)
	case HandshakeTypeCertificateVerify:
		return new(CertificateVerifyBody)
	case HandshakeTypeFinished:
		return new(FinishedBody)
	case HandshakeTypeEndOfEarlyData:
		return new(EndOfEarlyDataBody)
	case HandshakeTypeNewSessionTicket:
		return new(NewSessionTicketBody)
	case HandshakeTypeKeyUpdate:
		return new(KeyUpdateBody)
	}
	return nil
}

// KeyShareEntry is one group+share pair.  For ECDHE groups the share is a
// public key in both directions; for KEM groups the client share is a public
// key and the server share is a ciphertext.
type KeyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte
}

// PSKIdentity is one offered pre-shared key.
type PSKIdentity struct {
	Identity            []byte
	ObfuscatedTicketAge uint32
}

// ClientHelloBody carries the fields the core negotiates on.  Unknown
// extensions are ignored on parse and never produced.
type ClientHelloBody struct {
	Random           [randomLen]byte
	LegacySessionID  []byte
	CipherSuites     []CipherSuite
	ServerName       string
	SupportedGroups  []NamedGroup
	SignatureSchemes []SignatureScheme
	KeyShares        []KeyShareEntry
	ALPNProtocols    []string
	EarlyData        bool
	PSKIdentities    []PSKIdentity
	PSKBinders       [][]byte

	// SupportedVersions as offered; the server requires 0x0304 among them.
	SupportedVersions []uint16

	// binderSuffixLen is the wire length of the binders list including its
	// two-byte length prefix; the transcript for binder verification covers
	// the message bytes with this suffix removed.
	binderSuffixLen int
}

func (*ClientHelloBody) Type() HandshakeType { return HandshakeTypeClientHello }

func (ch *ClientHelloBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(tls12Version)
	b.AddBytes(ch.Random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(ch.LegacySessionID) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cs := range ch.CipherSuites {
			b.AddUint16(uint16(cs))
		}
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) }) // null compression

	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		if len(ch.ServerName) > 0 {
			addExtension(b, extensionTypeServerName, func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8(0) // host_name
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(ch.ServerName))
					})
				})
			})
		}
		addExtension(b, extensionTypeSupportedVersions, func(b *cryptobyte.Builder) {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(supportedVersion)
			})
		})
		addExtension(b, extensionTypeSupportedGroups, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, g := range ch.SupportedGroups {
					b.AddUint16(uint16(g))
				}
			})
		})
		addExtension(b, extensionTypeSignatureAlgorithms, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, s := range ch.SignatureSchemes {
					b.AddUint16(uint16(s))
				}
			})
		})
		addExtension(b, extensionTypeKeyShare, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, ks := range ch.KeyShares {
					b.AddUint16(uint16(ks.Group))
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes(ks.KeyExchange)
					})
				}
			})
		})
		if len(ch.ALPNProtocols) > 0 {
			addExtension(b, extensionTypeALPN, func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, p := range ch.ALPNProtocols {
						b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes([]byte(p))
						})
					}
				})
			})
		}
		if ch.EarlyData {
			addExtension(b, extensionTypeEarlyData, func(b *cryptobyte.Builder) {})
		}
		if len(ch.PSKIdentities) > 0 {
			addExtension(b, extensionTypePSKKeyExchangeModes, func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8(1) // psk_dhe_ke
				})
			})
			// pre_shared_key must be the last extension.
			addExtension(b, extensionTypePreSharedKey, func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, id := range ch.PSKIdentities {
						b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes(id.Identity)
						})
						b.AddUint32(id.ObfuscatedTicketAge)
					}
				})
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, binder := range ch.PSKBinders {
						b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes(binder)
						})
					}
				})
			})
		}
	})

	out, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	ch.binderSuffixLen = ch.bindersWireLen()
	return out, nil
}

func (ch *ClientHelloBody) bindersWireLen() int {
	if len(ch.PSKBinders) == 0 {
		return 0
	}
	n := 2
	for _, binder := range ch.PSKBinders {
		n += 1 + len(binder)
	}
	return n
}

// TruncatedForBinders returns the wire bytes of the full message (header
// included) with the binders list removed, the transcript input for binder
// computation (RFC 8446, Section 4.2.11.2).
func (ch *ClientHelloBody) TruncatedForBinders(wireBytes []byte) []byte {
	suffix := ch.binderSuffixLen
	assert(suffix > 0 && suffix < len(wireBytes))
	return wireBytes[:len(wireBytes)-suffix]
}

func (ch *ClientHelloBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)

	var legacyVersion uint16
	var sessionID, suites, compression cryptobyte.String
	if !s.ReadUint16(&legacyVersion) ||
		!s.CopyBytes(ch.Random[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&compression) {
		return 0, fmt.Errorf("weft: malformed ClientHello")
	}
	ch.LegacySessionID = dup(sessionID)
	for !suites.Empty() {
		var cs uint16
		if !suites.ReadUint16(&cs) {
			return 0, fmt.Errorf("weft: malformed cipher suite list")
		}
		ch.CipherSuites = append(ch.CipherSuites, CipherSuite(cs))
	}

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return 0, fmt.Errorf("weft: malformed ClientHello extensions")
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return 0, fmt.Errorf("weft: malformed extension")
		}
		if err := ch.parseExtension(extType, extData); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}

func (ch *ClientHelloBody) parseExtension(extType uint16, data cryptobyte.String) error {
	malformed := fmt.Errorf("weft: malformed extension %d", extType)
	switch extType {
	case extensionTypeServerName:
		var list cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&list) {
			return malformed
		}
		var nameType uint8
		var name cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
			return malformed
		}
		if nameType == 0 {
			ch.ServerName = string(name)
		}
	case extensionTypeSupportedGroups:
		var groups cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&groups) {
			return malformed
		}
		for !groups.Empty() {
			var g uint16
			if !groups.ReadUint16(&g) {
				return malformed
			}
			ch.SupportedGroups = append(ch.SupportedGroups, NamedGroup(g))
		}
	case extensionTypeSignatureAlgorithms:
		var schemes cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&schemes) {
			return malformed
		}
		for !schemes.Empty() {
			var scheme uint16
			if !schemes.ReadUint16(&scheme) {
				return malformed
			}
			ch.SignatureSchemes = append(ch.SignatureSchemes, SignatureScheme(scheme))
		}
	case extensionTypeKeyShare:
		var shares cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&shares) {
			return malformed
		}
		for !shares.Empty() {
			var group uint16
			var share cryptobyte.String
			if !shares.ReadUint16(&group) || !shares.ReadUint16LengthPrefixed(&share) {
				return malformed
			}
			ch.KeyShares = append(ch.KeyShares, KeyShareEntry{NamedGroup(group), dup(share)})
		}
	case extensionTypeALPN:
		var protos cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&protos) {
			return malformed
		}
		for !protos.Empty() {
			var proto cryptobyte.String
			if !protos.ReadUint8LengthPrefixed(&proto) || proto.Empty() {
				return malformed
			}
			ch.ALPNProtocols = append(ch.ALPNProtocols, string(proto))
		}
	case extensionTypeSupportedVersions:
		var versions cryptobyte.String
		if !data.ReadUint8LengthPrefixed(&versions) {
			return malformed
		}
		for !versions.Empty() {
			var v uint16
			if !versions.ReadUint16(&v) {
				return malformed
			}
			ch.SupportedVersions = append(ch.SupportedVersions, v)
		}
	case extensionTypeEarlyData:
		ch.EarlyData = true
	case extensionTypePreSharedKey:
		var identities, binders cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&identities) {
			return malformed
		}
		for !identities.Empty() {
			var identity cryptobyte.String
			var age uint32
			if !identities.ReadUint16LengthPrefixed(&identity) || !identities.ReadUint32(&age) {
				return malformed
			}
			ch.PSKIdentities = append(ch.PSKIdentities, PSKIdentity{dup(identity), age})
		}
		// Everything left is the binders list with its length prefix; that
		// suffix is what binder verification strips from the transcript.
		binderSuffix := len(data)
		if !data.ReadUint16LengthPrefixed(&binders) {
			return malformed
		}
		for !binders.Empty() {
			var binder cryptobyte.String
			if !binders.ReadUint8LengthPrefixed(&binder) {
				return malformed
			}
			ch.PSKBinders = append(ch.PSKBinders, dup(binder))
		}
		ch.binderSuffixLen = binderSuffix
	}
	return nil
}

// ServerHelloBody carries the server's negotiation answer.
type ServerHelloBody struct {
	Random      [randomLen]byte
	SessionID   []byte
	CipherSuite CipherSuite
	KeyShare    *KeyShareEntry
	UsingPSK    bool
	PSKIdentity uint16
}

func (*ServerHelloBody) Type() HandshakeType { return HandshakeTypeServerHello }

func (sh *ServerHelloBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(tls12Version)
	b.AddBytes(sh.Random[:])
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(sh.SessionID) })
	b.AddUint16(uint16(sh.CipherSuite))
	b.AddUint8(0) // null compression
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		addExtension(b, extensionTypeSupportedVersions, func(b *cryptobyte.Builder) {
			b.AddUint16(supportedVersion)
		})
		if sh.KeyShare != nil {
			addExtension(b, extensionTypeKeyShare, func(b *cryptobyte.Builder) {
				b.AddUint16(uint16(sh.KeyShare.Group))
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(sh.KeyShare.KeyExchange)
				})
			})
		}
		if sh.UsingPSK {
			addExtension(b, extensionTypePreSharedKey, func(b *cryptobyte.Builder) {
				b.AddUint16(sh.PSKIdentity)
			})
		}
	})
	return b.Bytes()
}

func (sh *ServerHelloBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var legacyVersion uint16
	var sessionID cryptobyte.String
	var suite uint16
	var compression uint8
	if !s.ReadUint16(&legacyVersion) ||
		!s.CopyBytes(sh.Random[:]) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16(&suite) ||
		!s.ReadUint8(&compression) {
		return 0, fmt.Errorf("weft: malformed ServerHello")
	}
	sh.SessionID = dup(sessionID)
	sh.CipherSuite = CipherSuite(suite)

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return 0, fmt.Errorf("weft: malformed ServerHello extensions")
	}
	sawVersion := false
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return 0, fmt.Errorf("weft: malformed extension")
		}
		switch extType {
		case extensionTypeSupportedVersions:
			var version uint16
			if !extData.ReadUint16(&version) || version != supportedVersion {
				return 0, fmt.Errorf("weft: bad negotiated version")
			}
			sawVersion = true
		case extensionTypeKeyShare:
			var group uint16
			var share cryptobyte.String
			if !extData.ReadUint16(&group) || !extData.ReadUint16LengthPrefixed(&share) {
				return 0, fmt.Errorf("weft: malformed key share")
			}
			sh.KeyShare = &KeyShareEntry{NamedGroup(group), dup(share)}
		case extensionTypePreSharedKey:
			if !extData.ReadUint16(&sh.PSKIdentity) {
				return 0, fmt.Errorf("weft: malformed pre_shared_key")
			}
			sh.UsingPSK = true
		}
	}
	if !sawVersion {
		return 0, fmt.Errorf("weft: ServerHello without supported_versions")
	}
	return len(data), nil
}

// EncryptedExtensionsBody carries the server's protected negotiation results.
type EncryptedExtensionsBody struct {
	ALPNProtocol      string
	EarlyDataAccepted bool
}

func (*EncryptedExtensionsBody) Type() HandshakeType { return HandshakeTypeEncryptedExtensions }

func (ee *EncryptedExtensionsBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		if len(ee.ALPNProtocol) > 0 {
			addExtension(b, extensionTypeALPN, func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(ee.ALPNProtocol))
					})
				})
			})
		}
		if ee.EarlyDataAccepted {
			addExtension(b, extensionTypeEarlyData, func(b *cryptobyte.Builder) {})
		}
	})
	return b.Bytes()
}

func (ee *EncryptedExtensionsBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return 0, fmt.Errorf("weft: malformed EncryptedExtensions")
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return 0, fmt.Errorf("weft: malformed extension")
		}
		switch extType {
		case extensionTypeALPN:
			var protos, proto cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&protos) || !protos.ReadUint8LengthPrefixed(&proto) {
				return 0, fmt.Errorf("weft: malformed ALPN extension")
			}
			ee.ALPNProtocol = string(proto)
		case extensionTypeEarlyData:
			ee.EarlyDataAccepted = true
		}
	}
	return len(data), nil
}

// CertificateRequestBody requests client authentication.
type CertificateRequestBody struct {
	CertificateRequestContext []byte
	SignatureSchemes          []SignatureScheme
}

func (*CertificateRequestBody) Type() HandshakeType { return HandshakeTypeCertificateRequest }

func (cr *CertificateRequestBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cr.CertificateRequestContext) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		addExtension(b, extensionTypeSignatureAlgorithms, func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, s := range cr.SignatureSchemes {
					b.AddUint16(uint16(s))
				}
			})
		})
	})
	return b.Bytes()
}

func (cr *CertificateRequestBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var context, extensions cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&context) || !s.ReadUint16LengthPrefixed(&extensions) || !s.Empty() {
		return 0, fmt.Errorf("weft: malformed CertificateRequest")
	}
	cr.CertificateRequestContext = dup(context)
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return 0, fmt.Errorf("weft: malformed extension")
		}
		if extType == extensionTypeSignatureAlgorithms {
			var schemes cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&schemes) {
				return 0, fmt.Errorf("weft: malformed signature_algorithms")
			}
			for !schemes.Empty() {
				var scheme uint16
				if !schemes.ReadUint16(&scheme) {
					return 0, fmt.Errorf("weft: malformed signature_algorithms")
				}
				cr.SignatureSchemes = append(cr.SignatureSchemes, SignatureScheme(scheme))
			}
		}
	}
	return len(data), nil
}

// CertificateBody carries a raw DER chain.  Chain validation belongs to the
// certificate-verifier collaborator, not this layer.
type CertificateBody struct {
	CertificateRequestContext []byte
	CertificateList           [][]byte
}

func (*CertificateBody) Type() HandshakeType { return HandshakeTypeCertificate }

func (c *CertificateBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(c.CertificateRequestContext) })
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cert := range c.CertificateList {
			b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cert) })
			b.AddUint16(0) // no per-certificate extensions
		}
	})
	return b.Bytes()
}

func (c *CertificateBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var context, list cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&context) || !s.ReadUint24LengthPrefixed(&list) || !s.Empty() {
		return 0, fmt.Errorf("weft: malformed Certificate")
	}
	c.CertificateRequestContext = dup(context)
	for !list.Empty() {
		var cert, extensions cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&cert) || !list.ReadUint16LengthPrefixed(&extensions) {
			return 0, fmt.Errorf("weft: malformed certificate entry")
		}
		c.CertificateList = append(c.CertificateList, dup(cert))
	}
	return len(data), nil
}

// CertificateVerifyBody carries the transcript signature.
type CertificateVerifyBody struct {
	Algorithm SignatureScheme
	Signature []byte
}

func (*CertificateVerifyBody) Type() HandshakeType { return HandshakeTypeCertificateVerify }

func (cv *CertificateVerifyBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(uint16(cv.Algorithm))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(cv.Signature) })
	return b.Bytes()
}

func (cv *CertificateVerifyBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var alg uint16
	var sig cryptobyte.String
	if !s.ReadUint16(&alg) || !s.ReadUint16LengthPrefixed(&sig) || !s.Empty() {
		return 0, fmt.Errorf("weft: malformed CertificateVerify")
	}
	cv.Algorithm = SignatureScheme(alg)
	cv.Signature = dup(sig)
	return len(data), nil
}

// FinishedBody is the transcript MAC.  VerifyDataLen is set by the caller
// from the negotiated digest before Unmarshal.
type FinishedBody struct {
	VerifyDataLen int
	VerifyData    []byte
}

func (*FinishedBody) Type() HandshakeType { return HandshakeTypeFinished }

func (f *FinishedBody) Marshal() ([]byte, error) {
	if len(f.VerifyData) != f.VerifyDataLen {
		return nil, fmt.Errorf("weft: Finished verify_data length mismatch")
	}
	return dup(f.VerifyData), nil
}

func (f *FinishedBody) Unmarshal(data []byte) (int, error) {
	if f.VerifyDataLen > 0 && len(data) != f.VerifyDataLen {
		return 0, fmt.Errorf("weft: Finished verify_data length mismatch")
	}
	f.VerifyData = dup(data)
	f.VerifyDataLen = len(data)
	return len(data), nil
}

// EndOfEarlyDataBody is empty; it marks the end of the 0-RTT stream.
type EndOfEarlyDataBody struct{}

func (*EndOfEarlyDataBody) Type() HandshakeType { return HandshakeTypeEndOfEarlyData }

func (*EndOfEarlyDataBody) Marshal() ([]byte, error) { return []byte{}, nil }

func (*EndOfEarlyDataBody) Unmarshal(data []byte) (int, error) {
	if len(data) != 0 {
		return 0, fmt.Errorf("weft: non-empty EndOfEarlyData")
	}
	return 0, nil
}

// NewSessionTicketBody issues a resumption ticket (RFC 8446, Section 4.6.1).
type NewSessionTicketBody struct {
	TicketLifetime  uint32
	TicketAgeAdd    uint32
	TicketNonce     []byte
	Ticket          []byte
	MaxEarlyDataLen uint32
}

func (*NewSessionTicketBody) Type() HandshakeType { return HandshakeTypeNewSessionTicket }

func (t *NewSessionTicketBody) Marshal() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint32(t.TicketLifetime)
	b.AddUint32(t.TicketAgeAdd)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(t.TicketNonce) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(t.Ticket) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		if t.MaxEarlyDataLen > 0 {
			addExtension(b, extensionTypeEarlyData, func(b *cryptobyte.Builder) {
				b.AddUint32(t.MaxEarlyDataLen)
			})
		}
	})
	return b.Bytes()
}

func (t *NewSessionTicketBody) Unmarshal(data []byte) (int, error) {
	s := cryptobyte.String(data)
	var nonce, ticket, extensions cryptobyte.String
	if !s.ReadUint32(&t.TicketLifetime) ||
		!s.ReadUint32(&t.TicketAgeAdd) ||
		!s.ReadUint8LengthPrefixed(&nonce) ||
		!s.ReadUint16LengthPrefixed(&ticket) ||
		ticket.Empty() ||
		!s.ReadUint16LengthPrefixed(&extensions) ||
		!s.Empty() {
		return 0, fmt.Errorf("weft: malformed NewSessionTicket")
	}
	t.TicketNonce = dup(nonce)
	t.Ticket = dup(ticket)
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return 0, fmt.Errorf("weft: malformed extension")
		}
		if extType == extensionTypeEarlyData {
			if !extData.ReadUint32(&t.MaxEarlyDataLen) {
				return 0, fmt.Errorf("weft: malformed early_data extension")
			}
		}
	}
	return len(data), nil
}

// KeyUpdateBody triggers traffic-secret rotation (RFC 8446, Section 4.6.3).
type KeyUpdateBody struct {
	KeyUpdateRequest KeyUpdateRequest
}

func (*KeyUpdateBody) Type() HandshakeType { return HandshakeTypeKeyUpdate }

func (ku *KeyUpdateBody) Marshal() ([]byte, error) {
	return []byte{byte(ku.KeyUpdateRequest)}, nil
}

func (ku *KeyUpdateBody) Unmarshal(data []byte) (int, error) {
	if len(data) != 1 || data[0] > 1 {
		return 0, fmt.Errorf("weft: malformed KeyUpdate")
	}
	ku.KeyUpdateRequest = KeyUpdateRequest(data[0])
	return 1, nil
}

func addExtension(b *cryptobyte.Builder, extType uint16, body func(*cryptobyte.Builder)) {
	b.AddUint16(extType)
	b.AddUint16LengthPrefixed(body)
}
