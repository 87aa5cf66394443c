package weft

import "fmt"

const (
	supportedVersion  uint16 = 0x0304 // TLS 1.3
	tls12Version      uint16 = 0x0303
	tls10Version      uint16 = 0x0301
	handshakeHeaderLen        = 4
	maxFragmentLen            = 1 << 14
	randomLen                 = 32
	sequenceNumberLen         = 8
)

// HandshakeType is the one-byte message type carried in the handshake
// message header.
type HandshakeType uint8

const (
	HandshakeTypeClientHello         HandshakeType = 1
	HandshakeTypeServerHello         HandshakeType = 2
	HandshakeTypeNewSessionTicket    HandshakeType = 4
	HandshakeTypeEndOfEarlyData      HandshakeType = 5
	HandshakeTypeEncryptedExtensions HandshakeType = 8
	HandshakeTypeCertificate         HandshakeType = 11
	HandshakeTypeCertificateRequest  HandshakeType = 13
	HandshakeTypeCertificateVerify   HandshakeType = 15
	HandshakeTypeFinished            HandshakeType = 20
	HandshakeTypeKeyUpdate           HandshakeType = 24
)

// RecordType is the content type of a record-layer record.
type RecordType uint8

const (
	RecordTypeAlert           RecordType = 21
	RecordTypeHandshake       RecordType = 22
	RecordTypeApplicationData RecordType = 23
)

// CipherSuite values are the TLS 1.3 code points.
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

func (c CipherSuite) String() string {
	switch c {
	case TLS_AES_128_GCM_SHA256:
		return "TLS_AES_128_GCM_SHA256"
	case TLS_AES_256_GCM_SHA384:
		return "TLS_AES_256_GCM_SHA384"
	case TLS_CHACHA20_POLY1305_SHA256:
		return "TLS_CHACHA20_POLY1305_SHA256"
	}
	return fmt.Sprintf("CipherSuite(%04x)", uint16(c))
}

// NamedGroup is a key-exchange group code point.  The set is closed at build
// time; there is no plugin mechanism.
type NamedGroup uint16

const (
	P256   NamedGroup = 23
	P384   NamedGroup = 24
	X25519 NamedGroup = 29

	// Hybrid post-quantum share (X25519 + Kyber768, draft-00 code point).
	X25519Kyber768 NamedGroup = 0x6399
)

// SignatureScheme code points from RFC 8446, Section 4.2.3.
type SignatureScheme uint16

const (
	ECDSA_P256_SHA256 SignatureScheme = 0x0403
	ECDSA_P384_SHA384 SignatureScheme = 0x0503
	RSA_PSS_SHA256    SignatureScheme = 0x0804
	RSA_PSS_SHA384    SignatureScheme = 0x0805
	RSA_PSS_SHA512    SignatureScheme = 0x0806
	Ed25519           SignatureScheme = 0x0807
)

// Epoch identifies a phase of traffic-key usage.  Epochs only ever move
// forward; installing keys for an earlier epoch than the current one is a
// programmer error.
type Epoch uint16

const (
	EpochClear           Epoch = 0
	EpochEarlyData       Epoch = 1
	EpochHandshakeData   Epoch = 2
	EpochApplicationData Epoch = 3
	EpochUpdate          Epoch = 4
)

func (e Epoch) label() string {
	switch e {
	case EpochClear:
		return "clear"
	case EpochEarlyData:
		return "early data"
	case EpochHandshakeData:
		return "handshake"
	case EpochApplicationData:
		return "application data"
	}
	return "key update"
}

// Direction distinguishes the read and write halves of a connection.
type Direction uint8

const (
	DirectionWrite = Direction(1)
	DirectionRead  = Direction(2)
)

// State is the externally visible handshake state, one value per state type
// in the client and server state machines.
type State uint8

const (
	StateInit State = iota
	StateClientStart
	StateClientWaitSH
	StateClientWaitEE
	StateClientWaitCertCR
	StateClientWaitCert
	StateClientWaitCV
	StateClientWaitFinished
	StateClientConnected
	StateServerStart
	StateServerNegotiated
	StateServerWaitEOED
	StateServerWaitFlight2
	StateServerWaitCert
	StateServerWaitCV
	StateServerWaitFinished
	StateServerConnected
	StateHandshakeError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateClientStart:
		return "Client START"
	case StateClientWaitSH:
		return "Client WAIT_SH"
	case StateClientWaitEE:
		return "Client WAIT_EE"
	case StateClientWaitCertCR:
		return "Client WAIT_CERT_CR"
	case StateClientWaitCert:
		return "Client WAIT_CERT"
	case StateClientWaitCV:
		return "Client WAIT_CV"
	case StateClientWaitFinished:
		return "Client WAIT_FINISHED"
	case StateClientConnected:
		return "Client CONNECTED"
	case StateServerStart:
		return "Server START"
	case StateServerNegotiated:
		return "Server NEGOTIATED"
	case StateServerWaitEOED:
		return "Server WAIT_EOED"
	case StateServerWaitFlight2:
		return "Server WAIT_FLIGHT2"
	case StateServerWaitCert:
		return "Server WAIT_CERT"
	case StateServerWaitCV:
		return "Server WAIT_CV"
	case StateServerWaitFinished:
		return "Server WAIT_FINISHED"
	case StateServerConnected:
		return "Server CONNECTED"
	case StateHandshakeError:
		return "ERROR"
	}
	return "unknown state"
}

// KeyUpdateRequest is the body value of a KeyUpdate message.
type KeyUpdateRequest uint8

const (
	KeyUpdateNotRequested KeyUpdateRequest = 0
	KeyUpdateRequested    KeyUpdateRequest = 1
)

func assert(b bool) {
	if !b {
		panic("weft: assertion failed")
	}
}

// wipe overwrites secret material in place.  Every Secret, traffic secret,
// and AEAD key buffer goes through here before it is released.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func dup(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
