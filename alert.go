package weft

import "fmt"

// Alert is the in-band result type for everything inside the handshake state
// machine.  Protocol alerts use their RFC 8446 code points; the values above
// 0xF0 are local signals that never appear on the wire.
type Alert uint8

const (
	// Wire alerts (RFC 8446, Section 6)
	AlertCloseNotify            Alert = 0
	AlertUnexpectedMessage      Alert = 10
	AlertBadRecordMAC           Alert = 20
	AlertRecordOverflow         Alert = 22
	AlertHandshakeFailure       Alert = 40
	AlertBadCertificate         Alert = 42
	AlertUnsupportedCertificate Alert = 43
	AlertCertificateRevoked     Alert = 44
	AlertCertificateExpired     Alert = 45
	AlertCertificateUnknown     Alert = 46
	AlertIllegalParameter       Alert = 47
	AlertUnknownCA              Alert = 48
	AlertAccessDenied           Alert = 49
	AlertDecodeError            Alert = 50
	AlertDecryptError           Alert = 51
	AlertProtocolVersion        Alert = 70
	AlertInsufficientSecurity   Alert = 71
	AlertInternalError          Alert = 80
	AlertInappropriateFallback  Alert = 86
	AlertUserCanceled           Alert = 90
	AlertMissingExtension       Alert = 109
	AlertUnsupportedExtension   Alert = 110
	AlertUnrecognizedName       Alert = 112
	AlertCertificateRequired    Alert = 116
	AlertNoApplicationProtocol  Alert = 120

	// Local signals.  AlertWouldBlock and AlertPendingOperation are the two
	// cooperative suspension points: the transport could not make progress,
	// or an external operation (signing, chain verification) has not finished
	// yet.  Neither is an error; the caller re-enters the driving loop later.
	AlertHandoffPaused    Alert = 251
	AlertPendingOperation Alert = 252
	AlertWouldBlock       Alert = 253
	AlertNoAlert          Alert = 255
)

var alertText = map[Alert]string{
	AlertCloseNotify:            "close notify",
	AlertUnexpectedMessage:      "unexpected message",
	AlertBadRecordMAC:           "bad record MAC",
	AlertRecordOverflow:         "record overflow",
	AlertHandshakeFailure:       "handshake failure",
	AlertBadCertificate:         "bad certificate",
	AlertUnsupportedCertificate: "unsupported certificate",
	AlertCertificateRevoked:     "revoked certificate",
	AlertCertificateExpired:     "expired certificate",
	AlertCertificateUnknown:     "unknown certificate",
	AlertIllegalParameter:       "illegal parameter",
	AlertUnknownCA:              "unknown certificate authority",
	AlertAccessDenied:           "access denied",
	AlertDecodeError:            "error decoding message",
	AlertDecryptError:           "error decrypting message",
	AlertProtocolVersion:        "protocol version not supported",
	AlertInsufficientSecurity:   "insufficient security level",
	AlertInternalError:          "internal error",
	AlertInappropriateFallback:  "inappropriate fallback",
	AlertUserCanceled:           "user canceled",
	AlertMissingExtension:       "missing extension",
	AlertUnsupportedExtension:   "unsupported extension",
	AlertUnrecognizedName:       "unrecognized name",
	AlertCertificateRequired:    "certificate required",
	AlertNoApplicationProtocol:  "no application protocol",
	AlertHandoffPaused:          "paused for handoff (local)",
	AlertPendingOperation:       "pending external operation (local)",
	AlertWouldBlock:             "would have blocked (local)",
	AlertNoAlert:                "no alert (local)",
}

func (a Alert) String() string {
	if s, ok := alertText[a]; ok {
		return s
	}
	return fmt.Sprintf("alert(%d)", uint8(a))
}

func (a Alert) Error() string {
	return a.String()
}

// IsSuspension reports whether the alert is one of the cooperative
// suspension signals rather than a terminal outcome.
func (a Alert) IsSuspension() bool {
	switch a {
	case AlertWouldBlock, AlertPendingOperation, AlertHandoffPaused:
		return true
	}
	return false
}
