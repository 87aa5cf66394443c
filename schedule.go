package weft

import "crypto"

// Protocol-fixed HKDF-Expand-Label labels from RFC 8446.  Any deviation here
// breaks interoperability; these must match the RFC byte-for-byte.
const (
	labelExternalBinder                 = "ext binder"
	labelResumptionBinder               = "res binder"
	labelClientEarlyTrafficSecret       = "c e traffic"
	labelEarlyExporterSecret            = "e exp master"
	labelDerived                        = "derived"
	labelClientHandshakeTrafficSecret   = "c hs traffic"
	labelServerHandshakeTrafficSecret   = "s hs traffic"
	labelClientApplicationTrafficSecret = "c ap traffic"
	labelServerApplicationTrafficSecret = "s ap traffic"
	labelExporterSecret                 = "exp master"
	labelResumptionSecret               = "res master"
	labelFinished                       = "finished"
	labelForKey                         = "key"
	labelForIV                          = "iv"
	labelTrafficUpdate                  = "traffic upd"
	labelResumption                     = "resumption"
	labelExporter                       = "exporter"
)

// deriveSecret is Derive-Secret from RFC 8446, Section 7.1: an
// HKDF-Expand-Label whose context is a transcript hash snapshot.
func deriveSecret(params CipherSuiteParams, secret []byte, label string, transcriptHash []byte) []byte {
	return HkdfExpandLabel(params.Hash, secret, label, transcriptHash, params.Hash.Size())
}

// scheduleStage tracks how far down the secret tree we have derived.  Stages
// only move forward; deriving out of order is an integration bug and panics.
type scheduleStage uint8

const (
	stageInit scheduleStage = iota
	stageEarly
	stageHandshake
	stageMaster
	stageResumption
)

// keySchedule owns the TLS 1.3 secret tree for one handshake.  It is a pure
// function of {digest, PSK-or-zero, DHE-or-zero, transcript snapshots}: for
// fixed inputs every derived secret is byte-identical across runs.  All
// secrets are wiped on Wipe(); the schedule owns its buffers exclusively.
type keySchedule struct {
	params CipherSuiteParams
	stage  scheduleStage

	earlySecret     []byte
	binderKey       []byte
	handshakeSecret []byte
	masterSecret    []byte

	clientEarlyTrafficSecret []byte
	earlyExporterSecret      []byte

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte

	clientTrafficSecret []byte
	serverTrafficSecret []byte
	exporterSecret      []byte
	resumptionSecret    []byte
}

func newKeySchedule(params CipherSuiteParams) *keySchedule {
	return &keySchedule{params: params}
}

func (ks *keySchedule) requireStage(s scheduleStage) {
	if ks.stage != s {
		panic("weft: key schedule invoked out of order")
	}
}

// DeriveEarlySecrets computes
//
//	early_secret = HKDF-Extract(salt=0, ikm=psk_or_zero)
//
// plus the binder key.  The binder key is needed before the full ClientHello
// exists, so the 0-RTT traffic secrets are split into
// DeriveEarlyTrafficSecrets below.  The early secret is derived even for
// handshakes that will not use a PSK; it is the parent of the handshake
// secret.
func (ks *keySchedule) DeriveEarlySecrets(psk []byte, isResumption bool) {
	ks.requireStage(stageInit)

	ks.earlySecret = HkdfExtract(ks.params.Hash, nil, psk)
	logf(logTypeCrypto, "early secret: [%d] %x", len(ks.earlySecret), ks.earlySecret)

	binderLabel := labelExternalBinder
	if isResumption {
		binderLabel = labelResumptionBinder
	}
	ks.binderKey = deriveSecret(ks.params, ks.earlySecret, binderLabel, emptyHash(ks.params.Hash))
	ks.stage = stageEarly
}

// DeriveEarlyTrafficSecrets computes the 0-RTT traffic and early exporter
// secrets at the full-ClientHello transcript point.  Only called when early
// data is in play; does not advance the stage.
func (ks *keySchedule) DeriveEarlyTrafficSecrets(chHash []byte) {
	ks.requireStage(stageEarly)
	ks.clientEarlyTrafficSecret = deriveSecret(ks.params, ks.earlySecret, labelClientEarlyTrafficSecret, chHash)
	ks.earlyExporterSecret = deriveSecret(ks.params, ks.earlySecret, labelEarlyExporterSecret, chHash)
}

// DeriveHandshakeSecrets computes
//
//	handshake_secret = HKDF-Extract(salt=Derive-Secret(early, "derived", ""), ikm=dhe_or_zero)
//
// and the two handshake traffic secrets at the ClientHello..ServerHello
// transcript point.
func (ks *keySchedule) DeriveHandshakeSecrets(dheSecret []byte, chShHash []byte) {
	ks.requireStage(stageEarly)

	salt := deriveSecret(ks.params, ks.earlySecret, labelDerived, emptyHash(ks.params.Hash))
	ks.handshakeSecret = HkdfExtract(ks.params.Hash, salt, dheSecret)
	wipe(salt)
	logf(logTypeCrypto, "handshake secret: [%d] %x", len(ks.handshakeSecret), ks.handshakeSecret)

	ks.clientHandshakeTrafficSecret = deriveSecret(ks.params, ks.handshakeSecret, labelClientHandshakeTrafficSecret, chShHash)
	ks.serverHandshakeTrafficSecret = deriveSecret(ks.params, ks.handshakeSecret, labelServerHandshakeTrafficSecret, chShHash)
	ks.stage = stageHandshake
}

// DeriveMasterSecrets computes
//
//	master_secret = HKDF-Extract(salt=Derive-Secret(handshake, "derived", ""), ikm=0)
//
// and the application traffic and exporter secrets at the transcript point
// through the server Finished.  All secrets for the application epoch are
// derived here atomically, before any application key is installed.
func (ks *keySchedule) DeriveMasterSecrets(serverFinishedHash []byte) {
	ks.requireStage(stageHandshake)

	salt := deriveSecret(ks.params, ks.handshakeSecret, labelDerived, emptyHash(ks.params.Hash))
	ks.masterSecret = HkdfExtract(ks.params.Hash, salt, nil)
	wipe(salt)
	logf(logTypeCrypto, "master secret: [%d] %x", len(ks.masterSecret), ks.masterSecret)

	ks.clientTrafficSecret = deriveSecret(ks.params, ks.masterSecret, labelClientApplicationTrafficSecret, serverFinishedHash)
	ks.serverTrafficSecret = deriveSecret(ks.params, ks.masterSecret, labelServerApplicationTrafficSecret, serverFinishedHash)
	ks.exporterSecret = deriveSecret(ks.params, ks.masterSecret, labelExporterSecret, serverFinishedHash)
	ks.stage = stageMaster
}

// DeriveResumptionSecret completes the tree at the transcript point through
// the client Finished.
func (ks *keySchedule) DeriveResumptionSecret(clientFinishedHash []byte) {
	ks.requireStage(stageMaster)
	ks.resumptionSecret = deriveSecret(ks.params, ks.masterSecret, labelResumptionSecret, clientFinishedHash)
	ks.stage = stageResumption
}

// Wipe zeroes every secret the schedule owns.  Partial trees (an aborted
// handshake) wipe whatever was derived so far.
func (ks *keySchedule) Wipe() {
	for _, s := range [][]byte{
		ks.earlySecret, ks.binderKey, ks.handshakeSecret, ks.masterSecret,
		ks.clientEarlyTrafficSecret, ks.earlyExporterSecret,
		ks.clientHandshakeTrafficSecret, ks.serverHandshakeTrafficSecret,
		ks.clientTrafficSecret, ks.serverTrafficSecret,
		ks.exporterSecret, ks.resumptionSecret,
	} {
		wipe(s)
	}
}

// updateTrafficSecret is the RFC 8446 Section 7.2 rotation:
//
//	next = HKDF-Expand-Label(current, "traffic upd", "", Hash.length)
//
// No new transcript input.  The previous value is erased.
func updateTrafficSecret(params CipherSuiteParams, current []byte) []byte {
	next := HkdfExpandLabel(params.Hash, current, labelTrafficUpdate, []byte{}, params.Hash.Size())
	wipe(current)
	return next
}

// computeExporter is the two-stage exporter expansion from RFC 8446,
// Section 7.5.
func computeExporter(params CipherSuiteParams, exporterSecret []byte, label string, context []byte, keyLength int) []byte {
	secret := HkdfExpandLabel(params.Hash, exporterSecret, label, emptyHash(params.Hash), params.Hash.Size())
	defer wipe(secret)

	h := params.Hash.New()
	h.Write(context)
	return HkdfExpandLabel(params.Hash, secret, labelExporter, h.Sum(nil), keyLength)
}

// resumptionPSK derives the PSK for a ticket nonce from the resumption
// master secret (RFC 8446, Section 4.6.1).
func resumptionPSK(params CipherSuiteParams, resumptionSecret, ticketNonce []byte) []byte {
	return HkdfExpandLabel(params.Hash, resumptionSecret, labelResumption, ticketNonce, params.Hash.Size())
}

func emptyHash(hash crypto.Hash) []byte {
	h := hash.New()
	return h.Sum(nil)
}
