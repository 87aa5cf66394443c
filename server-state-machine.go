package weft

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"time"
)

// Server state machine:
//
//	START -> NEGOTIATED -> [WAIT_EOED] -> WAIT_FLIGHT2
//	      -> [WAIT_CERT -> WAIT_CV] -> WAIT_FINISHED -> CONNECTED
//
// START is the handoff point: with handoff enabled the machine pauses right
// after ClientHello negotiation, before any key derivation, so the handshake
// can be serialized and completed in another process.

// Bound on trial-decryption failures tolerated while discarding a rejected
// 0-RTT stream.  Each rejected record costs one AEAD open.
const maxRejectedEarlyDataRecords = 64

type serverStateStart struct {
	Config *Config
	hsCtx  *HandshakeContext
}

var _ HandshakeState = &serverStateStart{}

func (state serverStateStart) State() State { return StateServerStart }

func (state serverStateStart) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert.IsSuspension() {
		return state, nil, alert
	}
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.Type() != HandshakeTypeClientHello {
		return nil, nil, AlertUnexpectedMessage
	}

	ch := &ClientHelloBody{}
	if _, err := ch.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ServerStateStart] Error decoding ClientHello: %v", err)
		return nil, nil, AlertDecodeError
	}

	offers13 := false
	for _, version := range ch.SupportedVersions {
		offers13 = offers13 || version == supportedVersion
	}
	if !offers13 {
		logf(logTypeNegotiation, "[ServerStateStart] Client did not offer TLS 1.3")
		return nil, nil, AlertProtocolVersion
	}

	// Cipher suite: server preference order over the client's list.
	var params CipherSuiteParams
	suiteChosen := false
	for _, suite := range state.Config.CipherSuites {
		candidate, known := state.hsCtx.registry.Lookup(suite)
		if !known {
			continue
		}
		for _, offered := range ch.CipherSuites {
			if offered == suite {
				params = candidate
				suiteChosen = true
				break
			}
		}
		if suiteChosen {
			break
		}
	}
	if !suiteChosen {
		logf(logTypeNegotiation, "[ServerStateStart] No common cipher suite")
		return nil, nil, AlertHandshakeFailure
	}

	// PSK selection and binder verification.  The PSK's suite digest must
	// match the negotiated suite's digest.
	var psk *PreSharedKey
	var earlySchedule *keySchedule
	pskIndex := 0
	if state.Config.PSKs != nil {
		for i, id := range ch.PSKIdentities {
			key, ok := state.Config.PSKs.Get(string(id.Identity))
			if !ok || !time.Now().Before(key.ExpiresAt) {
				continue
			}
			pskParams, known := state.hsCtx.registry.Lookup(key.CipherSuite)
			if !known || pskParams.Hash != params.Hash {
				continue
			}
			psk = &key
			pskIndex = i
			break
		}
	}
	if psk != nil {
		if len(ch.PSKBinders) != len(ch.PSKIdentities) {
			return nil, nil, AlertIllegalParameter
		}
		earlySchedule = newKeySchedule(params)
		earlySchedule.DeriveEarlySecrets(psk.Key, psk.IsResumption)
		state.hsCtx.schedule = earlySchedule

		th := params.Hash.New()
		th.Write(ch.TruncatedForBinders(hm.Marshal()))
		expected := computeFinishedData(params, earlySchedule.binderKey, th.Sum(nil))
		if !hmac.Equal(expected, ch.PSKBinders[pskIndex]) {
			logf(logTypeHandshake, "[ServerStateStart] PSK binder verification failure")
			return nil, nil, AlertDecryptError
		}
		logf(logTypeNegotiation, "[ServerStateStart] Accepted PSK identity %d", pskIndex)
	}

	// Key-share group: server preference over groups the client both
	// supports and sent a share for.  No HelloRetryRequest; a client that
	// supports a group but withheld its share does not get a second chance.
	var clientShare *KeyShareEntry
	for _, group := range state.Config.Groups {
		supported := false
		for _, g := range ch.SupportedGroups {
			supported = supported || g == group
		}
		if !supported {
			continue
		}
		for i := range ch.KeyShares {
			if ch.KeyShares[i].Group == group {
				clientShare = &ch.KeyShares[i]
				break
			}
		}
		if clientShare != nil {
			break
		}
	}
	if clientShare == nil {
		logf(logTypeNegotiation, "[ServerStateStart] No usable key share")
		return nil, nil, AlertHandshakeFailure
	}

	nextProto := ""
	if len(ch.ALPNProtocols) > 0 && len(state.Config.NextProtos) > 0 {
		for _, proto := range state.Config.NextProtos {
			for _, offered := range ch.ALPNProtocols {
				if offered == proto {
					nextProto = proto
					break
				}
			}
			if nextProto != "" {
				break
			}
		}
		if nextProto == "" {
			return nil, nil, AlertNoApplicationProtocol
		}
	}

	usingEarlyData := ch.EarlyData && psk != nil && pskIndex == 0 && state.Config.AllowEarlyData

	state.hsCtx.transcript.InitHash(params.Hash)

	logf(logTypeNegotiation, "[ServerStateStart] Negotiated suite=%v group=%v psk=%v early=%v alpn=%q",
		params.Suite, clientShare.Group, psk != nil, usingEarlyData, nextProto)

	next := serverStateNegotiated{
		Config: state.Config,
		Params: ConnectionParameters{
			UsingPSK:          psk != nil,
			UsingDH:           true,
			UsingEarlyData:    usingEarlyData,
			RejectedEarlyData: ch.EarlyData && !usingEarlyData,
			CipherSuite:       params.Suite,
			NegotiatedGroup:   clientShare.Group,
			ServerName:        ch.ServerName,
			NextProto:         nextProto,
		},
		hsCtx:           state.hsCtx,
		cryptoParams:    params,
		legacySessionID: ch.LegacySessionID,
		clientRandom:    ch.Random,
		clientShare:     clientShare,
		clientSchemes:   ch.SignatureSchemes,
		psk:             psk,
		pskIndex:        uint16(pskIndex),
		earlySchedule:   earlySchedule,
	}

	if state.Config.EnableHandoff {
		logf(logTypeHandoff, "[ServerStateStart] Pausing at handoff point")
		return next, nil, AlertHandoffPaused
	}
	return next.Next(nil)
}

type serverStateNegotiated struct {
	Config          *Config
	Params          ConnectionParameters
	hsCtx           *HandshakeContext
	cryptoParams    CipherSuiteParams
	legacySessionID []byte
	clientRandom    [randomLen]byte
	clientShare     *KeyShareEntry
	clientSchemes   []SignatureScheme
	psk             *PreSharedKey
	pskIndex        uint16
	earlySchedule   *keySchedule

	// Progress across an AlertPendingOperation suspension from the signer.
	// ServerHello, shared secret, and schedule must not be regenerated.
	sh        *HandshakeMessage
	dheSecret []byte
	schedule  *keySchedule
	flight    []*HandshakeMessage
}

var _ HandshakeState = &serverStateNegotiated{}

func (state serverStateNegotiated) State() State { return StateServerNegotiated }

func (state serverStateNegotiated) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	params := state.cryptoParams

	if state.schedule == nil {
		schedule := state.earlySchedule
		if schedule == nil {
			schedule = newKeySchedule(params)
			if state.psk != nil {
				schedule.DeriveEarlySecrets(state.psk.Key, state.psk.IsResumption)
			} else {
				schedule.DeriveEarlySecrets(nil, false)
			}
		}
		state.hsCtx.schedule = schedule
		if state.Params.UsingEarlyData {
			schedule.DeriveEarlyTrafficSecrets(state.hsCtx.transcript.Snapshot())
		}

		response, dheSecret, err := keyShareRespond(state.clientShare.Group, state.clientShare.KeyExchange)
		if err != nil {
			logf(logTypeCrypto, "[ServerStateNegotiated] Key exchange failure: %v", err)
			return nil, nil, AlertIllegalParameter
		}

		sh := &ServerHelloBody{
			SessionID:   state.legacySessionID,
			CipherSuite: params.Suite,
			KeyShare:    &KeyShareEntry{Group: state.clientShare.Group, KeyExchange: response},
			UsingPSK:    state.psk != nil,
			PSKIdentity: state.pskIndex,
		}
		if _, err := rand.Read(sh.Random[:]); err != nil {
			return nil, nil, AlertInternalError
		}
		shm, err := state.hsCtx.hOut.HandshakeMessageFromBody(sh)
		if err != nil {
			return nil, nil, AlertInternalError
		}

		schedule.DeriveHandshakeSecrets(dheSecret, hashWithPending(params, state.hsCtx.transcript, shm))

		state.sh = shm
		state.dheSecret = dheSecret
		state.schedule = schedule
	}
	schedule := state.schedule
	clientAuthRequested := state.psk == nil && state.Config.RequireClientAuth

	if state.flight == nil {
		var flight []*HandshakeMessage
		queue := func(body HandshakeMessageBody) Alert {
			m, err := state.hsCtx.hOut.HandshakeMessageFromBody(body)
			if err != nil {
				logf(logTypeHandshake, "[ServerStateNegotiated] Error marshaling %v: %v", body.Type(), err)
				return AlertInternalError
			}
			flight = append(flight, m)
			return AlertNoAlert
		}

		if alert := queue(&EncryptedExtensionsBody{
			ALPNProtocol:      state.Params.NextProto,
			EarlyDataAccepted: state.Params.UsingEarlyData,
		}); alert != AlertNoAlert {
			return nil, nil, alert
		}

		if state.psk == nil {
			if clientAuthRequested {
				if alert := queue(&CertificateRequestBody{
					SignatureSchemes: state.Config.SignatureSchemes,
				}); alert != AlertNoAlert {
					return nil, nil, alert
				}
			}

			cert := state.Config.certificateFor(state.Params.ServerName)
			if cert == nil {
				logf(logTypeHandshake, "[ServerStateNegotiated] No certificate for %q", state.Params.ServerName)
				return nil, nil, AlertInternalError
			}
			certBody := &CertificateBody{}
			for _, entry := range cert.Chain {
				certBody.CertificateList = append(certBody.CertificateList, entry.Raw)
			}
			if alert := queue(certBody); alert != AlertNoAlert {
				return nil, nil, alert
			}

			scheme, err := schemeForSigner(cert.PrivateKey)
			if err != nil {
				logf(logTypeHandshake, "[ServerStateNegotiated] %v", err)
				return nil, nil, AlertInternalError
			}
			if len(state.clientSchemes) > 0 {
				offered := false
				for _, s := range state.clientSchemes {
					offered = offered || s == scheme
				}
				if !offered {
					return nil, nil, AlertHandshakeFailure
				}
			}

			pending := append([]*HandshakeMessage{state.sh}, flight...)
			signedHash := hashWithPending(params, state.hsCtx.transcript, pending...)
			sig, err := signCertificateVerify(cert.PrivateKey, scheme, true, signedHash)
			if errors.Is(err, ErrOperationPending) {
				return state, nil, AlertPendingOperation
			}
			if err != nil {
				logf(logTypeHandshake, "[ServerStateNegotiated] Signing failure: %v", err)
				return nil, nil, AlertInternalError
			}
			if alert := queue(&CertificateVerifyBody{Algorithm: scheme, Signature: sig}); alert != AlertNoAlert {
				return nil, nil, alert
			}
		}

		pending := append([]*HandshakeMessage{state.sh}, flight...)
		finHash := hashWithPending(params, state.hsCtx.transcript, pending...)
		if alert := queue(&FinishedBody{
			VerifyDataLen: params.Hash.Size(),
			VerifyData:    computeFinishedData(params, schedule.serverHandshakeTrafficSecret, finHash),
		}); alert != AlertNoAlert {
			return nil, nil, alert
		}

		// Everything for the application epoch derives here, before any
		// application key is installed.
		pending = append([]*HandshakeMessage{state.sh}, flight...)
		schedule.DeriveMasterSecrets(hashWithPending(params, state.hsCtx.transcript, pending...))
		state.flight = flight
	}

	serverHsKeys := makeTrafficKeys(params, schedule.serverHandshakeTrafficSecret)
	clientHsKeys := makeTrafficKeys(params, schedule.clientHandshakeTrafficSecret)
	serverApKeys := makeTrafficKeys(params, schedule.serverTrafficSecret)

	toSend := []HandshakeAction{
		QueueHandshakeMessage{state.sh},
		SendQueuedHandshake{},
		RekeyOut{epoch: EpochHandshakeData, KeySet: serverHsKeys},
	}
	if state.Params.UsingEarlyData {
		toSend = append(toSend, RekeyIn{
			epoch:  EpochEarlyData,
			KeySet: makeTrafficKeys(params, schedule.clientEarlyTrafficSecret),
		})
	} else {
		toSend = append(toSend, RekeyIn{epoch: EpochHandshakeData, KeySet: clientHsKeys})
	}
	for _, m := range state.flight {
		toSend = append(toSend, QueueHandshakeMessage{m})
	}
	toSend = append(toSend,
		SendQueuedHandshake{},
		RekeyOut{epoch: EpochApplicationData, KeySet: serverApKeys},
	)

	if state.Params.UsingEarlyData {
		state.hsCtx.hIn.earlyDataSink = state.hsCtx.receiveEarlyData(state.Config.MaxEarlyDataLen)
		logf(logTypeHandshake, "[ServerStateNegotiated] -> [ServerStateWaitEOED]")
		next := serverStateWaitEOED{
			Config:       state.Config,
			Params:       state.Params,
			hsCtx:        state.hsCtx,
			cryptoParams: params,
			schedule:     schedule,
			dheSecret:    state.dheSecret,
			psk:          state.psk,
		}
		return next, toSend, AlertNoAlert
	}

	logf(logTypeHandshake, "[ServerStateNegotiated] -> [ServerStateWaitFlight2]")
	next := serverStateWaitFlight2{
		Config:              state.Config,
		Params:              state.Params,
		hsCtx:               state.hsCtx,
		cryptoParams:        params,
		schedule:            schedule,
		clientAuthRequested: clientAuthRequested,
		dheSecret:           state.dheSecret,
		psk:                 state.psk,
	}
	return next, toSend, AlertNoAlert
}

type serverStateWaitEOED struct {
	Config       *Config
	Params       ConnectionParameters
	hsCtx        *HandshakeContext
	cryptoParams CipherSuiteParams
	schedule     *keySchedule
	dheSecret    []byte
	psk          *PreSharedKey
}

var _ HandshakeState = &serverStateWaitEOED{}

func (state serverStateWaitEOED) State() State { return StateServerWaitEOED }

func (state serverStateWaitEOED) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert.IsSuspension() {
		return state, nil, alert
	}
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.Type() != HandshakeTypeEndOfEarlyData {
		return nil, nil, AlertUnexpectedMessage
	}
	if _, err := (&EndOfEarlyDataBody{}).Unmarshal(hm.body); err != nil {
		return nil, nil, AlertDecodeError
	}

	state.hsCtx.hIn.earlyDataSink = nil
	logf(logTypeHandshake, "[ServerStateWaitEOED] 0-RTT stream closed (%d bytes buffered)",
		len(state.hsCtx.earlyData))

	clientHsKeys := makeTrafficKeys(state.cryptoParams, state.schedule.clientHandshakeTrafficSecret)
	toSend := []HandshakeAction{RekeyIn{epoch: EpochHandshakeData, KeySet: clientHsKeys}}

	logf(logTypeHandshake, "[ServerStateWaitEOED] -> [ServerStateWaitFlight2]")
	next := serverStateWaitFlight2{
		Config:       state.Config,
		Params:       state.Params,
		hsCtx:        state.hsCtx,
		cryptoParams: state.cryptoParams,
		schedule:     state.schedule,
		dheSecret:    state.dheSecret,
		psk:          state.psk,
	}
	return next, toSend, AlertNoAlert
}

type serverStateWaitFlight2 struct {
	Config              *Config
	Params              ConnectionParameters
	hsCtx               *HandshakeContext
	cryptoParams        CipherSuiteParams
	schedule            *keySchedule
	clientAuthRequested bool
	dheSecret           []byte
	psk                 *PreSharedKey

	// Records discarded from a rejected 0-RTT stream so far.
	skippedRecords int
}

var _ HandshakeState = &serverStateWaitFlight2{}

func (state serverStateWaitFlight2) State() State { return StateServerWaitFlight2 }

func (state serverStateWaitFlight2) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	for {
		expectedFinHash := state.hsCtx.transcript.Snapshot()

		hm, alert := hr.ReadMessage()
		if alert == AlertBadRecordMAC && state.Params.RejectedEarlyData &&
			state.skippedRecords < maxRejectedEarlyDataRecords {
			// Rejected 0-RTT records are sealed under keys we never derived;
			// discard them until the client's real flight decrypts.
			state.skippedRecords++
			logf(logTypeHandshake, "[ServerStateWaitFlight2] Skipped rejected early data record %d",
				state.skippedRecords)
			continue
		}
		if alert.IsSuspension() {
			return state, nil, alert
		}
		if alert != AlertNoAlert {
			return nil, nil, alert
		}

		switch hm.Type() {
		case HandshakeTypeCertificate:
			if !state.clientAuthRequested {
				return nil, nil, AlertUnexpectedMessage
			}
			return state.handleCertificate(hm)

		case HandshakeTypeFinished:
			if state.clientAuthRequested {
				// The client must answer a CertificateRequest with a
				// Certificate message, even an empty one.
				return nil, nil, AlertUnexpectedMessage
			}
			waitFin := serverStateWaitFinished{
				Config:       state.Config,
				Params:       state.Params,
				hsCtx:        state.hsCtx,
				cryptoParams: state.cryptoParams,
				schedule:     state.schedule,
				dheSecret:    state.dheSecret,
			}
			return waitFin.handleFinished(hm, expectedFinHash)
		}
		return nil, nil, AlertUnexpectedMessage
	}
}

func (state serverStateWaitFlight2) handleCertificate(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	certBody := &CertificateBody{}
	if _, err := certBody.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ServerStateWaitFlight2] Error decoding Certificate: %v", err)
		return nil, nil, AlertDecodeError
	}

	if len(certBody.CertificateList) == 0 {
		if state.Config.RequireClientAuth {
			logf(logTypeHandshake, "[ServerStateWaitFlight2] Client declined required authentication")
			return nil, nil, AlertCertificateRequired
		}
		next := serverStateWaitFinished{
			Config:       state.Config,
			Params:       state.Params,
			hsCtx:        state.hsCtx,
			cryptoParams: state.cryptoParams,
			schedule:     state.schedule,
			dheSecret:    state.dheSecret,
		}
		return next, nil, AlertNoAlert
	}

	certs := make([]*x509.Certificate, 0, len(certBody.CertificateList))
	for _, der := range certBody.CertificateList {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			logf(logTypeHandshake, "[ServerStateWaitFlight2] Certificate parse failure: %v", err)
			return nil, nil, AlertBadCertificate
		}
		certs = append(certs, cert)
	}

	logf(logTypeHandshake, "[ServerStateWaitFlight2] -> [ServerStateWaitCV]")
	next := serverStateWaitCV{
		Config:           state.Config,
		Params:           state.Params,
		hsCtx:            state.hsCtx,
		cryptoParams:     state.cryptoParams,
		schedule:         state.schedule,
		dheSecret:        state.dheSecret,
		psk:              state.psk,
		peerCertificates: certs,
		handshakeHash:    state.hsCtx.transcript.Snapshot(),
	}
	if state.Config.EnableHandoff {
		// Handback checkpoint: client certificate received, its
		// CertificateVerify not yet processed.
		logf(logTypeHandoff, "[ServerStateWaitFlight2] Pausing at client-certificate checkpoint")
		return next, nil, AlertHandoffPaused
	}
	return next, nil, AlertNoAlert
}

type serverStateWaitCV struct {
	Config           *Config
	Params           ConnectionParameters
	hsCtx            *HandshakeContext
	cryptoParams     CipherSuiteParams
	schedule         *keySchedule
	dheSecret        []byte
	psk              *PreSharedKey
	peerCertificates []*x509.Certificate

	// handshakeHash is the transcript point the client's signature covers:
	// everything through its Certificate message.
	handshakeHash []byte

	certVerify     *CertificateVerifyBody
	chainsVerified bool
	verifiedChains [][]*x509.Certificate
}

var _ HandshakeState = &serverStateWaitCV{}

func (state serverStateWaitCV) State() State { return StateServerWaitCV }

func (state serverStateWaitCV) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	if state.certVerify == nil {
		hm, alert := hr.ReadMessage()
		if alert.IsSuspension() {
			return state, nil, alert
		}
		if alert != AlertNoAlert {
			return nil, nil, alert
		}
		if hm.Type() != HandshakeTypeCertificateVerify {
			return nil, nil, AlertUnexpectedMessage
		}

		cv := &CertificateVerifyBody{}
		if _, err := cv.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[ServerStateWaitCV] Error decoding CertificateVerify: %v", err)
			return nil, nil, AlertDecodeError
		}
		state.certVerify = cv
	}

	if !state.chainsVerified {
		chains, err := state.Config.verifyPeerChain(state.peerCertificates, "")
		if errors.Is(err, ErrOperationPending) {
			return state, nil, AlertPendingOperation
		}
		if err != nil {
			logf(logTypeHandshake, "[ServerStateWaitCV] Chain verification failure: %v", err)
			return nil, nil, AlertBadCertificate
		}
		state.chainsVerified = true
		state.verifiedChains = chains
	}

	leaf := state.peerCertificates[0]
	err := verifyCertificateVerify(leaf.PublicKey, state.certVerify.Algorithm, false,
		state.handshakeHash, state.certVerify.Signature)
	if err != nil {
		logf(logTypeHandshake, "[ServerStateWaitCV] Signature verification failure: %v", err)
		return nil, nil, AlertDecryptError
	}
	state.Params.UsingClientAuth = true

	logf(logTypeHandshake, "[ServerStateWaitCV] -> [ServerStateWaitFinished]")
	next := serverStateWaitFinished{
		Config:           state.Config,
		Params:           state.Params,
		hsCtx:            state.hsCtx,
		cryptoParams:     state.cryptoParams,
		schedule:         state.schedule,
		dheSecret:        state.dheSecret,
		peerCertificates: state.peerCertificates,
		verifiedChains:   state.verifiedChains,
	}
	return next, nil, AlertNoAlert
}

type serverStateWaitFinished struct {
	Config           *Config
	Params           ConnectionParameters
	hsCtx            *HandshakeContext
	cryptoParams     CipherSuiteParams
	schedule         *keySchedule
	dheSecret        []byte
	peerCertificates []*x509.Certificate
	verifiedChains   [][]*x509.Certificate
}

var _ HandshakeState = &serverStateWaitFinished{}

func (state serverStateWaitFinished) State() State { return StateServerWaitFinished }

func (state serverStateWaitFinished) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	expectedHash := state.hsCtx.transcript.Snapshot()

	hm, alert := hr.ReadMessage()
	if alert.IsSuspension() {
		return state, nil, alert
	}
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.Type() != HandshakeTypeFinished {
		return nil, nil, AlertUnexpectedMessage
	}
	return state.handleFinished(hm, expectedHash)
}

func (state serverStateWaitFinished) handleFinished(hm *HandshakeMessage, expectedHash []byte) (HandshakeState, []HandshakeAction, Alert) {
	params := state.cryptoParams
	schedule := state.schedule

	fin := &FinishedBody{VerifyDataLen: params.Hash.Size()}
	if _, err := fin.Unmarshal(hm.body); err != nil {
		return nil, nil, AlertDecodeError
	}
	if !verifyFinishedData(params, schedule.clientHandshakeTrafficSecret, expectedHash, fin.VerifyData) {
		logf(logTypeHandshake, "[ServerStateWaitFinished] Client Finished verification failure")
		return nil, nil, AlertDecryptError
	}

	schedule.DeriveResumptionSecret(state.hsCtx.transcript.Snapshot())
	wipe(state.dheSecret)

	clientApKeys := makeTrafficKeys(params, schedule.clientTrafficSecret)
	toSend := []HandshakeAction{RekeyIn{epoch: EpochApplicationData, KeySet: clientApKeys}}

	logf(logTypeHandshake, "[ServerStateWaitFinished] -> [StateConnected]")
	next := &stateConnected{
		Params:              state.Params,
		hsCtx:               state.hsCtx,
		isClient:            false,
		cryptoParams:        params,
		resumptionSecret:    dup(schedule.resumptionSecret),
		clientTrafficSecret: dup(schedule.clientTrafficSecret),
		serverTrafficSecret: dup(schedule.serverTrafficSecret),
		exporterSecret:      dup(schedule.exporterSecret),
		peerCertificates:    state.peerCertificates,
		verifiedChains:      state.verifiedChains,
	}
	return next, toSend, AlertNoAlert
}
