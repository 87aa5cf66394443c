package weft

import (
	"bytes"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"time"
)

// Client state machine:
//
//	START -> WAIT_SH -> WAIT_EE -> [WAIT_CERT_CR -> WAIT_CERT -> WAIT_CV]
//	      -> WAIT_FINISHED -> CONNECTED
//
// The bracketed states are skipped on a PSK handshake.  Every state may
// return a suspension alert and be re-entered with its progress intact.

type clientStateStart struct {
	Config *Config
	Opts   ConnectionOptions
	hsCtx  *HandshakeContext
}

var _ HandshakeState = &clientStateStart{}

func (state clientStateStart) State() State { return StateClientStart }

func (state clientStateStart) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	ch := &ClientHelloBody{
		LegacySessionID:  make([]byte, 32),
		SupportedGroups:  state.Config.Groups,
		SignatureSchemes: state.Config.SignatureSchemes,
		ALPNProtocols:    state.Opts.NextProtos,
		ServerName:       state.Opts.ServerName,
	}
	if _, err := rand.Read(ch.Random[:]); err != nil {
		return nil, nil, AlertInternalError
	}
	if _, err := rand.Read(ch.LegacySessionID); err != nil {
		return nil, nil, AlertInternalError
	}

	privateShares := map[NamedGroup]*keySharePrivate{}
	for _, group := range state.Config.Groups {
		pub, priv, err := newKeyShare(group)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] Error generating key share for %v: %v", group, err)
			return nil, nil, AlertInternalError
		}
		ch.KeyShares = append(ch.KeyShares, KeyShareEntry{Group: group, KeyExchange: pub})
		privateShares[group] = priv
	}

	// PSK lookup.  When offering a PSK every offered suite must share the
	// PSK's digest, so the transcript hash can be fixed now.
	var offeredPSK *PreSharedKey
	var earlySchedule *keySchedule
	ch.CipherSuites = state.Config.CipherSuites
	if state.Config.PSKs != nil {
		if key, ok := state.Config.PSKs.Get(state.Opts.ServerName); ok && time.Now().Before(key.ExpiresAt) {
			if pskParams, ok := state.hsCtx.registry.Lookup(key.CipherSuite); ok {
				offeredPSK = &key
				ch.CipherSuites = nil
				for _, suite := range state.Config.CipherSuites {
					if params, ok := state.hsCtx.registry.Lookup(suite); ok && params.Hash == pskParams.Hash {
						ch.CipherSuites = append(ch.CipherSuites, suite)
					}
				}

				age := uint32(0)
				if key.IsResumption {
					age = uint32(time.Since(key.ReceivedAt).Milliseconds()) + key.TicketAgeAdd
				}
				ch.PSKIdentities = []PSKIdentity{{Identity: key.Identity, ObfuscatedTicketAge: age}}
				ch.PSKBinders = [][]byte{make([]byte, pskParams.Hash.Size())}
				ch.EarlyData = len(state.Opts.EarlyData) > 0 &&
					uint32(len(state.Opts.EarlyData)) <= key.MaxEarlyData

				earlySchedule = newKeySchedule(pskParams)
				earlySchedule.DeriveEarlySecrets(key.Key, key.IsResumption)
				state.hsCtx.schedule = earlySchedule
			}
		}
	}
	if len(ch.CipherSuites) == 0 {
		return nil, nil, AlertInternalError
	}

	chm, err := state.hsCtx.hOut.HandshakeMessageFromBody(ch)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateStart] Error marshaling ClientHello: %v", err)
		return nil, nil, AlertInternalError
	}

	if offeredPSK != nil {
		pskParams := state.hsCtx.registry.mustLookup(offeredPSK.CipherSuite)

		// Binder over the truncated ClientHello (RFC 8446, Section 4.2.11.2),
		// then re-marshal with the real value in place.
		th := pskParams.Hash.New()
		th.Write(ch.TruncatedForBinders(chm.Marshal()))
		ch.PSKBinders[0] = computeFinishedData(pskParams, earlySchedule.binderKey, th.Sum(nil))
		chm, err = state.hsCtx.hOut.HandshakeMessageFromBody(ch)
		if err != nil {
			return nil, nil, AlertInternalError
		}

		state.hsCtx.transcript.InitHash(pskParams.Hash)
	}

	toSend := []HandshakeAction{QueueHandshakeMessage{chm}, SendQueuedHandshake{}}

	if ch.EarlyData {
		pskParams := state.hsCtx.registry.mustLookup(offeredPSK.CipherSuite)
		earlySchedule.DeriveEarlyTrafficSecrets(hashWithPending(pskParams, state.hsCtx.transcript, chm))
		earlyKeys := makeTrafficKeys(pskParams, earlySchedule.clientEarlyTrafficSecret)
		toSend = append(toSend,
			RekeyOut{epoch: EpochEarlyData, KeySet: earlyKeys},
			SendEarlyData{},
		)
		logf(logTypeHandshake, "[ClientStateStart] Sending %d bytes of early data", len(state.Opts.EarlyData))
	}

	logf(logTypeHandshake, "[ClientStateStart] -> [ClientStateWaitSH]")
	next := clientStateWaitSH{
		Config:          state.Config,
		Opts:            state.Opts,
		hsCtx:           state.hsCtx,
		offeredSuites:   ch.CipherSuites,
		offeredPSK:      offeredPSK,
		earlySchedule:   earlySchedule,
		privateShares:   privateShares,
		legacySessionID: ch.LegacySessionID,
		sentEarlyData:   ch.EarlyData,
	}
	return next, toSend, AlertNoAlert
}

type clientStateWaitSH struct {
	Config          *Config
	Opts            ConnectionOptions
	hsCtx           *HandshakeContext
	offeredSuites   []CipherSuite
	offeredPSK      *PreSharedKey
	earlySchedule   *keySchedule
	privateShares   map[NamedGroup]*keySharePrivate
	legacySessionID []byte
	sentEarlyData   bool
}

var _ HandshakeState = &clientStateWaitSH{}

func (state clientStateWaitSH) State() State { return StateClientWaitSH }

func (state clientStateWaitSH) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert.IsSuspension() {
		return state, nil, alert
	}
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.Type() != HandshakeTypeServerHello {
		return nil, nil, AlertUnexpectedMessage
	}

	sh := &ServerHelloBody{}
	if _, err := sh.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] Error decoding ServerHello: %v", err)
		return nil, nil, AlertDecodeError
	}

	if !bytes.Equal(sh.SessionID, state.legacySessionID) {
		return nil, nil, AlertIllegalParameter
	}

	offered := false
	for _, suite := range state.offeredSuites {
		offered = offered || suite == sh.CipherSuite
	}
	params, known := state.hsCtx.registry.Lookup(sh.CipherSuite)
	if !offered || !known {
		logf(logTypeNegotiation, "[ClientStateWaitSH] Server chose unoffered suite %v", sh.CipherSuite)
		return nil, nil, AlertIllegalParameter
	}

	if sh.KeyShare == nil {
		return nil, nil, AlertMissingExtension
	}
	priv, ok := state.privateShares[sh.KeyShare.Group]
	if !ok {
		return nil, nil, AlertIllegalParameter
	}
	dheSecret, err := keyShareFinish(priv, sh.KeyShare.KeyExchange)
	if err != nil {
		logf(logTypeCrypto, "[ClientStateWaitSH] Key exchange failure: %v", err)
		return nil, nil, AlertIllegalParameter
	}

	usingPSK := false
	if sh.UsingPSK {
		if state.offeredPSK == nil || sh.PSKIdentity != 0 {
			return nil, nil, AlertIllegalParameter
		}
		usingPSK = true
	}

	state.hsCtx.transcript.InitHash(params.Hash)

	var schedule *keySchedule
	if usingPSK {
		schedule = state.earlySchedule
	} else {
		if state.earlySchedule != nil {
			state.earlySchedule.Wipe()
		}
		schedule = newKeySchedule(params)
		schedule.DeriveEarlySecrets(nil, false)
	}
	state.hsCtx.schedule = schedule

	schedule.DeriveHandshakeSecrets(dheSecret, state.hsCtx.transcript.Snapshot())
	wipe(dheSecret)

	logf(logTypeNegotiation, "[ClientStateWaitSH] Negotiated suite=%v group=%v psk=%v",
		sh.CipherSuite, sh.KeyShare.Group, usingPSK)

	connParams := ConnectionParameters{
		UsingPSK:               usingPSK,
		UsingDH:                true,
		ClientSendingEarlyData: state.sentEarlyData,
		CipherSuite:            sh.CipherSuite,
		NegotiatedGroup:        sh.KeyShare.Group,
		ServerName:             state.Opts.ServerName,
	}

	serverHsKeys := makeTrafficKeys(params, schedule.serverHandshakeTrafficSecret)
	toSend := []HandshakeAction{RekeyIn{epoch: EpochHandshakeData, KeySet: serverHsKeys}}

	logf(logTypeHandshake, "[ClientStateWaitSH] -> [ClientStateWaitEE]")
	next := clientStateWaitEE{
		Config:       state.Config,
		Opts:         state.Opts,
		Params:       connParams,
		hsCtx:        state.hsCtx,
		cryptoParams: params,
		schedule:     schedule,
	}
	return next, toSend, AlertNoAlert
}

type clientStateWaitEE struct {
	Config       *Config
	Opts         ConnectionOptions
	Params       ConnectionParameters
	hsCtx        *HandshakeContext
	cryptoParams CipherSuiteParams
	schedule     *keySchedule
}

var _ HandshakeState = &clientStateWaitEE{}

func (state clientStateWaitEE) State() State { return StateClientWaitEE }

func (state clientStateWaitEE) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert.IsSuspension() {
		return state, nil, alert
	}
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.Type() != HandshakeTypeEncryptedExtensions {
		return nil, nil, AlertUnexpectedMessage
	}

	ee := &EncryptedExtensionsBody{}
	if _, err := ee.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitEE] Error decoding EncryptedExtensions: %v", err)
		return nil, nil, AlertDecodeError
	}

	if ee.ALPNProtocol != "" {
		offered := false
		for _, proto := range state.Opts.NextProtos {
			offered = offered || proto == ee.ALPNProtocol
		}
		if !offered {
			return nil, nil, AlertNoApplicationProtocol
		}
		state.Params.NextProto = ee.ALPNProtocol
	}

	if ee.EarlyDataAccepted && !state.Params.ClientSendingEarlyData {
		return nil, nil, AlertIllegalParameter
	}
	state.Params.UsingEarlyData = ee.EarlyDataAccepted
	state.Params.RejectedEarlyData = state.Params.ClientSendingEarlyData && !ee.EarlyDataAccepted
	if state.Params.RejectedEarlyData {
		logf(logTypeHandshake, "[ClientStateWaitEE] Server rejected early data")
	}

	if state.Params.UsingPSK {
		// No server certificate flight on a PSK handshake.
		logf(logTypeHandshake, "[ClientStateWaitEE] -> [ClientStateWaitFinished]")
		next := clientStateWaitFinished{
			Config:       state.Config,
			Opts:         state.Opts,
			Params:       state.Params,
			hsCtx:        state.hsCtx,
			cryptoParams: state.cryptoParams,
			schedule:     state.schedule,
		}
		return next, nil, AlertNoAlert
	}

	logf(logTypeHandshake, "[ClientStateWaitEE] -> [ClientStateWaitCertCR]")
	next := clientStateWaitCertCR{
		Config:       state.Config,
		Opts:         state.Opts,
		Params:       state.Params,
		hsCtx:        state.hsCtx,
		cryptoParams: state.cryptoParams,
		schedule:     state.schedule,
	}
	return next, nil, AlertNoAlert
}

type clientStateWaitCertCR struct {
	Config       *Config
	Opts         ConnectionOptions
	Params       ConnectionParameters
	hsCtx        *HandshakeContext
	cryptoParams CipherSuiteParams
	schedule     *keySchedule
}

var _ HandshakeState = &clientStateWaitCertCR{}

func (state clientStateWaitCertCR) State() State { return StateClientWaitCertCR }

func (state clientStateWaitCertCR) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert.IsSuspension() {
		return state, nil, alert
	}
	if alert != AlertNoAlert {
		return nil, nil, alert
	}

	waitCert := clientStateWaitCert{
		Config:       state.Config,
		Opts:         state.Opts,
		Params:       state.Params,
		hsCtx:        state.hsCtx,
		cryptoParams: state.cryptoParams,
		schedule:     state.schedule,
	}

	switch hm.Type() {
	case HandshakeTypeCertificateRequest:
		cr := &CertificateRequestBody{}
		if _, err := cr.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCertCR] Error decoding CertificateRequest: %v", err)
			return nil, nil, AlertDecodeError
		}
		logf(logTypeHandshake, "[ClientStateWaitCertCR] -> [ClientStateWaitCert]")
		waitCert.certRequest = cr
		return waitCert, nil, AlertNoAlert

	case HandshakeTypeCertificate:
		return waitCert.handleCertificate(hm)
	}
	return nil, nil, AlertUnexpectedMessage
}

type clientStateWaitCert struct {
	Config       *Config
	Opts         ConnectionOptions
	Params       ConnectionParameters
	hsCtx        *HandshakeContext
	cryptoParams CipherSuiteParams
	schedule     *keySchedule
	certRequest  *CertificateRequestBody
}

var _ HandshakeState = &clientStateWaitCert{}

func (state clientStateWaitCert) State() State { return StateClientWaitCert }

func (state clientStateWaitCert) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	hm, alert := hr.ReadMessage()
	if alert.IsSuspension() {
		return state, nil, alert
	}
	if alert != AlertNoAlert {
		return nil, nil, alert
	}
	if hm.Type() != HandshakeTypeCertificate {
		return nil, nil, AlertUnexpectedMessage
	}
	return state.handleCertificate(hm)
}

func (state clientStateWaitCert) handleCertificate(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	certBody := &CertificateBody{}
	if _, err := certBody.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCert] Error decoding Certificate: %v", err)
		return nil, nil, AlertDecodeError
	}
	if len(certBody.CertificateList) == 0 {
		return nil, nil, AlertBadCertificate
	}

	certs := make([]*x509.Certificate, 0, len(certBody.CertificateList))
	for _, der := range certBody.CertificateList {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCert] Certificate parse failure: %v", err)
			return nil, nil, AlertBadCertificate
		}
		certs = append(certs, cert)
	}

	logf(logTypeHandshake, "[ClientStateWaitCert] -> [ClientStateWaitCV]")
	next := clientStateWaitCV{
		Config:           state.Config,
		Opts:             state.Opts,
		Params:           state.Params,
		hsCtx:            state.hsCtx,
		cryptoParams:     state.cryptoParams,
		schedule:         state.schedule,
		certRequest:      state.certRequest,
		peerCertificates: certs,
	}
	return next, nil, AlertNoAlert
}

type clientStateWaitCV struct {
	Config           *Config
	Opts             ConnectionOptions
	Params           ConnectionParameters
	hsCtx            *HandshakeContext
	cryptoParams     CipherSuiteParams
	schedule         *keySchedule
	certRequest      *CertificateRequestBody
	peerCertificates []*x509.Certificate

	// Progress across suspensions: the signed transcript point and the
	// decoded message once read, and the verified chains once the (possibly
	// asynchronous) chain verifier has finished.
	handshakeHash  []byte
	certVerify     *CertificateVerifyBody
	chainsVerified bool
	verifiedChains [][]*x509.Certificate
}

var _ HandshakeState = &clientStateWaitCV{}

func (state clientStateWaitCV) State() State { return StateClientWaitCV }

func (state clientStateWaitCV) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	if state.certVerify == nil {
		// The signature covers the transcript through the Certificate
		// message; snapshot before the framer hashes CertificateVerify.
		signedHash := state.hsCtx.transcript.Snapshot()

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
			logf(logTypeHandshake, "[ClientStateWaitCV] Error decoding CertificateVerify: %v", err)
			return nil, nil, AlertDecodeError
		}
		state.handshakeHash = signedHash
		state.certVerify = cv
	}

	if !state.chainsVerified {
		chains, err := state.Config.verifyPeerChain(state.peerCertificates, state.Opts.ServerName)
		if errors.Is(err, ErrOperationPending) {
			return state, nil, AlertPendingOperation
		}
		if err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCV] Chain verification failure: %v", err)
			return nil, nil, AlertBadCertificate
		}
		state.chainsVerified = true
		state.verifiedChains = chains
	}

	offered := false
	for _, scheme := range state.Config.SignatureSchemes {
		offered = offered || scheme == state.certVerify.Algorithm
	}
	if !offered {
		return nil, nil, AlertIllegalParameter
	}

	leaf := state.peerCertificates[0]
	err := verifyCertificateVerify(leaf.PublicKey, state.certVerify.Algorithm, true,
		state.handshakeHash, state.certVerify.Signature)
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] Signature verification failure: %v", err)
		return nil, nil, AlertDecryptError
	}

	logf(logTypeHandshake, "[ClientStateWaitCV] -> [ClientStateWaitFinished]")
	next := clientStateWaitFinished{
		Config:           state.Config,
		Opts:             state.Opts,
		Params:           state.Params,
		hsCtx:            state.hsCtx,
		cryptoParams:     state.cryptoParams,
		schedule:         state.schedule,
		certRequest:      state.certRequest,
		peerCertificates: state.peerCertificates,
		verifiedChains:   state.verifiedChains,
	}
	return next, nil, AlertNoAlert
}

type clientStateWaitFinished struct {
	Config           *Config
	Opts             ConnectionOptions
	Params           ConnectionParameters
	hsCtx            *HandshakeContext
	cryptoParams     CipherSuiteParams
	schedule         *keySchedule
	certRequest      *CertificateRequestBody
	peerCertificates []*x509.Certificate
	verifiedChains   [][]*x509.Certificate

	// serverFinishedDone survives an ErrOperationPending suspension from the
	// client-certificate signer, so the master derivation runs exactly once.
	serverFinishedDone bool
}

var _ HandshakeState = &clientStateWaitFinished{}

func (state clientStateWaitFinished) State() State { return StateClientWaitFinished }

func (state clientStateWaitFinished) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	params := state.cryptoParams
	schedule := state.schedule

	if !state.serverFinishedDone {
		// The server MAC covers the transcript up to but excluding its own
		// Finished message.
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

		fin := &FinishedBody{VerifyDataLen: params.Hash.Size()}
		if _, err := fin.Unmarshal(hm.body); err != nil {
			return nil, nil, AlertDecodeError
		}
		if !verifyFinishedData(params, schedule.serverHandshakeTrafficSecret, expectedHash, fin.VerifyData) {
			logf(logTypeHandshake, "[ClientStateWaitFinished] Server Finished verification failure")
			return nil, nil, AlertDecryptError
		}

		schedule.DeriveMasterSecrets(state.hsCtx.transcript.Snapshot())
		state.serverFinishedDone = true
	}

	var toSend []HandshakeAction
	var pending []*HandshakeMessage

	if state.Params.UsingEarlyData {
		// Close the 0-RTT stream under the early keys before switching the
		// write direction to handshake keys.
		eoedm, err := state.hsCtx.hOut.HandshakeMessageFromBody(&EndOfEarlyDataBody{})
		if err != nil {
			return nil, nil, AlertInternalError
		}
		toSend = append(toSend, QueueHandshakeMessage{eoedm}, SendQueuedHandshake{})
		pending = append(pending, eoedm)
	}

	clientHsKeys := makeTrafficKeys(params, schedule.clientHandshakeTrafficSecret)
	toSend = append(toSend, RekeyOut{epoch: EpochHandshakeData, KeySet: clientHsKeys})

	if state.certRequest != nil {
		cert := state.Config.certificateFor(state.Opts.ServerName)
		certBody := &CertificateBody{
			CertificateRequestContext: state.certRequest.CertificateRequestContext,
		}
		if cert != nil {
			for _, entry := range cert.Chain {
				certBody.CertificateList = append(certBody.CertificateList, entry.Raw)
			}
		}
		certm, err := state.hsCtx.hOut.HandshakeMessageFromBody(certBody)
		if err != nil {
			return nil, nil, AlertInternalError
		}
		pending = append(pending, certm)
		toSend = append(toSend, QueueHandshakeMessage{certm})

		if cert != nil {
			scheme, err := schemeForSigner(cert.PrivateKey)
			if err != nil {
				logf(logTypeHandshake, "[ClientStateWaitFinished] %v", err)
				return nil, nil, AlertInternalError
			}
			requested := false
			for _, s := range state.certRequest.SignatureSchemes {
				requested = requested || s == scheme
			}
			if !requested {
				return nil, nil, AlertHandshakeFailure
			}

			signedHash := hashWithPending(params, state.hsCtx.transcript, pending...)
			sig, err := signCertificateVerify(cert.PrivateKey, scheme, false, signedHash)
			if errors.Is(err, ErrOperationPending) {
				return state, nil, AlertPendingOperation
			}
			if err != nil {
				logf(logTypeHandshake, "[ClientStateWaitFinished] Signing failure: %v", err)
				return nil, nil, AlertInternalError
			}

			cvm, err := state.hsCtx.hOut.HandshakeMessageFromBody(&CertificateVerifyBody{
				Algorithm: scheme,
				Signature: sig,
			})
			if err != nil {
				return nil, nil, AlertInternalError
			}
			pending = append(pending, cvm)
			toSend = append(toSend, QueueHandshakeMessage{cvm})
			state.Params.UsingClientAuth = true
		}
	}

	finHash := hashWithPending(params, state.hsCtx.transcript, pending...)
	finm, err := state.hsCtx.hOut.HandshakeMessageFromBody(&FinishedBody{
		VerifyDataLen: params.Hash.Size(),
		VerifyData:    computeFinishedData(params, schedule.clientHandshakeTrafficSecret, finHash),
	})
	if err != nil {
		return nil, nil, AlertInternalError
	}
	pending = append(pending, finm)
	toSend = append(toSend, QueueHandshakeMessage{finm}, SendQueuedHandshake{})

	schedule.DeriveResumptionSecret(hashWithPending(params, state.hsCtx.transcript, pending...))

	clientApKeys := makeTrafficKeys(params, schedule.clientTrafficSecret)
	serverApKeys := makeTrafficKeys(params, schedule.serverTrafficSecret)
	toSend = append(toSend,
		RekeyOut{epoch: EpochApplicationData, KeySet: clientApKeys},
		RekeyIn{epoch: EpochApplicationData, KeySet: serverApKeys},
	)

	logf(logTypeHandshake, "[ClientStateWaitFinished] -> [StateConnected]")
	next := &stateConnected{
		Params:              state.Params,
		hsCtx:               state.hsCtx,
		isClient:            true,
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
