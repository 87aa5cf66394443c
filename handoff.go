package weft

import (
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Handshake state serialization: a sequential, length-prefixed binary
// encoding with a leading version that is checked before anything else.
// Three blob kinds share the format:
//
//   - handoff: captured at the server's post-ClientHello checkpoint, before
//     any key derivation.  Restoring resumes negotiation-complete state in
//     another process.
//   - handback after Finished: the full live connection (traffic secrets,
//     sequence numbers, exporter/resumption secrets).
//   - handback after client Certificate: a mid-handshake server; carries the
//     transcript and the key-exchange secret, no traffic keys.  The restorer
//     re-derives the schedule by replaying the transcript.
//
// Blobs are produced once and consumed once; they are not replay-safe and
// they contain secrets, so the channel carrying them must be trusted.

const handoffVersion uint16 = 1

const (
	blobKindHandoff            uint8 = 1
	blobKindHandbackFinished   uint8 = 2
	blobKindHandbackClientCert uint8 = 3
)

const (
	blobFlagUsingPSK          uint8 = 1 << 0
	blobFlagUsingEarlyData    uint8 = 1 << 1
	blobFlagRejectedEarlyData uint8 = 1 << 2
	blobFlagPSKResumption     uint8 = 1 << 3
	blobFlagUsingClientAuth   uint8 = 1 << 4
	blobFlagIsClient          uint8 = 1 << 5
)

func addOpaque16(b *cryptobyte.Builder, data []byte) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(data) })
}

func addOpaque24(b *cryptobyte.Builder, data []byte) {
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(data) })
}

func readOpaque16(s *cryptobyte.String) ([]byte, bool) {
	var v cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&v) {
		return nil, false
	}
	return dup(v), true
}

func readOpaque24(s *cryptobyte.String) ([]byte, bool) {
	var v cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&v) {
		return nil, false
	}
	return dup(v), true
}

var errBlobMalformed = fmt.Errorf("weft: malformed state blob")

// Handoff serializes a server paused at the post-ClientHello checkpoint.
func (c *Conn) Handoff() ([]byte, error) {
	if c.isClient {
		return nil, fmt.Errorf("weft: handoff is a server operation")
	}
	state, ok := c.hsState.(serverStateNegotiated)
	if !ok || state.sh != nil {
		return nil, fmt.Errorf("weft: not at the handoff point")
	}

	flags := uint8(0)
	if state.psk != nil {
		flags |= blobFlagUsingPSK
		if state.psk.IsResumption {
			flags |= blobFlagPSKResumption
		}
	}
	if state.Params.UsingEarlyData {
		flags |= blobFlagUsingEarlyData
	}
	if state.Params.RejectedEarlyData {
		flags |= blobFlagRejectedEarlyData
	}

	var b cryptobyte.Builder
	b.AddUint16(handoffVersion)
	b.AddUint8(blobKindHandoff)
	b.AddUint16(uint16(state.Params.CipherSuite))
	b.AddUint16(uint16(state.Params.NegotiatedGroup))
	b.AddUint8(flags)
	if state.psk != nil {
		b.AddUint16(state.pskIndex)
		addOpaque16(&b, state.psk.Identity)
		addOpaque16(&b, state.psk.Key)
	}
	addOpaque16(&b, []byte(state.Params.ServerName))
	addOpaque16(&b, []byte(state.Params.NextProto))
	addOpaque16(&b, state.legacySessionID)
	b.AddBytes(state.clientRandom[:])
	b.AddUint16(uint16(state.clientShare.Group))
	addOpaque16(&b, state.clientShare.KeyExchange)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, scheme := range state.clientSchemes {
			b.AddUint16(uint16(scheme))
		}
	})
	addOpaque24(&b, c.hsCtx.transcript.Bytes())
	addOpaque24(&b, c.hIn.frameBuffer)
	addOpaque24(&b, c.in.readRestartState())

	logf(logTypeHandoff, "server handoff: %d transcript bytes", len(c.hsCtx.transcript.raw))
	return b.Bytes()
}

// ApplyHandoff restores a handoff blob onto a fresh server connection.
func (c *Conn) ApplyHandoff(blob []byte) error {
	if c.isClient {
		return fmt.Errorf("weft: handoff is a server operation")
	}
	if c.hsState != nil {
		return fmt.Errorf("weft: connection already started")
	}
	if err := c.config.Init(false); err != nil {
		return err
	}

	s := cryptobyte.String(blob)
	var version uint16
	if !s.ReadUint16(&version) {
		return errBlobMalformed
	}
	if version != handoffVersion {
		return fmt.Errorf("weft: state blob version %d not supported", version)
	}
	var kind uint8
	if !s.ReadUint8(&kind) || kind != blobKindHandoff {
		return fmt.Errorf("weft: not a handoff blob")
	}

	var suite, group uint16
	var flags uint8
	if !s.ReadUint16(&suite) || !s.ReadUint16(&group) || !s.ReadUint8(&flags) {
		return errBlobMalformed
	}
	params, known := c.hsCtx.registry.Lookup(CipherSuite(suite))
	if !known {
		return fmt.Errorf("weft: handoff for unknown suite %04x", suite)
	}

	var psk *PreSharedKey
	var pskIndex uint16
	if flags&blobFlagUsingPSK != 0 {
		if !s.ReadUint16(&pskIndex) {
			return errBlobMalformed
		}
		identity, ok1 := readOpaque16(&s)
		key, ok2 := readOpaque16(&s)
		if !ok1 || !ok2 || len(key) != params.Hash.Size() {
			return errBlobMalformed
		}
		psk = &PreSharedKey{
			CipherSuite:  params.Suite,
			IsResumption: flags&blobFlagPSKResumption != 0,
			Identity:     identity,
			Key:          key,
		}
	}

	serverName, ok1 := readOpaque16(&s)
	nextProto, ok2 := readOpaque16(&s)
	sessionID, ok3 := readOpaque16(&s)
	if !ok1 || !ok2 || !ok3 {
		return errBlobMalformed
	}
	var clientRandom [randomLen]byte
	if !s.CopyBytes(clientRandom[:]) {
		return errBlobMalformed
	}
	var shareGroup uint16
	if !s.ReadUint16(&shareGroup) {
		return errBlobMalformed
	}
	shareBytes, ok := readOpaque16(&s)
	if !ok {
		return errBlobMalformed
	}
	var schemeList cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&schemeList) {
		return errBlobMalformed
	}
	var schemes []SignatureScheme
	for !schemeList.Empty() {
		var scheme uint16
		if !schemeList.ReadUint16(&scheme) {
			return errBlobMalformed
		}
		schemes = append(schemes, SignatureScheme(scheme))
	}
	transcriptRaw, ok4 := readOpaque24(&s)
	frameBuffer, ok5 := readOpaque24(&s)
	recordRestart, ok6 := readOpaque24(&s)
	if !ok4 || !ok5 || !ok6 || !s.Empty() {
		return errBlobMalformed
	}

	c.hsCtx.transcript.restore(transcriptRaw)
	c.hsCtx.transcript.InitHash(params.Hash)
	c.hIn.frameBuffer = frameBuffer
	c.in.injectReadBytes(recordRestart)

	c.hsState = serverStateNegotiated{
		Config: c.config,
		Params: ConnectionParameters{
			UsingPSK:          psk != nil,
			UsingDH:           true,
			UsingEarlyData:    flags&blobFlagUsingEarlyData != 0,
			RejectedEarlyData: flags&blobFlagRejectedEarlyData != 0,
			CipherSuite:       params.Suite,
			NegotiatedGroup:   NamedGroup(group),
			ServerName:        string(serverName),
			NextProto:         string(nextProto),
		},
		hsCtx:           c.hsCtx,
		cryptoParams:    params,
		legacySessionID: sessionID,
		clientRandom:    clientRandom,
		clientShare:     &KeyShareEntry{Group: NamedGroup(shareGroup), KeyExchange: shareBytes},
		clientSchemes:   schemes,
		psk:             psk,
		pskIndex:        pskIndex,
	}
	logf(logTypeHandoff, "server handoff applied: suite=%v group=%v", params.Suite, NamedGroup(group))
	return nil
}

// Handback serializes the connection at whichever handback checkpoint it has
// reached: fully connected, or paused after the client Certificate.
func (c *Conn) Handback() ([]byte, error) {
	switch state := c.hsState.(type) {
	case *stateConnected:
		return c.handbackFinished(state)
	case serverStateWaitCV:
		return c.handbackClientCert(state)
	}
	return nil, fmt.Errorf("weft: not at a handback checkpoint")
}

func (c *Conn) handbackFinished(state *stateConnected) ([]byte, error) {
	flags := uint8(0)
	if state.Params.UsingPSK {
		flags |= blobFlagUsingPSK
	}
	if state.Params.UsingEarlyData {
		flags |= blobFlagUsingEarlyData
	}
	if state.Params.UsingClientAuth {
		flags |= blobFlagUsingClientAuth
	}
	if state.isClient {
		flags |= blobFlagIsClient
	}

	var b cryptobyte.Builder
	b.AddUint16(handoffVersion)
	b.AddUint8(blobKindHandbackFinished)
	b.AddUint16(uint16(state.Params.CipherSuite))
	b.AddUint16(uint16(state.Params.NegotiatedGroup))
	b.AddUint8(flags)
	addOpaque16(&b, []byte(state.Params.ServerName))
	addOpaque16(&b, []byte(state.Params.NextProto))
	addOpaque16(&b, state.clientTrafficSecret)
	addOpaque16(&b, state.serverTrafficSecret)
	addOpaque16(&b, state.exporterSecret)
	addOpaque16(&b, state.resumptionSecret)
	b.AddUint16(uint16(c.in.Epoch()))
	b.AddUint64(c.in.Sequence())
	b.AddUint16(uint16(c.out.Epoch()))
	b.AddUint64(c.out.Sequence())
	b.AddUint8(uint8(len(state.peerCertificates)))
	for _, cert := range state.peerCertificates {
		addOpaque24(&b, cert.Raw)
	}
	addOpaque24(&b, c.hIn.frameBuffer)
	addOpaque24(&b, c.in.readRestartState())

	logf(logTypeHandoff, "%s handback at connected: in=[%s]/%d out=[%s]/%d",
		c.label(), c.in.Epoch().label(), c.in.Sequence(), c.out.Epoch().label(), c.out.Sequence())
	return b.Bytes()
}

func (c *Conn) handbackClientCert(state serverStateWaitCV) ([]byte, error) {
	if state.certVerify != nil {
		return nil, fmt.Errorf("weft: past the client-certificate checkpoint")
	}

	flags := uint8(0)
	if state.Params.UsingPSK {
		flags |= blobFlagUsingPSK
	}
	if state.psk != nil && state.psk.IsResumption {
		flags |= blobFlagPSKResumption
	}
	if state.Params.UsingEarlyData {
		flags |= blobFlagUsingEarlyData
	}

	var pskKey []byte
	if state.psk != nil {
		pskKey = state.psk.Key
	}

	var b cryptobyte.Builder
	b.AddUint16(handoffVersion)
	b.AddUint8(blobKindHandbackClientCert)
	b.AddUint16(uint16(state.Params.CipherSuite))
	b.AddUint16(uint16(state.Params.NegotiatedGroup))
	b.AddUint8(flags)
	addOpaque16(&b, []byte(state.Params.ServerName))
	addOpaque16(&b, []byte(state.Params.NextProto))
	addOpaque16(&b, pskKey)
	addOpaque16(&b, state.dheSecret)
	b.AddUint64(c.in.Sequence())
	b.AddUint64(c.out.Sequence())
	addOpaque24(&b, c.hsCtx.transcript.Bytes())
	addOpaque24(&b, c.hIn.frameBuffer)
	addOpaque24(&b, c.in.readRestartState())

	logf(logTypeHandoff, "server handback at client certificate: %d transcript bytes",
		len(c.hsCtx.transcript.raw))
	return b.Bytes()
}

// ApplyHandback restores a handback blob onto a fresh connection.
func (c *Conn) ApplyHandback(blob []byte) error {
	if c.hsState != nil {
		return fmt.Errorf("weft: connection already started")
	}
	if err := c.config.Init(c.isClient); err != nil {
		return err
	}

	s := cryptobyte.String(blob)
	var version uint16
	if !s.ReadUint16(&version) {
		return errBlobMalformed
	}
	if version != handoffVersion {
		return fmt.Errorf("weft: state blob version %d not supported", version)
	}
	var kind uint8
	if !s.ReadUint8(&kind) {
		return errBlobMalformed
	}

	switch kind {
	case blobKindHandbackFinished:
		return c.applyHandbackFinished(&s)
	case blobKindHandbackClientCert:
		return c.applyHandbackClientCert(&s)
	}
	return fmt.Errorf("weft: not a handback blob")
}

func (c *Conn) applyHandbackFinished(s *cryptobyte.String) error {
	var suite, group uint16
	var flags uint8
	if !s.ReadUint16(&suite) || !s.ReadUint16(&group) || !s.ReadUint8(&flags) {
		return errBlobMalformed
	}
	params, known := c.hsCtx.registry.Lookup(CipherSuite(suite))
	if !known {
		return fmt.Errorf("weft: handback for unknown suite %04x", suite)
	}
	if (flags&blobFlagIsClient != 0) != c.isClient {
		return fmt.Errorf("weft: handback role mismatch")
	}

	serverName, ok1 := readOpaque16(s)
	nextProto, ok2 := readOpaque16(s)
	clientSecret, ok3 := readOpaque16(s)
	serverSecret, ok4 := readOpaque16(s)
	exporterSecret, ok5 := readOpaque16(s)
	resumptionSecret, ok6 := readOpaque16(s)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return errBlobMalformed
	}
	for _, secret := range [][]byte{clientSecret, serverSecret, exporterSecret, resumptionSecret} {
		if len(secret) != params.Hash.Size() {
			return errBlobMalformed
		}
	}

	var inEpoch, outEpoch uint16
	var inSeq, outSeq uint64
	if !s.ReadUint16(&inEpoch) || !s.ReadUint64(&inSeq) ||
		!s.ReadUint16(&outEpoch) || !s.ReadUint64(&outSeq) {
		return errBlobMalformed
	}

	var certCount uint8
	if !s.ReadUint8(&certCount) {
		return errBlobMalformed
	}
	var peerCerts []*x509.Certificate
	for i := 0; i < int(certCount); i++ {
		der, ok := readOpaque24(s)
		if !ok {
			return errBlobMalformed
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("weft: handback certificate parse failure: %w", err)
		}
		peerCerts = append(peerCerts, cert)
	}
	frameBuffer, ok7 := readOpaque24(s)
	recordRestart, ok8 := readOpaque24(s)
	if !ok7 || !ok8 || !s.Empty() {
		return errBlobMalformed
	}

	inSecret, outSecret := clientSecret, serverSecret
	if c.isClient {
		inSecret, outSecret = serverSecret, clientSecret
	}
	if err := c.in.RekeyWithSequence(Epoch(inEpoch), makeTrafficKeys(params, inSecret), inSeq); err != nil {
		return err
	}
	if err := c.out.RekeyWithSequence(Epoch(outEpoch), makeTrafficKeys(params, outSecret), outSeq); err != nil {
		return err
	}
	c.hIn.frameBuffer = frameBuffer
	c.in.injectReadBytes(recordRestart)

	c.hsState = &stateConnected{
		Params: ConnectionParameters{
			UsingPSK:        flags&blobFlagUsingPSK != 0,
			UsingDH:         true,
			UsingEarlyData:  flags&blobFlagUsingEarlyData != 0,
			UsingClientAuth: flags&blobFlagUsingClientAuth != 0,
			CipherSuite:     params.Suite,
			NegotiatedGroup: NamedGroup(group),
			ServerName:      string(serverName),
			NextProto:       string(nextProto),
		},
		hsCtx:               c.hsCtx,
		isClient:            c.isClient,
		cryptoParams:        params,
		resumptionSecret:    resumptionSecret,
		clientTrafficSecret: clientSecret,
		serverTrafficSecret: serverSecret,
		exporterSecret:      exporterSecret,
		peerCertificates:    peerCerts,
	}
	c.complete = true
	c.ticketsSent = true
	c.hIn.transcriptDone = true
	c.hOut.transcriptDone = true

	logf(logTypeHandoff, "%s handback applied at connected", c.label())
	return nil
}

func (c *Conn) applyHandbackClientCert(s *cryptobyte.String) error {
	if c.isClient {
		return fmt.Errorf("weft: mid-handshake handback is a server operation")
	}

	var suite, group uint16
	var flags uint8
	if !s.ReadUint16(&suite) || !s.ReadUint16(&group) || !s.ReadUint8(&flags) {
		return errBlobMalformed
	}
	params, known := c.hsCtx.registry.Lookup(CipherSuite(suite))
	if !known {
		return fmt.Errorf("weft: handback for unknown suite %04x", suite)
	}

	serverName, ok1 := readOpaque16(s)
	nextProto, ok2 := readOpaque16(s)
	pskKey, ok3 := readOpaque16(s)
	dheSecret, ok4 := readOpaque16(s)
	if !ok1 || !ok2 || !ok3 || !ok4 || len(dheSecret) == 0 {
		return errBlobMalformed
	}
	var inSeq, outSeq uint64
	if !s.ReadUint64(&inSeq) || !s.ReadUint64(&outSeq) {
		return errBlobMalformed
	}
	transcriptRaw, ok5 := readOpaque24(s)
	frameBuffer, ok6 := readOpaque24(s)
	recordRestart, ok7 := readOpaque24(s)
	if !ok5 || !ok6 || !ok7 || !s.Empty() {
		return errBlobMalformed
	}

	// Re-derive the schedule by replaying the transcript up to its two
	// checkpoint hashes.
	checkpoints, err := replayTranscript(params, transcriptRaw)
	if err != nil {
		return err
	}

	schedule := newKeySchedule(params)
	if len(pskKey) > 0 {
		schedule.DeriveEarlySecrets(pskKey, flags&blobFlagPSKResumption != 0)
	} else {
		schedule.DeriveEarlySecrets(nil, false)
	}
	schedule.DeriveHandshakeSecrets(dheSecret, checkpoints.afterServerHello)
	schedule.DeriveMasterSecrets(checkpoints.afterServerFinished)
	c.hsCtx.schedule = schedule

	certBody := &CertificateBody{}
	if checkpoints.lastMessage == nil ||
		checkpoints.lastMessage.msgType != HandshakeTypeCertificate {
		return fmt.Errorf("weft: handback transcript does not end at a client Certificate")
	}
	if _, err := certBody.Unmarshal(checkpoints.lastMessage.body); err != nil {
		return errBlobMalformed
	}
	peerCerts := make([]*x509.Certificate, 0, len(certBody.CertificateList))
	for _, der := range certBody.CertificateList {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return fmt.Errorf("weft: handback certificate parse failure: %w", err)
		}
		peerCerts = append(peerCerts, cert)
	}

	c.hsCtx.transcript.restore(transcriptRaw)
	c.hsCtx.transcript.InitHash(params.Hash)
	c.hIn.frameBuffer = frameBuffer
	c.in.injectReadBytes(recordRestart)

	clientHsKeys := makeTrafficKeys(params, schedule.clientHandshakeTrafficSecret)
	serverApKeys := makeTrafficKeys(params, schedule.serverTrafficSecret)
	if err := c.in.RekeyWithSequence(EpochHandshakeData, clientHsKeys, inSeq); err != nil {
		return err
	}
	if err := c.out.RekeyWithSequence(EpochApplicationData, serverApKeys, outSeq); err != nil {
		return err
	}

	c.hsState = serverStateWaitCV{
		Config: c.config,
		Params: ConnectionParameters{
			UsingPSK:        flags&blobFlagUsingPSK != 0,
			UsingDH:         true,
			UsingEarlyData:  flags&blobFlagUsingEarlyData != 0,
			CipherSuite:     params.Suite,
			NegotiatedGroup: NamedGroup(group),
			ServerName:      string(serverName),
			NextProto:       string(nextProto),
		},
		hsCtx:            c.hsCtx,
		cryptoParams:     params,
		schedule:         schedule,
		dheSecret:        dheSecret,
		peerCertificates: peerCerts,
		handshakeHash:    c.hsCtx.transcript.Snapshot(),
	}
	logf(logTypeHandoff, "server handback applied at client certificate")
	return nil
}

type transcriptCheckpoints struct {
	afterServerHello    []byte
	afterServerFinished []byte
	lastMessage         *HandshakeMessage
}

// replayTranscript walks raw transcript bytes message by message, hashing as
// it goes, and captures the snapshot hashes the key schedule needs.
func replayTranscript(params CipherSuiteParams, raw []byte) (*transcriptCheckpoints, error) {
	out := &transcriptCheckpoints{}
	h := params.Hash.New()

	offset := 0
	for offset < len(raw) {
		if len(raw)-offset < handshakeHeaderLen {
			return nil, errBlobMalformed
		}
		bodyLen := (int(raw[offset+1]) << 16) | (int(raw[offset+2]) << 8) | int(raw[offset+3])
		end := offset + handshakeHeaderLen + bodyLen
		if end > len(raw) {
			return nil, errBlobMalformed
		}

		msg := raw[offset:end]
		h.Write(msg)
		msgType := HandshakeType(msg[0])
		if msgType == HandshakeTypeServerHello && out.afterServerHello == nil {
			out.afterServerHello = h.Sum(nil)
		}
		if msgType == HandshakeTypeFinished && out.afterServerFinished == nil {
			out.afterServerFinished = h.Sum(nil)
		}
		out.lastMessage = &HandshakeMessage{msgType: msgType, body: dup(msg[handshakeHeaderLen:])}
		offset = end
	}

	if out.afterServerHello == nil || out.afterServerFinished == nil {
		return nil, errBlobMalformed
	}
	return out, nil
}
