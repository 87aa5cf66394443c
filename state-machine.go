package weft

import (
	"crypto/rand"
	"crypto/x509"
	"time"
)

// Marker interface for actions that the connection should take based on
// state transitions.
type HandshakeAction interface{}

type QueueHandshakeMessage struct {
	Message *HandshakeMessage
}

type SendQueuedHandshake struct{}

type SendEarlyData struct{}

type RekeyIn struct {
	epoch  Epoch
	KeySet KeySet
	seq    uint64
}

type RekeyOut struct {
	epoch  Epoch
	KeySet KeySet
	seq    uint64
}

type StorePSK struct {
	PSK PreSharedKey
}

// HandshakeState is one state of the per-role machine.  Next either consumes
// a complete message from the reader, performs local computation, or reports
// a suspension (would-block, pending external operation, handoff pause).
// States transition strictly forward; the only repetition is re-entering the
// same state after a suspension.
type HandshakeState interface {
	Next(handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert)
	State() State
}

type handshakeMessageReader interface {
	ReadMessage() (*HandshakeMessage, Alert)
}

// ConnectionOptions are the client's per-connection settings.
type ConnectionOptions struct {
	ServerName string
	NextProtos []string
	EarlyData  []byte
}

// ConnectionParameters are the negotiated parameters of a connection.
type ConnectionParameters struct {
	UsingPSK               bool
	UsingDH                bool
	ClientSendingEarlyData bool
	UsingEarlyData         bool
	RejectedEarlyData      bool
	UsingClientAuth        bool

	CipherSuite     CipherSuite
	NegotiatedGroup NamedGroup
	ServerName      string
	NextProto       string
}

// HandshakeContext is the working state shared by the states of one
// handshake: the two framer directions, the single transcript, and buffered
// early data.  It is owned by exactly one Conn; nothing here is locked.
type HandshakeContext struct {
	registry   *CipherSuiteRegistry
	transcript *transcript
	hIn, hOut  *HandshakeLayer
	earlyData  []byte

	// schedule is set once a state creates it, so teardown can wipe secrets
	// even when the handshake aborts mid-flight.
	schedule *keySchedule
}

func (hc *HandshakeContext) receiveEarlyData(max uint32) func([]byte) {
	return func(data []byte) {
		if uint32(len(hc.earlyData)+len(data)) > max {
			logf(logTypeHandshake, "early data over limit, dropping")
			return
		}
		hc.earlyData = append(hc.earlyData, data...)
	}
}

// hashWithPending computes the transcript hash as it will stand once the
// given not-yet-flushed messages have been written.  Used where a state must
// derive from a transcript point that includes messages it is still queueing.
func hashWithPending(params CipherSuiteParams, t *transcript, pending ...*HandshakeMessage) []byte {
	h := params.Hash.New()
	h.Write(t.raw)
	for _, hm := range pending {
		h.Write(hm.Marshal())
	}
	return h.Sum(nil)
}

// stateConnected is symmetric between client and server.
type stateConnected struct {
	Params              ConnectionParameters
	hsCtx               *HandshakeContext
	isClient            bool
	cryptoParams        CipherSuiteParams
	resumptionSecret    []byte
	clientTrafficSecret []byte
	serverTrafficSecret []byte
	exporterSecret      []byte
	peerCertificates    []*x509.Certificate
	verifiedChains      [][]*x509.Certificate
}

var _ HandshakeState = &stateConnected{}

func (state stateConnected) State() State {
	if state.isClient {
		return StateClientConnected
	}
	return StateServerConnected
}

// KeyUpdate rotates our write traffic secret (RFC 8446, Section 4.6.3) and
// queues the KeyUpdate message telling the peer.  The new secret is the
// self-expansion of the old one; updateTrafficSecret erases the old value.
func (state *stateConnected) KeyUpdate(request KeyUpdateRequest) ([]HandshakeAction, Alert) {
	var trafficKeys KeySet
	if state.isClient {
		state.clientTrafficSecret = updateTrafficSecret(state.cryptoParams, state.clientTrafficSecret)
		trafficKeys = makeTrafficKeys(state.cryptoParams, state.clientTrafficSecret)
	} else {
		state.serverTrafficSecret = updateTrafficSecret(state.cryptoParams, state.serverTrafficSecret)
		trafficKeys = makeTrafficKeys(state.cryptoParams, state.serverTrafficSecret)
	}

	kum, err := state.hsCtx.hOut.HandshakeMessageFromBody(&KeyUpdateBody{KeyUpdateRequest: request})
	if err != nil {
		logf(logTypeHandshake, "[StateConnected] Error marshaling key update message: %v", err)
		return nil, AlertInternalError
	}

	toSend := []HandshakeAction{
		QueueHandshakeMessage{kum},
		SendQueuedHandshake{},
		RekeyOut{epoch: EpochUpdate, KeySet: trafficKeys},
	}
	return toSend, AlertNoAlert
}

// NewSessionTicket issues a resumption ticket and stores the corresponding
// PSK locally so a later ClientHello presenting it can resume.
func (state *stateConnected) NewSessionTicket(length int, lifetime, maxEarlyData uint32) ([]HandshakeAction, Alert) {
	tkt := &NewSessionTicketBody{
		TicketLifetime:  lifetime,
		MaxEarlyDataLen: maxEarlyData,
		TicketNonce:     make([]byte, 8),
		Ticket:          make([]byte, length),
	}
	if _, err := rand.Read(tkt.TicketNonce); err != nil {
		return nil, AlertInternalError
	}
	if _, err := rand.Read(tkt.Ticket); err != nil {
		return nil, AlertInternalError
	}
	var ageAdd [4]byte
	if _, err := rand.Read(ageAdd[:]); err != nil {
		return nil, AlertInternalError
	}
	tkt.TicketAgeAdd = uint32(ageAdd[0])<<24 | uint32(ageAdd[1])<<16 | uint32(ageAdd[2])<<8 | uint32(ageAdd[3])

	newPSK := PreSharedKey{
		CipherSuite:  state.cryptoParams.Suite,
		IsResumption: true,
		Identity:     tkt.Ticket,
		Key:          resumptionPSK(state.cryptoParams, state.resumptionSecret, tkt.TicketNonce),
		NextProto:    state.Params.NextProto,
		ReceivedAt:   time.Now(),
		ExpiresAt:    time.Now().Add(time.Duration(lifetime) * time.Second),
		TicketAgeAdd: tkt.TicketAgeAdd,
		MaxEarlyData: maxEarlyData,
	}

	tktm, err := state.hsCtx.hOut.HandshakeMessageFromBody(tkt)
	if err != nil {
		logf(logTypeHandshake, "[StateConnected] Error marshaling NewSessionTicket: %v", err)
		return nil, AlertInternalError
	}

	toSend := []HandshakeAction{
		StorePSK{newPSK},
		QueueHandshakeMessage{tktm},
		SendQueuedHandshake{},
	}
	return toSend, AlertNoAlert
}

// Next does nothing for this state; post-handshake messages arrive through
// ProcessMessage.
func (state stateConnected) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	return state, nil, AlertNoAlert
}

// ProcessMessage handles a post-handshake message arriving on a connected
// state.
func (state *stateConnected) ProcessMessage(hm *HandshakeMessage) ([]HandshakeAction, Alert) {
	if hm == nil {
		logf(logTypeHandshake, "[StateConnected] Unexpected message")
		return nil, AlertUnexpectedMessage
	}

	bodyGeneric, err := hm.ToBody()
	if err != nil {
		logf(logTypeHandshake, "[StateConnected] Error decoding message: %v", err)
		return nil, AlertDecodeError
	}

	switch body := bodyGeneric.(type) {
	case *KeyUpdateBody:
		var trafficKeys KeySet
		if !state.isClient {
			state.clientTrafficSecret = updateTrafficSecret(state.cryptoParams, state.clientTrafficSecret)
			trafficKeys = makeTrafficKeys(state.cryptoParams, state.clientTrafficSecret)
		} else {
			state.serverTrafficSecret = updateTrafficSecret(state.cryptoParams, state.serverTrafficSecret)
			trafficKeys = makeTrafficKeys(state.cryptoParams, state.serverTrafficSecret)
		}

		toSend := []HandshakeAction{RekeyIn{epoch: EpochUpdate, KeySet: trafficKeys}}

		// If requested, roll outbound keys and send a KeyUpdate of our own.
		if body.KeyUpdateRequest == KeyUpdateRequested {
			moreToSend, alert := state.KeyUpdate(KeyUpdateNotRequested)
			if alert != AlertNoAlert {
				return nil, alert
			}
			toSend = append(toSend, moreToSend...)
		}
		return toSend, AlertNoAlert

	case *NewSessionTicketBody:
		if !state.isClient {
			return nil, AlertUnexpectedMessage
		}

		psk := PreSharedKey{
			CipherSuite:  state.cryptoParams.Suite,
			IsResumption: true,
			Identity:     body.Ticket,
			Key:          resumptionPSK(state.cryptoParams, state.resumptionSecret, body.TicketNonce),
			NextProto:    state.Params.NextProto,
			ReceivedAt:   time.Now(),
			ExpiresAt:    time.Now().Add(time.Duration(body.TicketLifetime) * time.Second),
			TicketAgeAdd: body.TicketAgeAdd,
			MaxEarlyData: body.MaxEarlyDataLen,
		}

		return []HandshakeAction{StorePSK{psk}}, AlertNoAlert
	}

	logf(logTypeHandshake, "[StateConnected] Unexpected message type %v", hm.msgType)
	return nil, AlertUnexpectedMessage
}

// wipeSecrets erases the connected state's secret material; part of
// fail-safe connection teardown.
func (state *stateConnected) wipeSecrets() {
	wipe(state.resumptionSecret)
	wipe(state.clientTrafficSecret)
	wipe(state.serverTrafficSecret)
	wipe(state.exporterSecret)
}

// stateError is the sticky terminal failure state: re-entry returns the same
// alert without retrying any cryptographic work.
type stateError struct {
	alert Alert
}

func (state stateError) State() State { return StateHandshakeError }

func (state stateError) Next(hr handshakeMessageReader) (HandshakeState, []HandshakeAction, Alert) {
	return state, nil, state.alert
}
