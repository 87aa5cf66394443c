package weft

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrOperationPending is returned by asynchronous collaborators (signers,
// chain verifiers) that have accepted an operation but not finished it.  The
// state machine surfaces it as AlertPendingOperation and retries the same
// state on the next Handshake call.
var ErrOperationPending = errors.New("weft: operation is pending")

// Certificate is a chain plus the signer for its leaf.
type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
}

// PreSharedKey is an external or resumption PSK with its bookkeeping.
type PreSharedKey struct {
	CipherSuite  CipherSuite
	IsResumption bool
	Identity     []byte
	Key          []byte
	NextProto    string
	ReceivedAt   time.Time
	ExpiresAt    time.Time
	TicketAgeAdd uint32
	MaxEarlyData uint32
}

// PreSharedKeyCache stores PSKs: on the client keyed by server name, on the
// server keyed by ticket identity.
type PreSharedKeyCache interface {
	Get(string) (PreSharedKey, bool)
	Put(string, PreSharedKey)
	Size() int
}

// PSKMapCache is the trivial in-memory cache.
type PSKMapCache map[string]PreSharedKey

func (cache PSKMapCache) Get(key string) (PreSharedKey, bool) {
	psk, ok := cache[key]
	return psk, ok
}

func (cache PSKMapCache) Put(key string, psk PreSharedKey) {
	cache[key] = psk
}

func (cache PSKMapCache) Size() int { return len(cache) }

// CertificateVerifier validates a peer chain.  Implementations may work
// asynchronously and return ErrOperationPending until a result is available.
type CertificateVerifier interface {
	VerifyChain(chain []*x509.Certificate, serverName string) ([][]*x509.Certificate, error)
}

// Config is the read-only policy for one or more connections.  It must not
// be mutated once a handshake is running against it.
type Config struct {
	ServerName       string
	CipherSuites     []CipherSuite
	Groups           []NamedGroup
	SignatureSchemes []SignatureScheme
	NextProtos       []string

	Certificates []*Certificate
	PSKs         PreSharedKeyCache

	// EarlyData is the 0-RTT payload a client sends when resuming with a
	// ticket that permits it.
	EarlyData       []byte
	AllowEarlyData  bool
	MaxEarlyDataLen uint32

	RequireClientAuth   bool
	RootCAs             *x509.CertPool
	InsecureSkipVerify  bool
	CertificateVerifier CertificateVerifier

	SendSessionTickets bool
	TicketLen          int
	TicketLifetime     uint32

	// EnableHandoff makes the server pause with AlertHandoffPaused at the
	// serialization checkpoints instead of running straight through.
	EnableHandoff bool

	// NonBlocking marks the transport as one that returns ErrWouldBlock;
	// informational only, the record layer handles either kind.
	NonBlocking bool

	Registry *CipherSuiteRegistry

	initialized bool
}

const (
	defaultTicketLen      = 16
	defaultTicketLifetime = 6 * 3600 // seconds
)

// Init fills defaults.  Idempotent.
func (c *Config) Init(isClient bool) error {
	if c.initialized {
		return nil
	}
	if c.Registry == nil {
		c.Registry = NewCipherSuiteRegistry()
	}
	if len(c.CipherSuites) == 0 {
		c.CipherSuites = []CipherSuite{
			TLS_AES_128_GCM_SHA256,
			TLS_CHACHA20_POLY1305_SHA256,
			TLS_AES_256_GCM_SHA384,
		}
	}
	if len(c.Groups) == 0 {
		c.Groups = []NamedGroup{X25519, P256}
	}
	if len(c.SignatureSchemes) == 0 {
		c.SignatureSchemes = []SignatureScheme{
			ECDSA_P256_SHA256,
			ECDSA_P384_SHA384,
			Ed25519,
			RSA_PSS_SHA256,
			RSA_PSS_SHA384,
			RSA_PSS_SHA512,
		}
	}
	if c.TicketLen == 0 {
		c.TicketLen = defaultTicketLen
	}
	if c.TicketLifetime == 0 {
		c.TicketLifetime = defaultTicketLifetime
	}
	if c.AllowEarlyData && c.MaxEarlyDataLen == 0 {
		c.MaxEarlyDataLen = maxFragmentLen
	}
	if !isClient && len(c.Certificates) == 0 && c.PSKs == nil {
		return fmt.Errorf("weft: server config needs a certificate or a PSK cache")
	}
	c.initialized = true
	return nil
}

func (c *Config) Clone() *Config {
	clone := *c
	clone.initialized = false
	return &clone
}

// certificateFor picks the certificate whose leaf matches name, falling back
// to the first configured one.
func (c *Config) certificateFor(name string) *Certificate {
	if len(c.Certificates) == 0 {
		return nil
	}
	if name != "" {
		for _, cert := range c.Certificates {
			if len(cert.Chain) > 0 && cert.Chain[0].VerifyHostname(name) == nil {
				return cert
			}
		}
	}
	return c.Certificates[0]
}

// verifyPeerChain runs the configured chain policy: an explicit verifier if
// set, otherwise x509 path building against RootCAs, unless verification is
// disabled entirely.
func (c *Config) verifyPeerChain(chain []*x509.Certificate, serverName string) ([][]*x509.Certificate, error) {
	if c.CertificateVerifier != nil {
		return c.CertificateVerifier.VerifyChain(chain, serverName)
	}
	if c.InsecureSkipVerify {
		return nil, nil
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	return chain[0].Verify(x509.VerifyOptions{
		Roots:         c.RootCAs,
		Intermediates: intermediates,
		DNSName:       serverName,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
}

// ConnectionState is the exported view of a connection's negotiated state.
type ConnectionState struct {
	HandshakeState   State
	CipherSuite      CipherSuiteParams
	NegotiatedGroup  NamedGroup
	NextProto        string
	UsingPSK         bool
	UsingEarlyData   bool
	UsingClientAuth  bool
	PeerCertificates []*x509.Certificate
	VerifiedChains   [][]*x509.Certificate
}

// Conn is one TLS connection: a transport, two record-layer directions, the
// shared transcript, and the current handshake state.  Single-threaded; the
// caller serializes access.
type Conn struct {
	config   *Config
	conn     io.ReadWriter
	isClient bool
	opts     ConnectionOptions

	hsCtx    *HandshakeContext
	in, out  *RecordLayer
	hIn      *HandshakeLayer
	hOut     *HandshakeLayer
	hsState  HandshakeState
	hsAlert  Alert // sticky fatal outcome
	complete bool

	ticketsSent bool
	readBuffer  []byte
}

func NewConn(conn io.ReadWriter, config *Config, isClient bool) *Conn {
	c := &Conn{config: config, conn: conn, isClient: isClient, hsAlert: AlertNoAlert}

	registry := config.Registry
	if registry == nil {
		registry = NewCipherSuiteRegistry()
	}
	transcript := newTranscript()
	c.in = NewRecordLayer(registry, conn, DirectionRead)
	c.out = NewRecordLayer(registry, conn, DirectionWrite)
	c.hIn = NewHandshakeLayer(c.in, transcript)
	c.hOut = NewHandshakeLayer(c.out, transcript)
	c.hsCtx = &HandshakeContext{
		registry:   registry,
		transcript: transcript,
		hIn:        c.hIn,
		hOut:       c.hOut,
	}
	c.hIn.SetLabel(c.label())
	c.hOut.SetLabel(c.label())
	return c
}

// Client wraps a transport as the client side of a connection.
func Client(conn io.ReadWriter, config *Config) *Conn {
	c := NewConn(conn, config, true)
	c.opts = ConnectionOptions{
		ServerName: config.ServerName,
		NextProtos: config.NextProtos,
		EarlyData:  config.EarlyData,
	}
	return c
}

// Server wraps a transport as the server side of a connection.
func Server(conn io.ReadWriter, config *Config) *Conn {
	return NewConn(conn, config, false)
}

func (c *Conn) label() string {
	if c.isClient {
		return "client"
	}
	return "server"
}

// GetHsState reports the current handshake state.
func (c *Conn) GetHsState() State {
	if c.hsState == nil {
		return StateInit
	}
	return c.hsState.State()
}

// Handshake advances the handshake as far as the transport and collaborators
// allow.  AlertNoAlert means the handshake is complete; a suspension alert
// means call again when the blocking condition clears; anything else is the
// sticky fatal outcome.
func (c *Conn) Handshake() Alert {
	if c.hsAlert != AlertNoAlert {
		return c.hsAlert
	}

	if err := c.config.Init(c.isClient); err != nil {
		logf(logTypeHandshake, "%s config error: %v", c.label(), err)
		return c.fail(AlertInternalError)
	}

	// Resume a blocked outbound flush before driving states; records framed
	// under an earlier epoch must hit the wire in order.
	if c.out.PendingFlush() {
		if err := c.out.Flush(); err != nil {
			if isWouldBlock(err) {
				return AlertWouldBlock
			}
			logf(logTypeIO, "%s flush error: %v", c.label(), err)
			return c.fail(AlertInternalError)
		}
	}

	if c.hsState == nil {
		if c.isClient {
			c.hsState = clientStateStart{Config: c.config, Opts: c.opts, hsCtx: c.hsCtx}
		} else {
			c.hsState = serverStateStart{Config: c.config, hsCtx: c.hsCtx}
		}
	}

	for {
		if connected, ok := c.hsState.(*stateConnected); ok {
			return c.completeHandshake(connected)
		}

		nextState, actions, alert := c.hsState.Next(c.hIn)
		if alert.IsSuspension() {
			if nextState != nil {
				c.hsState = nextState
			}
			return alert
		}
		if alert != AlertNoAlert {
			return c.fail(alert)
		}

		logf(logTypeHandshake, "%s state -> %v", c.label(), nextState.State())
		c.hsState = nextState
		for _, action := range actions {
			if a := c.takeAction(action); a != AlertNoAlert {
				return c.fail(a)
			}
		}
		if c.out.PendingFlush() {
			return AlertWouldBlock
		}
	}
}

func (c *Conn) completeHandshake(connected *stateConnected) Alert {
	if !c.complete {
		c.complete = true
		c.hIn.transcriptDone = true
		c.hOut.transcriptDone = true
		if c.hsCtx.schedule != nil {
			c.hsCtx.schedule.Wipe()
		}
		logf(logTypeHandshake, "%s handshake complete: %+v", c.label(), connected.Params)
	}

	if !c.isClient && c.config.SendSessionTickets && !c.ticketsSent {
		c.ticketsSent = true
		actions, alert := connected.NewSessionTicket(
			c.config.TicketLen, c.config.TicketLifetime, c.config.MaxEarlyDataLen)
		if alert != AlertNoAlert {
			return c.fail(alert)
		}
		for _, action := range actions {
			if a := c.takeAction(action); a != AlertNoAlert {
				return c.fail(a)
			}
		}
	}

	if c.out.PendingFlush() {
		return AlertWouldBlock
	}
	return AlertNoAlert
}

func (c *Conn) takeAction(action HandshakeAction) Alert {
	switch a := action.(type) {
	case QueueHandshakeMessage:
		c.hOut.QueueMessage(a.Message)

	case SendQueuedHandshake:
		alert := c.hOut.SendQueuedMessages()
		if alert == AlertWouldBlock {
			// Framed and buffered; the flush resumes at the next entry.
			return AlertNoAlert
		}
		return alert

	case RekeyIn:
		epoch := c.nextEpoch(c.in, a.epoch)
		if err := c.in.RekeyWithSequence(epoch, a.KeySet, a.seq); err != nil {
			logf(logTypeHandshake, "%s rekey in failed: %v", c.label(), err)
			return AlertInternalError
		}

	case RekeyOut:
		epoch := c.nextEpoch(c.out, a.epoch)
		if err := c.out.RekeyWithSequence(epoch, a.KeySet, a.seq); err != nil {
			logf(logTypeHandshake, "%s rekey out failed: %v", c.label(), err)
			return AlertInternalError
		}

	case SendEarlyData:
		data := c.opts.EarlyData
		for start := 0; start < len(data); start += maxFragmentLen {
			end := min(start+maxFragmentLen, len(data))
			err := c.out.WriteRecord(&TLSPlaintext{
				contentType: RecordTypeApplicationData,
				fragment:    data[start:end],
			})
			if err != nil {
				logf(logTypeIO, "%s early data write failed: %v", c.label(), err)
				return AlertInternalError
			}
		}

	case StorePSK:
		if c.config.PSKs != nil {
			if c.isClient {
				c.config.PSKs.Put(c.opts.ServerName, a.PSK)
			} else {
				c.config.PSKs.Put(string(a.PSK.Identity), a.PSK)
			}
		}
	}
	return AlertNoAlert
}

// nextEpoch maps repeated key updates onto strictly increasing epochs.
func (c *Conn) nextEpoch(r *RecordLayer, epoch Epoch) Epoch {
	if epoch == EpochUpdate && r.Epoch() >= EpochUpdate {
		return r.Epoch() + 1
	}
	return epoch
}

func (c *Conn) fail(alert Alert) Alert {
	logf(logTypeHandshake, "%s handshake failed: %v", c.label(), alert)
	c.sendAlert(alert)
	if c.hsCtx.schedule != nil {
		c.hsCtx.schedule.Wipe()
	}
	c.hsAlert = alert
	c.hsState = stateError{alert: alert}
	return alert
}

// sendAlert writes a fatal wire alert, best effort.  Local signals never
// touch the wire.
func (c *Conn) sendAlert(alert Alert) {
	if alert.IsSuspension() || alert >= AlertHandoffPaused {
		return
	}
	level := byte(2) // fatal
	if alert == AlertCloseNotify {
		level = 1
	}
	_ = c.out.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    []byte{level, byte(alert)},
	})
}

// Read returns application data.  Buffered 0-RTT data is readable before the
// handshake completes; draining it never advances the authentication state.
func (c *Conn) Read(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}
	if n := c.drainEarlyData(buffer); n > 0 {
		return n, nil
	}

	alert := c.Handshake()
	if n := c.drainEarlyData(buffer); n > 0 {
		return n, nil
	}
	if alert != AlertNoAlert {
		if alert.IsSuspension() {
			return 0, ErrWouldBlock
		}
		return 0, alert
	}

	for len(c.readBuffer) == 0 {
		pt, err := c.in.ReadRecord()
		if err != nil {
			if isWouldBlock(err) {
				return 0, ErrWouldBlock
			}
			return 0, err
		}
		switch pt.contentType {
		case RecordTypeApplicationData:
			c.readBuffer = append(c.readBuffer, pt.fragment...)
		case RecordTypeHandshake:
			if alert := c.processPostHandshake(pt.fragment); alert != AlertNoAlert {
				return 0, alert
			}
		case RecordTypeAlert:
			if len(pt.fragment) != 2 {
				return 0, AlertDecodeError
			}
			if received := Alert(pt.fragment[1]); received != AlertCloseNotify {
				return 0, received
			}
			return 0, io.EOF
		default:
			return 0, AlertUnexpectedMessage
		}
	}

	n := copy(buffer, c.readBuffer)
	c.readBuffer = c.readBuffer[n:]
	return n, nil
}

func (c *Conn) drainEarlyData(buffer []byte) int {
	if len(c.hsCtx.earlyData) == 0 {
		return 0
	}
	n := copy(buffer, c.hsCtx.earlyData)
	c.hsCtx.earlyData = c.hsCtx.earlyData[n:]
	return n
}

func (c *Conn) processPostHandshake(fragment []byte) Alert {
	connected, ok := c.hsState.(*stateConnected)
	if !ok {
		return AlertUnexpectedMessage
	}

	c.hIn.frameBuffer = append(c.hIn.frameBuffer, fragment...)
	for {
		hm := c.hIn.extractMessage()
		if hm == nil {
			return AlertNoAlert
		}
		actions, alert := connected.ProcessMessage(hm)
		if alert != AlertNoAlert {
			c.sendAlert(alert)
			return alert
		}
		for _, action := range actions {
			if a := c.takeAction(action); a != AlertNoAlert {
				return a
			}
		}
	}
}

// Write sends application data, completing the handshake first if needed.
func (c *Conn) Write(data []byte) (int, error) {
	if alert := c.Handshake(); alert != AlertNoAlert {
		if alert.IsSuspension() {
			return 0, ErrWouldBlock
		}
		return 0, alert
	}

	for start := 0; start < len(data); start += maxFragmentLen {
		end := min(start+maxFragmentLen, len(data))
		err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeApplicationData,
			fragment:    data[start:end],
		})
		if err != nil {
			return start, err
		}
	}
	return len(data), nil
}

// SendKeyUpdate rotates our write keys and notifies the peer; with
// requestUpdate the peer is asked to rotate as well.
func (c *Conn) SendKeyUpdate(requestUpdate bool) error {
	connected, ok := c.hsState.(*stateConnected)
	if !ok {
		return fmt.Errorf("weft: key update before handshake completion")
	}
	request := KeyUpdateNotRequested
	if requestUpdate {
		request = KeyUpdateRequested
	}
	actions, alert := connected.KeyUpdate(request)
	if alert != AlertNoAlert {
		return alert
	}
	for _, action := range actions {
		if a := c.takeAction(action); a != AlertNoAlert {
			return a
		}
	}
	return nil
}

// ComputeExporter derives exported keying material (RFC 8446, Section 7.5).
func (c *Conn) ComputeExporter(label string, context []byte, keyLength int) ([]byte, error) {
	connected, ok := c.hsState.(*stateConnected)
	if !ok {
		return nil, fmt.Errorf("weft: exporter before handshake completion")
	}
	return computeExporter(connected.cryptoParams, connected.exporterSecret, label, context, keyLength), nil
}

// ConnectionState reports the negotiated parameters.
func (c *Conn) ConnectionState() ConnectionState {
	state := ConnectionState{HandshakeState: c.GetHsState()}
	if connected, ok := c.hsState.(*stateConnected); ok {
		state.CipherSuite = connected.cryptoParams
		state.NegotiatedGroup = connected.Params.NegotiatedGroup
		state.NextProto = connected.Params.NextProto
		state.UsingPSK = connected.Params.UsingPSK
		state.UsingEarlyData = connected.Params.UsingEarlyData
		state.UsingClientAuth = connected.Params.UsingClientAuth
		state.PeerCertificates = connected.peerCertificates
		state.VerifiedChains = connected.verifiedChains
	}
	return state
}

// Close sends close_notify best effort and erases all key material.
func (c *Conn) Close() error {
	if c.complete {
		c.sendAlert(AlertCloseNotify)
		_ = c.out.Flush()
	}
	if connected, ok := c.hsState.(*stateConnected); ok {
		connected.wipeSecrets()
	}
	if c.hsCtx.schedule != nil {
		c.hsCtx.schedule.Wipe()
	}
	c.in.wipeKeys()
	c.out.wipeKeys()

	if closer, ok := c.conn.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
