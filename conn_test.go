package weft

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// pipeEnd is an in-memory, non-blocking transport half.  Reading from an
// empty buffer reports ErrWouldBlock, which is what drives the cooperative
// suspension paths.
type pipeEnd struct {
	recv *bytes.Buffer
	send *bytes.Buffer
}

func (p *pipeEnd) Read(b []byte) (int, error) {
	if p.recv.Len() == 0 {
		return 0, ErrWouldBlock
	}
	return p.recv.Read(b)
}

func (p *pipeEnd) Write(b []byte) (int, error) {
	return p.send.Write(b)
}

func pipePair() (client *pipeEnd, server *pipeEnd) {
	c2s := &bytes.Buffer{}
	s2c := &bytes.Buffer{}
	return &pipeEnd{recv: s2c, send: c2s}, &pipeEnd{recv: c2s, send: s2c}
}

// chunkedEnd throttles a pipeEnd: writes past the chunk size are cut short
// with a would-block, and reads return at most chunk bytes at a time.
type chunkedEnd struct {
	*pipeEnd
	chunk int
}

func (p *chunkedEnd) Write(b []byte) (int, error) {
	if len(b) > p.chunk {
		n, err := p.pipeEnd.Write(b[:p.chunk])
		if err != nil {
			return n, err
		}
		return n, ErrWouldBlock
	}
	return p.pipeEnd.Write(b)
}

func (p *chunkedEnd) Read(b []byte) (int, error) {
	if len(b) > p.chunk {
		b = b[:p.chunk]
	}
	return p.pipeEnd.Read(b)
}

const handshakeIterationBound = 100000

func runHandshake(t *testing.T, client, server *Conn) {
	t.Helper()
	for i := 0; i < handshakeIterationBound; i++ {
		ca := client.Handshake()
		require.True(t, ca == AlertNoAlert || ca.IsSuspension(), "client handshake: %v", ca)
		sa := server.Handshake()
		require.True(t, sa == AlertNoAlert || sa.IsSuspension(), "server handshake: %v", sa)
		if ca == AlertNoAlert && sa == AlertNoAlert {
			require.Equal(t, StateClientConnected, client.GetHsState())
			require.Equal(t, StateServerConnected, server.GetHsState())
			return
		}
	}
	t.Fatalf("handshake did not complete: client=%v server=%v", client.GetHsState(), server.GetHsState())
}

// runHandshakeExpectFailure drives both sides until each reaches a terminal
// alert, and returns the two outcomes.
func runHandshakeExpectFailure(t *testing.T, client, server *Conn) (Alert, Alert) {
	t.Helper()
	var ca, sa Alert
	for i := 0; i < handshakeIterationBound; i++ {
		ca = client.Handshake()
		sa = server.Handshake()
		clientDone := ca != AlertNoAlert && !ca.IsSuspension()
		serverDone := sa != AlertNoAlert && !sa.IsSuspension()
		if clientDone && serverDone {
			return ca, sa
		}
	}
	t.Fatalf("expected a handshake failure: client=%v server=%v", ca, sa)
	return ca, sa
}

func exchange(t *testing.T, from, to *Conn, msg string) {
	t.Helper()
	n, err := from.Write([]byte(msg))
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, len(msg)+64)
	n, err = to.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf[:n]))
}

func testCertificate(t *testing.T, name string) *Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	cert, err := NewSelfSigned(name, key)
	require.NoError(t, err)
	return &Certificate{Chain: []*x509.Certificate{cert}, PrivateKey: key}
}

func basicConfigs(t *testing.T) (*Config, *Config) {
	t.Helper()
	clientConfig := &Config{
		ServerName:         "example.com",
		InsecureSkipVerify: true,
	}
	serverConfig := &Config{
		Certificates: []*Certificate{testCertificate(t, "example.com")},
	}
	return clientConfig, serverConfig
}

func requireExportersMatch(t *testing.T, a, b *Conn) {
	t.Helper()
	ea, err := a.ComputeExporter("EXPORTER-test", []byte("ctx"), 32)
	require.NoError(t, err)
	eb, err := b.ComputeExporter("EXPORTER-test", []byte("ctx"), 32)
	require.NoError(t, err)
	require.Equal(t, ea, eb)
	require.Len(t, ea, 32)
}

func TestBasicHandshake(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)

	runHandshake(t, client, server)

	cs := client.ConnectionState()
	require.Equal(t, TLS_AES_128_GCM_SHA256, cs.CipherSuite.Suite)
	require.Equal(t, X25519, cs.NegotiatedGroup)
	require.False(t, cs.UsingPSK)
	require.Len(t, cs.PeerCertificates, 1)
	require.Equal(t, TLS_AES_128_GCM_SHA256, server.ConnectionState().CipherSuite.Suite)

	requireExportersMatch(t, client, server)
	exchange(t, client, server, "ping from client")
	exchange(t, server, client, "pong from server")
}

func TestHandshakeCipherSuites(t *testing.T) {
	for _, suite := range []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
	} {
		t.Run(suite.String(), func(t *testing.T) {
			clientConfig, serverConfig := basicConfigs(t)
			clientConfig.CipherSuites = []CipherSuite{suite}
			serverConfig.CipherSuites = []CipherSuite{suite}

			cEnd, sEnd := pipePair()
			client := Client(cEnd, clientConfig)
			server := Server(sEnd, serverConfig)
			runHandshake(t, client, server)

			require.Equal(t, suite, client.ConnectionState().CipherSuite.Suite)
			exchange(t, client, server, "suite probe")
			exchange(t, server, client, "suite probe back")
		})
	}
}

func TestHandshakeGroups(t *testing.T) {
	for _, group := range []NamedGroup{X25519, P256, P384, X25519Kyber768} {
		clientConfig, serverConfig := basicConfigs(t)
		clientConfig.Groups = []NamedGroup{group}
		serverConfig.Groups = []NamedGroup{group}

		cEnd, sEnd := pipePair()
		client := Client(cEnd, clientConfig)
		server := Server(sEnd, serverConfig)
		runHandshake(t, client, server)

		require.Equal(t, group, client.ConnectionState().NegotiatedGroup)
		require.Equal(t, group, server.ConnectionState().NegotiatedGroup)
		exchange(t, client, server, "group probe")
	}
}

func TestHandshakeALPN(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	clientConfig.NextProtos = []string{"h2", "http/1.1"}
	serverConfig.NextProtos = []string{"http/1.1"}

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	require.Equal(t, "http/1.1", client.ConnectionState().NextProto)
	require.Equal(t, "http/1.1", server.ConnectionState().NextProto)
}

func TestHandshakeALPNNoOverlap(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	clientConfig.NextProtos = []string{"h2"}
	serverConfig.NextProtos = []string{"spdy/1"}

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)

	ca, sa := runHandshakeExpectFailure(t, client, server)
	require.Equal(t, AlertNoApplicationProtocol, sa)
	require.Equal(t, AlertNoApplicationProtocol, ca) // relayed on the wire
}

func TestHandshakeClientAuth(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	clientConfig.Certificates = []*Certificate{testCertificate(t, "client.example.com")}
	serverConfig.RequireClientAuth = true
	serverConfig.InsecureSkipVerify = true

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	require.True(t, client.ConnectionState().UsingClientAuth)
	require.True(t, server.ConnectionState().UsingClientAuth)
	require.Len(t, server.ConnectionState().PeerCertificates, 1)
	exchange(t, client, server, "authenticated")
}

func TestHandshakeRootCAVerification(t *testing.T) {
	serverCert := testCertificate(t, "example.com")
	roots := x509.NewCertPool()
	roots.AddCert(serverCert.Chain[0])

	clientConfig := &Config{ServerName: "example.com", RootCAs: roots}
	serverConfig := &Config{Certificates: []*Certificate{serverCert}}

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	require.NotEmpty(t, client.ConnectionState().VerifiedChains)
}

func TestHandshakeUntrustedServerRejected(t *testing.T) {
	// Client trusts a different root than the one the server presents.
	otherCert := testCertificate(t, "example.com")
	roots := x509.NewCertPool()
	roots.AddCert(otherCert.Chain[0])

	clientConfig := &Config{ServerName: "example.com", RootCAs: roots}
	serverConfig := &Config{Certificates: []*Certificate{testCertificate(t, "example.com")}}

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)

	ca, _ := runHandshakeExpectFailure(t, client, server)
	require.Equal(t, AlertBadCertificate, ca)
}

func TestSessionResumption(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	clientConfig.PSKs = PSKMapCache{}
	serverConfig.PSKs = PSKMapCache{}
	serverConfig.SendSessionTickets = true

	cEnd, sEnd := pipePair()
	client1 := Client(cEnd, clientConfig)
	server1 := Server(sEnd, serverConfig)
	runHandshake(t, client1, server1)
	require.False(t, client1.ConnectionState().UsingPSK)

	// Ingest the NewSessionTicket; there is no application data behind it.
	buf := make([]byte, 16)
	_, err := client1.Read(buf)
	require.ErrorIs(t, err, ErrWouldBlock)
	require.Equal(t, 1, clientConfig.PSKs.Size())
	require.Equal(t, 1, serverConfig.PSKs.Size())

	cEnd2, sEnd2 := pipePair()
	client2 := Client(cEnd2, clientConfig)
	server2 := Server(sEnd2, serverConfig)
	runHandshake(t, client2, server2)

	require.True(t, client2.ConnectionState().UsingPSK)
	require.True(t, server2.ConnectionState().UsingPSK)
	requireExportersMatch(t, client2, server2)
	exchange(t, client2, server2, "resumed")
	exchange(t, server2, client2, "resumed back")
}

func TestEarlyData(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	clientConfig.PSKs = PSKMapCache{}
	serverConfig.PSKs = PSKMapCache{}
	serverConfig.SendSessionTickets = true
	serverConfig.AllowEarlyData = true

	cEnd, sEnd := pipePair()
	client1 := Client(cEnd, clientConfig)
	server1 := Server(sEnd, serverConfig)
	runHandshake(t, client1, server1)

	buf := make([]byte, 16)
	_, err := client1.Read(buf)
	require.ErrorIs(t, err, ErrWouldBlock)

	earlyPayload := "zero round trip payload"
	clientConfig.EarlyData = []byte(earlyPayload)

	cEnd2, sEnd2 := pipePair()
	client2 := Client(cEnd2, clientConfig)
	server2 := Server(sEnd2, serverConfig)
	runHandshake(t, client2, server2)

	require.True(t, client2.ConnectionState().UsingEarlyData)
	require.True(t, server2.ConnectionState().UsingEarlyData)

	got := make([]byte, len(earlyPayload)+16)
	n, err := server2.Read(got)
	require.NoError(t, err)
	require.Equal(t, earlyPayload, string(got[:n]))

	exchange(t, client2, server2, "after early data")
	exchange(t, server2, client2, "and back")
}

func TestEarlyDataRejected(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	clientConfig.PSKs = PSKMapCache{}
	serverConfig.PSKs = PSKMapCache{}
	serverConfig.SendSessionTickets = true
	serverConfig.AllowEarlyData = true

	cEnd, sEnd := pipePair()
	client1 := Client(cEnd, clientConfig)
	server1 := Server(sEnd, serverConfig)
	runHandshake(t, client1, server1)

	buf := make([]byte, 16)
	_, err := client1.Read(buf)
	require.ErrorIs(t, err, ErrWouldBlock)

	clientConfig.EarlyData = []byte("will be dropped")
	rejectingConfig := serverConfig.Clone()
	rejectingConfig.AllowEarlyData = false

	cEnd2, sEnd2 := pipePair()
	client2 := Client(cEnd2, clientConfig)
	server2 := Server(sEnd2, rejectingConfig)
	runHandshake(t, client2, server2)

	require.True(t, client2.ConnectionState().UsingPSK)
	require.False(t, client2.ConnectionState().UsingEarlyData)
	require.False(t, server2.ConnectionState().UsingEarlyData)

	// Nothing of the rejected stream is delivered.
	_, err = server2.Read(buf)
	require.ErrorIs(t, err, ErrWouldBlock)

	exchange(t, client2, server2, "still works")
	exchange(t, server2, client2, "both ways")
}

func TestKeyUpdate(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	// Several rounds so the epoch counter moves past the first update.
	for i := 0; i < 3; i++ {
		require.NoError(t, client.SendKeyUpdate(false))
		exchange(t, client, server, "after client update")
		exchange(t, server, client, "server unrotated ok")

		require.NoError(t, server.SendKeyUpdate(true))
		exchange(t, server, client, "after server update")
		// The client answered the update request; the server picks the
		// response up while reading.
		exchange(t, client, server, "after requested update")
	}
}

func TestKeyUpdateBeforeCompletion(t *testing.T) {
	clientConfig, _ := basicConfigs(t)
	cEnd, _ := pipePair()
	client := Client(cEnd, clientConfig)
	require.Error(t, client.SendKeyUpdate(false))
	_, err := client.ComputeExporter("EXPORTER-test", nil, 16)
	require.Error(t, err)
}

func TestTamperedServerFlight(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)

	require.Equal(t, AlertWouldBlock, client.Handshake())
	require.Equal(t, AlertWouldBlock, server.Handshake())

	// Flip a bit in the sealed portion of the server flight.
	wire := cEnd.recv.Bytes()
	require.NotEmpty(t, wire)
	wire[len(wire)-1] ^= 0x01

	alert := client.Handshake()
	require.Equal(t, AlertBadRecordMAC, alert)
	require.Equal(t, StateHandshakeError, client.GetHsState())
	// The outcome is sticky.
	require.Equal(t, AlertBadRecordMAC, client.Handshake())
}

func TestChunkedTransport(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	cEnd, sEnd := pipePair()
	client := Client(&chunkedEnd{pipeEnd: cEnd, chunk: 7}, clientConfig)
	server := Server(&chunkedEnd{pipeEnd: sEnd, chunk: 7}, serverConfig)

	runHandshake(t, client, server)

	msg := "trickled application data"
	_, err := client.Write([]byte(msg))
	require.NoError(t, err)
	for i := 0; i < handshakeIterationBound && client.out.PendingFlush(); i++ {
		client.Handshake()
	}
	require.False(t, client.out.PendingFlush())

	buf := make([]byte, len(msg)+16)
	total := 0
	for total < len(msg) {
		n, err := server.Read(buf[total:])
		if err == ErrWouldBlock {
			continue
		}
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, msg, string(buf[:total]))
}

// pendingSigner forces a fixed number of ErrOperationPending results before
// delegating to the real signer.
type pendingSigner struct {
	crypto.Signer
	remaining int
	calls     int
}

func (s *pendingSigner) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	s.calls++
	if s.remaining > 0 {
		s.remaining--
		return nil, ErrOperationPending
	}
	return s.Signer.Sign(rand, digest, opts)
}

func TestAsynchronousSigner(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	signer := &pendingSigner{Signer: serverConfig.Certificates[0].PrivateKey, remaining: 2}
	serverConfig.Certificates[0].PrivateKey = signer

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	require.Equal(t, 3, signer.calls)
	exchange(t, client, server, "signed eventually")
}

// pendingVerifier forces a fixed number of ErrOperationPending results before
// accepting the chain as-is.
type pendingVerifier struct {
	remaining int
	calls     int
}

func (v *pendingVerifier) VerifyChain(chain []*x509.Certificate, serverName string) ([][]*x509.Certificate, error) {
	v.calls++
	if v.remaining > 0 {
		v.remaining--
		return nil, ErrOperationPending
	}
	return [][]*x509.Certificate{chain}, nil
}

func TestAsynchronousVerifier(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	verifier := &pendingVerifier{remaining: 2}
	clientConfig.InsecureSkipVerify = false
	clientConfig.CertificateVerifier = verifier

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	require.Equal(t, 3, verifier.calls)
	require.Len(t, client.ConnectionState().VerifiedChains, 1)
}

func TestCloseNotify(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	exchange(t, client, server, "last words")
	require.NoError(t, client.Close())

	buf := make([]byte, 16)
	_, err := server.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestLargeApplicationWrites(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	// Spans multiple records.
	payload := make([]byte, 3*maxFragmentLen+777)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	n, err := client.Write(payload)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 32*1024)
	for len(got) < len(payload) {
		n, err := server.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	require.Equal(t, payload, got)
}
