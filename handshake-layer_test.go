package weft

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func handshakeLayerPair(t *testing.T) (sender, receiver *HandshakeLayer) {
	t.Helper()
	registry := NewCipherSuiteRegistry()
	wEnd, rEnd := pipePair()

	outRecord := NewRecordLayer(registry, wEnd, DirectionWrite)
	inRecord := NewRecordLayer(registry, rEnd, DirectionRead)

	senderTranscript := newTranscript()
	senderTranscript.InitHash(crypto.SHA256)
	receiverTranscript := newTranscript()
	receiverTranscript.InitHash(crypto.SHA256)

	return NewHandshakeLayer(outRecord, senderTranscript), NewHandshakeLayer(inRecord, receiverTranscript)
}

func TestHandshakeMessageFragmentation(t *testing.T) {
	sender, receiver := handshakeLayerPair(t)

	// Larger than one record; spans two fragments on the wire.
	body := make([]byte, 20000)
	_, err := rand.Read(body)
	require.NoError(t, err)

	sender.QueueMessage(&HandshakeMessage{msgType: HandshakeTypeCertificate, body: body})
	require.Equal(t, AlertNoAlert, sender.SendQueuedMessages())

	hm, alert := receiver.ReadMessage()
	require.Equal(t, AlertNoAlert, alert)
	require.Equal(t, HandshakeTypeCertificate, hm.Type())
	require.Equal(t, body, hm.body)

	// Both transcripts saw the same single message.
	require.Equal(t, sender.transcript.Bytes(), receiver.transcript.Bytes())
	require.Equal(t, sender.transcript.Snapshot(), receiver.transcript.Snapshot())
}

func TestHandshakeMultipleMessages(t *testing.T) {
	sender, receiver := handshakeLayerPair(t)

	messages := []*HandshakeMessage{
		{msgType: HandshakeTypeClientHello, body: []byte{1, 2, 3}},
		{msgType: HandshakeTypeEncryptedExtensions, body: []byte{}},
		{msgType: HandshakeTypeFinished, body: bytes.Repeat([]byte{0xf0}, 32)},
	}
	for _, hm := range messages {
		sender.QueueMessage(hm)
	}
	require.Equal(t, AlertNoAlert, sender.SendQueuedMessages())

	for _, want := range messages {
		hm, alert := receiver.ReadMessage()
		require.Equal(t, AlertNoAlert, alert)
		require.Equal(t, want.msgType, hm.msgType)
		require.Equal(t, want.body, hm.body)
	}
	require.Equal(t, sender.transcript.Bytes(), receiver.transcript.Bytes())

	// Nothing further buffered.
	_, alert := receiver.ReadMessage()
	require.Equal(t, AlertWouldBlock, alert)
}

func TestHandshakeLayerSurfacesAlerts(t *testing.T) {
	registry := NewCipherSuiteRegistry()
	wEnd, rEnd := pipePair()
	out := NewRecordLayer(registry, wEnd, DirectionWrite)

	receiverTranscript := newTranscript()
	receiverTranscript.InitHash(crypto.SHA256)
	receiver := NewHandshakeLayer(NewRecordLayer(registry, rEnd, DirectionRead), receiverTranscript)

	require.NoError(t, out.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    []byte{2, byte(AlertHandshakeFailure)},
	}))

	_, alert := receiver.ReadMessage()
	require.Equal(t, AlertHandshakeFailure, alert)
}

func TestHandshakeTranscriptDoneStopsHashing(t *testing.T) {
	sender, receiver := handshakeLayerPair(t)

	sender.QueueMessage(&HandshakeMessage{msgType: HandshakeTypeFinished, body: []byte{1}})
	require.Equal(t, AlertNoAlert, sender.SendQueuedMessages())
	_, alert := receiver.ReadMessage()
	require.Equal(t, AlertNoAlert, alert)

	snapSender := sender.transcript.Snapshot()
	snapReceiver := receiver.transcript.Snapshot()
	sender.transcriptDone = true
	receiver.transcriptDone = true

	sender.QueueMessage(&HandshakeMessage{msgType: HandshakeTypeKeyUpdate, body: []byte{0}})
	require.Equal(t, AlertNoAlert, sender.SendQueuedMessages())
	_, alert = receiver.ReadMessage()
	require.Equal(t, AlertNoAlert, alert)

	require.Equal(t, snapSender, sender.transcript.Snapshot())
	require.Equal(t, snapReceiver, receiver.transcript.Snapshot())
}

func TestHandshakeOneByteRecords(t *testing.T) {
	registry := NewCipherSuiteRegistry()
	wEnd, rEnd := pipePair()
	out := NewRecordLayer(registry, wEnd, DirectionWrite)

	receiverTranscript := newTranscript()
	receiverTranscript.InitHash(crypto.SHA256)
	receiver := NewHandshakeLayer(NewRecordLayer(registry, rEnd, DirectionRead), receiverTranscript)

	hm := &HandshakeMessage{msgType: HandshakeTypeServerHello, body: []byte{3, 3, 7, 7, 9}}
	wireBytes := hm.Marshal()
	for _, b := range wireBytes {
		require.NoError(t, out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeHandshake,
			fragment:    []byte{b},
		}))
	}

	got, alert := receiver.ReadMessage()
	require.Equal(t, AlertNoAlert, alert)
	require.Equal(t, hm.msgType, got.msgType)
	require.Equal(t, hm.body, got.body)

	// Degenerate fragmentation must not change what the transcript sees.
	whole := newTranscript()
	whole.InitHash(crypto.SHA256)
	whole.Update(wireBytes)
	require.Equal(t, whole.Snapshot(), receiver.transcript.Snapshot())
}

func TestSendQueuedMessagesResumable(t *testing.T) {
	registry := NewCipherSuiteRegistry()
	wEnd, rEnd := pipePair()

	senderTranscript := newTranscript()
	senderTranscript.InitHash(crypto.SHA256)
	sender := NewHandshakeLayer(
		NewRecordLayer(registry, &chunkedEnd{pipeEnd: wEnd, chunk: 5}, DirectionWrite),
		senderTranscript)

	receiverTranscript := newTranscript()
	receiverTranscript.InitHash(crypto.SHA256)
	receiver := NewHandshakeLayer(NewRecordLayer(registry, rEnd, DirectionRead), receiverTranscript)

	hm := &HandshakeMessage{msgType: HandshakeTypeCertificateVerify, body: bytes.Repeat([]byte{0xab}, 64)}
	sender.QueueMessage(hm)
	require.Equal(t, AlertWouldBlock, sender.SendQueuedMessages())

	for i := 0; i < 100; i++ {
		if sender.FlushOutput() == AlertNoAlert {
			break
		}
	}
	require.Equal(t, AlertNoAlert, sender.FlushOutput())

	got, alert := receiver.ReadMessage()
	require.Equal(t, AlertNoAlert, alert)
	require.Equal(t, hm.body, got.body)

	// Hashed exactly once despite the interrupted flush.
	require.Equal(t, hm.Marshal(), sender.transcript.Bytes())
	require.Equal(t, sender.transcript.Snapshot(), receiver.transcript.Snapshot())
}
