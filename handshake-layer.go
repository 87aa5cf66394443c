package weft

import (
	"fmt"
)

// HandshakeMessage is one complete logical handshake message: a one-byte
// type, a 24-bit length, and the body.  A message only exists in this form
// once its full header+body has crossed the wire in one direction.
type HandshakeMessage struct {
	msgType HandshakeType
	body    []byte
}

func (hm *HandshakeMessage) Type() HandshakeType {
	return hm.msgType
}

func (hm *HandshakeMessage) Marshal() []byte {
	out := make([]byte, handshakeHeaderLen+len(hm.body))
	out[0] = byte(hm.msgType)
	out[1] = byte(len(hm.body) >> 16)
	out[2] = byte(len(hm.body) >> 8)
	out[3] = byte(len(hm.body))
	copy(out[handshakeHeaderLen:], hm.body)
	return out
}

func (hm *HandshakeMessage) ToBody() (HandshakeMessageBody, error) {
	body := newBodyForType(hm.msgType)
	if body == nil {
		return nil, fmt.Errorf("weft: unsupported message type %d", hm.msgType)
	}
	read, err := body.Unmarshal(hm.body)
	if err != nil {
		return nil, err
	}
	if read != len(hm.body) {
		return nil, fmt.Errorf("weft: trailing bytes in %d message", hm.msgType)
	}
	return body, nil
}

type queuedMessage struct {
	hm     *HandshakeMessage
	hash   bool // feed the transcript when fully written
	queued bool // handed to the record layer (and hashed, if hash)
}

// HandshakeLayer reassembles fragmented handshake records into complete
// messages and serializes outgoing messages, in both cases resuming across
// would-block boundaries without re-hashing or skipping transcript bytes.
// One instance per direction, sharing the connection's transcript.
type HandshakeLayer struct {
	record     *RecordLayer
	transcript *transcript
	label      string

	// Inbound: bytes from handshake records not yet assembled into a
	// complete message.  The cursor state of a partially read message is
	// exactly frameBuffer's length.
	frameBuffer []byte

	// Outbound queue.  Entries stay until flushed so that a would-block in
	// the middle of a flight resumes without duplicating messages.
	queue []*queuedMessage

	// Sink for 0-RTT application data arriving between the first flight and
	// EndOfEarlyData.  Set by the server state machine while early data is
	// accepted; records of application data are a protocol error otherwise.
	earlyDataSink func([]byte)

	// Once the handshake transcript is closed (both Finished delivered),
	// post-handshake messages no longer feed it.
	transcriptDone bool
}

func NewHandshakeLayer(record *RecordLayer, transcript *transcript) *HandshakeLayer {
	return &HandshakeLayer{record: record, transcript: transcript}
}

func (h *HandshakeLayer) SetLabel(label string) {
	h.label = label
	h.record.SetLabel(label)
}

// ReadMessage returns the next complete handshake message, reading as many
// records as needed.  AlertWouldBlock preserves all cursor state for the
// next call.  A complete message is fed to the transcript exactly once,
// here, before it is handed to the caller.
func (h *HandshakeLayer) ReadMessage() (*HandshakeMessage, Alert) {
	for {
		if hm := h.extractMessage(); hm != nil {
			return hm, AlertNoAlert
		}

		pt, err := h.record.ReadRecord()
		if err != nil {
			if isWouldBlock(err) {
				return nil, AlertWouldBlock
			}
			if alert, ok := err.(Alert); ok {
				return nil, alert
			}
			logf(logTypeFrame, "%s read error: %v", h.label, err)
			return nil, AlertInternalError
		}

		switch pt.contentType {
		case RecordTypeHandshake:
			h.frameBuffer = append(h.frameBuffer, pt.fragment...)
		case RecordTypeApplicationData:
			if h.earlyDataSink != nil && pt.epoch == EpochEarlyData {
				h.earlyDataSink(pt.fragment)
				continue
			}
			return nil, AlertUnexpectedMessage
		case RecordTypeAlert:
			if len(pt.fragment) != 2 {
				return nil, AlertDecodeError
			}
			logf(logTypeFrame, "%s received alert %v", h.label, Alert(pt.fragment[1]))
			return nil, Alert(pt.fragment[1])
		default:
			return nil, AlertUnexpectedMessage
		}
	}
}

// extractMessage pops one complete message off the frame buffer, if present,
// and feeds its exact wire bytes to the transcript.
func (h *HandshakeLayer) extractMessage() *HandshakeMessage {
	if len(h.frameBuffer) < handshakeHeaderLen {
		return nil
	}
	bodyLen := (int(h.frameBuffer[1]) << 16) | (int(h.frameBuffer[2]) << 8) | int(h.frameBuffer[3])
	if len(h.frameBuffer) < handshakeHeaderLen+bodyLen {
		return nil
	}

	wireBytes := h.frameBuffer[:handshakeHeaderLen+bodyLen]
	hm := &HandshakeMessage{
		msgType: HandshakeType(wireBytes[0]),
		body:    dup(wireBytes[handshakeHeaderLen:]),
	}
	if !h.transcriptDone {
		h.transcript.Update(wireBytes)
	}
	h.frameBuffer = dup(h.frameBuffer[handshakeHeaderLen+bodyLen:])
	logf(logTypeFrame, "%s read message type=%d len=%d", h.label, hm.msgType, bodyLen)
	return hm
}

// HandshakeMessageFromBody marshals a body into a complete message.
func (h *HandshakeLayer) HandshakeMessageFromBody(body HandshakeMessageBody) (*HandshakeMessage, error) {
	data, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	return &HandshakeMessage{msgType: body.Type(), body: data}, nil
}

// QueueMessage stages an outgoing message.  Nothing is written or hashed
// until SendQueuedMessages.
func (h *HandshakeLayer) QueueMessage(hm *HandshakeMessage) {
	h.queue = append(h.queue, &queuedMessage{hm: hm, hash: !h.transcriptDone})
}

func (h *HandshakeLayer) ClearQueue() {
	h.queue = nil
}

// SendQueuedMessages serializes all staged messages, fragmenting bodies
// across records where needed, then flushes the record layer.  The transcript
// sees each message exactly once, when its full bytes have been handed to the
// record layer; a would-block during the transport flush never re-queues or
// re-hashes.  Returns AlertWouldBlock while the flush is incomplete.
func (h *HandshakeLayer) SendQueuedMessages() Alert {
	for _, qm := range h.queue {
		if qm.queued {
			continue
		}
		wireBytes := qm.hm.Marshal()
		for start := 0; start < len(wireBytes); start += maxFragmentLen {
			end := min(start+maxFragmentLen, len(wireBytes))
			err := h.record.WriteRecord(&TLSPlaintext{
				contentType: RecordTypeHandshake,
				fragment:    wireBytes[start:end],
			})
			if err != nil {
				logf(logTypeFrame, "%s write error: %v", h.label, err)
				return AlertInternalError
			}
		}
		if qm.hash {
			h.transcript.Update(wireBytes)
		}
		qm.queued = true
		logf(logTypeFrame, "%s wrote message type=%d len=%d", h.label, qm.hm.msgType, len(qm.hm.body))
	}
	h.queue = nil

	if err := h.record.Flush(); err != nil {
		if isWouldBlock(err) {
			return AlertWouldBlock
		}
		return AlertInternalError
	}
	return AlertNoAlert
}

// FlushOutput resumes a previously blocked transport flush.
func (h *HandshakeLayer) FlushOutput() Alert {
	if err := h.record.Flush(); err != nil {
		if isWouldBlock(err) {
			return AlertWouldBlock
		}
		return AlertInternalError
	}
	return AlertNoAlert
}
