package weft

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrWouldBlock is the transport-level suspension signal.  A non-blocking
// transport returns it (or any error whose WouldBlock() reports true) from
// Read/Write when no progress is possible; the record layer preserves its
// cursor state and surfaces AlertWouldBlock to the driving loop.
var ErrWouldBlock = errors.New("weft: operation would block")

// WouldBlocker lets custom transports signal would-block without using the
// sentinel error value.
type WouldBlocker interface {
	WouldBlock() bool
}

func isWouldBlock(err error) bool {
	if errors.Is(err, ErrWouldBlock) {
		return true
	}
	var wb WouldBlocker
	return errors.As(err, &wb) && wb.WouldBlock()
}

const recordHeaderLen = 5

// TLSPlaintext is one decrypted (or cleartext) record.  The epoch tag records
// which key generation protected it, so a caller can never pair a stale key
// with a fresh sequence number.
type TLSPlaintext struct {
	contentType RecordType
	epoch       Epoch
	fragment    []byte
}

// cipherState is one installed AEAD context: key+IV material, the nonce
// sequence, and the epoch it belongs to.
type cipherState struct {
	epoch  Epoch
	seq    uint64
	aead   cipher.AEAD
	iv     []byte
	keySet KeySet
}

func newCipherState(registry *CipherSuiteRegistry, epoch Epoch, keys KeySet) (*cipherState, error) {
	params := registry.mustLookup(keys.Suite)
	aead, err := params.Cipher(keys.Keys[labelForKey])
	if err != nil {
		return nil, err
	}
	return &cipherState{
		epoch:  epoch,
		aead:   aead,
		iv:     dup(keys.Keys[labelForIV]),
		keySet: keys,
	}, nil
}

// nonce is iv XOR seq, seq in the rightmost 8 bytes (RFC 8446, Section 5.3).
func (cs *cipherState) nonce() []byte {
	out := dup(cs.iv)
	var seqBytes [sequenceNumberLen]byte
	binary.BigEndian.PutUint64(seqBytes[:], cs.seq)
	for i := 0; i < sequenceNumberLen; i++ {
		out[len(out)-sequenceNumberLen+i] ^= seqBytes[i]
	}
	return out
}

func (cs *cipherState) incrementSequence() error {
	cs.seq++
	if cs.seq == 0 {
		return fmt.Errorf("weft: sequence number wrapped")
	}
	return nil
}

// wipe retires the context, erasing key and IV material.
func (cs *cipherState) wipe() {
	if cs == nil {
		return
	}
	wipe(cs.iv)
	cs.keySet.Wipe()
}

// RecordLayer frames and protects records in one direction.  One instance per
// direction per connection; the owning Conn is single-threaded, so there is
// no internal locking.
type RecordLayer struct {
	registry  *CipherSuiteRegistry
	direction Direction
	conn      io.ReadWriter
	label     string

	cipher *cipherState // nil while in the clear

	// Read-side resumable state: a prebuffer injected on handoff restore,
	// then the partially assembled record.
	preBuffer []byte
	header    [recordHeaderLen]byte
	headerLen int
	body      []byte
	bodyLen   int

	// Write-side resumable state: fully framed output not yet accepted by
	// the transport.
	pendingOut []byte
}

func NewRecordLayer(registry *CipherSuiteRegistry, conn io.ReadWriter, direction Direction) *RecordLayer {
	return &RecordLayer{
		registry:  registry,
		direction: direction,
		conn:      conn,
	}
}

func (r *RecordLayer) SetLabel(label string) {
	r.label = label
}

// Epoch reports the current protection epoch for this direction.
func (r *RecordLayer) Epoch() Epoch {
	if r.cipher == nil {
		return EpochClear
	}
	return r.cipher.epoch
}

func (r *RecordLayer) Sequence() uint64 {
	if r.cipher == nil {
		return 0
	}
	return r.cipher.seq
}

// Rekey installs a new cipher state for this direction.  Epochs move strictly
// forward (early -> handshake -> application -> update ...); the retired
// context is erased.  Installing out of order is an integration bug.
func (r *RecordLayer) Rekey(epoch Epoch, keys KeySet) error {
	return r.RekeyWithSequence(epoch, keys, 0)
}

// RekeyWithSequence is Rekey with an explicit starting sequence number; used
// when restoring a handback blob.
func (r *RecordLayer) RekeyWithSequence(epoch Epoch, keys KeySet, seq uint64) error {
	if r.cipher != nil && epoch <= r.cipher.epoch {
		panic(fmt.Sprintf("weft: rekey to epoch %d at epoch %d", epoch, r.cipher.epoch))
	}
	next, err := newCipherState(r.registry, epoch, keys)
	if err != nil {
		return err
	}
	next.seq = seq
	r.cipher.wipe()
	r.cipher = next
	logf(logTypeIO, "%s rekey direction=%d epoch=[%s] seq=%d", r.label, r.direction, epoch.label(), seq)
	return nil
}

// wipe erases the installed cipher state; part of fail-safe teardown.
func (r *RecordLayer) wipeKeys() {
	r.cipher.wipe()
	r.cipher = nil
}

// fill reads from the prebuffer first, then the transport, into buf starting
// at *have.  Returns AlertWouldBlock-compatible errors from the transport
// unchanged.
func (r *RecordLayer) fill(buf []byte, have *int) error {
	for *have < len(buf) {
		if len(r.preBuffer) > 0 {
			n := copy(buf[*have:], r.preBuffer)
			r.preBuffer = r.preBuffer[n:]
			*have += n
			continue
		}
		n, err := r.conn.Read(buf[*have:])
		*have += n
		if err != nil {
			if *have == len(buf) {
				// Got everything before the error surfaced.
				return nil
			}
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

// ReadRecord assembles one record across as many calls as it takes.  A short
// read preserves the exact byte offsets; a would-block error from the
// transport is returned as-is and the next call resumes where this one
// stopped.  Any other transport error is fatal.
func (r *RecordLayer) ReadRecord() (*TLSPlaintext, error) {
	assert(r.direction == DirectionRead)

	if r.headerLen < recordHeaderLen {
		if err := r.fill(r.header[:], &r.headerLen); err != nil {
			return nil, err
		}
		length := int(binary.BigEndian.Uint16(r.header[3:5]))
		if length > maxFragmentLen+256 {
			return nil, AlertRecordOverflow
		}
		r.body = make([]byte, length)
		r.bodyLen = 0
	}

	if err := r.fill(r.body, &r.bodyLen); err != nil {
		return nil, err
	}

	pt, err := r.decrypt(RecordType(r.header[0]), r.body)

	// Record consumed; reset for the next header regardless of outcome.
	r.headerLen = 0
	r.body = nil
	r.bodyLen = 0
	if err != nil {
		return nil, err
	}
	logf(logTypeIO, "%s read record type=%d len=%d epoch=[%s]", r.label, pt.contentType, len(pt.fragment), pt.epoch.label())
	return pt, nil
}

func (r *RecordLayer) decrypt(outerType RecordType, fragment []byte) (*TLSPlaintext, error) {
	if r.cipher == nil {
		return &TLSPlaintext{contentType: outerType, epoch: EpochClear, fragment: fragment}, nil
	}

	if outerType != RecordTypeApplicationData {
		// Alerts may still arrive in the clear between epochs.
		if outerType == RecordTypeAlert {
			return &TLSPlaintext{contentType: outerType, epoch: r.cipher.epoch, fragment: fragment}, nil
		}
		return nil, AlertUnexpectedMessage
	}

	aad := make([]byte, recordHeaderLen)
	aad[0] = byte(RecordTypeApplicationData)
	binary.BigEndian.PutUint16(aad[1:3], tls12Version)
	binary.BigEndian.PutUint16(aad[3:5], uint16(len(fragment)))

	plaintext, err := r.cipher.aead.Open(fragment[:0], r.cipher.nonce(), fragment, aad)
	if err != nil {
		return nil, AlertBadRecordMAC
	}
	if err := r.cipher.incrementSequence(); err != nil {
		return nil, AlertInternalError
	}

	// Strip zero padding, recover the inner content type.
	i := len(plaintext) - 1
	for i >= 0 && plaintext[i] == 0 {
		i--
	}
	if i < 0 {
		return nil, AlertUnexpectedMessage
	}
	return &TLSPlaintext{
		contentType: RecordType(plaintext[i]),
		epoch:       r.cipher.epoch,
		fragment:    plaintext[:i],
	}, nil
}

// WriteRecord frames (and under a cipher, seals) the record into the pending
// output buffer and attempts to push it to the transport.  Framing always
// succeeds; a would-block only delays the transport hand-off, which Flush
// resumes.  Hard write errors are fatal.
func (r *RecordLayer) WriteRecord(pt *TLSPlaintext) error {
	assert(r.direction == DirectionWrite)
	assert(len(pt.fragment) <= maxFragmentLen)

	var out []byte
	if r.cipher == nil {
		out = make([]byte, recordHeaderLen+len(pt.fragment))
		out[0] = byte(pt.contentType)
		binary.BigEndian.PutUint16(out[1:3], tls12Version)
		binary.BigEndian.PutUint16(out[3:5], uint16(len(pt.fragment)))
		copy(out[recordHeaderLen:], pt.fragment)
	} else {
		inner := make([]byte, 0, len(pt.fragment)+1)
		inner = append(inner, pt.fragment...)
		inner = append(inner, byte(pt.contentType))

		sealedLen := len(inner) + r.cipher.aead.Overhead()
		out = make([]byte, recordHeaderLen, recordHeaderLen+sealedLen)
		out[0] = byte(RecordTypeApplicationData)
		binary.BigEndian.PutUint16(out[1:3], tls12Version)
		binary.BigEndian.PutUint16(out[3:5], uint16(sealedLen))
		out = r.cipher.aead.Seal(out, r.cipher.nonce(), inner, out[:recordHeaderLen])
		if err := r.cipher.incrementSequence(); err != nil {
			return err
		}
	}

	r.pendingOut = append(r.pendingOut, out...)
	err := r.Flush()
	if isWouldBlock(err) {
		return nil
	}
	return err
}

// Flush pushes pending framed output to the transport, resuming across
// short writes.  Returns ErrWouldBlock while the transport cannot take more.
func (r *RecordLayer) Flush() error {
	for len(r.pendingOut) > 0 {
		n, err := r.conn.Write(r.pendingOut)
		r.pendingOut = r.pendingOut[n:]
		if err != nil {
			return err
		}
	}
	return nil
}

// PendingFlush reports whether framed output is still waiting on the
// transport.
func (r *RecordLayer) PendingFlush() bool {
	return len(r.pendingOut) > 0
}

// readRestartState captures the bytes of a partially assembled inbound
// record, for the handoff blob.
func (r *RecordLayer) readRestartState() []byte {
	out := dup(r.header[:r.headerLen])
	out = append(out, r.body[:r.bodyLen]...)
	out = append(out, r.preBuffer...)
	return out
}

// injectReadBytes seeds the reader with bytes captured by readRestartState,
// as if they had just arrived from the transport.
func (r *RecordLayer) injectReadBytes(b []byte) {
	r.preBuffer = append(r.preBuffer, b...)
}
