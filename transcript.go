package weft

import (
	"crypto"
	"hash"
)

// transcript accumulates the exact bytes of every handshake message crossing
// the wire, in wire order, and exposes running-hash snapshots for the key
// schedule.
//
// The digest algorithm is not known until the cipher suite has been chosen,
// but the ClientHello (and on the server, possibly more) must still be hashed
// once it is.  Until InitHash is called we retain raw bytes only; InitHash
// absorbs them into the fresh digest.  Raw bytes continue to be retained
// afterwards because the handoff blob needs them.
type transcript struct {
	raw  []byte
	hash hash.Hash
	alg  crypto.Hash
}

func newTranscript() *transcript {
	return &transcript{}
}

// InitHash fixes the digest once negotiation has selected params, and absorbs
// every byte collected so far.  Re-initializing with the same algorithm is a
// no-op; switching algorithms mid-handshake is a programmer error.
func (t *transcript) InitHash(alg crypto.Hash) {
	if t.hash != nil {
		assert(t.alg == alg)
		return
	}
	t.alg = alg
	t.hash = alg.New()
	t.hash.Write(t.raw)
}

func (t *transcript) Initialized() bool {
	return t.hash != nil
}

// Update appends message bytes.  Callers must pass each message's full
// header+body exactly once; partial messages never reach the transcript.
func (t *transcript) Update(data []byte) {
	t.raw = append(t.raw, data...)
	if t.hash != nil {
		t.hash.Write(data)
	}
}

// Snapshot returns the digest over everything appended so far, without
// disturbing the running state.
func (t *transcript) Snapshot() []byte {
	if t.hash == nil {
		panic("weft: transcript snapshot before InitHash")
	}
	return t.hash.Sum(nil)
}

// Bytes returns the retained raw transcript, for handoff serialization.
func (t *transcript) Bytes() []byte {
	return dup(t.raw)
}

// restore replays previously captured transcript bytes into a fresh
// transcript, as if they had just crossed the wire.
func (t *transcript) restore(raw []byte) {
	assert(len(t.raw) == 0)
	t.Update(raw)
}
