package weft

import (
	"crypto"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranscriptSnapshotRequiresInit(t *testing.T) {
	tr := newTranscript()
	tr.Update([]byte{1, 0, 0, 1, 0xab})
	require.Panics(t, func() { tr.Snapshot() })
}

func TestTranscriptLateInitAbsorbsRetainedBytes(t *testing.T) {
	first := []byte{1, 0, 0, 2, 0xaa, 0xbb}
	second := []byte{2, 0, 0, 1, 0xcc}

	// Bytes before InitHash, then after.
	late := newTranscript()
	late.Update(first)
	late.InitHash(crypto.SHA256)
	late.Update(second)

	// Hash fixed from the start.
	early := newTranscript()
	early.InitHash(crypto.SHA256)
	early.Update(first)
	early.Update(second)

	require.Equal(t, early.Snapshot(), late.Snapshot())
	require.Equal(t, early.Bytes(), late.Bytes())
}

func TestTranscriptReInitSameAlgorithm(t *testing.T) {
	tr := newTranscript()
	tr.Update([]byte{1, 0, 0, 0})
	tr.InitHash(crypto.SHA256)
	snap := tr.Snapshot()
	tr.InitHash(crypto.SHA256) // no-op
	require.Equal(t, snap, tr.Snapshot())
}

func TestTranscriptSnapshotDoesNotDisturbState(t *testing.T) {
	tr := newTranscript()
	tr.InitHash(crypto.SHA256)
	tr.Update([]byte{1, 0, 0, 1, 0x01})
	first := tr.Snapshot()
	require.Equal(t, first, tr.Snapshot())

	tr.Update([]byte{2, 0, 0, 1, 0x02})
	require.NotEqual(t, first, tr.Snapshot())
}

func TestTranscriptRestore(t *testing.T) {
	orig := newTranscript()
	orig.InitHash(crypto.SHA384)
	orig.Update([]byte{1, 0, 0, 3, 1, 2, 3})
	orig.Update([]byte{2, 0, 0, 1, 9})

	restored := newTranscript()
	restored.restore(orig.Bytes())
	restored.InitHash(crypto.SHA384)

	require.Equal(t, orig.Snapshot(), restored.Snapshot())
	require.Equal(t, orig.Bytes(), restored.Bytes())
}
