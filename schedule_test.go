package weft

import (
	"crypto"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testScheduleParams(t *testing.T, suite CipherSuite) CipherSuiteParams {
	t.Helper()
	params, ok := NewCipherSuiteRegistry().Lookup(suite)
	require.True(t, ok)
	return params
}

// The "derived" secret under the zero-PSK early secret is another fixed
// SHA-256 value from the RFC 8448 traces.
func TestDerivedSecretKnownAnswer(t *testing.T) {
	params := testScheduleParams(t, TLS_AES_128_GCM_SHA256)
	earlySecret := HkdfExtract(crypto.SHA256, nil, nil)
	got := deriveSecret(params, earlySecret, labelDerived, emptyHash(crypto.SHA256))
	want := unhex(t, "6f2615a108c702c5678f54fc9dbab69716c076189c48250cebeac3576c3611ba")
	require.Equal(t, want, got)
}

// Full secret tree against the RFC 8448 Section 3 "simple 1-RTT" trace: the
// published x25519 shared secret and transcript hashes must reproduce every
// published secret and every expanded traffic key byte-for-byte.
func TestRFC8448KeySchedule(t *testing.T) {
	params := testScheduleParams(t, TLS_AES_128_GCM_SHA256)

	dheSecret := unhex(t, "8bd4054fb55b9d63fdfbacf9f04b9f0d35e6d63f537563efd46272900f89492d")
	helloHash := unhex(t, "860c06edc07858ee8e78f0e7428c58edd6b43f2ca3e6e95f02ed063cf0e1cad8")
	certVerifyHash := unhex(t, "edb7725fa7a3473b031ec8ef65a2485493900138a2b91291407d7951a06110ed")
	serverFinishedHash := unhex(t, "9608102a0f1ccc6db6250b7b7e417b1a000eaada3daae4777a7686c9ff83df13")

	ks := newKeySchedule(params)
	ks.DeriveEarlySecrets(nil, false)
	require.Equal(t,
		unhex(t, "33ad0a1c607ec03b09e6cd9893680ce210adf300aa1f2660e1b22e10f170f92a"),
		ks.earlySecret)

	ks.DeriveHandshakeSecrets(dheSecret, helloHash)
	require.Equal(t,
		unhex(t, "1dc826e93606aa6fdc0aadc12f741b01046aa6b99f691ed221a9f0ca043fbeac"),
		ks.handshakeSecret)
	require.Equal(t,
		unhex(t, "b3eddb126e067f35a780b3abf45e2d8f3b1a950738f52e9600746a0e27a55a21"),
		ks.clientHandshakeTrafficSecret)
	require.Equal(t,
		unhex(t, "b67b7d690cc16c4e75e54213cb2d37b4e9c912bcded9105d42befd59d391ad38"),
		ks.serverHandshakeTrafficSecret)

	clientHsKeys := makeTrafficKeys(params, ks.clientHandshakeTrafficSecret)
	require.Equal(t, unhex(t, "dbfaa693d1762c5b666af5d950258d01"), clientHsKeys.Keys[labelForKey])
	require.Equal(t, unhex(t, "5bd3c71b836e0b76bb73265f"), clientHsKeys.Keys[labelForIV])
	serverHsKeys := makeTrafficKeys(params, ks.serverHandshakeTrafficSecret)
	require.Equal(t, unhex(t, "3fce516009c21727d0f2e4e86ee403bc"), serverHsKeys.Keys[labelForKey])
	require.Equal(t, unhex(t, "5d313eb2671276ee13000b30"), serverHsKeys.Keys[labelForIV])

	// The server Finished MAC over the trace's CertificateVerify hash.
	require.Equal(t,
		unhex(t, "9b9b141d906337fbd2cbdce71df4deda4ab42c309572cb7fffee5454b78f0718"),
		computeFinishedData(params, ks.serverHandshakeTrafficSecret, certVerifyHash))

	ks.DeriveMasterSecrets(serverFinishedHash)
	require.Equal(t,
		unhex(t, "18df06843d13a08bf2a449844c5f8a478001bc4d4c627984d5a41da8d0402919"),
		ks.masterSecret)
	require.Equal(t,
		unhex(t, "9e40646ce79a7f9dc05af8889bce6552875afa0b06df0087f792ebb7c17504a5"),
		ks.clientTrafficSecret)
	require.Equal(t,
		unhex(t, "a11af9f05531f856ad47116b45a950328204b4f44bfb6b3a4b4f1f3fcb631643"),
		ks.serverTrafficSecret)
	require.Equal(t,
		unhex(t, "fe22f881176eda18eb8f44529e6792c50c9a3f89452f68d8ae311b4309d3cf50"),
		ks.exporterSecret)

	clientApKeys := makeTrafficKeys(params, ks.clientTrafficSecret)
	require.Equal(t, unhex(t, "17422dda596ed5d9acd890e3c63f5051"), clientApKeys.Keys[labelForKey])
	require.Equal(t, unhex(t, "5b78923dee08579033e523d9"), clientApKeys.Keys[labelForIV])
	serverApKeys := makeTrafficKeys(params, ks.serverTrafficSecret)
	require.Equal(t, unhex(t, "9f02283b6c9c07efc26bb9f2ac92e356"), serverApKeys.Keys[labelForKey])
	require.Equal(t, unhex(t, "cf782b88dd83549aadf1e984"), serverApKeys.Keys[labelForIV])
}

func TestScheduleDeterminism(t *testing.T) {
	for _, suite := range []CipherSuite{TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384} {
		params := testScheduleParams(t, suite)

		psk := make([]byte, params.Hash.Size())
		dhe := make([]byte, 32)
		chShHash := make([]byte, params.Hash.Size())
		finHash := make([]byte, params.Hash.Size())
		for _, b := range [][]byte{psk, dhe, chShHash, finHash} {
			_, err := rand.Read(b)
			require.NoError(t, err)
		}

		run := func() *keySchedule {
			ks := newKeySchedule(params)
			ks.DeriveEarlySecrets(psk, true)
			ks.DeriveEarlyTrafficSecrets(chShHash)
			ks.DeriveHandshakeSecrets(dhe, chShHash)
			ks.DeriveMasterSecrets(finHash)
			ks.DeriveResumptionSecret(finHash)
			return ks
		}

		a, b := run(), run()
		require.Equal(t, a.binderKey, b.binderKey)
		require.Equal(t, a.clientEarlyTrafficSecret, b.clientEarlyTrafficSecret)
		require.Equal(t, a.clientHandshakeTrafficSecret, b.clientHandshakeTrafficSecret)
		require.Equal(t, a.serverHandshakeTrafficSecret, b.serverHandshakeTrafficSecret)
		require.Equal(t, a.clientTrafficSecret, b.clientTrafficSecret)
		require.Equal(t, a.serverTrafficSecret, b.serverTrafficSecret)
		require.Equal(t, a.exporterSecret, b.exporterSecret)
		require.Equal(t, a.resumptionSecret, b.resumptionSecret)

		// Client and server secrets at each level must differ.
		require.NotEqual(t, a.clientHandshakeTrafficSecret, a.serverHandshakeTrafficSecret)
		require.NotEqual(t, a.clientTrafficSecret, a.serverTrafficSecret)
	}
}

func TestScheduleBinderLabelSelectsKey(t *testing.T) {
	params := testScheduleParams(t, TLS_AES_128_GCM_SHA256)
	psk := make([]byte, params.Hash.Size())
	_, err := rand.Read(psk)
	require.NoError(t, err)

	ext := newKeySchedule(params)
	ext.DeriveEarlySecrets(psk, false)
	res := newKeySchedule(params)
	res.DeriveEarlySecrets(psk, true)

	require.Equal(t, ext.earlySecret, res.earlySecret)
	require.NotEqual(t, ext.binderKey, res.binderKey)
}

func TestScheduleOrderEnforced(t *testing.T) {
	params := testScheduleParams(t, TLS_AES_128_GCM_SHA256)
	hash := emptyHash(params.Hash)

	require.Panics(t, func() {
		newKeySchedule(params).DeriveHandshakeSecrets(nil, hash)
	})
	require.Panics(t, func() {
		newKeySchedule(params).DeriveMasterSecrets(hash)
	})
	require.Panics(t, func() {
		ks := newKeySchedule(params)
		ks.DeriveEarlySecrets(nil, false)
		ks.DeriveEarlySecrets(nil, false)
	})
	require.Panics(t, func() {
		ks := newKeySchedule(params)
		ks.DeriveEarlySecrets(nil, false)
		ks.DeriveHandshakeSecrets(nil, hash)
		ks.DeriveResumptionSecret(hash)
	})
}

func TestUpdateTrafficSecret(t *testing.T) {
	params := testScheduleParams(t, TLS_AES_128_GCM_SHA256)
	initial := make([]byte, params.Hash.Size())
	_, err := rand.Read(initial)
	require.NoError(t, err)

	// Independent expansion chain.
	want := dup(initial)
	for i := 0; i < 5; i++ {
		want = HkdfExpandLabel(params.Hash, want, labelTrafficUpdate, []byte{}, params.Hash.Size())
	}

	got := dup(initial)
	for i := 0; i < 5; i++ {
		prev := got
		got = updateTrafficSecret(params, got)
		// The retired generation must have been erased in place.
		require.Equal(t, make([]byte, len(prev)), prev)
	}
	require.Equal(t, want, got)
}

func TestExporterTwoStage(t *testing.T) {
	params := testScheduleParams(t, TLS_AES_128_GCM_SHA256)
	exporterSecret := make([]byte, params.Hash.Size())
	_, err := rand.Read(exporterSecret)
	require.NoError(t, err)

	context := []byte("exporter context")
	got := computeExporter(params, exporterSecret, "EXPORTER-test", context, 24)

	// RFC 8446, Section 7.5 by hand.
	secret := HkdfExpandLabel(params.Hash, exporterSecret, "EXPORTER-test", emptyHash(params.Hash), params.Hash.Size())
	h := params.Hash.New()
	h.Write(context)
	want := HkdfExpandLabel(params.Hash, secret, labelExporter, h.Sum(nil), 24)
	require.Equal(t, want, got)

	require.NotEqual(t, got, computeExporter(params, exporterSecret, "EXPORTER-other", context, 24))
	require.NotEqual(t, got, computeExporter(params, exporterSecret, "EXPORTER-test", []byte("other"), 24))
}

func TestResumptionPSKPerNonce(t *testing.T) {
	params := testScheduleParams(t, TLS_AES_128_GCM_SHA256)
	resumptionSecret := make([]byte, params.Hash.Size())
	_, err := rand.Read(resumptionSecret)
	require.NoError(t, err)

	a := resumptionPSK(params, resumptionSecret, []byte{0, 0, 0, 1})
	b := resumptionPSK(params, resumptionSecret, []byte{0, 0, 0, 2})
	require.Len(t, a, params.Hash.Size())
	require.NotEqual(t, a, b)
	require.Equal(t, a, resumptionPSK(params, resumptionSecret, []byte{0, 0, 0, 1}))
}

func TestMakeTrafficKeysSizes(t *testing.T) {
	for _, suite := range []CipherSuite{
		TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256,
	} {
		params := testScheduleParams(t, suite)
		secret := make([]byte, params.Hash.Size())
		_, err := rand.Read(secret)
		require.NoError(t, err)

		keys := makeTrafficKeys(params, secret)
		require.Equal(t, suite, keys.Suite)
		require.Len(t, keys.Keys[labelForKey], params.KeyLen)
		require.Len(t, keys.Keys[labelForIV], params.IvLen)
	}
}

func TestScheduleWipe(t *testing.T) {
	params := testScheduleParams(t, TLS_AES_128_GCM_SHA256)
	ks := newKeySchedule(params)
	ks.DeriveEarlySecrets(nil, false)
	ks.DeriveHandshakeSecrets([]byte{1, 2, 3}, emptyHash(params.Hash))

	secret := ks.clientHandshakeTrafficSecret
	require.NotEqual(t, make([]byte, len(secret)), secret)
	ks.Wipe()
	require.Equal(t, make([]byte, len(secret)), secret)
}
