package weft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandoffResume(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	serverConfig.EnableHandoff = true

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)

	require.Equal(t, AlertWouldBlock, client.Handshake())
	require.Equal(t, AlertHandoffPaused, server.Handshake())
	require.Equal(t, StateServerNegotiated, server.GetHsState())

	blob, err := server.Handoff()
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	// A second process picks the connection up.
	resumedConfig := serverConfig.Clone()
	resumedConfig.EnableHandoff = false
	resumed := Server(sEnd, resumedConfig)
	require.NoError(t, resumed.ApplyHandoff(blob))
	require.Equal(t, StateServerNegotiated, resumed.GetHsState())

	runHandshake(t, client, resumed)
	require.Equal(t, client.ConnectionState().CipherSuite.Suite, resumed.ConnectionState().CipherSuite.Suite)
	requireExportersMatch(t, client, resumed)
	exchange(t, client, resumed, "after handoff")
	exchange(t, resumed, client, "both directions")
}

func TestHandoffWrongRoleAndPoint(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)

	_, err := client.Handoff()
	require.Error(t, err)

	// Without EnableHandoff the server never sits at the handoff point.
	runHandshake(t, client, server)
	_, err = server.Handoff()
	require.Error(t, err)
	_, err = server.Handback()
	require.NoError(t, err) // connected is a handback point, not a handoff one
}

func TestHandoffVersionRejected(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	serverConfig.EnableHandoff = true

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)

	require.Equal(t, AlertWouldBlock, client.Handshake())
	require.Equal(t, AlertHandoffPaused, server.Handshake())

	blob, err := server.Handoff()
	require.NoError(t, err)

	tampered := dup(blob)
	tampered[1] ^= 0xff // version field

	resumedConfig := serverConfig.Clone()
	resumedConfig.EnableHandoff = false
	resumed := Server(sEnd, resumedConfig)
	err = resumed.ApplyHandoff(tampered)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not supported")

	// The rejected blob must not leave partial state behind.
	require.Equal(t, StateInit, resumed.GetHsState())
	require.NoError(t, resumed.ApplyHandoff(blob))
	runHandshake(t, client, resumed)
}

func TestHandbackAfterFinished(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)
	runHandshake(t, client, server)

	exchange(t, client, server, "before handback")
	exchange(t, server, client, "some traffic both ways")

	serverBlob, err := server.Handback()
	require.NoError(t, err)
	clientBlob, err := client.Handback()
	require.NoError(t, err)

	// Applying a server blob to a client connection must fail outright.
	cEndX, _ := pipePair()
	mismatched := Client(cEndX, clientConfig.Clone())
	require.Error(t, mismatched.ApplyHandback(serverBlob))

	resumedServer := Server(sEnd, serverConfig.Clone())
	require.NoError(t, resumedServer.ApplyHandback(serverBlob))
	resumedClient := Client(cEnd, clientConfig.Clone())
	require.NoError(t, resumedClient.ApplyHandback(clientBlob))

	require.Equal(t, StateServerConnected, resumedServer.GetHsState())
	require.Equal(t, StateClientConnected, resumedClient.GetHsState())

	// Sequence numbers carried over; traffic flows in both directions.
	exchange(t, resumedClient, resumedServer, "after handback")
	exchange(t, resumedServer, resumedClient, "and back again")
	requireExportersMatch(t, resumedClient, resumedServer)
	require.NoError(t, resumedClient.SendKeyUpdate(false))
	exchange(t, resumedClient, resumedServer, "after a key update too")
}

func TestHandbackAtClientCert(t *testing.T) {
	clientConfig, serverConfig := basicConfigs(t)
	clientConfig.Certificates = []*Certificate{testCertificate(t, "client.example.com")}
	serverConfig.RequireClientAuth = true
	serverConfig.InsecureSkipVerify = true
	serverConfig.EnableHandoff = true

	cEnd, sEnd := pipePair()
	client := Client(cEnd, clientConfig)
	server := Server(sEnd, serverConfig)

	paused := false
	for i := 0; i < 100 && !paused; i++ {
		ca := client.Handshake()
		require.True(t, ca == AlertNoAlert || ca.IsSuspension(), "client: %v", ca)
		sa := server.Handshake()
		require.True(t, sa == AlertNoAlert || sa.IsSuspension(), "server: %v", sa)
		paused = sa == AlertHandoffPaused && server.GetHsState() == StateServerWaitCV
	}
	require.True(t, paused, "server never reached the client-certificate checkpoint")

	blob, err := server.Handback()
	require.NoError(t, err)

	resumedConfig := serverConfig.Clone()
	resumedConfig.EnableHandoff = false
	resumed := Server(sEnd, resumedConfig)
	require.NoError(t, resumed.ApplyHandback(blob))
	require.Equal(t, StateServerWaitCV, resumed.GetHsState())

	runHandshake(t, client, resumed)
	require.True(t, resumed.ConnectionState().UsingClientAuth)
	require.Len(t, resumed.ConnectionState().PeerCertificates, 1)
	requireExportersMatch(t, client, resumed)
	exchange(t, client, resumed, "client-auth survived the handback")
	exchange(t, resumed, client, "so did the return path")
}
