package dtls

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeWithMatchingDigestSucceeds(t *testing.T) {
	clientCert, err := NewKeyAndCert()
	require.NoError(t, err)
	serverCert, err := NewKeyAndCert()
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type result struct {
		ch  *Channel
		err error
	}
	clientResult := make(chan result, 1)
	serverResult := make(chan result, 1)

	go func() {
		ch, err := Handshake(ctx, clientConn, Params{
			Local:      clientCert,
			PeerDigest: serverCert.Digest,
			Role:       RoleClient,
		})
		clientResult <- result{ch, err}
	}()
	go func() {
		ch, err := Handshake(ctx, serverConn, Params{
			Local:      serverCert,
			PeerDigest: clientCert.Digest,
			Role:       RoleServer,
		})
		serverResult <- result{ch, err}
	}()

	cr := <-clientResult
	sr := <-serverResult
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	assert.Equal(t, Connected, cr.ch.State())
	assert.Equal(t, Connected, sr.ch.State())
}

func TestHandshakeWithWrongDigestFails(t *testing.T) {
	clientCert, err := NewKeyAndCert()
	require.NoError(t, err)
	serverCert, err := NewKeyAndCert()
	require.NoError(t, err)
	wrongCert, err := NewKeyAndCert()
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)

	go func() {
		_, err := Handshake(ctx, clientConn, Params{
			Local:      clientCert,
			PeerDigest: wrongCert.Digest, // does not match serverCert
			Role:       RoleClient,
		})
		clientErr <- err
	}()
	go func() {
		_, err := Handshake(ctx, serverConn, Params{
			Local:      serverCert,
			PeerDigest: clientCert.Digest,
			Role:       RoleServer,
		})
		serverErr <- err
	}()

	assert.Error(t, <-clientErr)
	<-serverErr
}
