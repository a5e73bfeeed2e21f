package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	xssh "golang.org/x/crypto/ssh"
)

func testSigner(t *testing.T) xssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s, err := xssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return s
}

// serveOnce accepts one connection, calls onAuth after the handshake and
// closes done once the client side has gone away.
func serveOnce(ln net.Listener, cfg *xssh.ServerConfig, onAuth func()) (done chan struct{}) {
	done = make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		sc, chans, reqs, err := xssh.NewServerConn(conn, cfg)
		if err != nil {
			return
		}
		onAuth()
		go xssh.DiscardRequests(reqs)
		go func() {
			for nc := range chans {
				_ = nc.Reject(xssh.Prohibited, "no sessions")
			}
		}()
		_ = sc.Wait()
	}()
	return done
}

func TestDialCancelledDuringHandshakeReleasesConnection(t *testing.T) {
	defer goleak.VerifyNone(t)
	hostKey := testSigner(t)
	userKey := testSigner(t)
	srv := &xssh.ServerConfig{NoClientAuth: true}
	srv.AddHostKey(hostKey)

	for i := 0; i < 10; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := serveOnce(ln, srv, cancel)

		cli, err := Dial(ctx, &Client{
			Addr:       ln.Addr().String(),
			User:       "lab",
			Signer:     userKey,
			KnownHosts: xssh.FixedHostKey(hostKey.PublicKey()),
			Timeout:    5 * time.Second,
		})
		if err == nil {
			_ = cli.Close()
		} else {
			require.ErrorIs(t, err, context.Canceled)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server connection left open")
		}
		cancel()
		_ = ln.Close()
	}
}

func TestDialRequiresSigner(t *testing.T) {
	_, err := Dial(context.Background(), &Client{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}
