package transport

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/cryptech/hsmcore/internal/hashsig"
	"github.com/cryptech/hsmcore/internal/keystore"
	"github.com/cryptech/hsmcore/internal/keystore/voldriver"
	"github.com/cryptech/hsmcore/internal/pkey"
	"github.com/cryptech/hsmcore/internal/rpc"
)

func newTestServer(t *testing.T) *rpc.Server {
	t.Helper()
	store, err := keystore.Open(voldriver.New(32))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.SetKEK(bytes.Repeat([]byte{0x7A}, 32)); err != nil {
		t.Fatalf("set kek: %v", err)
	}
	pk, err := pkey.NewManager(store, nil)
	if err != nil {
		t.Fatalf("new pkey manager: %v", err)
	}
	return rpc.NewServer(store, nil, pk, hashsig.NewStore(store))
}

// TestDispatcherRoundTrip drives a real rpc.Client over a net.Pipe
// pair framed by Link and served by a Dispatcher, exercising the SLIP
// framing and the worker pool end to end rather than calling
// rpc.Server.Dispatch directly.
func TestDispatcherRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	srv := newTestServer(t)
	serverLink := NewLink(serverConn, 0)
	disp := NewDispatcher(serverLink, srv, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- disp.Run(ctx) }()

	clientLink := NewLink(clientConn, 0)
	client := rpc.NewClient(clientLink, 0xABCD)

	version, err := client.GetVersion()
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if version != rpc.ProtocolVersion {
		t.Fatalf("got version %#x, want %#x", version, rpc.ProtocolVersion)
	}

	buf, err := client.GetRandom(8)
	if err != nil {
		t.Fatalf("get random: %v", err)
	}
	if len(buf) != 8 {
		t.Fatalf("got %d random bytes, want 8", len(buf))
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("dispatcher did not shut down after cancel")
	}
}

// TestDispatcherConcurrentRequests sends several back-to-back requests
// through a four-worker pool, checking that each call gets a valid
// response of its own.
func TestDispatcherConcurrentRequests(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	srv := newTestServer(t)
	disp := NewDispatcher(NewLink(serverConn, 0), srv, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.Run(ctx)

	client := rpc.NewClient(NewLink(clientConn, 0), 1)
	for i := 0; i < 5; i++ {
		if _, err := client.GetVersion(); err != nil {
			t.Fatalf("get version iteration %d: %v", i, err)
		}
	}
}
