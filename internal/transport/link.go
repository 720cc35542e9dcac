// Package transport implements the framed link and dispatcher pool
// sitting between a net.Conn and internal/rpc (spec §4.7, §5). The
// original firmware has exactly one UART link and one or a handful of
// dispatcher tasks pulling requests off it; this package models that
// over a Go net.Conn (TCP in cmd/hsmd, an in-process net.Pipe in
// tests) instead of register-level DMA, which spec §1
// excludes.
package transport

import (
	"io"
	"net"
	"sync"

	"github.com/cryptech/hsmcore/internal/herr"
	"github.com/cryptech/hsmcore/internal/slip"
)

// Link frames rpc.Server/rpc.Client's raw request/response packets
// over a net.Conn using SLIP (spec §4.6, §6.1). It implements
// rpc.Link, so an *rpc.Client can talk directly to a remote hsmd
// through one of these.
type Link struct {
	conn net.Conn
	dec  *slip.Decoder

	mu      sync.Mutex
	readBuf []byte
	pending [][]byte
}

// NewLink wraps conn. maxPacket bounds an individual decoded packet
// (spec §6.1's "Maximum packet size... (configurable)"); 0 selects
// slip.DefaultMaxPacket.
func NewLink(conn net.Conn, maxPacket int) *Link {
	return &Link{
		conn:    conn,
		dec:     slip.NewDecoder(maxPacket),
		readBuf: make([]byte, 4096),
	}
}

// Send SLIP-frames pkt and writes it to the underlying connection.
// Safe for concurrent use: Dispatcher's worker pool writes responses
// from multiple goroutines sharing one Link, so writes are serialized
// here to keep frames from interleaving on the wire.
func (l *Link) Send(pkt []byte) error {
	framed := slip.Encode(pkt)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.conn.Write(framed); err != nil {
		return herr.New(herr.RPCTransport, "transport.Link.Send", err)
	}
	return nil
}

// Recv blocks until one complete SLIP frame has arrived and returns
// its decoded payload. It is not safe for concurrent use by multiple
// goroutines — Dispatcher serializes all reads through a single
// reader goroutine, matching the original firmware's single UART
// reader.
func (l *Link) Recv() ([]byte, error) {
	for len(l.pending) == 0 {
		n, err := l.conn.Read(l.readBuf)
		if n > 0 {
			ferr := l.dec.FeedAll(l.readBuf[:n], func(pkt []byte) error {
				l.pending = append(l.pending, pkt)
				return nil
			})
			if ferr != nil {
				return nil, herr.New(herr.RPCPacketOverflow, "transport.Link.Recv", ferr)
			}
		}
		if len(l.pending) > 0 {
			break
		}
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, herr.New(herr.RPCTransport, "transport.Link.Recv", err)
		}
	}
	packet := l.pending[0]
	l.pending = l.pending[1:]
	return packet, nil
}
