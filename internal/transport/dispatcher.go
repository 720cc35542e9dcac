package transport

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/cryptech/hsmcore/internal/rpc"
	"github.com/cryptech/hsmcore/internal/slip"
	"github.com/cryptech/hsmcore/internal/task"
)

// Dispatcher runs spec §4.7's dispatcher task pool: a single reader
// goroutine pulls framed requests off one Link and hands them to a
// configurable number of worker goroutines (default 1, per spec's
// "default 1, up to ~10"), each calling straight into an rpc.Server
// and writing the response back onto the same Link. golang.org/x/sync
// errgroup owns the pool's goroutine lifecycle: the first goroutine to
// return an error cancels the shared context, and Run does not return
// until every goroutine has unwound.
type Dispatcher struct {
	link     *Link
	srv      *rpc.Server
	poolSize int
	bufs     *bufferPool
}

// NewDispatcher wires srv behind link. poolSize <= 0 is treated as 1.
func NewDispatcher(link *Link, srv *rpc.Server, poolSize int) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Dispatcher{
		link:     link,
		srv:      srv,
		poolSize: poolSize,
		bufs:     newBufferPool(slip.DefaultMaxPacket),
	}
}

// Run blocks until ctx is cancelled or the link fails (read error,
// write error, or an oversized frame), at which point every worker
// unwinds and Run returns the first error seen.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	ready := make(chan []byte)

	// Closing the connection once ctx is done unblocks the reader's Recv.
	go func() {
		<-ctx.Done()
		d.link.conn.Close()
	}()

	g.Go(func() error {
		defer close(ready)
		for {
			pkt, err := d.link.Recv()
			if err != nil {
				return err
			}
			buf := append(d.bufs.get(), pkt...)
			select {
			case ready <- buf:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	for i := 0; i < d.poolSize; i++ {
		g.Go(func() error {
			for {
				task.Yield()
				select {
				case req, ok := <-ready:
					if !ok {
						return nil
					}
					resp := d.srv.Dispatch(req)
					d.bufs.put(req[:0])
					if err := d.link.Send(resp); err != nil {
						return err
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}

	return g.Wait()
}
