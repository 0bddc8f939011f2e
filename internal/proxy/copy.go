package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Side identifies one endpoint of a relay pair.
type Side int

const (
	SideNone Side = iota
	SideA
	SideB
)

func (s Side) String() string {
	switch s {
	case SideA:
		return "a"
	case SideB:
		return "b"
	default:
		return "none"
	}
}

// Outcome reports what a Relay call moved and how it ended.
type Outcome struct {
	AToB int64
	BToA int64

	// Err is the first failure that ended the session early, and ErrSide the
	// endpoint it happened on. A context cancellation is reported with
	// ErrSide == SideNone.
	Err     error
	ErrSide Side
}

// Relay copies bytes between a and b in both directions until both
// directions have reached end-of-stream, then closes both.
//
// End-of-stream on one direction half-closes the destination's write side and
// the other direction keeps running. Any read or write error, or ctx being
// done, closes both endpoints at once. Relay never retries.
func Relay(ctx context.Context, a, b net.Conn) Outcome {
	var (
		out       Outcome
		errOnce   sync.Once
		closeOnce sync.Once
		closing   atomic.Bool
	)

	closeBoth := func() {
		closeOnce.Do(func() {
			closing.Store(true)
			_ = a.Close()
			_ = b.Close()
		})
	}

	fail := func(side Side, err error) {
		if closing.Load() {
			// Errors caused by our own Close are not failures.
			return
		}
		errOnce.Do(func() {
			out.Err = err
			out.ErrSide = side
		})
		closeBoth()
	}

	canceled := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(canceled)
		fail(SideNone, context.Cause(ctx))
	})

	var g errgroup.Group
	g.Go(func() error {
		out.AToB = relayHalf(b, a, SideB, SideA, fail, closeBoth)
		return nil
	})
	g.Go(func() error {
		out.BToA = relayHalf(a, b, SideA, SideB, fail, closeBoth)
		return nil
	})
	_ = g.Wait()

	closing.Store(true)
	if !stop() {
		<-canceled
	}
	closeBoth()

	return out
}

// relayHalf copies src to dst. On end-of-stream it propagates a half-close to
// dst; if dst cannot half-close the whole session is closed instead.
func relayHalf(dst, src net.Conn, dstSide, srcSide Side, fail func(Side, error), closeBoth func()) int64 {
	bp := relayBuffers.Get()
	defer relayBuffers.Put(bp)

	n, rerr, werr := copyHalf(dst, src, *bp)
	switch {
	case werr != nil:
		fail(dstSide, fmt.Errorf("write %s: %w", dstSide, werr))
	case rerr != nil:
		fail(srcSide, fmt.Errorf("read %s: %w", srcSide, rerr))
	default:
		if err := closeWrite(dst); err != nil {
			if errors.Is(err, errNoHalfClose) {
				closeBoth()
			} else {
				fail(dstSide, fmt.Errorf("close write %s: %w", dstSide, err))
			}
		}
	}
	return n
}

// copyHalf moves one read at a time into one write, reporting read and
// write failures separately so the failing endpoint can be named.
func copyHalf(dst io.Writer, src io.Reader, buf []byte) (n int64, rerr, werr error) {
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			n += int64(nw)
			if ew != nil {
				return n, nil, ew
			}
			if nw != nr {
				return n, nil, io.ErrShortWrite
			}
		}
		if er != nil {
			if errors.Is(er, io.EOF) {
				return n, nil, nil
			}
			return n, er, nil
		}
	}
}
