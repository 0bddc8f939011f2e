package proxy

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"
)

// aLongTimeAgo is a non-zero deadline in the past, used to interrupt a
// blocked Read.
var aLongTimeAgo = time.Unix(1, 0)

type closeWriter interface {
	CloseWrite() error
}

// bufferedConn is a net.Conn whose reads are served from r, which already
// holds bytes consumed from the connection (a bufio.Reader left over from a
// handshake, or bytes read while waiting for a counterpart).
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func newBufferedConn(c net.Conn, r io.Reader) net.Conn {
	return &bufferedConn{Conn: c, r: r}
}

// newPrefixConn replays prefix before reading from c.
func newPrefixConn(c net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return c
	}
	return newBufferedConn(c, io.MultiReader(bytes.NewReader(prefix), c))
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	return closeWrite(c.Conn)
}

var errNoHalfClose = errors.New("connection does not support half-close")

func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return errNoHalfClose
}

var errHeadTooLarge = errors.New("request head too large")

// headLimitReader fails reads once n bytes have been consumed. A negative n
// lifts the limit.
type headLimitReader struct {
	r io.Reader
	n int64
}

func (l *headLimitReader) Read(p []byte) (int, error) {
	if l.n < 0 {
		return l.r.Read(p)
	}
	if l.n == 0 {
		return 0, errHeadTooLarge
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}

func (l *headLimitReader) unlimit() {
	l.n = -1
}
