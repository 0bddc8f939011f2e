package proxy

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/die-net/rdnat/internal/dialer"
	"github.com/die-net/rdnat/internal/testutil"
)

func serveForward(t *testing.T, ctx context.Context, cfg Config, remote string) net.Listener {
	t.Helper()

	ln, err := ListenTCP(ctx, "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	s := NewForwardServer(ctx, cfg, remote)
	go func() { _ = s.Serve(ln) }()
	return ln
}

func TestForwardUnreachableRemoteClosesClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.Dialer = dialer.DialerFunc(func(_ context.Context, network, address string) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	})
	ln := serveForward(t, ctx, cfg, "10.0.0.5:9999")

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	b, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("expected clean close, got %v", err)
	}
	if len(b) != 0 {
		t.Fatalf("expected no bytes, got %q", b)
	}
}

func TestForwardRelaysToRemote(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	cfg := testConfig()
	cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: time.Second})
	ln := serveForward(t, ctx, cfg, echo.Addr().String())

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	testutil.AssertEcho(t, c, c, []byte("through the forwarder"))

	// Half-closing the client ends the echo, which ends the session.
	if err := c.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if b, err := io.ReadAll(c); err != nil || len(b) != 0 {
		t.Fatalf("expected EOF, got %q %v", b, err)
	}
}

func TestForwardRemoteSpeaksFirst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote, wait := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		_, _ = c.Write([]byte("220 ready\r\n"))
		_, _ = io.Copy(io.Discard, c)
	})
	defer wait()

	cfg := testConfig()
	cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: time.Second})
	ln := serveForward(t, ctx, cfg, remote.Addr().String())

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len("220 ready\r\n"))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "220 ready\r\n" {
		t.Fatalf("got %q", buf)
	}
}
