package dialer

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/die-net/rdnat/internal/testutil"
)

func TestDirectDialerDial(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second, ResolveTTL: time.Minute})

	conn, err := d.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))

	if n := d.Resolver().Cached(); n != 0 {
		t.Fatalf("IP literal should not be cached, got %d entries", n)
	}
}

func TestDirectDialerResolvesAndCaches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	defer echoLn.Close()
	_, port, _ := net.SplitHostPort(echoLn.Addr().String())

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second, ResolveTTL: time.Minute})

	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("localhost", port))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))

	if n := d.Resolver().Cached(); n != 1 {
		t.Fatalf("expected one cached name, got %d", n)
	}
}

func TestDirectDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	d := NewDirectDialer(Config{DialTimeout: 2 * time.Second})
	_, err = d.DialContext(context.Background(), "tcp", addr)
	if !errors.Is(err, syscall.ECONNREFUSED) {
		t.Fatalf("expected connection refused, got %v", err)
	}
}

func TestDirectDialerBadAddress(t *testing.T) {
	t.Parallel()

	d := NewDirectDialer(Config{})
	for _, addr := range []string{"no-port", "127.0.0.1:notaport", "127.0.0.1:70000"} {
		if _, err := d.DialContext(context.Background(), "tcp", addr); err == nil {
			t.Errorf("%q: expected error", addr)
		}
	}
}
