package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/die-net/rdnat/internal/auth"
	"github.com/die-net/rdnat/internal/dialer"
	"github.com/die-net/rdnat/internal/testutil"
)

// pipeDialer records every target and returns one end of a net.Pipe. The
// other end is passed to serve, if set, on its own goroutine.
type pipeDialer struct {
	mu      sync.Mutex
	targets []string
	err     error
	serve   func(net.Conn)
}

func (d *pipeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.targets = append(d.targets, address)
	d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	c, peer := net.Pipe()
	if d.serve != nil {
		go d.serve(peer)
	} else {
		go func() { _ = peer.Close() }()
	}
	return c, nil
}

func (d *pipeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.targets...)
}

func negotiateHTTP(t *testing.T, hs *HTTPHandshake, input string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	up, err := hs.Negotiate(context.Background(), bufio.NewReader(strings.NewReader(input)), &out)
	if up != nil {
		_ = up.Close()
	}
	return out.String(), err
}

var bobSecret = auth.Credentials{Username: "bob", Password: "secret"}

func TestHTTPHandshakeConnect(t *testing.T) {
	wrong := auth.Credentials{Username: "bob", Password: "nope"}

	tests := []struct {
		name       string
		creds      auth.Credentials
		anonymous  bool
		header     string
		dialErr    error
		wantStatus string
		wantState  HTTPState
		wantDial   bool
	}{
		{name: "no auth configured", wantStatus: "HTTP/1.1 200 Connection Established\r\n", wantState: HTTPRelayHandoff, wantDial: true},
		{name: "correct credentials", creds: bobSecret, header: bobSecret.BasicHeader(), wantStatus: "HTTP/1.1 200 ", wantState: HTTPRelayHandoff, wantDial: true},
		{name: "missing credentials", creds: bobSecret, wantStatus: "HTTP/1.1 407 ", wantState: HTTPRejectAndClose},
		{name: "wrong credentials", creds: bobSecret, header: wrong.BasicHeader(), wantStatus: "HTTP/1.1 407 ", wantState: HTTPRejectAndClose},
		{name: "not basic", creds: bobSecret, header: "Bearer abc", wantStatus: "HTTP/1.1 407 ", wantState: HTTPRejectAndClose},
		{name: "anonymous allowed", creds: bobSecret, anonymous: true, wantStatus: "HTTP/1.1 200 ", wantState: HTTPRelayHandoff, wantDial: true},
		{name: "anonymous allowed wrong credentials", creds: bobSecret, anonymous: true, header: wrong.BasicHeader(), wantStatus: "HTTP/1.1 407 ", wantState: HTTPRejectAndClose},
		{name: "dial failure", dialErr: errors.New("connection refused"), wantStatus: "HTTP/1.1 502 ", wantState: HTTPRejectAndClose, wantDial: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &pipeDialer{err: tt.dialErr}
			hs := HTTPHandshake{Credentials: tt.creds, AllowAnonymous: tt.anonymous, Dialer: d}

			req := "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n"
			if tt.header != "" {
				req += "Proxy-Authorization: " + tt.header + "\r\n"
			}
			req += "\r\n"

			out, err := negotiateHTTP(t, &hs, req)
			if !strings.HasPrefix(out, tt.wantStatus) {
				t.Fatalf("response %q, want prefix %q", out, tt.wantStatus)
			}
			if hs.State != tt.wantState {
				t.Fatalf("state %s, want %s", hs.State, tt.wantState)
			}
			if (err == nil) != (tt.wantState == HTTPRelayHandoff) {
				t.Fatalf("unexpected error %v", err)
			}
			if got := len(d.dialed()) > 0; got != tt.wantDial {
				t.Fatalf("dialed %v, want %v", d.dialed(), tt.wantDial)
			}
			if tt.wantDial && d.dialed()[0] != "example.com:443" {
				t.Fatalf("dialed %q", d.dialed()[0])
			}
			if strings.HasPrefix(tt.wantStatus, "HTTP/1.1 407") &&
				!strings.Contains(out, "Proxy-Authenticate: Basic realm=\"Proxy\"\r\n") {
				t.Fatalf("407 without challenge: %q", out)
			}
		})
	}
}

func TestHTTPHandshakeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
		code  int
	}{
		{name: "garbage", input: "hello\r\n\r\n", code: http.StatusBadRequest},
		{name: "bad version", input: "CONNECT a:1 SPDY/3\r\n\r\n", code: http.StatusBadRequest},
		{name: "connect without host", input: "CONNECT :443 HTTP/1.1\r\n\r\n", code: http.StatusBadRequest},
		{name: "relative uri without host", input: "GET /index.html HTTP/1.1\r\n\r\n", code: http.StatusBadRequest},
		{name: "https absolute uri", input: "GET https://example.com/ HTTP/1.1\r\n\r\n", code: http.StatusBadRequest},
		{name: "bad header", input: "CONNECT a:1 HTTP/1.1\r\nno colon here\r\n\r\n", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &pipeDialer{}
			hs := HTTPHandshake{Dialer: d}
			out, err := negotiateHTTP(t, &hs, tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if hs.Status != tt.code || !strings.HasPrefix(out, "HTTP/1.1 400 ") {
				t.Fatalf("status %d response %q", hs.Status, out)
			}
			if len(d.dialed()) != 0 {
				t.Fatalf("dialed %v", d.dialed())
			}
		})
	}
}

func TestHTTPHandshakeTruncated(t *testing.T) {
	hs := HTTPHandshake{Dialer: &pipeDialer{}}
	out, err := negotiateHTTP(t, &hs, "CONNECT example.com:443 HTTP/1.1\r\nHost: exa")
	if err == nil {
		t.Fatal("expected error")
	}
	if out != "" || hs.Status != 0 {
		t.Fatalf("wrote %q for a truncated head", out)
	}
}

func TestHTTPHandshakeHeadTooLarge(t *testing.T) {
	input := "CONNECT example.com:443 HTTP/1.1\r\nX-Big: " + strings.Repeat("a", maxRequestHead) + "\r\n\r\n"
	lr := &headLimitReader{r: strings.NewReader(input), n: maxRequestHead}

	var out bytes.Buffer
	hs := HTTPHandshake{Dialer: &pipeDialer{}}
	if _, err := hs.Negotiate(context.Background(), bufio.NewReader(lr), &out); !errors.Is(err, errHeadTooLarge) {
		t.Fatalf("expected errHeadTooLarge, got %v", err)
	}
	if !strings.HasPrefix(out.String(), "HTTP/1.1 431 ") {
		t.Fatalf("response %q", out.String())
	}
}

func TestHTTPHandshakeForwardsPlainRequest(t *testing.T) {
	got := make(chan *http.Request, 1)
	d := &pipeDialer{serve: func(c net.Conn) {
		defer c.Close()
		req, err := http.ReadRequest(bufio.NewReader(c))
		if err != nil {
			t.Error(err)
			return
		}
		got <- req
	}}
	hs := HTTPHandshake{Credentials: bobSecret, Dialer: d}

	out, err := negotiateHTTP(t, &hs, "GET http://example.com/path?q=1 HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"Proxy-Authorization: "+bobSecret.BasicHeader()+"\r\n"+
		"Proxy-Connection: keep-alive\r\n"+
		"Accept: */*\r\n\r\n")
	if err != nil {
		t.Fatal(err)
	}
	if out != "" || hs.Status != 0 {
		t.Fatalf("proxy answered a plain request itself: %q", out)
	}
	if dialed := d.dialed(); len(dialed) != 1 || dialed[0] != "example.com:80" {
		t.Fatalf("dialed %v", dialed)
	}

	select {
	case req := <-got:
		if req.Method != http.MethodGet || req.RequestURI != "/path?q=1" {
			t.Fatalf("origin got %s %s", req.Method, req.RequestURI)
		}
		if req.Host != "example.com" || req.Header.Get("Accept") != "*/*" {
			t.Fatalf("origin got host %q headers %v", req.Host, req.Header)
		}
		if req.Header.Get("Proxy-Authorization") != "" || req.Header.Get("Proxy-Connection") != "" {
			t.Fatalf("proxy headers leaked: %v", req.Header)
		}
		if !req.Close {
			t.Fatal("expected Connection: close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("origin got nothing")
	}
}

func TestHTTPStateString(t *testing.T) {
	if s := HTTPRejectAndClose.String(); s != "reject-and-close" {
		t.Fatalf("got %q", s)
	}
	if s := HTTPState(42).String(); s != "HTTPState(42)" {
		t.Fatalf("got %q", s)
	}
}

// readHead reads a response head and returns its status line.
func readHead(t *testing.T, br *bufio.Reader) string {
	t.Helper()

	var status string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if status == "" {
			status = line
		}
		if line == "\r\n" {
			return status
		}
	}
}

func TestHTTPProxyServerConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	defer echo.Close()

	cfg := testConfig()
	cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})
	cfg.NegotiationTimeout = 2 * time.Second

	ln, err := ListenTCP(ctx, "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() { _ = NewHTTPProxyServer(ctx, cfg).Serve(ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	// Bytes sent right behind the head must reach the target too.
	target := echo.Addr().String()
	if _, err := c.Write([]byte("CONNECT " + target + " HTTP/1.1\r\nHost: " + target + "\r\n\r\nearly")); err != nil {
		t.Fatal(err)
	}

	br := bufio.NewReader(c)
	if status := readHead(t, br); status != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("status %q", status)
	}
	testutil.AssertSend(t, c, br, []byte(" and late"), []byte("early and late"))
}

func TestHTTPProxyServerRequiresAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig()
	cfg.Dialer = &pipeDialer{}
	cfg.Credentials = bobSecret

	ln, err := ListenTCP(ctx, "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() { _ = NewHTTPProxyServer(ctx, cfg).Serve(ln) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatal(err)
	}
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusProxyAuthRequired {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Proxy-Authenticate"); got != `Basic realm="Proxy"` {
		t.Fatalf("challenge %q", got)
	}
}
