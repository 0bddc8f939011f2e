package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/rdnat/internal/auth"
	"github.com/die-net/rdnat/internal/dialer"
	"github.com/die-net/rdnat/internal/metrics"
)

// maxRequestHead bounds the request line plus headers.
const maxRequestHead = 64 << 10

// HTTPState is a step of the HTTP proxy handshake.
type HTTPState int

const (
	HTTPAwaitRequestLine HTTPState = iota
	HTTPAwaitHeaders
	HTTPAuthCheck
	HTTPConnecting
	HTTPRelayHandoff
	HTTPRejectAndClose
)

func (s HTTPState) String() string {
	switch s {
	case HTTPAwaitRequestLine:
		return "await-request-line"
	case HTTPAwaitHeaders:
		return "await-headers"
	case HTTPAuthCheck:
		return "auth-check"
	case HTTPConnecting:
		return "connecting"
	case HTTPRelayHandoff:
		return "relay-handoff"
	case HTTPRejectAndClose:
		return "reject-and-close"
	default:
		return fmt.Sprintf("HTTPState(%d)", int(s))
	}
}

var (
	// ErrMalformedRequest is returned for a request the proxy cannot parse.
	ErrMalformedRequest = errors.New("malformed request")

	errAuthRequired = errors.New("proxy authentication required")
)

// HTTPHandshake terminates the HTTP proxy protocol for one client request.
//
// CONNECT requests are answered with 200 once the target is dialed. Any
// other method must carry an absolute URI (or an origin-form URI plus a Host
// header); its request head is rewritten to origin-form and sent to the
// target, which answers the client itself. Either way everything after the
// head is relayed untouched.
type HTTPHandshake struct {
	Credentials    auth.Credentials
	AllowAnonymous bool
	Dialer         dialer.Dialer

	State  HTTPState
	Method string
	// Target is the host:port dialed.
	Target string
	// Status is what the proxy itself answered, or 0 when it wrote nothing.
	Status int
}

// Negotiate reads one request head from br and writes the proxy's own
// response, if any, to w. On success it returns the connection to the target.
func (h *HTTPHandshake) Negotiate(ctx context.Context, br *bufio.Reader, w io.Writer) (net.Conn, error) {
	tp := textproto.NewReader(br)

	h.State = HTTPAwaitRequestLine
	line, err := tp.ReadLine()
	if err != nil {
		return nil, h.readFailed(w, "read request line", err)
	}
	method, target, proto, ok := parseRequestLine(line)
	if !ok {
		return nil, h.reject(w, http.StatusBadRequest, "", fmt.Errorf("%w: request line %q", ErrMalformedRequest, line))
	}
	h.Method = method

	h.State = HTTPAwaitHeaders
	hdr, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, h.readFailed(w, "read headers", err)
	}

	dest, originURI, err := requestTarget(method, target, hdr)
	if err != nil {
		return nil, h.reject(w, http.StatusBadRequest, "", err)
	}
	h.Target = dest

	h.State = HTTPAuthCheck
	if err := h.authorize(hdr); err != nil {
		return nil, h.reject(w, http.StatusProxyAuthRequired, "Proxy-Authenticate: Basic realm=\"Proxy\"\r\n", err)
	}

	h.State = HTTPConnecting
	up, err := h.Dialer.DialContext(ctx, "tcp", dest)
	if err != nil {
		return nil, h.reject(w, http.StatusBadGateway, "", err)
	}

	if method == http.MethodConnect {
		_, err = io.WriteString(w, "HTTP/1.1 200 Connection Established\r\n\r\n")
		h.Status = http.StatusOK
	} else {
		err = writeOriginHead(up, method, originURI, proto, hdr)
	}
	if err != nil {
		_ = up.Close()
		h.State = HTTPRejectAndClose
		return nil, fmt.Errorf("write response: %w", err)
	}

	h.State = HTTPRelayHandoff
	return up, nil
}

func (h *HTTPHandshake) authorize(hdr textproto.MIMEHeader) error {
	if !h.Credentials.Enabled() {
		return nil
	}
	v := hdr.Get("Proxy-Authorization")
	if v == "" {
		if h.AllowAnonymous {
			return nil
		}
		return errAuthRequired
	}
	user, pass, ok := auth.ParseBasic(v)
	if !ok || !h.Credentials.Match([]byte(user), []byte(pass)) {
		return auth.ErrAuthFailed
	}
	return nil
}

// readFailed rejects malformed or oversized heads with a response; a plain
// transport failure leaves nothing to answer.
func (h *HTTPHandshake) readFailed(w io.Writer, what string, err error) error {
	var perr textproto.ProtocolError
	switch {
	case errors.Is(err, errHeadTooLarge):
		return h.reject(w, http.StatusRequestHeaderFieldsTooLarge, "", fmt.Errorf("%s: %w", what, err))
	case errors.As(err, &perr):
		return h.reject(w, http.StatusBadRequest, "", fmt.Errorf("%s: %w: %w", what, ErrMalformedRequest, err))
	}
	h.State = HTTPRejectAndClose
	return fmt.Errorf("%s: %w", what, err)
}

func (h *HTTPHandshake) reject(w io.Writer, code int, extraHeaders string, err error) error {
	h.State = HTTPRejectAndClose
	h.Status = code
	body := http.StatusText(code)
	if code == http.StatusBadGateway {
		body = err.Error()
	}
	_, _ = writeError(w, code, extraHeaders, body)
	return err
}

// writeError simulates http.Error() on a raw connection.
func writeError(w io.Writer, code int, extraHeaders, body string) (int, error) {
	return fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n%sContent-Type: text/plain; charset=utf-8\r\nConnection: close\r\n\r\n%s\r\n", code, http.StatusText(code), extraHeaders, body)
}

func parseRequestLine(line string) (method, target, proto string, ok bool) {
	method, rest, ok1 := strings.Cut(line, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.ContainsAny(target, " \t") {
		return "", "", "", false
	}
	major, _, ok := http.ParseHTTPVersion(proto)
	if !ok || major != 1 {
		return "", "", "", false
	}
	return method, target, proto, true
}

// requestTarget extracts the host:port to dial and, for non-CONNECT requests,
// the origin-form URI to send upstream.
func requestTarget(method, target string, hdr textproto.MIMEHeader) (dest, originURI string, err error) {
	if method == http.MethodConnect {
		authority := target
		if authority == "" {
			authority = hdr.Get("Host")
		}
		dest, err := withDefaultPort(authority, "443")
		if err != nil {
			return "", "", err
		}
		return dest, "", nil
	}

	u, err := url.ParseRequestURI(target)
	if err != nil {
		return "", "", fmt.Errorf("%w: target %q", ErrMalformedRequest, target)
	}
	host := u.Host
	if u.IsAbs() {
		if !strings.EqualFold(u.Scheme, "http") {
			return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrMalformedRequest, u.Scheme)
		}
	} else {
		host = hdr.Get("Host")
	}
	dest, err = withDefaultPort(host, "80")
	if err != nil {
		return "", "", err
	}
	if host != "" && hdr.Get("Host") == "" {
		hdr.Set("Host", host)
	}
	return dest, u.RequestURI(), nil
}

func withDefaultPort(hostport, port string) (string, error) {
	if hostport == "" {
		return "", fmt.Errorf("%w: missing target host", ErrMalformedRequest)
	}
	host, p, err := net.SplitHostPort(hostport)
	if err != nil {
		host, p = strings.Trim(hostport, "[]"), port
	}
	if host == "" || p == "" {
		return "", fmt.Errorf("%w: bad target %q", ErrMalformedRequest, hostport)
	}
	return net.JoinHostPort(host, p), nil
}

// writeOriginHead sends the request head to the origin without the
// proxy-only headers and asks it to close after one response.
func writeOriginHead(w io.Writer, method, uri, proto string, hdr textproto.MIMEHeader) error {
	h := http.Header(hdr).Clone()
	h.Del("Proxy-Authorization")
	h.Del("Proxy-Connection")
	h.Set("Connection", "close")

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s %s\r\n", method, uri, proto)
	if err := h.Write(bw); err != nil {
		return err
	}
	_, _ = bw.WriteString("\r\n")
	return bw.Flush()
}

// HTTPProxyServer serves the HTTP proxy on a listener.
type HTTPProxyServer struct {
	ctx context.Context
	cfg Config
	log *logrus.Entry
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &HTTPProxyServer{ctx: ctx, cfg: cfg, log: cfg.logger().WithField("mode", ModeHTTP)}
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return acceptLoop(ln, s.log, func(c net.Conn) { go s.handleConn(c) })
}

func (s *HTTPProxyServer) handleConn(conn net.Conn) {
	log := s.log.WithField("client", addrString(conn.RemoteAddr()))

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	lr := &headLimitReader{r: conn, n: maxRequestHead}
	br := bufio.NewReader(lr)
	hs := HTTPHandshake{
		Credentials:    s.cfg.Credentials,
		AllowAnonymous: s.cfg.AllowAnonymous,
		Dialer:         s.cfg.Dialer,
	}

	up, err := hs.Negotiate(s.ctx, br, conn)
	if err != nil {
		_ = conn.Close()
		metrics.Handshakes.WithLabelValues(string(ModeHTTP), handshakeResult(hs.Status)).Inc()
		log.WithError(err).WithFields(logrus.Fields{"state": hs.State, "status": hs.Status, "target": hs.Target}).
			Log(s.cfg.connLevel(), "http proxy request rejected")
		return
	}
	metrics.Handshakes.WithLabelValues(string(ModeHTTP), "ok").Inc()
	log.WithFields(logrus.Fields{"method": hs.Method, "target": hs.Target}).Debug("http proxy request accepted")

	_ = conn.SetDeadline(time.Time{})
	lr.unlimit()

	handoff(s.ctx, s.cfg, ModeHTTP, newBufferedConn(conn, br), up)
}

func handshakeResult(status int) string {
	switch status {
	case 0:
		return "transport_error"
	case http.StatusProxyAuthRequired:
		return "auth_failed"
	case http.StatusBadGateway:
		return "dial_failed"
	default:
		return "rejected"
	}
}
