package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/rdnat/internal/auth"
	"github.com/die-net/rdnat/internal/dialer"
	"github.com/die-net/rdnat/internal/metrics"
	"github.com/die-net/rdnat/internal/socks5"
)

// SOCKS5State is a step of the SOCKS5 handshake.
type SOCKS5State int

const (
	SOCKS5AwaitGreeting SOCKS5State = iota
	SOCKS5MethodSelected
	SOCKS5AuthSubnegotiation
	SOCKS5AwaitRequest
	SOCKS5Connecting
	SOCKS5ReplySent
	SOCKS5RelayHandoff
	SOCKS5RejectAndClose
)

func (s SOCKS5State) String() string {
	switch s {
	case SOCKS5AwaitGreeting:
		return "await-greeting"
	case SOCKS5MethodSelected:
		return "method-selected"
	case SOCKS5AuthSubnegotiation:
		return "auth-subnegotiation"
	case SOCKS5AwaitRequest:
		return "await-request"
	case SOCKS5Connecting:
		return "connecting"
	case SOCKS5ReplySent:
		return "reply-sent"
	case SOCKS5RelayHandoff:
		return "relay-handoff"
	case SOCKS5RejectAndClose:
		return "reject-and-close"
	default:
		return fmt.Sprintf("SOCKS5State(%d)", int(s))
	}
}

// ErrUnsupportedCommand is returned for BIND, UDP ASSOCIATE and unknown
// commands.
var ErrUnsupportedCommand = errors.New("command not supported")

// noReply marks Reply before any request reply has been written.
const noReply = 0xff

// SOCKS5Handshake terminates the SOCKS5 negotiation for one client: method
// selection, optional username/password sub-negotiation, and a CONNECT
// request.
type SOCKS5Handshake struct {
	Credentials    auth.Credentials
	AllowAnonymous bool
	Dialer         dialer.Dialer

	State SOCKS5State
	// Method is the selected authentication method.
	Method byte
	// Target is the requested destination as host:port.
	Target string
	// Reply is the REP code written for the request, or 0xff if none was.
	Reply byte
}

// Negotiate runs the handshake over rw and returns the connection to the
// requested target once the success reply has been written.
func (h *SOCKS5Handshake) Negotiate(ctx context.Context, rw io.ReadWriter) (net.Conn, error) {
	h.State = SOCKS5AwaitGreeting
	h.Reply = noReply

	var (
		req *socks5.Request
		up  net.Conn
	)
	for {
		switch h.State {
		case SOCKS5AwaitGreeting:
			methods, err := socks5.ServerReadGreeting(rw)
			if err != nil {
				return nil, h.reject(err)
			}
			h.Method = socks5.SelectMethod(methods, h.Credentials, h.AllowAnonymous)
			if err := socks5.ServerWriteMethod(rw, h.Method); err != nil {
				return nil, h.reject(err)
			}
			h.State = SOCKS5MethodSelected

		case SOCKS5MethodSelected:
			if h.Method == socks5.MethodUsernamePassword {
				h.State = SOCKS5AuthSubnegotiation
			} else {
				h.State = SOCKS5AwaitRequest
			}

		case SOCKS5AuthSubnegotiation:
			if err := socks5.ServerAuthenticate(rw, h.Credentials); err != nil {
				return nil, h.reject(err)
			}
			h.State = SOCKS5AwaitRequest

		case SOCKS5AwaitRequest:
			var err error
			req, err = socks5.ServerReadRequest(rw)
			switch {
			case errors.Is(err, socks5.ErrAddressNotSupported):
				return nil, h.rejectWithReply(rw, socks5.RepAddressNotSupported, 0, err)
			case errors.Is(err, socks5.ErrMalformedRequest):
				return nil, h.rejectWithReply(rw, socks5.RepServerFailure, 0, err)
			case err != nil:
				return nil, h.reject(err)
			}
			if req.Cmd != socks5.CmdConnect {
				return nil, h.rejectWithReply(rw, socks5.RepCommandNotSupported, req.Atyp,
					fmt.Errorf("%w: 0x%02x", ErrUnsupportedCommand, req.Cmd))
			}
			h.Target = req.Address()
			h.State = SOCKS5Connecting

		case SOCKS5Connecting:
			var err error
			up, err = h.Dialer.DialContext(ctx, "tcp", h.Target)
			if err != nil {
				return nil, h.rejectWithReply(rw, socks5.DialErrorReply(err), req.Atyp, err)
			}
			if err := socks5.WriteSuccessReply(rw, up.LocalAddr()); err != nil {
				_ = up.Close()
				return nil, h.reject(err)
			}
			h.Reply = socks5.RepSuccess
			h.State = SOCKS5ReplySent

		case SOCKS5ReplySent:
			h.State = SOCKS5RelayHandoff
			return up, nil

		default:
			return nil, fmt.Errorf("socks5 handshake in state %s", h.State)
		}
	}
}

func (h *SOCKS5Handshake) reject(err error) error {
	h.State = SOCKS5RejectAndClose
	return err
}

func (h *SOCKS5Handshake) rejectWithReply(w io.Writer, rep, atyp byte, err error) error {
	h.Reply = rep
	_ = socks5.WriteReply(w, rep, atyp)
	return h.reject(err)
}

// SOCKS5Server serves SOCKS5 CONNECT on a listener.
type SOCKS5Server struct {
	ctx context.Context
	cfg Config
	log *logrus.Entry
}

func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, log: cfg.logger().WithField("mode", ModeSOCKS5)}
}

func (s *SOCKS5Server) Serve(ln net.Listener) error {
	return acceptLoop(ln, s.log, func(c net.Conn) { go s.handleConn(c) })
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	log := s.log.WithField("client", addrString(conn.RemoteAddr()))

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	hs := SOCKS5Handshake{
		Credentials:    s.cfg.Credentials,
		AllowAnonymous: s.cfg.AllowAnonymous,
		Dialer:         s.cfg.Dialer,
	}
	up, err := hs.Negotiate(s.ctx, conn)
	if err != nil {
		_ = conn.Close()
		metrics.Handshakes.WithLabelValues(string(ModeSOCKS5), socks5Result(err, hs.Reply)).Inc()
		log.WithError(err).WithFields(logrus.Fields{"state": hs.State, "target": hs.Target}).
			Log(s.cfg.connLevel(), "socks5 request rejected")
		return
	}
	metrics.Handshakes.WithLabelValues(string(ModeSOCKS5), "ok").Inc()
	log.WithField("target", hs.Target).Debug("socks5 request accepted")

	_ = conn.SetDeadline(time.Time{})

	handoff(s.ctx, s.cfg, ModeSOCKS5, conn, up)
}

func socks5Result(err error, rep byte) string {
	switch {
	case errors.Is(err, auth.ErrAuthFailed), errors.Is(err, socks5.ErrNoAcceptableMethods):
		return "auth_failed"
	case errors.Is(err, ErrUnsupportedCommand), errors.Is(err, socks5.ErrAddressNotSupported), errors.Is(err, socks5.ErrMalformedRequest):
		return "rejected"
	case rep == noReply:
		return "transport_error"
	default:
		return "dial_failed"
	}
}
