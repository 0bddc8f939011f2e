package proxy

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/die-net/rdnat/internal/metrics"
)

// ForwardServer relays every accepted connection to one fixed remote
// address. Sessions share nothing but that address.
type ForwardServer struct {
	ctx    context.Context
	cfg    Config
	remote string
	log    *logrus.Entry
}

func NewForwardServer(ctx context.Context, cfg Config, remote string) *ForwardServer {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ForwardServer{
		ctx:    ctx,
		cfg:    cfg,
		remote: remote,
		log:    cfg.logger().WithFields(logrus.Fields{"mode": ModeForward, "remote": remote}),
	}
}

func (s *ForwardServer) Serve(ln net.Listener) error {
	return acceptLoop(ln, s.log, func(c net.Conn) { go s.handleConn(c) })
}

// handleConn dials the remote for conn. A failed dial closes conn without
// retrying: the client has no way to be told to wait.
func (s *ForwardServer) handleConn(conn net.Conn) {
	up, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", s.remote)
	if err != nil {
		_ = conn.Close()
		metrics.DialFailures.WithLabelValues(string(ModeForward)).Inc()
		s.log.WithError(err).WithField("client", addrString(conn.RemoteAddr())).Log(s.cfg.connLevel(), "forward dial failed")
		return
	}

	handoff(s.ctx, s.cfg, ModeForward, conn, up)
}
