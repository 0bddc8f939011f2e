package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// acceptBackoff is how long to pause after a failed Accept, e.g. when the
// process is out of file descriptors.
const acceptBackoff = time.Second / 5

// ListenTCP listens on the given address. Accepted connections get
// keepAliveConfig applied by the runtime.
func ListenTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepAliveConfig}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}

	return ln, nil
}

// acceptLoop passes every accepted connection to handle, in accept order.
// handle must not block. Accept failures are logged and retried; it returns
// nil once ln is closed.
func acceptLoop(ln net.Listener, log *logrus.Entry, handle func(net.Conn)) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.WithError(err).Warn("accept failed")
			time.Sleep(acceptBackoff)
			continue
		}
		handle(c)
	}
}
