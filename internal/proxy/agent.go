package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/rdnat/internal/metrics"
)

// DefaultAgentRetryDelay is the pause between failed pairing attempts.
const DefaultAgentRetryDelay = time.Second

// AgentConnector repeatedly dials two fixed addresses and relays them to each
// other, one session at a time.
type AgentConnector struct {
	cfg        Config
	addrX      string
	addrY      string
	retryDelay time.Duration
	log        *logrus.Entry
}

func NewAgentConnector(cfg Config, addrX, addrY string, retryDelay time.Duration) *AgentConnector {
	return &AgentConnector{
		cfg:        cfg,
		addrX:      addrX,
		addrY:      addrY,
		retryDelay: retryDelay,
		log: cfg.logger().WithFields(logrus.Fields{
			"mode": ModeAgent,
			"x":    addrX,
			"y":    addrY,
		}),
	}
}

// Run dials and relays until ctx is done. A failed attempt is retried
// without limit after the retry delay; a finished session is followed
// straight away by the next attempt.
func (c *AgentConnector) Run(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		x, y, err := c.dialPair(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			metrics.DialFailures.WithLabelValues(string(ModeAgent)).Inc()
			c.log.WithError(err).WithField("attempt", attempt).Log(c.cfg.connLevel(), "pairing attempt failed")
			if !sleepContext(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		handoff(ctx, c.cfg, ModeAgent, x, y)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// dialPair dials both addresses concurrently. If either fails the other one
// is canceled or closed.
func (c *AgentConnector) dialPair(ctx context.Context) (net.Conn, net.Conn, error) {
	var x, y net.Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		x, err = c.cfg.Dialer.DialContext(gctx, "tcp", c.addrX)
		if err != nil {
			return fmt.Errorf("dial %s: %w", c.addrX, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		y, err = c.cfg.Dialer.DialContext(gctx, "tcp", c.addrY)
		if err != nil {
			return fmt.Errorf("dial %s: %w", c.addrY, err)
		}
		return nil
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if x != nil {
			_ = x.Close()
		}
		if y != nil {
			_ = y.Close()
		}
		return nil, nil, err
	}
	return x, y, nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
