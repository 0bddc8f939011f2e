package proxy

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/die-net/rdnat/internal/ledger"
	"github.com/die-net/rdnat/internal/metrics"
)

const ledgerTimeout = 2 * time.Second

// handoff runs one relay session between a and b and records it in the log,
// the metrics, and the ledger. It blocks until the session is over.
func handoff(ctx context.Context, cfg Config, mode Mode, a, b net.Conn) Outcome {
	entry := ledger.Entry{
		ID:      uuid.NewString(),
		Mode:    string(mode),
		Left:    addrString(a.RemoteAddr()),
		Right:   addrString(b.RemoteAddr()),
		Started: time.Now(),
	}
	log := cfg.logger().WithFields(logrus.Fields{
		"mode":    mode,
		"session": entry.ID,
		"left":    entry.Left,
		"right":   entry.Right,
	})

	recordLedger(ctx, log, entry, func(lctx context.Context) error {
		return cfg.ledger().Open(lctx, entry)
	})

	active := metrics.ActiveSessions.WithLabelValues(string(mode))
	active.Inc()
	log.Debug("relay started")

	out := Relay(ctx, a, b)

	active.Dec()
	metrics.RelayedBytes.WithLabelValues(string(mode), "a_to_b").Add(float64(out.AToB))
	metrics.RelayedBytes.WithLabelValues(string(mode), "b_to_a").Add(float64(out.BToA))

	result := "ok"
	log = log.WithFields(logrus.Fields{
		"a_to_b":   out.AToB,
		"b_to_a":   out.BToA,
		"duration": time.Since(entry.Started).Round(time.Millisecond),
	})
	if out.Err != nil {
		result = "error"
		log.WithError(out.Err).WithField("side", out.ErrSide).Log(cfg.connLevel(), "relay ended with error")
	} else {
		log.Debug("relay finished")
	}
	metrics.SessionsTotal.WithLabelValues(string(mode), result).Inc()

	totals := ledger.Totals{LeftToRight: out.AToB, RightToLeft: out.BToA, Failed: out.Err != nil}
	recordLedger(ctx, log, entry, func(lctx context.Context) error {
		return cfg.ledger().Close(lctx, entry, totals)
	})

	return out
}

// recordLedger runs fn with a short deadline that survives ctx being done,
// so a session cut by shutdown is still closed out.
func recordLedger(ctx context.Context, log *logrus.Entry, entry ledger.Entry, fn func(context.Context) error) {
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := fn(lctx); err != nil {
		log.WithError(err).Warn("ledger update failed")
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
