package proxy

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/rdnat/internal/auth"
	"github.com/die-net/rdnat/internal/dialer"
	"github.com/die-net/rdnat/internal/ledger"
)

type Config struct {
	NegotiationTimeout time.Duration

	KeepAlive net.KeepAliveConfig

	Dialer dialer.Dialer

	// Credentials, when set, are demanded by both proxy handshakes.
	// AllowAnonymous admits clients that present no credentials at all.
	Credentials    auth.Credentials
	AllowAnonymous bool

	Ledger ledger.Ledger
	Logger *logrus.Logger

	// Verbose raises per-connection failures from debug to warning level.
	Verbose bool
}

func (c Config) logger() *logrus.Logger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

func (c Config) ledger() ledger.Ledger {
	if c.Ledger == nil {
		return ledger.Nop{}
	}
	return c.Ledger
}

// connLevel is the level used for errors that only affect one connection.
func (c Config) connLevel() logrus.Level {
	if c.Verbose {
		return logrus.WarnLevel
	}
	return logrus.DebugLevel
}
