package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// ResolveTTL is how long name lookups are cached. Zero disables the cache.
	ResolveTTL time.Duration
}
