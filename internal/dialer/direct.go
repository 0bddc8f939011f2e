package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DirectDialer connects straight to the target, resolving host names through
// its Resolver first.
type DirectDialer struct {
	cfg      Config
	resolver *Resolver
}

func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{cfg: cfg, resolver: NewResolver(cfg.ResolveTTL)}
}

// Resolver returns the resolver used for host names.
func (d *DirectDialer) Resolver() *Resolver {
	return d.resolver
}

// DialContext resolves address and tries each resulting IP in order until one
// connects.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return nil, fmt.Errorf("dial %s %s: invalid port", network, address)
	}

	if d.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout)
		defer cancel()
	}

	ips, err := d.resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	dd := net.Dialer{KeepAliveConfig: d.cfg.KeepAlive}
	var errs []error
	for _, ip := range ips {
		conn, err := dd.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("dial %s %s: %w", network, address, errors.Join(errs...))
}
