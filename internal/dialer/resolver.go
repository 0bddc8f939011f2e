package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
)

// Resolver looks up host names and caches the answers for a fixed TTL.
type Resolver struct {
	net.Resolver
	cache *cache.Cache
}

// NewResolver returns a Resolver caching answers for ttl. A zero ttl
// disables caching.
func NewResolver(ttl time.Duration) *Resolver {
	r := &Resolver{}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// LookupIP resolves host. IP literals are returned without a lookup.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	if r.cache != nil {
		if v, ok := r.cache.Get(host); ok {
			return v.([]net.IP), nil
		}
	}

	ips, err := r.Resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("failed to resolve %q", host)
	}

	if r.cache != nil {
		r.cache.SetDefault(host, ips)
	}
	return ips, nil
}

// Cached reports how many names are currently cached.
func (r *Resolver) Cached() int {
	if r.cache == nil {
		return 0
	}
	return r.cache.ItemCount()
}
