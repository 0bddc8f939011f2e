// Package dialer provides the outbound dialing used by rdnat.
//
// Every mode that establishes an outbound connection (agent, forward, and
// the two proxy handshakes) goes through the small Dialer interface so tests
// can substitute a fake. The direct implementation resolves names through a
// TTL cache before connecting and applies the configured TCP keepalive.
package dialer
