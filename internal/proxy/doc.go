// Package proxy implements the rdnat connection strategies: the two-port
// listen-and-pair server, the outbound agent, the fixed-target forwarder, and
// the HTTP and SOCKS5 proxy servers. Each strategy ends up with two
// connections and hands them to Relay.
package proxy
