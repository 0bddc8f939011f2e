// Package socks5 provides the SOCKS5 wire layer used by rdnat.
//
// It wraps the low-level message types in github.com/txthinking/socks5 so the
// handshake state machine in internal/proxy never touches raw bytes: greeting
// and method selection, username/password sub-negotiation (RFC 1929), CONNECT
// request parsing, and replies including the mapping from dial failures to
// reply codes.
//
// The client half exists so the server can be exercised end to end in tests.
package socks5
