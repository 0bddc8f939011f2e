package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/rdnat/internal/auth"
)

const (
	MethodNone             = txsocks5.MethodNone
	MethodUsernamePassword = txsocks5.MethodUsernamePassword
	MethodNoAcceptable     = txsocks5.MethodUnsupportAll
)

var (
	// ErrNoAcceptableMethods is returned after the server has told the client
	// that none of its offered methods are acceptable.
	ErrNoAcceptableMethods = errors.New("no acceptable authentication methods")

	// ErrMalformedRequest wraps protocol violations in a client message.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrAddressNotSupported is returned for an unknown address type.
	ErrAddressNotSupported = errors.New("address type not supported")
)

// Request is a decoded CONNECT-style request.
type Request = txsocks5.Request

// SelectMethod picks the authentication method the server will use given
// the client's offered methods. It returns MethodNoAcceptable when nothing
// fits.
//
// With credentials configured, username/password is required unless
// allowAnonymous admits a client that only offers no-auth.
func SelectMethod(offered []byte, creds auth.Credentials, allowAnonymous bool) byte {
	if creds.Enabled() {
		if containsMethod(offered, txsocks5.MethodUsernamePassword) {
			return txsocks5.MethodUsernamePassword
		}
		if allowAnonymous && containsMethod(offered, txsocks5.MethodNone) {
			return txsocks5.MethodNone
		}
		return MethodNoAcceptable
	}
	if containsMethod(offered, txsocks5.MethodNone) {
		return txsocks5.MethodNone
	}
	return MethodNoAcceptable
}

// ServerReadGreeting reads the client's version/method-offer message. A
// greeting offering no methods yields an empty list, which SelectMethod
// answers with MethodNoAcceptable.
func ServerReadGreeting(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("negotiation request: %w", err)
	}
	if hdr[0] != txsocks5.Ver {
		return nil, fmt.Errorf("negotiation request: %w: %w", ErrMalformedRequest, txsocks5.ErrVersion)
	}
	if hdr[1] == 0 {
		return []byte{}, nil
	}

	neg, err := txsocks5.NewNegotiationRequestFrom(io.MultiReader(bytes.NewReader(hdr[:]), r))
	if err != nil {
		return nil, greetingError(err)
	}
	return neg.Methods, nil
}

// ServerWriteMethod writes the method selection reply.
func ServerWriteMethod(w io.Writer, method byte) error {
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(w); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	if method == MethodNoAcceptable {
		return ErrNoAcceptableMethods
	}
	return nil
}

// ServerAuthenticate runs the username/password sub-negotiation. A failure
// status is written for both unreadable and mismatched credentials.
func ServerAuthenticate(rw io.ReadWriter, creds auth.Credentials) error {
	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(rw)
	if err != nil {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
		return fmt.Errorf("read userpass: %w", err)
	}
	if !creds.Match(urq.Uname, urq.Passwd) {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(rw)
		return auth.ErrAuthFailed
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(rw); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// ServerReadRequest reads a request message. Unknown address types are
// reported as ErrAddressNotSupported; a known type with a bad address (such as
// an empty domain name) and other framing problems as ErrMalformedRequest.
// Plain I/O errors are returned wrapped.
func ServerReadRequest(r io.Reader) (*Request, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	if hdr[0] != txsocks5.Ver {
		return nil, fmt.Errorf("request: %w: %w", ErrMalformedRequest, txsocks5.ErrVersion)
	}
	switch hdr[3] {
	case txsocks5.ATYPIPv4, txsocks5.ATYPDomain, txsocks5.ATYPIPv6:
	default:
		return nil, fmt.Errorf("request: %w: 0x%02x", ErrAddressNotSupported, hdr[3])
	}

	req, err := txsocks5.NewRequestFrom(io.MultiReader(bytes.NewReader(hdr[:]), r))
	switch {
	case err == nil:
		if host, _, _ := net.SplitHostPort(req.Address()); host == "" {
			return nil, fmt.Errorf("request: %w: empty destination host", ErrMalformedRequest)
		}
		return req, nil
	case errors.Is(err, txsocks5.ErrBadRequest), errors.Is(err, txsocks5.ErrVersion):
		return nil, fmt.Errorf("request: %w: %w", ErrMalformedRequest, err)
	default:
		return nil, fmt.Errorf("request: %w", err)
	}
}

func greetingError(err error) error {
	if errors.Is(err, txsocks5.ErrVersion) || errors.Is(err, txsocks5.ErrBadRequest) {
		return fmt.Errorf("negotiation request: %w: %w", ErrMalformedRequest, err)
	}
	return fmt.Errorf("negotiation request: %w", err)
}

func containsMethod(methods []byte, want byte) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}
