// Package auth holds the optional username/password pair shared by the HTTP
// and SOCKS5 proxy handshakes.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

// DefaultPassword is used when a username is configured without a password.
const DefaultPassword = "anonymous"

// ErrAuthFailed is returned when presented credentials do not match. It never
// says which of the two fields was wrong.
var ErrAuthFailed = errors.New("authentication failed")

// Credentials is an optional (username, password) pair. The zero value means
// no authentication is configured.
type Credentials struct {
	Username string
	Password string
}

// Parse turns "user[:pass]" into Credentials. An empty string yields the zero
// value; a missing password becomes DefaultPassword.
func Parse(s string) (Credentials, error) {
	if s == "" {
		return Credentials{}, nil
	}
	user, pass, ok := strings.Cut(s, ":")
	if user == "" {
		return Credentials{}, errors.New("empty username")
	}
	if !ok || pass == "" {
		pass = DefaultPassword
	}
	return Credentials{Username: user, Password: pass}, nil
}

// Enabled reports whether a handshake must demand authentication.
func (c Credentials) Enabled() bool {
	return c.Username != ""
}

// Match compares user and pass against c byte-for-byte. Both fields are
// always compared so timing does not reveal which one differed.
func (c Credentials) Match(user, pass []byte) bool {
	u := subtle.ConstantTimeCompare(user, []byte(c.Username))
	p := subtle.ConstantTimeCompare(pass, []byte(c.Password))
	return u&p == 1
}

// BasicHeader returns the value of a Basic authorization header for c.
func (c Credentials) BasicHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// ParseBasic decodes a "Basic <base64(user:pass)>" header value.
func ParseBasic(header string) (user, pass string, ok bool) {
	scheme, encoded, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return user, pass, ok
}
