package socks5

import (
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"

	"github.com/die-net/rdnat/internal/auth"
)

// ReplyError is returned by the client helpers when the server answers
// with a non-success status.
type ReplyError struct {
	Stage string
	Code  byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5 %s rejected: 0x%02x", e.Stage, e.Code)
}

// ClientDial negotiates with the server on rw and asks it to CONNECT to
// address. It returns the server's bound address on success.
func ClientDial(rw io.ReadWriter, creds auth.Credentials, address string) (string, error) {
	if err := ClientNegotiate(rw, creds, nil); err != nil {
		return "", err
	}
	return ClientConnect(rw, address)
}

// ClientNegotiate offers methods (defaulting to no-auth, plus username/
// password when creds are set) and completes whichever one the server picks.
func ClientNegotiate(rw io.ReadWriter, creds auth.Credentials, methods []byte) error {
	if methods == nil {
		methods = []byte{txsocks5.MethodNone}
		if creds.Enabled() {
			methods = append(methods, txsocks5.MethodUsernamePassword)
		}
	}

	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(rw); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	neg, err := txsocks5.NewNegotiationReplyFrom(rw)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}

	switch neg.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(creds.Username), []byte(creds.Password)).WriteTo(rw); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		rep, err := txsocks5.NewUserPassNegotiationReplyFrom(rw)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if rep.Status != txsocks5.UserPassStatusSuccess {
			return &ReplyError{Stage: "userpass", Code: rep.Status}
		}
		return nil
	default:
		return &ReplyError{Stage: "negotiation", Code: neg.Method}
	}
}

// ClientConnect sends a CONNECT request for address and reads the reply.
func ClientConnect(rw io.ReadWriter, address string) (string, error) {
	atyp, dstAddr, dstPort, err := txsocks5.ParseAddress(address)
	if err != nil {
		return "", fmt.Errorf("parse address: %w", err)
	}
	if atyp == txsocks5.ATYPDomain {
		dstAddr = dstAddr[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, dstAddr, dstPort).WriteTo(rw); err != nil {
		return "", fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(rw)
	if err != nil {
		return "", fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return "", &ReplyError{Stage: "connect", Code: rep.Rep}
	}
	return replyAddress(rep), nil
}

func replyAddress(rep *txsocks5.Reply) string {
	host := net.IP(rep.BndAddr).String()
	if rep.Atyp == txsocks5.ATYPDomain && len(rep.BndAddr) > 0 {
		host = string(rep.BndAddr[1:])
	}
	port := int(rep.BndPort[0])<<8 | int(rep.BndPort[1])
	return net.JoinHostPort(host, fmt.Sprint(port))
}
