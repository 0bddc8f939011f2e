package socks5

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	RepSuccess             = txsocks5.RepSuccess
	RepServerFailure       = txsocks5.RepServerFailure
	RepNetworkUnreachable  = txsocks5.RepNetworkUnreachable
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddressNotSupported = txsocks5.RepAddressNotSupported
)

// WriteReply writes a failure reply with a zero bound address of the same
// family as atyp.
func WriteReply(w io.Writer, rep, atyp byte) error {
	if _, err := newZeroAddrReply(rep, atyp).WriteTo(w); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}

// WriteSuccessReply writes a SOCKS5 success reply using localAddr as the bound
// address. A nil or unparsable localAddr is sent as 0.0.0.0:0.
func WriteSuccessReply(w io.Writer, localAddr net.Addr) error {
	reply := newZeroAddrReply(txsocks5.RepSuccess, txsocks5.ATYPIPv4)
	if localAddr != nil {
		a, addr, port, err := txsocks5.ParseAddress(localAddr.String())
		if err == nil {
			if a == txsocks5.ATYPDomain {
				addr = addr[1:]
			}
			reply = txsocks5.NewReply(txsocks5.RepSuccess, a, addr, port)
		}
	}
	if _, err := reply.WriteTo(w); err != nil {
		return fmt.Errorf("success reply: %w", err)
	}
	return nil
}

// DialErrorReply maps an outbound dial failure to the nearest reply code.
func DialErrorReply(err error) byte {
	if rep, ok := errnoReply(err); ok {
		return rep
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return txsocks5.RepHostUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return txsocks5.RepHostUnreachable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return txsocks5.RepHostUnreachable
	}
	return txsocks5.RepServerFailure
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
