//go:build unix

package socks5

import (
	"errors"

	txsocks5 "github.com/txthinking/socks5"
	"golang.org/x/sys/unix"
)

func errnoReply(err error) (byte, bool) {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return txsocks5.RepConnectionRefused, true
	case errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.ENETDOWN):
		return txsocks5.RepNetworkUnreachable, true
	case errors.Is(err, unix.EHOSTUNREACH), errors.Is(err, unix.EHOSTDOWN), errors.Is(err, unix.ETIMEDOUT):
		return txsocks5.RepHostUnreachable, true
	}
	return 0, false
}
