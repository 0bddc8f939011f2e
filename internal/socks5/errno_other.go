//go:build !unix

package socks5

func errnoReply(error) (byte, bool) {
	return 0, false
}
