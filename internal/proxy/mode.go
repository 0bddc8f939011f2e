package proxy

import "fmt"

// Mode selects how the two endpoints of a relay session are obtained.
type Mode string

const (
	ModeListen  Mode = "listen"
	ModeAgent   Mode = "agent"
	ModeForward Mode = "forward"
	ModeHTTP    Mode = "http"
	ModeSOCKS5  Mode = "socks5"
)

// Modes lists every mode in the order they are documented.
var Modes = []Mode{ModeListen, ModeAgent, ModeForward, ModeHTTP, ModeSOCKS5}

func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q", s)
}
