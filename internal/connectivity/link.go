package connectivity

import (
	"net"
	"strings"
)

// Kind is the class of network link the terminal is using.
type Kind string

const (
	KindNone     Kind = "none"
	KindUnknown  Kind = "unknown"
	KindEthernet Kind = "ethernet"
	KindWifi     Kind = "wifi"
	KindCellular Kind = "cellular"
)

// LinkFunc reports whether a raw network link is up and its kind.
type LinkFunc func() (up bool, kind Kind)

// SystemLink inspects the host's network interfaces. A link counts as up when
// any non-loopback interface is up and has an address.
func SystemLink() (bool, Kind) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false, KindNone
	}

	best := KindNone
	for _, i := range interfaces {
		if i.Flags&net.FlagUp == 0 || i.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := i.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		if k := interfaceKind(i.Name); rank(k) > rank(best) {
			best = k
		}
	}
	return best != KindNone, best
}

func interfaceKind(name string) Kind {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wi-fi"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return KindWifi
	case strings.HasPrefix(n, "wwan"), strings.HasPrefix(n, "ppp"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "cellular"):
		return KindCellular
	case strings.HasPrefix(n, "en"), strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "ethernet"):
		return KindEthernet
	}
	return KindUnknown
}

// rank orders kinds by preference when several links are up.
func rank(k Kind) int {
	switch k {
	case KindEthernet:
		return 4
	case KindWifi:
		return 3
	case KindCellular:
		return 2
	case KindUnknown:
		return 1
	}
	return 0
}
