package network

import (
	"errors"
	"net"
	"strconv"

	"p2pchat/internal/crypto"
)

// NodeAddr is everything needed to dial a node.
type NodeAddr struct {
	ID    crypto.PeerID `json:"id"`
	Addrs []string      `json:"addrs"`
}

func (a NodeAddr) Validate() error {
	if a.ID.IsZero() {
		return errors.New("node addr: missing id")
	}
	if len(a.Addrs) == 0 {
		return errors.New("node addr: no addresses")
	}
	for _, s := range a.Addrs {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return errors.New("node addr: bad address " + strconv.Quote(s))
		}
	}
	return nil
}

// expandAddr lists dialable addresses for a bound socket. An unspecified IP
// is replaced by the host's interface addresses.
func expandAddr(local *net.UDPAddr) []string {
	if local == nil {
		return nil
	}
	port := strconv.Itoa(local.Port)
	if !local.IP.IsUnspecified() {
		return []string{net.JoinHostPort(local.IP.String(), port)}
	}
	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return []string{net.JoinHostPort("127.0.0.1", port)}
	}
	var out []string
	for _, a := range ifaddrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipnet.IP
		if ip.IsLinkLocalUnicast() || ip.IsMulticast() {
			continue
		}
		if local.IP.To4() != nil && ip.To4() == nil {
			continue
		}
		out = append(out, net.JoinHostPort(ip.String(), port))
	}
	if len(out) == 0 {
		out = append(out, net.JoinHostPort("127.0.0.1", port))
	}
	return out
}
