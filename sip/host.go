package sip

import (
	"errors"
	"net"
)

// ResolveSelfIP returns a non-loopback unicast IPv4 address of this host,
// used as the default Via/Contact host when the embedder configures none.
func ResolveSelfIP() (net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		return ip, nil
	}
	return nil, errors.New("no non-loopback IP address on system")
}
