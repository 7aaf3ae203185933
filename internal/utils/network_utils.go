package utils

import (
	"net"
	"strings"
)

// cgnatBlock is 100.64.0.0/10. Cloudflare WARP, Tailscale and carrier grade
// NATs use it; direct P2P from there often fails or needs a relay anyway.
var cgnatBlock = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// tunnelMarkers are interface name fragments of VPNs and virtual adapters.
var tunnelMarkers = []string{"tun", "tap", "wg", "ppp", "warp"}

// RelayHint checks if the system is likely behind a restrictive VPN or CGNAT
// and reports whether TURN should be forced, with the reason, e.g.
// "interface wg0 looks like a tunnel".
func RelayHint() (bool, string) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return false, ""
	}

	for _, iface := range interfaces {
		// Ignore loopback and down interfaces
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		var ips []net.IP
		if addrs, err := iface.Addrs(); err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					ips = append(ips, v.IP)
				case *net.IPAddr:
					ips = append(ips, v.IP)
				}
			}
		}

		if force, reason := interfaceSuggestsRelay(iface.Name, ips); force {
			return true, reason
		}
	}

	return false, ""
}

func interfaceSuggestsRelay(name string, ips []net.IP) (bool, string) {
	lower := strings.ToLower(name)
	for _, marker := range tunnelMarkers {
		if strings.Contains(lower, marker) {
			return true, "interface " + name + " looks like a tunnel"
		}
	}

	for _, ip := range ips {
		if cgnatBlock.Contains(ip) {
			return true, "address " + ip.String() + " on " + name + " is in the CGNAT range"
		}
	}
	return false, ""
}
