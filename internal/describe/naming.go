package describe

import (
	"fmt"
	"net"
	"strings"
)

// ipv4 parses "10.1.2.3" or "10.1.2.3/24".
func ipv4(ip string) (net.IP, error) {
	s := ip
	if strings.Contains(ip, "/") {
		addr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		s = addr.String()
	}
	parsed := net.ParseIP(s)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP address: %s", s)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", s)
	}
	return v4, nil
}

// MACFromIP derives a locally administered MAC address from an IPv4
// address, so a probe domain's interface is recognizable on the bridge.
//
// Example: IP 10.55.22.22 → MAC be:ef:0a:37:16:16
func MACFromIP(ip string) (string, error) {
	v4, err := ipv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x", v4[0], v4[1], v4[2], v4[3]), nil
}

// TapNameFromIP derives the host tap device name from an IPv4 address.
//
// Example: IP 10.55.22.22 → vp0a371616
func TapNameFromIP(ip string) (string, error) {
	v4, err := ipv4(ip)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vp%02x%02x%02x%02x", v4[0], v4[1], v4[2], v4[3]), nil
}
