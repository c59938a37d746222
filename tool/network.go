package tool

import (
	"fmt"
	"net"
	"strings"
)

// SelfNetworkInfo represents one local IPv4 address together with the
// interface it belongs to and its subnet.
type SelfNetworkInfo struct {
	InterfaceName string `json:"interface_name"`
	IPAddress     string `json:"ip_address"`
	Subnet        string `json:"subnet"`
	Number        string `json:"number"`
	NumberInt     int    `json:"number_int"`
}

// RejectUnsupportNetworkInterface filters interfaces that are useless for
// LAN discovery: down, loopback, or virtual (tun/vpn/container bridges).
func RejectUnsupportNetworkInterface(iface *net.Interface) bool {
	if iface == nil {
		return true
	}
	if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
		return true
	}
	name := strings.ToLower(iface.Name)
	for _, prefix := range []string{"tun", "tap", "utun", "wg", "zt", "docker", "veth", "br-", "virbr"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// GetSelfNetworkInfos returns all valid local network interfaces with their
// IP, subnet, and segment number. Tun/vpn and loopback interfaces are
// ignored. The number is derived from the last octet of the IP address,
// e.g. 192.168.3.12 -> #12.
func GetSelfNetworkInfos() []SelfNetworkInfo {
	var result []SelfNetworkInfo

	interfaces, err := net.Interfaces()
	if err != nil {
		DefaultLogger.Errorf("Failed to get network interfaces: %v", err)
		return result
	}

	for i := range interfaces {
		iface := interfaces[i]
		if RejectUnsupportNetworkInterface(&iface) {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLoopback() {
				continue
			}

			lastOctet := int(ip[3])
			result = append(result, SelfNetworkInfo{
				InterfaceName: iface.Name,
				IPAddress:     ip.String(),
				Subnet:        ipnet.String(),
				Number:        fmt.Sprintf("#%d", lastOctet),
				NumberInt:     lastOctet,
			})
		}
	}

	return result
}

// SubnetHosts expands an IPv4 subnet into its host addresses, capped to
// /16-sized ranges so a misconfigured interface cannot explode a scan.
func SubnetHosts(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %v", cidr, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("subnet %q is not IPv4", cidr)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones > 16 {
		return nil, fmt.Errorf("subnet %q too large to scan", cidr)
	}

	var hosts []string
	for cursor := ip4.Mask(ipnet.Mask); ipnet.Contains(cursor); cursor = nextIPv4(cursor) {
		host := make(net.IP, len(cursor))
		copy(host, cursor)
		hosts = append(hosts, host.String())
	}
	// Drop network and broadcast addresses when the range has them.
	if len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}

func nextIPv4(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}
