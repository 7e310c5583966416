package main

// address.go centralizes address selection for local CLI commands.

import (
	"fmt"
	"io"
	"net"
	"strconv"
)

func resolveAddrCandidates(addr string, port int, explicitPort bool, stderr io.Writer) []string {
	if addr != "" {
		if explicitPort {
			fmt.Fprintf(stderr, "Warning: --addr overrides --port; using %s\n", addr)
		}
		return []string{addr}
	}
	return defaultAddrCandidates(port)
}

func defaultAddrCandidates(port int) []string {
	portStr := strconv.Itoa(port)
	addrs := []string{"127.0.0.1:" + portStr}
	if ip := tailscaleIP(); ip != "" {
		addrs = append(addrs, ip+":"+portStr)
	}
	if ip := preferredOutboundIP(); ip != "" {
		addrs = append(addrs, ip+":"+portStr)
	}
	return addrs
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", port)
	}
	return nil
}

// preferredOutboundIP returns the local IPv4 address the OS routes public
// traffic through, or "". Dialing UDP sends no packets.
func preferredOutboundIP() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return localAddr.IP.String()
}

// tailscaleNet is the CGNAT range used by Tailscale (100.64.0.0/10).
var tailscaleNet = &net.IPNet{
	IP:   net.IPv4(100, 64, 0, 0),
	Mask: net.CIDRMask(10, 32),
}

// tailscaleIP returns this machine's Tailscale address, or "".
func tailscaleIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil && tailscaleNet.Contains(ip) {
				return ip.String()
			}
		}
	}
	return ""
}
