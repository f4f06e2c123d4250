// Package network registers the network capabilities: network_adapters,
// public_ip, wifi_ssid and vpn_status.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	gnet "github.com/shirou/gopsutil/v4/net"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

// Adapter describes one network interface.
type Adapter struct {
	Name string   `json:"name"`
	Type string   `json:"type"` // "ethernet", "wifi", "tailscale", "vpn", "loopback", "virtual"
	MAC  string   `json:"mac,omitempty"`
	MTU  int      `json:"mtu"`
	Up   bool     `json:"up"`
	IPv4 []string `json:"ipv4,omitempty"`
	IPv6 []string `json:"ipv6,omitempty"`
}

// Register adds the network capabilities to reg. The vpn_status probe talks
// to tailscaled through the LocalAPI socket configured in env.
func Register(reg *collectors.Registry, env collectors.Env) error {
	env = env.WithDefaults()
	return RegisterWith(reg, env, NewLocalClient(env.TailscaleSocket))
}

// RegisterWith is Register with an explicit tailscale status client.
func RegisterWith(reg *collectors.Registry, env collectors.Env, ts StatusClient) error {
	env = env.WithDefaults()
	probes := []collectors.Collector{
		collectors.New("network_adapters", collectors.FamilyNetwork, func(ctx context.Context) (any, error) {
			return adapters(ctx, env.GOOS)
		}),
		collectors.New("public_ip", collectors.FamilyNetwork, func(ctx context.Context) (any, error) {
			return publicIP(ctx, env.HTTPClient, env.PublicIPURL)
		}),
		collectors.New("wifi_ssid", collectors.FamilyNetwork, func(ctx context.Context) (any, error) {
			return wifiSSID(ctx, env)
		}),
		collectors.New("vpn_status", collectors.FamilyNetwork, func(ctx context.Context) (any, error) {
			return vpnStatus(ctx, env.GOOS, ts)
		}),
	}
	for _, p := range probes {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func adapters(ctx context.Context, goos string) ([]Adapter, error) {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("interfaces: %w", err)
	}
	return toAdapters(ifaces, goos), nil
}

func toAdapters(ifaces gnet.InterfaceStatList, goos string) []Adapter {
	out := make([]Adapter, 0, len(ifaces))
	for _, iface := range ifaces {
		a := Adapter{
			Name: iface.Name,
			Type: classifyNIC(iface.Name, goos),
			MAC:  iface.HardwareAddr,
			MTU:  iface.MTU,
			Up:   slices.Contains(iface.Flags, "up"),
		}
		for _, addr := range iface.Addrs {
			ip := extractIP(addr.Addr)
			if ip == "" {
				continue
			}
			if strings.Contains(ip, ":") {
				a.IPv6 = append(a.IPv6, ip)
			} else {
				a.IPv4 = append(a.IPv4, ip)
			}
		}
		out = append(out, a)
	}
	return out
}

// classifyNIC classifies a network interface by its name and OS.
func classifyNIC(name, goos string) string {
	lower := strings.ToLower(name)

	switch {
	case strings.HasPrefix(lower, "lo"):
		return "loopback"
	case strings.HasPrefix(lower, "tailscale"):
		return "tailscale"
	case strings.HasPrefix(lower, "wg"), strings.HasPrefix(lower, "tun"),
		strings.HasPrefix(lower, "tap"), strings.HasPrefix(lower, "ppp"),
		strings.HasPrefix(lower, "ipsec"), strings.HasPrefix(lower, "utun"):
		return "vpn"
	case strings.HasPrefix(lower, "veth"), strings.HasPrefix(lower, "br-"),
		strings.HasPrefix(lower, "docker"), strings.HasPrefix(lower, "cni"),
		strings.HasPrefix(lower, "flannel"), strings.HasPrefix(lower, "vxlan"),
		strings.HasPrefix(lower, "virbr"):
		return "virtual"
	}

	switch goos {
	case "darwin":
		switch {
		case strings.HasPrefix(lower, "en"):
			return "ethernet"
		case strings.HasPrefix(lower, "awdl"), strings.HasPrefix(lower, "llw"), strings.HasPrefix(lower, "ap"):
			return "wifi"
		}
		return "virtual"
	case "linux":
		switch {
		case strings.HasPrefix(lower, "eth"), strings.HasPrefix(lower, "enp"),
			strings.HasPrefix(lower, "eno"), strings.HasPrefix(lower, "ens"), strings.HasPrefix(lower, "enx"):
			return "ethernet"
		case strings.HasPrefix(lower, "wl"), strings.HasPrefix(lower, "ww"):
			return "wifi"
		}
		return "virtual"
	}

	if strings.HasPrefix(lower, "eth") {
		return "ethernet"
	}
	if strings.HasPrefix(lower, "wl") {
		return "wifi"
	}
	return "virtual"
}

// extractIP strips the CIDR mask from an address like "192.168.1.1/24".
func extractIP(addr string) string {
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		return addr[:idx]
	}
	return addr
}

func publicIP(ctx context.Context, client *http.Client, url string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("public ip lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("public ip lookup: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("public ip lookup: %w", err)
	}
	return parsePublicIP(body)
}

// parsePublicIP accepts either {"ip": "..."} or a bare address.
func parsePublicIP(body []byte) (string, error) {
	var doc struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &doc); err == nil && doc.IP != "" {
		return doc.IP, nil
	}
	s := strings.TrimSpace(string(body))
	if s == "" || strings.ContainsAny(s, " {}<>") {
		return "", errors.New("public ip lookup: unrecognised response")
	}
	return s, nil
}
