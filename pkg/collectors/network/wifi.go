package network

import (
	"context"
	"errors"
	"strings"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

// WiFi is the value of the wifi_ssid capability.
type WiFi struct {
	Connected bool   `json:"connected"`
	SSID      string `json:"ssid,omitempty"`
	Interface string `json:"interface,omitempty"`
}

func wifiSSID(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux":
		if out, err := env.Run(ctx, "nmcli", "-t", "-f", "ACTIVE,SSID", "dev", "wifi"); err == nil {
			return parseNmcli(string(out)), nil
		}
		out, err := env.Run(ctx, "iwgetid", "-r")
		if err != nil {
			return nil, errors.New("neither nmcli nor iwgetid is available")
		}
		ssid := strings.TrimSpace(string(out))
		return WiFi{Connected: ssid != "", SSID: ssid}, nil
	case "darwin":
		out, err := env.Run(ctx, "networksetup", "-getairportnetwork", "en0")
		if err != nil {
			return nil, err
		}
		return parseAirportNetwork(string(out), "en0"), nil
	}
	return nil, env.Unsupported("wifi_ssid")
}

// parseNmcli parses `nmcli -t -f ACTIVE,SSID dev wifi`, e.g. "yes:HomeNet".
// SSIDs containing ':' are escaped as "\:" by nmcli.
func parseNmcli(out string) WiFi {
	for _, line := range strings.Split(out, "\n") {
		active, ssid, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || active != "yes" {
			continue
		}
		return WiFi{Connected: true, SSID: strings.ReplaceAll(ssid, `\:`, ":")}
	}
	return WiFi{}
}

// parseAirportNetwork parses `networksetup -getairportnetwork en0`:
// "Current Wi-Fi Network: HomeNet" or "You are not associated with an
// AirPort network."
func parseAirportNetwork(out, iface string) WiFi {
	const prefix = "Current Wi-Fi Network:"
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), prefix); ok {
			return WiFi{Connected: true, SSID: strings.TrimSpace(rest), Interface: iface}
		}
	}
	return WiFi{Interface: iface}
}
