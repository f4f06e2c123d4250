package network

import (
	"context"
	"sync"

	"tailscale.com/client/local"
	"tailscale.com/ipn/ipnstate"
)

// StatusClient abstracts the local Tailscale daemon API for testability.
// *local.Client satisfies it.
type StatusClient interface {
	Status(ctx context.Context) (*ipnstate.Status, error)
}

// NewLocalClient returns a StatusClient backed by tailscaled. An empty
// socketPath uses the platform default. The client is built on first use.
func NewLocalClient(socketPath string) StatusClient {
	return &lazyLocalClient{socketPath: socketPath}
}

type lazyLocalClient struct {
	socketPath string
	once       sync.Once
	client     *local.Client
}

func (c *lazyLocalClient) Status(ctx context.Context) (*ipnstate.Status, error) {
	c.once.Do(func() {
		c.client = &local.Client{}
		if c.socketPath != "" {
			c.client.Socket = c.socketPath
		}
	})
	return c.client.Status(ctx)
}

// Tailnet summarises the tailscale side of vpn_status.
type Tailnet struct {
	BackendState string   `json:"backend_state"`
	Self         string   `json:"self,omitempty"`
	TailscaleIPs []string `json:"tailscale_ips,omitempty"`
	TailnetName  string   `json:"tailnet_name,omitempty"`
	ExitNode     string   `json:"exit_node,omitempty"`
	OnlinePeers  int      `json:"online_peers"`
	TotalPeers   int      `json:"total_peers"`
}

// VPNStatus is the value of the vpn_status capability.
type VPNStatus struct {
	Active     bool     `json:"active"`
	Interfaces []string `json:"interfaces,omitempty"`
	Tailscale  *Tailnet `json:"tailscale,omitempty"`
	Error      string   `json:"tailscale_error,omitempty"`
}

func vpnStatus(ctx context.Context, goos string, ts StatusClient) (any, error) {
	var out VPNStatus

	all, err := adapters(ctx, goos)
	if err == nil {
		for _, a := range all {
			if a.Up && (a.Type == "vpn" || a.Type == "tailscale") {
				out.Interfaces = append(out.Interfaces, a.Name)
			}
		}
	}

	if ts != nil {
		st, serr := ts.Status(ctx)
		switch {
		case serr != nil:
			out.Error = serr.Error()
		case st != nil:
			out.Tailscale = mapTailnet(st)
		}
	}

	out.Active = len(out.Interfaces) > 0 || (out.Tailscale != nil && out.Tailscale.BackendState == "Running")
	if err != nil && out.Tailscale == nil {
		return nil, err
	}
	return out, nil
}

// mapTailnet converts the ipnstate.Status into a Tailnet summary.
func mapTailnet(st *ipnstate.Status) *Tailnet {
	t := &Tailnet{BackendState: st.BackendState}
	if st.Self != nil {
		t.Self = st.Self.HostName
	}
	for _, addr := range st.TailscaleIPs {
		t.TailscaleIPs = append(t.TailscaleIPs, addr.String())
	}
	if st.CurrentTailnet != nil {
		t.TailnetName = st.CurrentTailnet.Name
	}
	for _, pubKey := range st.Peers() {
		ps := st.Peer[pubKey]
		if ps == nil {
			continue
		}
		t.TotalPeers++
		if ps.Online {
			t.OnlinePeers++
		}
		if ps.ExitNode {
			t.ExitNode = ps.HostName
		}
	}
	return t
}
