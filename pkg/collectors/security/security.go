// Package security registers the security capabilities: firewall,
// antivirus and disk_encryption.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/process"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

// Firewall is the value of the firewall capability.
type Firewall struct {
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend"`
	Detail  string `json:"detail,omitempty"`
}

// Antivirus is the value of the antivirus capability.
type Antivirus struct {
	Detected bool     `json:"detected"`
	Products []string `json:"products"`
}

// Volume is one encrypted block device or mount.
type Volume struct {
	Name       string `json:"name"`
	Mountpoint string `json:"mountpoint,omitempty"`
}

// DiskEncryption is the value of the disk_encryption capability.
type DiskEncryption struct {
	Enabled bool     `json:"enabled"`
	Method  string   `json:"method"`
	Volumes []Volume `json:"volumes,omitempty"`
}

// ProcessLister returns the names of running processes.
type ProcessLister func(ctx context.Context) ([]string, error)

// Register adds the security capabilities to reg.
func Register(reg *collectors.Registry, env collectors.Env) error {
	return RegisterWith(reg, env, processNames)
}

// RegisterWith is Register with an explicit process lister.
func RegisterWith(reg *collectors.Registry, env collectors.Env, procs ProcessLister) error {
	env = env.WithDefaults()
	probes := []collectors.Collector{
		collectors.New("firewall", collectors.FamilySecurity, func(ctx context.Context) (any, error) {
			return firewall(ctx, env)
		}),
		collectors.New("antivirus", collectors.FamilySecurity, func(ctx context.Context) (any, error) {
			names, err := procs(ctx)
			if err != nil {
				return nil, err
			}
			return detectAntivirus(names), nil
		}),
		collectors.New("disk_encryption", collectors.FamilySecurity, func(ctx context.Context) (any, error) {
			return diskEncryption(ctx, env)
		}),
	}
	for _, p := range probes {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func firewall(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux":
		if out, err := env.Output(ctx, "ufw", "status"); err == nil {
			return parseUFW(out), nil
		}
		if out, err := env.Output(ctx, "firewall-cmd", "--state"); err == nil {
			return Firewall{Enabled: out == "running", Backend: "firewalld", Detail: out}, nil
		}
		if out, err := env.Output(ctx, "nft", "list", "ruleset"); err == nil {
			return parseNftRuleset(out), nil
		}
		return nil, errors.New("no firewall frontend (ufw, firewalld, nft) is readable")
	case "darwin":
		out, err := env.Output(ctx, "/usr/libexec/ApplicationFirewall/socketfilterfw", "--getglobalstate")
		if err != nil {
			return nil, err
		}
		return Firewall{
			Enabled: strings.Contains(strings.ToLower(out), "enabled"),
			Backend: "application-firewall",
			Detail:  out,
		}, nil
	}
	return nil, env.Unsupported("firewall")
}

// parseUFW parses `ufw status`: "Status: active" or "Status: inactive".
func parseUFW(out string) Firewall {
	fw := Firewall{Backend: "ufw"}
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Status:"); ok {
			fw.Detail = strings.TrimSpace(rest)
			fw.Enabled = fw.Detail == "active"
			break
		}
	}
	return fw
}

// parseNftRuleset counts tables in `nft list ruleset`.
func parseNftRuleset(out string) Firewall {
	tables := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "table ") {
			tables++
		}
	}
	return Firewall{Enabled: tables > 0, Backend: "nftables", Detail: fmt.Sprintf("%d tables", tables)}
}

// avSignatures maps process names to the product they belong to.
var avSignatures = map[string]string{
	"clamd":           "ClamAV",
	"freshclam":       "ClamAV",
	"falcon-sensor":   "CrowdStrike Falcon",
	"falcond":         "CrowdStrike Falcon",
	"wdavdaemon":      "Microsoft Defender",
	"mdatp":           "Microsoft Defender",
	"sentinelagent":   "SentinelOne",
	"sentineld":       "SentinelOne",
	"savd":            "Sophos",
	"sophosscand":     "Sophos",
	"esets_daemon":    "ESET",
	"cbagentd":        "Carbon Black",
	"xprotectservice": "XProtect",
	"mcafee_agent":    "McAfee",
	"symdaemon":       "Symantec",
}

// detectAntivirus matches process names against known endpoint protection
// daemons and returns the sorted set of products found.
func detectAntivirus(names []string) Antivirus {
	found := make(map[string]bool)
	for _, n := range names {
		if product, ok := avSignatures[strings.ToLower(n)]; ok {
			found[product] = true
		}
	}
	out := Antivirus{Products: make([]string, 0, len(found))}
	for p := range found {
		out.Products = append(out.Products, p)
	}
	sort.Strings(out.Products)
	out.Detected = len(out.Products) > 0
	return out
}

func processNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("process list: %w", err)
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		if n, err := p.NameWithContext(ctx); err == nil {
			names = append(names, n)
		}
	}
	return names, nil
}

func diskEncryption(ctx context.Context, env collectors.Env) (any, error) {
	switch env.GOOS {
	case "linux":
		out, err := env.Run(ctx, "lsblk", "-J", "-o", "NAME,TYPE,FSTYPE,MOUNTPOINT")
		if err != nil {
			return nil, err
		}
		return parseLsblk(out)
	case "darwin":
		out, err := env.Output(ctx, "fdesetup", "status")
		if err != nil {
			return nil, err
		}
		return DiskEncryption{Enabled: strings.Contains(out, "FileVault is On"), Method: "filevault"}, nil
	}
	return nil, env.Unsupported("disk_encryption")
}

type blockDevice struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	FSType     *string       `json:"fstype"`
	Mountpoint *string       `json:"mountpoint"`
	Children   []blockDevice `json:"children"`
}

// parseLsblk parses `lsblk -J -o NAME,TYPE,FSTYPE,MOUNTPOINT`. Every device
// of type "crypt" and everything stacked on it counts as encrypted.
func parseLsblk(data []byte) (DiskEncryption, error) {
	var doc struct {
		BlockDevices []blockDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return DiskEncryption{}, fmt.Errorf("lsblk output: %w", err)
	}

	res := DiskEncryption{Method: "luks"}
	var walk func(devs []blockDevice, encrypted bool)
	walk = func(devs []blockDevice, encrypted bool) {
		for _, d := range devs {
			enc := encrypted || d.Type == "crypt"
			if enc {
				v := Volume{Name: d.Name}
				if d.Mountpoint != nil {
					v.Mountpoint = *d.Mountpoint
				}
				res.Volumes = append(res.Volumes, v)
			}
			walk(d.Children, enc)
		}
	}
	walk(doc.BlockDevices, false)
	res.Enabled = len(res.Volumes) > 0
	return res, nil
}
