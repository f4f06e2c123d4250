package other

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

const (
	sampleCgroupDocker = `12:devices:/docker/abc123def456
0::/system.slice/docker-abc123def456.scope`
	sampleCgroupLXC    = `12:devices:/lxc/mycontainer`
	sampleCgroupHost   = `0::/init.scope`
	sampleCgroupPodman = `0::/machine.slice/libpod-abc123.scope`
	sampleCgroupK8s    = `0::/kubepods.slice/kubepods-burstable.slice/cri-containerd-1.scope`
)

func noEnv(string) string { return "" }

func TestParseCgroup(t *testing.T) {
	tests := map[string]string{
		sampleCgroupDocker: "docker",
		sampleCgroupLXC:    "lxc",
		sampleCgroupHost:   "",
		sampleCgroupPodman: "podman",
		sampleCgroupK8s:    "kubernetes",
	}
	for in, want := range tests {
		if got := parseCgroup(in); got != want {
			t.Errorf("parseCgroup(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDetectContainer(t *testing.T) {
	fs := afero.NewMemMapFs()
	if c := detectContainer(fs, noEnv); c.InContainer {
		t.Errorf("empty fs = %+v", c)
	}

	_ = afero.WriteFile(fs, "/.dockerenv", nil, 0o644)
	if c := detectContainer(fs, noEnv); !c.InContainer || c.Runtime != "docker" {
		t.Errorf("dockerenv = %+v", c)
	}

	env := func(k string) string {
		if k == "container" {
			return "Podman"
		}
		return ""
	}
	if c := detectContainer(afero.NewMemMapFs(), env); c.Runtime != "podman" {
		t.Errorf("env var = %+v", c)
	}
}

func TestDetectContainerFromCgroup(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/proc/1/cgroup", []byte(sampleCgroupLXC), 0o644)
	if c := detectContainer(fs, noEnv); c.Runtime != "lxc" {
		t.Errorf("cgroup = %+v", c)
	}
}

func TestAssetTag(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/sys/class/dmi/id/chassis_asset_tag", []byte("IT-00421\n"), 0o644)

	cfg := collectors.Env{AssetTag: "LAB-7", FS: fs, GOOS: "linux"}
	if got := assetTag(cfg); got.Tag != "LAB-7" || got.Source != "config" {
		t.Errorf("config = %+v", got)
	}
	cfg.AssetTag = ""
	if got := assetTag(cfg); got.Tag != "IT-00421" || got.Source != "dmi" {
		t.Errorf("dmi = %+v", got)
	}
	if got := assetTag(collectors.Env{FS: afero.NewMemMapFs(), GOOS: "linux"}); got.Source != "none" {
		t.Errorf("none = %+v", got)
	}
}

func TestLinuxBattery(t *testing.T) {
	fs := afero.NewMemMapFs()
	if b := linuxBattery(fs); b.Present {
		t.Errorf("no battery = %+v", b)
	}

	_ = afero.WriteFile(fs, "/sys/class/power_supply/BAT0/capacity", []byte("76\n"), 0o644)
	_ = afero.WriteFile(fs, "/sys/class/power_supply/BAT0/status", []byte("Discharging\n"), 0o644)
	b := linuxBattery(fs)
	if !b.Present || b.Percent != 76 || b.Status != "discharging" || b.Plugged {
		t.Errorf("battery = %+v", b)
	}
}

func TestParsePmset(t *testing.T) {
	out := "Now drawing from 'Battery Power'\n -InternalBattery-0 (id=4325475)\t82%; discharging; 4:12 remaining present: true\n"
	b := parsePmset(out)
	if !b.Present || b.Percent != 82 || b.Status != "discharging" || b.Plugged {
		t.Errorf("battery = %+v", b)
	}

	desktop := parsePmset("Now drawing from 'AC Power'\n")
	if desktop.Present || !desktop.Plugged {
		t.Errorf("desktop = %+v", desktop)
	}
}

func TestBatteryStatusDarwin(t *testing.T) {
	env := collectors.Env{
		GOOS: "darwin",
		Run: collectors.StubRunner(map[string]string{
			"pmset -g batt": "Now drawing from 'AC Power'\n -InternalBattery-0 (id=1)\t100%; charged; 0:00 remaining present: true\n",
		}),
	}.WithDefaults()
	v, err := batteryStatus(context.Background(), env)
	if err != nil {
		t.Fatalf("batteryStatus: %v", err)
	}
	if b := v.(Battery); b.Percent != 100 || b.Status != "charged" || !b.Plugged {
		t.Errorf("battery = %+v", b)
	}
}

func TestRegister(t *testing.T) {
	reg := collectors.NewRegistry()
	if err := Register(reg, collectors.Env{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := reg.ByFamily()[collectors.FamilyOther]; len(got) != 5 {
		t.Errorf("other = %v", got)
	}
}
