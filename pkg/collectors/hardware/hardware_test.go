package hardware

import (
	"context"
	"testing"

	"github.com/spf13/afero"

	"gitlab.com/tinyland/lab/trackit/pkg/collectors"
)

const sampleNvidiaSMI = `NVIDIA GeForce RTX 3080, 535.129.03, 10240, 45, 12
NVIDIA Tesla V100, 535.129.03, 16384, 62, 87
`

const sampleDarwinGPUJSON = `{
  "SPDisplaysDataType": [
    {
      "sppci_model": "Apple M1 Pro",
      "sppci_vendor": "sppci_vendor_Apple",
      "sppci_vram_shared": "16 GB",
      "spdisplays_metalfamily": "Metal 3"
    },
    {
      "sppci_model": "AMD Radeon Pro W6800X",
      "sppci_vendor": "sppci_vendor_amd",
      "sppci_vram": "32768 MB"
    }
  ]
}`

const sampleIOReg = `+-o J316sAP  <class IOPlatformExpertDevice, id 0x100000253, registered, matched, active, busy 0 (0 ms), retain 35>
    {
      "IOPlatformSerialNumber" = "C02XK1ABCDEF"
      "manufacturer" = <"Apple Inc.">
      "model" = <"MacBookPro18,3">
    }
`

func TestParseNvidiaSMI(t *testing.T) {
	gpus := parseNvidiaSMI(sampleNvidiaSMI)
	if len(gpus) != 2 {
		t.Fatalf("expected 2 GPUs, got %d", len(gpus))
	}
	if gpus[0].Name != "NVIDIA GeForce RTX 3080" || gpus[0].Driver != "535.129.03" {
		t.Errorf("gpu[0] = %+v", gpus[0])
	}
	if want := uint64(10240 * 1024 * 1024); gpus[0].VRAM != want {
		t.Errorf("gpu[0].VRAM = %d, want %d", gpus[0].VRAM, want)
	}
	if gpus[0].Temperature != 45 || gpus[1].Utilization != 87 {
		t.Errorf("temperature/utilization parsed wrong: %+v", gpus)
	}
	if len(parseNvidiaSMI("")) != 0 {
		t.Error("empty output should give no GPUs")
	}
}

func TestParseDarwinGPU(t *testing.T) {
	gpus := parseDarwinGPU([]byte(sampleDarwinGPUJSON))
	if len(gpus) != 2 {
		t.Fatalf("expected 2 GPUs, got %d", len(gpus))
	}
	if gpus[0].Vendor != "apple" || gpus[0].Driver != "Metal 3" {
		t.Errorf("gpu[0] = %+v", gpus[0])
	}
	if want := uint64(16 * 1024 * 1024 * 1024); gpus[0].VRAM != want {
		t.Errorf("gpu[0].VRAM = %d, want %d", gpus[0].VRAM, want)
	}
	if gpus[1].Vendor != "amd" || gpus[1].VRAM != uint64(32768*1024*1024) {
		t.Errorf("gpu[1] = %+v", gpus[1])
	}
	if got := parseDarwinGPU([]byte("not json")); len(got) != 0 {
		t.Errorf("invalid JSON gave %d GPUs", len(got))
	}
}

func TestNormalizeVendor(t *testing.T) {
	tests := map[string]string{
		"NVIDIA Corporation":          "nvidia",
		"Intel Corporation":           "intel",
		"sppci_vendor_Apple":          "apple",
		"Advanced Micro Devices":      "amd",
		"ATI Technologies":            "amd",
		" Matrox ":                    "matrox",
		"Matrox Graphics Corporation": "matrox graphics corporation",
		"Realtek Semiconductor Corp.": "realtek semiconductor corp.",
		"sppci_vendor_amd":            "amd",
		"AMD/ATI":                     "amd",
	}
	for in, want := range tests {
		if got := normalizeVendor(in); got != want {
			t.Errorf("normalizeVendor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScanDRM(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/sys/class/drm/card0/device/vendor", []byte("0x8086\n"), 0o644)
	_ = afero.WriteFile(fs, "/sys/class/drm/card0/device/device", []byte("0x9a49\n"), 0o644)
	_ = afero.WriteFile(fs, "/sys/class/drm/card1/device/vendor", []byte("0x1234\n"), 0o644)

	gpus := scanDRM(fs)
	if len(gpus) != 1 {
		t.Fatalf("expected 1 known GPU, got %d: %+v", len(gpus), gpus)
	}
	if gpus[0].Vendor != "intel" || gpus[0].DeviceID != "0x9a49" {
		t.Errorf("gpu = %+v", gpus[0])
	}
}

func TestIORegProperty(t *testing.T) {
	if got := ioregProperty(sampleIOReg, "IOPlatformSerialNumber"); got != "C02XK1ABCDEF" {
		t.Errorf("serial = %q", got)
	}
	if got := ioregProperty(sampleIOReg, "model"); got != "MacBookPro18,3" {
		t.Errorf("model = %q", got)
	}
	if got := ioregProperty(sampleIOReg, "missing"); got != "" {
		t.Errorf("missing = %q", got)
	}
}

func TestSerialNumberLinux(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, dmiDir+"/product_serial", []byte("To Be Filled By O.E.M.\n"), 0o644)
	_ = afero.WriteFile(fs, dmiDir+"/board_serial", []byte("PF2ABCDE\n"), 0o644)
	env := collectors.Env{FS: fs, GOOS: "linux"}.WithDefaults()

	got, err := serialNumber(context.Background(), env)
	if err != nil {
		t.Fatalf("serialNumber: %v", err)
	}
	if got != "PF2ABCDE" {
		t.Errorf("serial = %v, want PF2ABCDE", got)
	}
}

func TestSerialNumberLinuxUnreadable(t *testing.T) {
	env := collectors.Env{FS: afero.NewMemMapFs(), GOOS: "linux"}.WithDefaults()
	if _, err := serialNumber(context.Background(), env); err == nil {
		t.Error("expected an error when DMI is unreadable")
	}
}

func TestMotherboardDarwin(t *testing.T) {
	env := collectors.Env{
		GOOS: "darwin",
		Run: collectors.StubRunner(map[string]string{
			"ioreg -rd1 -c IOPlatformExpertDevice": sampleIOReg,
		}),
	}.WithDefaults()

	got, err := motherboard(context.Background(), env)
	if err != nil {
		t.Fatalf("motherboard: %v", err)
	}
	b := got.(Board)
	if b.Manufacturer != "Apple Inc." || b.Product != "MacBookPro18,3" {
		t.Errorf("board = %+v", b)
	}
}

func TestMotherboardLinux(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, dmiDir+"/board_vendor", []byte("ASUSTeK COMPUTER INC.\n"), 0o644)
	_ = afero.WriteFile(fs, dmiDir+"/board_name", []byte("PRIME X570-PRO\n"), 0o644)
	env := collectors.Env{FS: fs, GOOS: "linux"}.WithDefaults()

	got, err := motherboard(context.Background(), env)
	if err != nil {
		t.Fatalf("motherboard: %v", err)
	}
	if b := got.(Board); b.Product != "PRIME X570-PRO" || b.Manufacturer != "ASUSTeK COMPUTER INC." {
		t.Errorf("board = %+v", b)
	}
}

func TestGPUUnsupportedPlatform(t *testing.T) {
	env := collectors.Env{GOOS: "plan9", FS: afero.NewMemMapFs()}.WithDefaults()
	if _, err := gpuDetails(context.Background(), env); err == nil {
		t.Error("expected unsupported error")
	}
}

func TestRegister(t *testing.T) {
	reg := collectors.NewRegistry()
	if err := Register(reg, collectors.Env{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	want := []string{"cpu", "gpu", "memory", "motherboard", "serial_number", "storage"}
	got := reg.ByFamily()[collectors.FamilyHardware]
	if len(got) != len(want) {
		t.Fatalf("hardware = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("hardware[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestIsVirtualFS(t *testing.T) {
	for _, fs := range []string{"tmpfs", "proc", "overlay", "squashfs"} {
		if !isVirtualFS(fs) {
			t.Errorf("%s should be virtual", fs)
		}
	}
	for _, fs := range []string{"ext4", "apfs", "xfs", "btrfs", "ntfs"} {
		if isVirtualFS(fs) {
			t.Errorf("%s should be real", fs)
		}
	}
}
