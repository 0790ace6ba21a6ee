package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-units"
)

func withHostMemory(t *testing.T, total uint64) {
	t.Helper()
	prev := hostMemory
	hostMemory = func() uint64 { return total }
	t.Cleanup(func() { hostMemory = prev })
}

func TestParseDefaults(t *testing.T) {
	withHostMemory(t, 0)
	cfg, err := Parse([]byte("kernel: Image\n"), "/vm")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CPUs != DefaultCPUs || cfg.Memory != DefaultMemory || cfg.MemoryBase != DefaultMemoryBase {
		t.Fatalf("defaults = %d cpus, %s at %#x", cfg.CPUs, cfg.Memory, cfg.MemoryBase)
	}
	if cfg.Kernel != "/vm/Image" {
		t.Fatalf("kernel = %q, want it resolved against the config dir", cfg.Kernel)
	}
	if cfg.Console != ConsoleStdio || cfg.Network.Backend != NetworkNone || cfg.Cmdline != DefaultCmdline {
		t.Fatalf("console/network/cmdline defaults = %q %q %q", cfg.Console, cfg.Network.Backend, cfg.Cmdline)
	}
}

func TestParseFull(t *testing.T) {
	withHostMemory(t, 64*units.GiB)
	doc := `
cpus: 4
memory: 2GiB
memoryBase: 0x80000000
kernel: /boot/Image
cmdline: console=hvc0
disks:
  - path: root.img
  - path: /data/scratch.img
    readOnly: true
    id: scratch
network:
  backend: gvisor
  hosts:
    registry.local: 10.42.0.9
  forwardDNS: true
  capture: net.pcap
serial: true
balloon:
  enabled: true
  reporting: true
  pageSize: 16KiB
  correctionInterval: 2s
pvlockTimeout: 20ms
`
	cfg, err := Parse([]byte(doc), "/vm")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.CPUs != 4 || cfg.Memory != Size(2*units.GiB) || cfg.MemoryBase != 0x80000000 {
		t.Fatalf("machine = %d cpus, %s at %#x", cfg.CPUs, cfg.Memory, cfg.MemoryBase)
	}
	if len(cfg.Disks) != 2 || cfg.Disks[0].Path != "/vm/root.img" || cfg.Disks[0].ID != "root.img" {
		t.Fatalf("disk 0 = %+v", cfg.Disks[0])
	}
	if !cfg.Disks[1].ReadOnly || cfg.Disks[1].ID != "scratch" {
		t.Fatalf("disk 1 = %+v", cfg.Disks[1])
	}
	if cfg.Network.Subnet != DefaultSubnet {
		t.Fatalf("subnet = %q, want the default", cfg.Network.Subnet)
	}
	if cfg.Network.Capture != "/vm/net.pcap" || !cfg.Serial {
		t.Fatalf("capture = %q, serial = %v", cfg.Network.Capture, cfg.Serial)
	}
	if hosts := cfg.Network.HostsMap(); hosts["registry.local"].String() != "10.42.0.9" {
		t.Fatalf("hosts = %v", hosts)
	}
	if cfg.Balloon.PageSize != 16*units.KiB || cfg.Balloon.CorrectionInterval != 2*time.Second {
		t.Fatalf("balloon = %+v", cfg.Balloon)
	}
	if cfg.PVLockTimeout != 20*time.Millisecond {
		t.Fatalf("pvlockTimeout = %v", cfg.PVLockTimeout)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	withHostMemory(t, 1*units.GiB)
	doc := `
cpus: 100
memory: 4GiB
memoryBase: 0x1000
disks:
  - path: a.img
    id: same
  - path: b.img
    id: same
network:
  backend: carrier-pigeon
console: serial
`
	_, err := Parse([]byte(doc), "/vm")
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
	for _, want := range []string{
		"cpus must be between",
		"exceeds host memory",
		"not 2MiB aligned",
		"kernel is required",
		`duplicate id "same"`,
		`network.backend "carrier-pigeon"`,
		`console "serial"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %q:\n%v", want, err)
		}
	}
}

func TestValidateNetwork(t *testing.T) {
	withHostMemory(t, 0)
	tests := []struct {
		name string
		net  string
		want string
	}{
		{"unixgram needs socket", "backend: unixgram", "network.socket is required"},
		{"bad mac", "backend: none\n  mac: zz", "network.mac"},
		{"ipv6 subnet", "backend: gvisor\n  subnet: fd00::/64", "not an IPv4 prefix"},
		{"bad host", "backend: gvisor\n  hosts:\n    x: nope", "network.hosts[x]"},
		{"capture without backend", "backend: none\n  capture: out.pcap", "network.capture needs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := "kernel: Image\nnetwork:\n  " + tt.net + "\n"
			_, err := Parse([]byte(doc), "/vm")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSizeRejectsGarbage(t *testing.T) {
	withHostMemory(t, 0)
	if _, err := Parse([]byte("kernel: Image\nmemory: lots\n"), "/vm"); err == nil {
		t.Fatal("Parse accepted memory: lots")
	}
	if _, err := Parse([]byte("kernel: Image\nmemory: [1]\n"), "/vm"); err == nil {
		t.Fatal("Parse accepted a sequence as a size")
	}
}

func TestLoadAndWriteTemplate(t *testing.T) {
	withHostMemory(t, 0)
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFilename)

	if err := WriteTemplate(path, Config{Kernel: "Image", Memory: Size(256 * units.MiB)}); err != nil {
		t.Fatalf("WriteTemplate: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "memory: 256MiB") {
		t.Fatalf("template does not use a human size:\n%s", data)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Kernel != filepath.Join(dir, "Image") || cfg.Memory != Size(256*units.MiB) {
		t.Fatalf("loaded %+v", cfg)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("Load of a missing file succeeded")
	}
}
