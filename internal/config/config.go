// Package config loads the machine description a ccvmm process boots.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/hashicorp/go-multierror"
	"github.com/pbnjay/memory"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFilename   = "ccvmm.yaml"
	DefaultCPUs       = 1
	DefaultMemory     = Size(512 * units.MiB)
	DefaultMemoryBase = 0x4000_0000
	DefaultCmdline    = "console=hvc0 root=/dev/vda rw"
	DefaultSubnet     = "10.42.0.0/24"

	// MaxCPUs bounds the redistributor region the machine reserves.
	MaxCPUs = 64

	memoryBaseAlignment = 2 * units.MiB
)

// Network backend kinds.
const (
	NetworkNone     = "none"
	NetworkUnixgram = "unixgram"
	NetworkGvisor   = "gvisor"
)

// Console modes.
const (
	ConsoleStdio = "stdio"
	ConsoleNone  = "none"
)

var ErrInvalid = errors.New("config: invalid machine configuration")

// hostMemory reports the host's physical memory; zero means unknown.
var hostMemory = memory.TotalMemory

// Size is a byte count written in YAML as a human size such as 512MiB or 2g.
type Size uint64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := units.RAMInBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	if n < 0 {
		return fmt.Errorf("line %d: negative size %q", value.Line, value.Value)
	}
	*s = Size(n)
	return nil
}

func (s Size) MarshalYAML() (any, error) { return s.String(), nil }

func (s Size) String() string { return units.BytesSize(float64(s)) }

// Config describes one virtual machine.
type Config struct {
	CPUs       int    `yaml:"cpus"`
	Memory     Size   `yaml:"memory"`
	MemoryBase uint64 `yaml:"memoryBase,omitempty"`

	Kernel  string `yaml:"kernel"`
	Initrd  string `yaml:"initrd,omitempty"`
	Cmdline string `yaml:"cmdline,omitempty"`

	Disks   []Disk  `yaml:"disks,omitempty"`
	Network Network `yaml:"network"`
	Console string  `yaml:"console,omitempty"`
	Balloon Balloon `yaml:"balloon"`

	// Serial adds a PL011 UART on the console output for earlycon and
	// ttyAMA0.
	Serial bool `yaml:"serial,omitempty"`

	// PVLockTimeout bounds how long a vCPU parks on a paravirtual lock.
	PVLockTimeout time.Duration `yaml:"pvlockTimeout,omitempty"`
}

type Disk struct {
	Path     string `yaml:"path"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
	// ID is reported to the guest for GET_ID; defaults to the file name.
	ID string `yaml:"id,omitempty"`
}

type Network struct {
	Backend string `yaml:"backend"`
	MAC     string `yaml:"mac,omitempty"`
	MTU     uint16 `yaml:"mtu,omitempty"`

	// Socket is the peer's datagram socket for the unixgram backend and
	// Local the address this end binds.
	Socket string `yaml:"socket,omitempty"`
	Local  string `yaml:"local,omitempty"`

	// Subnet, Hosts and ForwardDNS configure the gvisor backend.
	Subnet     string            `yaml:"subnet,omitempty"`
	Hosts      map[string]string `yaml:"hosts,omitempty"`
	ForwardDNS bool              `yaml:"forwardDNS,omitempty"`

	// Capture records every frame to a pcap file.
	Capture string `yaml:"capture,omitempty"`
}

type Balloon struct {
	Enabled      bool `yaml:"enabled"`
	Reporting    bool `yaml:"reporting,omitempty"`
	DeflateOnOOM bool `yaml:"deflateOnOOM,omitempty"`
	// PageSize is the reclaim granularity; zero uses the host page size.
	PageSize           Size          `yaml:"pageSize,omitempty"`
	CorrectionInterval time.Duration `yaml:"correctionInterval,omitempty"`
}

func (c *Config) normalize() {
	if c.CPUs == 0 {
		c.CPUs = DefaultCPUs
	}
	if c.Memory == 0 {
		c.Memory = DefaultMemory
	}
	if c.MemoryBase == 0 {
		c.MemoryBase = DefaultMemoryBase
	}
	if c.Cmdline == "" {
		c.Cmdline = DefaultCmdline
	}
	if c.Console == "" {
		c.Console = ConsoleStdio
	}
	if c.Network.Backend == "" {
		c.Network.Backend = NetworkNone
	}
	if c.Network.Backend == NetworkGvisor && c.Network.Subnet == "" {
		c.Network.Subnet = DefaultSubnet
	}
	if c.Network.MAC == "" {
		c.Network.MAC = "02:cc:00:00:00:02"
	}
	for i := range c.Disks {
		if c.Disks[i].ID == "" {
			c.Disks[i].ID = filepath.Base(c.Disks[i].Path)
		}
	}
}

// resolve makes relative file references relative to dir.
func (c *Config) resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Kernel = abs(c.Kernel)
	c.Initrd = abs(c.Initrd)
	for i := range c.Disks {
		c.Disks[i].Path = abs(c.Disks[i].Path)
	}
	c.Network.Capture = abs(c.Network.Capture)
	if c.Network.Backend == NetworkUnixgram {
		c.Network.Socket = abs(c.Network.Socket)
		c.Network.Local = abs(c.Network.Local)
	}
}

// Validate reports every problem with c, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf(format, args...))
	}

	if c.CPUs < 1 || c.CPUs > MaxCPUs {
		add("cpus must be between 1 and %d, got %d", MaxCPUs, c.CPUs)
	}

	page := uint64(os.Getpagesize())
	switch {
	case c.Memory == 0:
		add("memory must be non-zero")
	case uint64(c.Memory)%page != 0:
		add("memory %s is not a multiple of the %d byte page size", c.Memory, page)
	}
	if total := hostMemory(); total != 0 && uint64(c.Memory) > total {
		add("memory %s exceeds host memory %s", c.Memory, Size(total))
	}
	if c.MemoryBase%memoryBaseAlignment != 0 {
		add("memoryBase %#x is not 2MiB aligned", c.MemoryBase)
	}

	if c.Kernel == "" {
		add("kernel is required")
	}

	ids := make(map[string]bool)
	for i, d := range c.Disks {
		if d.Path == "" {
			add("disks[%d]: path is required", i)
		}
		if ids[d.ID] {
			add("disks[%d]: duplicate id %q", i, d.ID)
		}
		ids[d.ID] = true
	}

	if _, err := net.ParseMAC(c.Network.MAC); err != nil {
		add("network.mac: %v", err)
	}
	switch c.Network.Backend {
	case NetworkNone:
		if c.Network.Capture != "" {
			add("network.capture needs a network backend")
		}
	case NetworkUnixgram:
		if c.Network.Socket == "" {
			add("network.socket is required for the unixgram backend")
		}
	case NetworkGvisor:
		if p, err := netip.ParsePrefix(c.Network.Subnet); err != nil {
			add("network.subnet: %v", err)
		} else if !p.Addr().Is4() {
			add("network.subnet %s is not an IPv4 prefix", p)
		}
		for name, addr := range c.Network.Hosts {
			if _, err := netip.ParseAddr(addr); err != nil {
				add("network.hosts[%s]: %v", name, err)
			}
		}
	default:
		add("network.backend %q is not one of %s", c.Network.Backend,
			strings.Join([]string{NetworkNone, NetworkUnixgram, NetworkGvisor}, ", "))
	}

	if c.Console != ConsoleStdio && c.Console != ConsoleNone {
		add("console %q must be %s or %s", c.Console, ConsoleStdio, ConsoleNone)
	}
	if c.Serial && c.Console != ConsoleStdio {
		add("serial needs the stdio console")
	}

	if ps := uint64(c.Balloon.PageSize); ps != 0 && ps&(ps-1) != 0 {
		add("balloon.pageSize %s is not a power of two", c.Balloon.PageSize)
	}
	if c.Balloon.CorrectionInterval < 0 {
		add("balloon.correctionInterval must not be negative")
	}
	if c.PVLockTimeout < 0 {
		add("pvlockTimeout must not be negative")
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// HostsMap parses the static DNS table. Call it after Validate.
func (n Network) HostsMap() map[string]netip.Addr {
	out := make(map[string]netip.Addr, len(n.Hosts))
	for name, addr := range n.Hosts {
		if a, err := netip.ParseAddr(addr); err == nil {
			out[name] = a
		}
	}
	return out
}

// Parse decodes a YAML machine description. Relative paths are taken
// relative to dir.
func Parse(data []byte, dir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	cfg.resolve(dir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and validates the machine description at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// WriteTemplate writes cfg, with defaults filled in, to path.
func WriteTemplate(path string, cfg Config) error {
	cfg.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&cfg); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
