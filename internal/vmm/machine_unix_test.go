//go:build linux || darwin

package vmm

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/ccvmm/internal/config"
	"github.com/tinyrange/ccvmm/internal/hv"
	"github.com/tinyrange/ccvmm/internal/vcpu"
)

// Socket paths stay short; t.TempDir can exceed the sun_path limit on darwin.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "vmm")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestRunEndsWhenEveryVCPUTurnsOff(t *testing.T) {
	dir := shortTempDir(t)
	peerPath := filepath.Join(dir, "peer.sock")
	peer, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: peerPath, Net: "unixgram"})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer peer.Close()

	cfg := testConfig(t)
	cfg.Network = config.Network{
		Backend: config.NetworkUnixgram,
		MAC:     "02:cc:00:00:00:02",
		Socket:  peerPath,
		Local:   filepath.Join(dir, "vm.sock"),
	}
	h := &fakeHypervisor{scripts: map[uint64][]step{
		0: {func(c *fakeVCPU) hv.Exit { return c.call(psciCPUOff) }},
	}}
	m, err := New(h, cfg, Options{Kernel: testKernel(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()
	if m.net == nil {
		t.Fatal("network device missing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Run(ctx); err != nil {
		t.Fatalf("Run = %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Run only returned at the deadline")
	}
	if got := m.affinityInfo(0); got != vcpu.PSCIAffinityOff {
		t.Fatalf("AFFINITY_INFO of the stopped boot vcpu = %d", got)
	}
}
