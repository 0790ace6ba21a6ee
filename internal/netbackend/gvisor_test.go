//go:build linux || darwin

package netbackend

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"
)

var guestMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

func arpRequest(sender, target netip.Addr) []byte {
	f := make([]byte, 42)
	copy(f[0:6], []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(f[6:12], guestMAC)
	binary.BigEndian.PutUint16(f[12:], 0x0806)
	binary.BigEndian.PutUint16(f[14:], 1)      // ethernet
	binary.BigEndian.PutUint16(f[16:], 0x0800) // ipv4
	f[18], f[19] = 6, 4
	binary.BigEndian.PutUint16(f[20:], 1) // request
	copy(f[22:28], guestMAC)
	s, t := sender.As4(), target.As4()
	copy(f[28:32], s[:])
	copy(f[38:42], t[:])
	return f
}

func TestGvisorAnswersARP(t *testing.T) {
	g, err := NewGvisor(GvisorOptions{
		Subnet: netip.MustParsePrefix("10.42.0.0/24"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewGvisor: %v", err)
	}
	defer g.Close()

	if got := g.Gateway(); got != netip.MustParseAddr("10.42.0.1") {
		t.Fatalf("Gateway = %v, want 10.42.0.1", got)
	}

	req := arpRequest(netip.MustParseAddr("10.42.0.2"), g.Gateway())
	for {
		err := g.WriteFrame(req)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrNothingWritten) {
			t.Fatalf("WriteFrame: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	buf := make([]byte, MaxFrame)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := g.ReadFrame(buf)
		if errors.Is(err, ErrNothingRead) {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		frame := buf[:n]
		if n < 42 || binary.BigEndian.Uint16(frame[12:]) != 0x0806 {
			continue
		}
		if op := binary.BigEndian.Uint16(frame[20:]); op != 2 {
			t.Fatalf("ARP op = %d, want reply", op)
		}
		if !bytes.Equal(frame[22:28], DefaultGatewayMAC) {
			t.Fatalf("ARP sender = %v, want %v", net.HardwareAddr(frame[22:28]), DefaultGatewayMAC)
		}
		if !bytes.Equal(frame[0:6], guestMAC) {
			t.Fatalf("ARP reply sent to %v, want %v", net.HardwareAddr(frame[0:6]), guestMAC)
		}
		return
	}
	t.Fatal("timed out waiting for the ARP reply")
}
