package pl011

import (
	"bytes"
	"encoding/binary"
	"testing"
)

type fakeLine struct{ levels []bool }

func (l *fakeLine) Set(level bool) error {
	l.levels = append(l.levels, level)
	return nil
}

func read32(u *UART, offset uint64) uint32 {
	var buf [4]byte
	u.Read(0, offset, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func write32(u *UART, offset uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	u.Write(0, offset, buf[:])
}

func TestTransmit(t *testing.T) {
	var out bytes.Buffer
	u := New(&out, nil, nil)

	if fr := read32(u, regFR); fr&flagTxEmpty == 0 || fr&flagRxEmpty == 0 {
		t.Fatalf("FR = %#x, want both FIFOs empty", fr)
	}
	for _, c := range []byte("boot\n") {
		u.Write(0, regDR, []byte{c})
	}
	if out.String() != "boot\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestTransmitInterrupt(t *testing.T) {
	line := &fakeLine{}
	u := New(nil, line, nil)
	if len(line.levels) != 0 {
		t.Fatalf("line driven while masked: %v", line.levels)
	}

	write32(u, regIMSC, intTX)
	if mis := read32(u, regMIS); mis != intTX {
		t.Fatalf("MIS = %#x", mis)
	}
	write32(u, regICR, intTX)
	write32(u, regDR, 'x')
	write32(u, regIMSC, 0)

	want := []bool{true, false, true, false}
	if len(line.levels) != len(want) {
		t.Fatalf("line levels = %v, want %v", line.levels, want)
	}
	for i := range want {
		if line.levels[i] != want[i] {
			t.Fatalf("line levels = %v, want %v", line.levels, want)
		}
	}
}

func TestPrimeCellID(t *testing.T) {
	u := New(nil, nil, nil)
	var id uint32
	for i := 0; i < 4; i++ {
		id |= read32(u, regPeriphID0+uint64(4*i)) << (8 * i)
	}
	if id&0x000fffff != 0x00041011 {
		t.Fatalf("peripheral id = %#x", id)
	}
	var cell uint32
	for i := 0; i < 4; i++ {
		cell |= read32(u, 0xff0+uint64(4*i)) << (8 * i)
	}
	if cell != 0xb105f00d {
		t.Fatalf("cell id = %#x", cell)
	}
}

func TestResetRestoresDefaults(t *testing.T) {
	u := New(nil, nil, nil)
	write32(u, regIBRD, 13)
	write32(u, regLCRH, 0x70)
	u.Reset()
	if read32(u, regIBRD) != 0 || read32(u, regLCRH) != 0 {
		t.Fatal("Reset left line settings behind")
	}
	if read32(u, regCR) != 0x300 {
		t.Fatalf("CR after reset = %#x", read32(u, regCR))
	}
}
