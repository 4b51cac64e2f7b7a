package autopilot

import (
	"testing"
	"time"

	"go.bug.st/serial"
)

func TestPortOptionsNormalizeDefaults(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if opts.BaudRate != 921600 {
		t.Errorf("BaudRate = %d, want 921600", opts.BaudRate)
	}
	if opts.DataBits != 8 || opts.StopBits != 1 || opts.Parity != "N" {
		t.Errorf("defaults = %d-%s-%d, want 8-N-1", opts.DataBits, opts.Parity, opts.StopBits)
	}
}

func TestPortOptionsNormalizeRejects(t *testing.T) {
	cases := []PortOptions{
		{DataBits: 4},
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "MARK"},
	}
	for _, c := range cases {
		if _, err := c.Normalize(); err == nil {
			t.Errorf("Normalize(%+v) accepted invalid options", c)
		}
	}
}

func TestPortOptionsParityAliases(t *testing.T) {
	for in, want := range map[string]string{
		"none": "N", "EVEN": "E", "o": "O", " n ": "N",
	} {
		opts, err := PortOptions{Parity: in}.Normalize()
		if err != nil {
			t.Fatalf("Normalize(parity=%q) failed: %v", in, err)
		}
		if opts.Parity != want {
			t.Errorf("parity %q normalized to %q, want %q", in, opts.Parity, want)
		}
	}
}

func TestSerialMode(t *testing.T) {
	mode, err := PortOptions{BaudRate: 57600, Parity: "even", StopBits: 2}.SerialMode()
	if err != nil {
		t.Fatalf("SerialMode failed: %v", err)
	}
	if mode.BaudRate != 57600 {
		t.Errorf("BaudRate = %d, want 57600", mode.BaudRate)
	}
	if mode.Parity != serial.EvenParity {
		t.Errorf("Parity = %v, want even", mode.Parity)
	}
	if mode.StopBits != serial.StopBits(2) {
		t.Errorf("StopBits = %v, want 2", mode.StopBits)
	}
	if mode.DataBits != 8 {
		t.Errorf("DataBits = %d, want 8", mode.DataBits)
	}
}

func TestBackoffProgression(t *testing.T) {
	b := &Backoff{Base: time.Second, Cap: 30 * time.Second}

	prevMax := time.Duration(0)
	for i := 0; i < 10; i++ {
		d := b.Next()
		if d < 500*time.Millisecond {
			t.Errorf("attempt %d: delay %v below half of base", i, d)
		}
		if d > 30*time.Second {
			t.Errorf("attempt %d: delay %v above cap", i, d)
		}
		if d > prevMax {
			prevMax = d
		}
	}
	if prevMax < time.Second {
		t.Errorf("delays never grew past base: max %v", prevMax)
	}

	b.Reset()
	if d := b.Next(); d > time.Second {
		t.Errorf("after Reset, delay = %v, want <= base", d)
	}
}
