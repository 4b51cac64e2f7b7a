package autopilot

import (
	"fmt"

	"go.bug.st/serial"
)

// PortFactory creates serial ports. The indirection lets tests and the -dev
// mode substitute fake hardware.
type PortFactory interface {
	// Open opens a serial port at the given device path.
	Open(device string, opts PortOptions) (SerialPorter, error)
}

// RealPortFactory opens real serial devices via go.bug.st/serial.
type RealPortFactory struct{}

func (RealPortFactory) Open(device string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	return port, nil
}
