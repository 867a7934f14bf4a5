package tpuart

import (
	"fmt"

	"go.bug.st/serial"
)

// BaudRate is the fixed TP-UART line speed.
const BaudRate = 19200

// OpenSerial opens a TP-UART on the named serial device at 19200 baud 8E1.
func OpenSerial(name string) (Port, error) {
	mode := &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.EvenParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("tpuart: open %s: %w", name, err)
	}
	return port, nil
}
