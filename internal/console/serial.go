package console

import (
	"fmt"
	"io"

	"github.com/tarm/serial"
)

// OpenSerial opens the serial line commands are read from and replies written to.
// Reads block until data arrives; close the port to stop Serve.
func OpenSerial(device string, baud int) (io.ReadWriteCloser, error) {
	if device == "" {
		return nil, fmt.Errorf("serial device cannot be empty")
	}
	port, err := serial.OpenPort(&serial.Config{
		Name: device,
		Baud: baud,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	return port, nil
}
