package devicelink

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Transport selects how a link reaches its device.
type Transport string

const (
	TransportTCP    Transport = "tcp"
	TransportSerial Transport = "serial"
)

// Config describes one device connection.
type Config struct {
	// Name labels the link in errors and logs.
	Name string `json:"name"`
	// Address is host:port for TCP or the device path for serial.
	Address   string    `json:"address"`
	Transport Transport `json:"transport"`

	ConnectTimeout time.Duration `json:"connect_timeout"`
	RWTimeout      time.Duration `json:"rw_timeout"`

	ReadBlockLength  int `json:"read_block_length"`
	WriteBlockLength int `json:"write_block_length"`

	Serial PortOptions `json:"serial"`
}

// withDefaults fills unset timeouts and the transport.
func (c Config) withDefaults() Config {
	if c.Transport == "" {
		c.Transport = TransportTCP
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 3 * time.Second
	}
	if c.RWTimeout <= 0 {
		c.RWTimeout = 100 * time.Millisecond
	}
	if c.Name == "" {
		c.Name = c.Address
	}
	return c
}

// PortOptions describes the serial parameters used for serial transports.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 9600
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	} else {
		mode.StopBits = serial.OneStopBit
	}

	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}
