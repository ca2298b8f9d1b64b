package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/posefusion/internal/config"
)

// ErrLineTooLong is counted for serial lines longer than the reader accepts.
var ErrLineTooLong = errors.New("line exceeds maximum length")

// Porter is the minimal serial port surface the reader needs. Tests supply
// an in-memory implementation.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// PortOptions describes the serial connection to the camera coprocessor.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// PortOptionsFromTuning builds PortOptions from a loaded TuningConfig.
func PortOptionsFromTuning(cfg *config.TuningConfig) PortOptions {
	return PortOptions{BaudRate: cfg.GetSerialBaudRate(), Parity: cfg.GetSerialParity()}
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
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

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return opts, nil
}

// SerialMode converts the options into a go.bug.st/serial Mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialReader streams line-delimited messages from a serial port into a
// Buffer.
type SerialReader struct {
	port Porter
	buf  *Buffer

	closeOnce sync.Once
	closeErr  error
}

// NewSerialReader wraps an already open port.
func NewSerialReader(port Porter, buf *Buffer) *SerialReader {
	return &SerialReader{port: port, buf: buf}
}

// OpenSerial opens the serial device at path and returns a reader for it.
func OpenSerial(path string, opts PortOptions, buf *Buffer) (*SerialReader, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return NewSerialReader(port, buf), nil
}

// SendCommand writes one newline-terminated command to the coprocessor.
func (r *SerialReader) SendCommand(command string) error {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := r.port.Write([]byte(command))
	if err != nil {
		return fmt.Errorf("failed to write command %q: %w", strings.TrimSpace(command), err)
	}
	if n != len(command) {
		return fmt.Errorf("short write for command %q: %d of %d bytes", strings.TrimSpace(command), n, len(command))
	}
	return nil
}

// Run reads lines until the port reaches EOF, fails or ctx is cancelled.
// Blank lines and lines starting with '#' are ignored.
func (r *SerialReader) Run(ctx context.Context) error {
	scan := bufio.NewScanner(r.port)
	scan.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scan.Split(splitLines(maxLineSize, func() {
		r.buf.rejectLine(fmt.Errorf("%w (%d bytes)", ErrLineTooLong, maxLineSize))
	}))

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is not held
	// up by a silent port.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return fmt.Errorf("serial read failed: %w", err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("serial read failed: %w", err)
				default:
				}
				logf("serial port reached EOF")
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			r.buf.HandleLine([]byte(line))
		}
	}
}

// Close closes the port. It is safe to call more than once.
func (r *SerialReader) Close() error {
	r.closeOnce.Do(func() { r.closeErr = r.port.Close() })
	return r.closeErr
}

// splitLines is bufio.ScanLines except that a line reaching limit bytes
// without a newline is dropped, reported through onOverlong, and scanning
// resumes after the next newline.
func splitLines(limit int, onOverlong func()) bufio.SplitFunc {
	discarding := false
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		i := bytes.IndexByte(data, '\n')
		if discarding {
			if i >= 0 {
				discarding = false
				return i + 1, nil, nil
			}
			return len(data), nil, nil
		}
		if i >= 0 {
			return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
		}
		if len(data) >= limit {
			discarding = true
			onOverlong()
			return len(data), nil, nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
