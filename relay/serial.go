package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
)

// ErrNoMatch is returned for a serial line that is not exactly a reading.
var ErrNoMatch = errors.New("line does not match reading pattern")

const receivedPrefix = "received:"

const (
	floatPat = `(-?\d+(?:\.\d+)?)`
	countPat = `(\d+|--)`
)

var readingLine = regexp.MustCompile(`^T:` + floatPat +
	`,H:` + floatPat +
	`,HR:` + countPat +
	`,SpO2:` + countPat +
	`,ax:` + floatPat + `,ay:` + floatPat + `,az:` + floatPat +
	`,gx:` + floatPat + `,gy:` + floatPat + `,gz:` + floatPat + `$`)

// ParseSerialLine parses one line from the LoRa receiver. An optional
// "received:" prefix is stripped. The record timestamp is now, in UTC.
// HR or SpO2 given as "--" are left out of the record.
func ParseSerialLine(line string, now time.Time) (RawRecord, error) {
	s := strings.TrimSpace(line)
	if strings.HasPrefix(s, receivedPrefix) {
		s = strings.TrimSpace(strings.TrimPrefix(s, receivedPrefix))
	}
	m := readingLine.FindStringSubmatch(s)
	if m == nil {
		return nil, ErrNoMatch
	}

	rec := RawRecord{FieldTimestamp: now.UTC().Format(time.RFC3339Nano)}
	floats := []struct {
		idx   int
		field string
	}{
		{1, FieldTemperature}, {2, FieldHumidity},
		{5, FieldAccX}, {6, FieldAccY}, {7, FieldAccZ},
		{8, FieldGyroX}, {9, FieldGyroY}, {10, FieldGyroZ},
	}
	for _, f := range floats {
		v, err := strconv.ParseFloat(m[f.idx], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.field, err)
		}
		rec[f.field] = v
	}
	for _, c := range []struct {
		idx   int
		field string
	}{{3, FieldHeartRate}, {4, FieldSpO2}} {
		if m[c.idx] == "--" {
			continue
		}
		v, err := strconv.ParseInt(m[c.idx], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.field, err)
		}
		rec[c.field] = v
	}
	return rec, nil
}

// maxDrainBytes bounds one drain so a chatty link cannot stall a cycle.
const maxDrainBytes = 1 << 20

// SerialSource decodes readings from whatever the link has buffered. A
// trailing partial line is kept for the next Fetch.
type SerialSource struct {
	Port        io.Reader
	DeviceID    string
	Diagnostics Diagnostics
	Logger      *slog.Logger
	Now         func() time.Time

	pending []byte
}

func NewSerialSource(port io.Reader, deviceID string, diag Diagnostics, logger *slog.Logger) *SerialSource {
	if logger == nil {
		logger = slog.Default()
	}
	if diag == nil {
		diag = &MemoryDiagnostics{}
	}
	return &SerialSource{Port: port, DeviceID: deviceID, Diagnostics: diag, Logger: logger, Now: time.Now}
}

func (s *SerialSource) Name() string { return "serial" }

func (s *SerialSource) Fetch(ctx context.Context) ([]RawRecord, error) {
	data, err := s.drain()
	if err != nil {
		return nil, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	var out []RawRecord
	for _, raw := range bytes.Split(data, []byte{'\n'}) {
		line := strings.TrimSpace(string(raw))
		if line == "" {
			continue
		}
		rec, perr := ParseSerialLine(line, now())
		if perr != nil {
			s.Diagnostics.Reject(line, perr)
			continue
		}
		if s.DeviceID != "" {
			rec[FieldDeviceID] = s.DeviceID
		}
		out = append(out, rec)
	}
	return out, nil
}

// drain returns complete lines read so far, leaving any partial tail pending.
func (s *SerialSource) drain() ([]byte, error) {
	buf := make([]byte, 4096)
	data := s.pending
	s.pending = nil
	read := 0
	for read < maxDrainBytes {
		n, err := s.Port.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			read += n
		}
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			s.pending = data
			return nil, fmt.Errorf("serial read: %w", err)
		}
	}
	if i := bytes.LastIndexByte(data, '\n'); i < len(data)-1 {
		s.pending = append([]byte(nil), data[i+1:]...)
		data = data[:i+1]
	}
	return data, nil
}

// SerialConfig selects and opens the receiver's port.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	DeviceID    string        `yaml:"device_id"`
	RejectsPath string        `yaml:"rejects_path"`
}

// OpenSerialPort opens the port 8N1. Reads return (0, nil) after ReadTimeout,
// which is what ends a drain.
func OpenSerialPort(cfg SerialConfig) (serial.Port, error) {
	if strings.TrimSpace(cfg.Port) == "" {
		return nil, fmt.Errorf("serial port is empty")
	}
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = 115200
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	timeout := cfg.ReadTimeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serial read timeout: %w", err)
	}
	return port, nil
}
