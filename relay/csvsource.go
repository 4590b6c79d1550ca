package relay

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"
)

// csvColumns maps accepted header names to raw field names. Unlisted headers
// are ignored.
var csvColumns = map[string]string{
	"user_id":            FieldUserID,
	"device_id":          FieldDeviceID,
	"timestamp":          FieldTimestamp,
	"device_timestamp":   FieldDeviceTimestamp,
	"temperature":        FieldTemperature,
	"spo2":               FieldSpO2,
	"heart_rate":         FieldHeartRate,
	"acc_x":              FieldAccX,
	"acc_y":              FieldAccY,
	"acc_z":              FieldAccZ,
	"gyro_x":             FieldGyroX,
	"gyro_y":             FieldGyroY,
	"gyro_z":             FieldGyroZ,
	"humidity":           FieldHumidity,
	"activity":           FieldActivity,
	"predicted_activity": FieldPredictedActivity,
	"confidence":         FieldConfidence,
}

// CSVSource re-reads the whole file written by the labeling job on every
// Fetch. There is no cursor. A last line without its newline is still being
// written and is left for a later Fetch.
type CSVSource struct {
	Path     string
	ErrorDir string
	Logger   *slog.Logger

	// size and mtime of the last copy taken into ErrorDir
	snapshotKey string
}

func NewCSVSource(path string, errorDir string, logger *slog.Logger) *CSVSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &CSVSource{Path: path, ErrorDir: errorDir, Logger: logger}
}

func (s *CSVSource) Name() string { return "csv:" + s.Path }

// Fetch returns no records and no error when the file does not exist yet.
// An undecodable file stays where it is; with ErrorDir set, one copy of each
// bad version is kept there.
func (s *CSVSource) Fetch(ctx context.Context) ([]RawRecord, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}

	recs, err := ReadCSVRecords(bytes.NewReader(completeLines(data)))
	if err != nil {
		s.snapshot()
		return nil, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return recs, nil
}

// completeLines drops everything after the last newline.
func completeLines(data []byte) []byte {
	return data[:bytes.LastIndexByte(data, '\n')+1]
}

func (s *CSVSource) snapshot() {
	if strings.TrimSpace(s.ErrorDir) == "" {
		return
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return
	}
	key := fmt.Sprintf("%d/%d", info.Size(), info.ModTime().UnixNano())
	if key == s.snapshotKey {
		return
	}
	dst, err := SnapshotFile(s.Path, s.ErrorDir, time.Now())
	if err != nil {
		s.Logger.Error("snapshot csv failed", "path", s.Path, "error_dir", s.ErrorDir, "error", err)
		return
	}
	s.snapshotKey = key
	s.Logger.Warn("copied undecodable csv", "path", s.Path, "copy", dst)
}

// ReadCSVRecords decodes a header row followed by data rows. Empty cells are
// left out of the record so they take normalizer defaults.
func ReadCSVRecords(r io.Reader) ([]RawRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	fields := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		fields[i] = csvColumns[strings.ToLower(h)]
	}

	var out []RawRecord
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		rec := make(RawRecord, len(row))
		for i, cell := range row {
			if i >= len(fields) || fields[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			rec[fields[i]] = cell
		}
		out = append(out, rec)
	}
	return out, nil
}
