package relay

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// CSVMirror appends rows to a CSV file in remote column order. The header is
// written once, when the file is empty.
type CSVMirror struct {
	Path string
}

func NewCSVMirror(path string) *CSVMirror { return &CSVMirror{Path: path} }

func (m *CSVMirror) Write(rows []NormalizedRow, _ bool, _ error) error {
	if len(rows) == 0 {
		return nil
	}
	if dir := filepath.Dir(m.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("csv mirror mkdir: %w", err)
		}
	}
	f, err := os.OpenFile(m.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv mirror open: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("csv mirror stat: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Columns); err != nil {
			_ = f.Close()
			removeIfEmpty(m.Path)
			return fmt.Errorf("csv mirror header: %w", err)
		}
	}
	for _, r := range rows {
		if err := w.Write(csvFields(r)); err != nil {
			_ = f.Close()
			return fmt.Errorf("csv mirror row %s: %w", r.Identity, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("csv mirror flush: %w", err)
	}
	return f.Close()
}

func (m *CSVMirror) Close() error { return nil }

func csvFields(r NormalizedRow) []string {
	ff := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	fi := func(v int64) string { return strconv.FormatInt(v, 10) }
	return []string{
		r.UserID, r.Timestamp, ff(r.Temperature), fi(r.SpO2), fi(r.HeartRate),
		ff(r.AccX), ff(r.AccY), ff(r.AccZ), ff(r.GyroX), ff(r.GyroY), ff(r.GyroZ),
		ff(r.Humidity), r.Activity, ff(r.Confidence), r.Source, r.ProcessingStage,
	}
}
