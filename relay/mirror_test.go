package relay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLMirror_WritesReadableRows(t *testing.T) {
	folder := t.TempDir()
	m, err := NewSQLMirror(DatabaseConfig{Folder: folder, Prefix: "vitals_"})
	if err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC) }

	if err := m.Write(testRows(), false, errors.New("1 of 2 rows rejected")); err != nil {
		t.Fatal(err)
	}
	if got, want := m.CurrentPath(), filepath.Join(folder, "vitals_202610.db"); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	db, err := OpenQueryDB(filepath.Join(folder, "vitals_202610.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB(db)

	var rows []MirrorRow
	if err := db.Order("id asc").Find(&rows).Error; err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Identity != "u1_t1" || rows[0].SpO2 != 97 || rows[0].Relayed {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
	if rows[1].RelayError != "1 of 2 rows rejected" {
		t.Fatalf("expected relay error to be kept, got %q", rows[1].RelayError)
	}
	if got := rows[1].normalized(); got != testRows()[1] {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSQLMirror_RollsOverMonthly(t *testing.T) {
	folder := t.TempDir()
	m, err := NewSQLMirror(DatabaseConfig{Folder: folder, Prefix: "vitals_"})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	m.now = func() time.Time { return time.Date(2026, 9, 30, 23, 59, 0, 0, time.UTC) }
	if err := m.Write(testRows()[:1], true, nil); err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return time.Date(2026, 10, 1, 0, 1, 0, 0, time.UTC) }
	if err := m.Write(testRows()[1:], true, nil); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"vitals_202609.db", "vitals_202610.db"} {
		if _, err := os.Stat(filepath.Join(folder, name)); err != nil {
			t.Fatalf("expected %s: %v", name, err)
		}
	}
}

func TestListMonthlyDBs_FiltersByRange(t *testing.T) {
	folder := t.TempDir()
	for _, name := range []string{
		"vitals_202607.db", "vitals_202608.db", "vitals_202609.db", "vitals_202610.db",
		"vitals_2026.db", "vitals_bogus1.db", "other_202609.db",
	} {
		if err := os.WriteFile(filepath.Join(folder, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	from := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	got, err := listMonthlyDBs(folder, "vitals_", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || filepath.Base(got[0]) != "vitals_202608.db" || filepath.Base(got[1]) != "vitals_202609.db" {
		t.Fatalf("unexpected selection: %v", got)
	}
}

func TestCSVMirror_HeaderWrittenOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "mirror.csv")
	m := NewCSVMirror(path)

	if err := m.Write(testRows()[:1], true, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(testRows()[1:], true, nil); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d: %q", len(lines), lines)
	}
	if lines[0] != "user_id,timestamp,temperature,spo2,heart_rate,acc_x,acc_y,acc_z,gyro_x,gyro_y,gyro_z,humidity,activity,confidence,source,processing_stage" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if lines[2] != "u1,t2,36.7,98,72,0,0,0,0,0,0,0,walking,0,ml_pipeline,ml_labeled" {
		t.Fatalf("unexpected row %q", lines[2])
	}
}

func TestMultiMirror_WritesAllAndJoinsErrors(t *testing.T) {
	tmp := t.TempDir()
	good := NewCSVMirror(filepath.Join(tmp, "a.csv"))
	// A directory where the file should be makes the open fail.
	badPath := filepath.Join(tmp, "b.csv")
	if err := os.Mkdir(badPath, 0o755); err != nil {
		t.Fatal(err)
	}
	mm := multiMirror{NewCSVMirror(badPath), good}

	if err := mm.Write(testRows(), true, nil); err == nil {
		t.Fatalf("expected an error from the failing mirror")
	}
	if lines := readLines(t, filepath.Join(tmp, "a.csv")); len(lines) != 3 {
		t.Fatalf("expected the healthy mirror to be written, got %q", lines)
	}
}

func TestReplay_ResubmitsMirroredRows(t *testing.T) {
	folder := t.TempDir()
	m, err := NewSQLMirror(DatabaseConfig{Folder: folder, Prefix: "vitals_"})
	if err != nil {
		t.Fatal(err)
	}
	rows := append(testRows(), NormalizedRow{Identity: "u2_t1", UserID: "u2", Timestamp: "t1"})
	if err := m.Write(rows, false, errors.New("timeout")); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}

	sink := &mockSink{}
	stats, err := Replay(context.Background(), sink, DatabaseConfig{Folder: folder, Prefix: "vitals_"},
		time.Now().Add(-time.Hour), 2, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Databases != 1 || stats.Rows != 3 || stats.Batches != 2 || stats.FailedBatches != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	batches := sink.Batches()
	if len(batches) != 2 || len(batches[0]) != 2 || len(batches[1]) != 1 {
		t.Fatalf("unexpected batching: %d batches", len(batches))
	}
	if batches[0][0].Identity != "u1_t1" || batches[1][0].Identity != "u2_t1" {
		t.Fatalf("expected mirror order to be kept")
	}
}

func TestReplay_SkipsRowsBeforeFrom(t *testing.T) {
	folder := t.TempDir()
	m, err := NewSQLMirror(DatabaseConfig{Folder: folder, Prefix: "vitals_"})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Write(testRows(), true, nil); err != nil {
		t.Fatal(err)
	}
	_ = m.Close()

	sink := &mockSink{}
	stats, err := Replay(context.Background(), sink, DatabaseConfig{Folder: folder, Prefix: "vitals_"},
		time.Now().Add(time.Minute), 10, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if stats.Rows != 0 || len(sink.Batches()) != 0 {
		t.Fatalf("expected nothing replayed, got %+v", stats)
	}
}

func TestReplay_RequiresFolder(t *testing.T) {
	if _, err := Replay(context.Background(), &mockSink{}, DatabaseConfig{}, time.Now(), 10, discardLogger()); err == nil {
		t.Fatalf("expected error without a mirror folder")
	}
}
