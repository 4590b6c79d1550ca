package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Mirror keeps a local copy of every batch the runner tried to relay.
type Mirror interface {
	Write(rows []NormalizedRow, relayed bool, relayErr error) error
	Close() error
}

// SQLMirror writes rows into a monthly rolling SQLite file
// <folder>/<prefix>YYYYMM.db, switching files when the month changes.
type SQLMirror struct {
	folder string
	prefix string
	now    func() time.Time

	db    *gorm.DB
	dbKey string
}

func NewSQLMirror(cfg DatabaseConfig) (*SQLMirror, error) {
	if strings.TrimSpace(cfg.Folder) == "" {
		return nil, fmt.Errorf("mirror database folder is required")
	}
	prefix := cfg.Prefix
	if strings.TrimSpace(prefix) == "" {
		prefix = "vitals_"
	}
	m := &SQLMirror{folder: cfg.Folder, prefix: prefix, now: time.Now}
	if err := m.ensureDBForNow(); err != nil {
		return nil, err
	}
	return m, nil
}

func monthKey(t time.Time) string {
	return fmt.Sprintf("%04d%02d", t.Year(), int(t.Month()))
}

func (m *SQLMirror) ensureDBForNow() error {
	key := monthKey(m.now().UTC())
	if m.db != nil && m.dbKey == key {
		return nil
	}
	if err := m.Close(); err != nil {
		return err
	}
	db, err := OpenMirrorDB(filepath.Join(m.folder, m.prefix+key+".db"))
	if err != nil {
		return err
	}
	m.db = db
	m.dbKey = key
	return nil
}

// CurrentPath is the file rows are being written to.
func (m *SQLMirror) CurrentPath() string {
	return filepath.Join(m.folder, m.prefix+m.dbKey+".db")
}

func (m *SQLMirror) Write(rows []NormalizedRow, relayed bool, relayErr error) error {
	if len(rows) == 0 {
		return nil
	}
	if err := m.ensureDBForNow(); err != nil {
		return err
	}
	errText := ""
	if relayErr != nil {
		errText = relayErr.Error()
	}
	now := m.now().UTC()
	out := make([]MirrorRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, mirrorRowFrom(r, relayed, errText, now))
	}
	return m.db.Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(&out, 200).Error
	})
}

func (m *SQLMirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	err := closeDB(m.db)
	m.db = nil
	m.dbKey = ""
	return err
}

// listMonthlyDBs returns mirror files whose month falls within [from, to],
// oldest first.
func listMonthlyDBs(folder string, prefix string, from time.Time, to time.Time) ([]string, error) {
	candidates, err := filepath.Glob(filepath.Join(folder, prefix+"*.db"))
	if err != nil {
		return nil, err
	}
	fromKey := monthKey(from.UTC())
	toKey := monthKey(to.UTC())

	filtered := make([]string, 0, len(candidates))
	for _, p := range candidates {
		base := filepath.Base(p)
		yyyymm := strings.TrimSuffix(strings.TrimPrefix(base, prefix), ".db")
		if len(yyyymm) != 6 {
			continue
		}
		if _, err := time.Parse("200601", yyyymm); err != nil {
			continue
		}
		// Fixed-width keys compare correctly as strings.
		if yyyymm < fromKey || yyyymm > toKey {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Strings(filtered)
	return filtered, nil
}

// multiMirror fans a batch out to several mirrors; every mirror is attempted.
type multiMirror []Mirror

func (mm multiMirror) Write(rows []NormalizedRow, relayed bool, relayErr error) error {
	var errs []string
	for _, m := range mm {
		if err := m.Write(rows, relayed, relayErr); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("mirror: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (mm multiMirror) Close() error {
	var first error
	for _, m := range mm {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// removeIfEmpty deletes a zero-length file left by an aborted write.
func removeIfEmpty(path string) {
	if info, err := os.Stat(path); err == nil && info.Size() == 0 {
		_ = os.Remove(path)
	}
}
