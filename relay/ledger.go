package relay

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Ledger is the append-only set of identities already forwarded. It is read
// fully at open and every Add is written and synced before returning.
//
// Not safe for concurrent use; the runner is its only user.
type Ledger struct {
	path string
	f    *os.File
	seen map[string]struct{}
}

func OpenLedger(path string) (*Ledger, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger mkdir %s: %w", dir, err)
		}
	}

	l := &Ledger{path: path, seen: make(map[string]struct{})}
	if err := l.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger open %s: %w", path, err)
	}
	l.f = f
	return l, nil
}

func (l *Ledger) load() error {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ledger read %s: %w", l.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		id := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(id) == "" {
			continue
		}
		l.seen[id] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("ledger scan %s: %w", l.path, err)
	}
	return nil
}

func (l *Ledger) Contains(id string) bool {
	_, ok := l.seen[id]
	return ok
}

// Add records id durably. Adding a known id is a no-op.
func (l *Ledger) Add(id string) error {
	if l.Contains(id) {
		return nil
	}
	if strings.ContainsAny(id, "\r\n") {
		return fmt.Errorf("ledger: identity contains a line break: %q", id)
	}
	if _, err := l.f.WriteString(id + "\n"); err != nil {
		return fmt.Errorf("ledger append: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("ledger sync: %w", err)
	}
	l.seen[id] = struct{}{}
	return nil
}

func (l *Ledger) Len() int { return len(l.seen) }

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
