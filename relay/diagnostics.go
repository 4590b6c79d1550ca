package relay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Diagnostics receives input the sources could not decode, for an operator to
// inspect. It never fails the caller.
type Diagnostics interface {
	Reject(line string, reason error)
}

// FileDiagnostics appends rejected lines to a file and logs them. With an
// empty Path it only logs.
type FileDiagnostics struct {
	Path   string
	Logger *slog.Logger
	Now    func() time.Time
}

func NewFileDiagnostics(path string, logger *slog.Logger) *FileDiagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileDiagnostics{Path: path, Logger: logger, Now: time.Now}
}

func (d *FileDiagnostics) Reject(line string, reason error) {
	d.Logger.Warn("rejected input line", "line", line, "reason", reason)
	if strings.TrimSpace(d.Path) == "" {
		return
	}
	if dir := filepath.Dir(d.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			d.Logger.Error("rejects mkdir", "dir", dir, "error", err)
			return
		}
	}
	f, err := os.OpenFile(d.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		d.Logger.Error("rejects open", "path", d.Path, "error", err)
		return
	}
	defer f.Close()
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	if _, err := fmt.Fprintf(f, "%s %v\t%s\n", now().UTC().Format(time.RFC3339), reason, line); err != nil {
		d.Logger.Error("rejects write", "path", d.Path, "error", err)
	}
}

// RejectCounter counts rejects before passing them on.
type RejectCounter struct {
	next    Diagnostics
	counter prometheus.Counter
	total   int
}

func NewRejectCounter(next Diagnostics, counter prometheus.Counter) *RejectCounter {
	return &RejectCounter{next: next, counter: counter}
}

func (c *RejectCounter) Reject(line string, reason error) {
	c.total++
	if c.counter != nil {
		c.counter.Inc()
	}
	c.next.Reject(line, reason)
}

// Total is the number of rejects since start.
func (c *RejectCounter) Total() int { return c.total }

// Rejection is one line captured by MemoryDiagnostics.
type Rejection struct {
	Line   string
	Reason error
}

// MemoryDiagnostics keeps rejections in memory.
type MemoryDiagnostics struct {
	mu    sync.Mutex
	items []Rejection
}

func (m *MemoryDiagnostics) Reject(line string, reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, Rejection{Line: line, Reason: reason})
}

func (m *MemoryDiagnostics) Rejections() []Rejection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Rejection, len(m.items))
	copy(out, m.items)
	return out
}
