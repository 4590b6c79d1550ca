package relay

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

// SyslogSender delivers one RFC 5424 message.
type SyslogSender interface {
	Send(ctx context.Context, structuredData string, message string) error
}

// SyslogClient sends each message over a fresh TCP connection, so a restarted
// receiver never leaves a stale socket behind.
type SyslogClient struct {
	addr    string
	appName string
	timeout time.Duration
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr, appName: AppName, timeout: 3 * time.Second}
}

func (c *SyslogClient) Send(ctx context.Context, structuredData string, message string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	host, _ := os.Hostname()
	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(formatRFC5424(time.Now(), host, c.appName, structuredData, message)); err != nil {
		return err
	}
	return w.Flush()
}

// formatRFC5424 builds one line at local0.info (PRI 134) with no procid or msgid.
func formatRFC5424(ts time.Time, host, appName, structuredData, message string) string {
	if structuredData == "" {
		structuredData = "-"
	}
	return fmt.Sprintf("<134>1 %s %s %s - - %s %s\n",
		ts.UTC().Format(time.RFC3339Nano),
		sanitizeSyslogToken(host),
		sanitizeSyslogToken(appName),
		structuredData,
		strings.TrimSpace(message),
	)
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// buildStructuredData renders [sdID k="v" ...] with the known keys first and
// any others sorted. Empty values are dropped.
func buildStructuredData(sdID string, kv map[string]string) string {
	preferredOrder := []string{"job", "service", "env", "site", "cluster", "source", "status"}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)
	write := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escapeSDParam(v))
		b.WriteString(`"`)
	}
	seen := make(map[string]struct{}, len(kv))
	for _, k := range preferredOrder {
		if v := kv[k]; strings.TrimSpace(v) != "" {
			seen[k] = struct{}{}
			write(k, v)
		}
	}
	extra := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		write(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`, "\n", " ", "\r", " ")
	return r.Replace(v)
}
