package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	sd  string
	msg string
}

type fakeSyslog struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeSyslog) Send(_ context.Context, sd string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{sd: sd, msg: msg})
	return f.err
}

func TestReporter_HeartbeatEveryN(t *testing.T) {
	sender := &fakeSyslog{}
	rp := NewReporter(ReportConfig{Every: 3, Job: "vitals-relay", Service: "telemetry", FixedLabels: map[string]string{"site": "ward-3", "job": "ignored"}}, sender, discardLogger())

	for cycle := 1; cycle <= 7; cycle++ {
		rp.Report(context.Background(), CycleResult{Cycle: cycle}, Totals{Cycles: cycle}, 0)
	}
	require.Len(t, sender.sent, 2, "cycles 3 and 6")

	sd := sender.sent[0].sd
	assert.True(t, strings.HasPrefix(sd, `[vitals job="vitals-relay" service="telemetry" site="ward-3" status="ok"`), sd)

	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(sender.sent[1].msg), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 6, body["cycle"])
}

func TestReporter_HeartbeatStatus(t *testing.T) {
	cases := []struct {
		res  CycleResult
		want string
	}{
		{CycleResult{Cycle: 1, Submitted: 2, RelayOK: true}, "ok"},
		{CycleResult{Cycle: 1, Submitted: 2}, "relay_failed"},
		{CycleResult{Cycle: 1, Err: errors.New("disk gone")}, "error"},
	}
	for _, tc := range cases {
		sender := &fakeSyslog{}
		rp := NewReporter(ReportConfig{Every: 1}, sender, discardLogger())
		rp.Report(context.Background(), tc.res, Totals{}, 4)

		require.Len(t, sender.sent, 1)
		var body map[string]any
		require.NoError(t, json.Unmarshal([]byte(sender.sent[0].msg), &body))
		assert.Equal(t, tc.want, body["status"])
		assert.EqualValues(t, 4, body["lines_rejected"])
	}
}

func TestReporter_SendFailureIsSwallowed(t *testing.T) {
	sender := &fakeSyslog{err: errors.New("refused")}
	rp := NewReporter(ReportConfig{Every: 1}, sender, discardLogger())
	assert.NotPanics(t, func() {
		rp.Report(context.Background(), CycleResult{Cycle: 1}, Totals{}, 0)
	})
	assert.Len(t, sender.sent, 1)
}

func TestReporter_CancelledContextStillSends(t *testing.T) {
	sender := &fakeSyslog{}
	rp := NewReporter(ReportConfig{Every: 1}, sender, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rp.Report(ctx, CycleResult{Cycle: 1}, Totals{}, 0)
	assert.Len(t, sender.sent, 1)
}
