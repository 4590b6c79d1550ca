package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Reporter logs each cycle and emits a heartbeat every N cycles, optionally
// over syslog.
type Reporter struct {
	cfg    ReportConfig
	syslog SyslogSender
	logger *slog.Logger
}

// NewReporter builds a reporter. A nil sender means log-only.
func NewReporter(cfg ReportConfig, sender SyslogSender, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Every <= 0 {
		cfg.Every = 12
	}
	return &Reporter{cfg: cfg, syslog: sender, logger: logger}
}

func (rp *Reporter) Report(ctx context.Context, res CycleResult, totals Totals, rejected int) {
	switch {
	case res.Submitted > 0:
		rp.logger.Info("cycle done",
			"cycle", res.Cycle,
			"fetched", res.Fetched,
			"new", res.New,
			"duplicates", res.Duplicates,
			"relayed", res.Relayed,
			"relay_ok", res.RelayOK,
			"total_relayed", totals.Relayed,
			"elapsed", res.Duration.String(),
		)
	case res.Err != nil:
		rp.logger.Warn("cycle ended with error", "cycle", res.Cycle, "error", res.Err)
	default:
		rp.logger.Debug("no new records", "cycle", res.Cycle, "fetched", res.Fetched)
	}

	if res.Cycle%rp.cfg.Every != 0 {
		return
	}
	rp.logger.Info("heartbeat",
		"cycles", totals.Cycles,
		"rows_relayed", totals.Relayed,
		"failed_batches", totals.FailedBatches,
		"duplicates", totals.Duplicates,
		"lines_rejected", rejected,
	)
	if rp.syslog == nil {
		return
	}
	if err := rp.sendHeartbeat(ctx, res, totals, rejected); err != nil {
		rp.logger.Warn("heartbeat send failed", "error", err)
	}
}

func (rp *Reporter) sendHeartbeat(ctx context.Context, res CycleResult, totals Totals, rejected int) error {
	status := "ok"
	errMsg := ""
	if res.Err != nil {
		status = "error"
		errMsg = res.Err.Error()
	} else if res.Submitted > 0 && !res.RelayOK {
		status = "relay_failed"
	}
	msg := map[string]any{
		"status":         status,
		"error":          errMsg,
		"at":             time.Now().UTC().Format(time.RFC3339Nano),
		"cycle":          res.Cycle,
		"cycles":         totals.Cycles,
		"records_new":    totals.New,
		"duplicates":     totals.Duplicates,
		"rows_relayed":   totals.Relayed,
		"failed_batches": totals.FailedBatches,
		"cycle_errors":   totals.CycleErrors,
		"lines_rejected": rejected,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	labels := map[string]string{
		"job":     rp.cfg.Job,
		"service": rp.cfg.Service,
		"status":  status,
	}
	for k, v := range rp.cfg.FixedLabels {
		if _, taken := labels[k]; !taken {
			labels[k] = v
		}
	}
	// Sent after the cycle; a signal already received must not drop it.
	return rp.syslog.Send(context.WithoutCancel(ctx), buildStructuredData("vitals", labels), string(b))
}
