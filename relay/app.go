package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Run builds every resource once, then drives the poll loop (or a replay)
// until ctx is cancelled. Setup errors are returned; nothing inside the loop
// is.
func Run(ctx context.Context, cfg FileConfig, logger *slog.Logger) error {
	logger.Info("config loaded",
		"sourceKind", cfg.Source.Kind,
		"csvPath", cfg.Source.CSVPath,
		"serialPort", cfg.Source.Serial.Port,
		"ledgerPath", cfg.LedgerPath,
		"pollInterval", cfg.PollInterval.String(),
		"relayKind", cfg.Relay.Kind,
		"mirrorFolder", cfg.Mirror.Database.Folder,
		"mirrorCSV", cfg.Mirror.CSVPath,
		"metricsAddr", cfg.Metrics.Addr,
	)

	metrics := NewMetrics()
	if cfg.Metrics.Addr != "" {
		metrics.Serve(ctx, cfg.Metrics.Addr, logger)
	}

	sink := NewSink(ctx, cfg.Relay, logger)

	from, err := cfg.ReplayTime()
	if err != nil {
		_ = sink.Close()
		return err
	}
	if !from.IsZero() {
		defer sink.Close()
		stats, err := Replay(ctx, sink, cfg.Mirror.Database, from, cfg.Relay.BatchSize, logger)
		logger.Info("replay finished",
			"from", from,
			"databases", stats.Databases,
			"rows", stats.Rows,
			"batches", stats.Batches,
			"failed_batches", stats.FailedBatches,
		)
		return err
	}

	ledger, err := OpenLedger(cfg.LedgerPath)
	if err != nil {
		_ = sink.Close()
		return err
	}

	rejects := NewRejectCounter(NewFileDiagnostics(cfg.Source.Serial.RejectsPath, logger), metrics.LinesRejected)
	source, port, err := openSource(cfg.Source, rejects, logger)
	if err != nil {
		_ = sink.Close()
		_ = ledger.Close()
		return err
	}
	if port != nil {
		defer port.Close()
	}

	var reporterSender SyslogSender
	if strings.TrimSpace(cfg.Report.SyslogAddr) != "" {
		reporterSender = NewSyslogClient(cfg.Report.SyslogAddr)
	}

	runner, err := NewRunner(RunnerConfig{
		Source:       source,
		Ledger:       ledger,
		Normalizer:   NewNormalizer(cfg.Provenance.Source, cfg.Provenance.Stage),
		Sink:         sink,
		Mirror:       openMirrors(cfg.Mirror, logger),
		Reporter:     NewReporter(cfg.Report, reporterSender, logger),
		Metrics:      metrics,
		Rejects:      rejects,
		Logger:       logger,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		_ = sink.Close()
		_ = ledger.Close()
		return err
	}
	defer func() {
		if err := runner.Close(); err != nil {
			logger.Error("close runner", "error", err)
		}
	}()

	runner.Run(ctx)
	return nil
}

func openSource(cfg SourceConfig, diag Diagnostics, logger *slog.Logger) (Source, io.Closer, error) {
	switch cfg.Kind {
	case SourceKindSerial:
		port, err := OpenSerialPort(cfg.Serial)
		if err != nil {
			return nil, nil, err
		}
		return NewSerialSource(port, cfg.Serial.DeviceID, diag, logger), port, nil
	case SourceKindCSV:
		return NewCSVSource(cfg.CSVPath, cfg.ErrorDir, logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown source kind %q", cfg.Kind)
	}
}

// openMirrors returns nil when no mirror is configured. A mirror that cannot
// be opened is logged and left out.
func openMirrors(cfg MirrorConfig, logger *slog.Logger) Mirror {
	var mm multiMirror
	if strings.TrimSpace(cfg.Database.Folder) != "" {
		sm, err := NewSQLMirror(cfg.Database)
		if err != nil {
			logger.Error("sql mirror disabled", "folder", cfg.Database.Folder, "error", err)
		} else {
			mm = append(mm, sm)
		}
	}
	if strings.TrimSpace(cfg.CSVPath) != "" {
		mm = append(mm, NewCSVMirror(cfg.CSVPath))
	}
	if len(mm) == 0 {
		return nil
	}
	return mm
}
