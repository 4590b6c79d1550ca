package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrSinkInert is returned by a sink whose setup failed.
var ErrSinkInert = errors.New("relay sink is inert")

// Sink submits one batch as a single remote call. A nil error means the
// remote store accepted every row; there is no partial success.
type Sink interface {
	Name() string
	Submit(ctx context.Context, rows []NormalizedRow) error
	Close() error
}

// inertSink stands in for a sink whose setup failed. Every Submit is skipped.
type inertSink struct {
	reason error
	logger *slog.Logger
}

func newInertSink(reason error, logger *slog.Logger) *inertSink {
	return &inertSink{reason: reason, logger: logger}
}

func (s *inertSink) Name() string { return "inert" }

func (s *inertSink) Submit(_ context.Context, rows []NormalizedRow) error {
	s.logger.Warn("relay inert, skipping batch", "rows", len(rows), "reason", s.reason)
	return fmt.Errorf("%w: %v", ErrSinkInert, s.reason)
}

func (s *inertSink) Close() error { return nil }

// IsInert reports whether s skips every submission.
func IsInert(s Sink) bool {
	_, ok := s.(*inertSink)
	return ok
}

// NewSink builds the configured sink. Setup failures are logged and produce
// an inert sink so the poll loop keeps running.
func NewSink(ctx context.Context, cfg RelayConfig, logger *slog.Logger) Sink {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		s   Sink
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case RelayKindBigQuery, "":
		s, err = NewBigQuerySink(ctx, cfg.BigQuery, logger)
	case RelayKindMQTT:
		s, err = NewMQTTSink(ctx, cfg.MQTT, logger)
	case RelayKindNone:
		err = errors.New("relay disabled by configuration")
	default:
		err = fmt.Errorf("unknown relay kind %q", cfg.Kind)
	}
	if err != nil {
		logger.Error("relay setup failed; submissions disabled for this run", "kind", cfg.Kind, "error", err)
		return newInertSink(err, logger)
	}
	logger.Info("relay ready", "sink", s.Name())
	return s
}
