package relay

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// State is the poll loop's position within a cycle.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StateRelaying
	StateReporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StateRelaying:
		return "relaying"
	case StateReporting:
		return "reporting"
	default:
		return "unknown"
	}
}

type RunnerConfig struct {
	Source     Source
	Ledger     *Ledger
	Normalizer *Normalizer
	Sink       Sink

	// Optional.
	Mirror       Mirror
	Reporter     *Reporter
	Metrics      *Metrics
	Rejects      *RejectCounter
	Logger       *slog.Logger
	PollInterval time.Duration
}

// CycleResult summarizes one pass through the loop.
type CycleResult struct {
	Cycle      int
	Fetched    int
	New        int
	Duplicates int
	Submitted  int
	Relayed    int
	RelayOK    bool
	Err        error
	Duration   time.Duration
}

// Totals accumulates over the life of the process.
type Totals struct {
	Cycles        int
	Fetched       int
	New           int
	Duplicates    int
	Relayed       int
	FailedBatches int
	CycleErrors   int
}

// Runner owns every resource of the loop. It is single-threaded: one cycle
// at a time, no locking.
type Runner struct {
	source     Source
	ledger     *Ledger
	normalizer *Normalizer
	sink       Sink
	mirror     Mirror
	reporter   *Reporter
	metrics    *Metrics
	rejects    *RejectCounter
	logger     *slog.Logger
	interval   time.Duration

	state  State
	cycle  int
	totals Totals
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("Source is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("Ledger is required")
	}
	if cfg.Normalizer == nil {
		return nil, fmt.Errorf("Normalizer is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("Sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics()
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NewReporter(ReportConfig{}, nil, cfg.Logger)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	r := &Runner{
		source:     cfg.Source,
		ledger:     cfg.Ledger,
		normalizer: cfg.Normalizer,
		sink:       cfg.Sink,
		mirror:     cfg.Mirror,
		reporter:   cfg.Reporter,
		metrics:    cfg.Metrics,
		rejects:    cfg.Rejects,
		logger:     cfg.Logger,
		interval:   cfg.PollInterval,
	}
	r.metrics.LedgerSize.Set(float64(r.ledger.Len()))
	return r, nil
}

func (r *Runner) State() State { return r.state }

func (r *Runner) Totals() Totals { return r.totals }

func (r *Runner) setState(s State) {
	if r.state == s {
		return
	}
	r.logger.Debug("state", "from", r.state.String(), "to", s.String(), "cycle", r.cycle)
	r.state = s
}

// Run cycles until ctx is cancelled. Cancellation is observed only between
// cycles; a cycle in progress always completes.
func (r *Runner) Run(ctx context.Context) Totals {
	r.logger.Info("poll loop started",
		"source", r.source.Name(),
		"sink", r.sink.Name(),
		"interval", r.interval.String(),
		"ledger", r.ledger.Path(),
		"ledger_size", r.ledger.Len(),
		"relay_inert", IsInert(r.sink),
	)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("poll loop stopped",
				"cycles", r.totals.Cycles,
				"rows_relayed", r.totals.Relayed,
				"failed_batches", r.totals.FailedBatches,
			)
			return r.totals
		case <-timer.C:
		}
		r.RunOnce(ctx)
		timer.Reset(r.interval)
	}
}

// RunOnce executes one fetch → normalize → relay → report cycle. It never
// panics and never returns an error; failures are logged and reported in the
// result.
func (r *Runner) RunOnce(ctx context.Context) (res CycleResult) {
	start := time.Now()
	r.cycle++
	res.Cycle = r.cycle
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("cycle panic: %v", p)
			r.logger.Error("cycle panicked", "cycle", res.Cycle, "panic", p, "stack", string(debug.Stack()))
		}
		res.Duration = time.Since(start)
		r.finish(ctx, &res)
	}()

	r.setState(StateFetching)
	fresh := r.fetchNew(ctx, &res)
	if len(fresh) == 0 {
		return res
	}

	r.setState(StateNormalizing)
	rows := r.normalizer.NormalizeAll(fresh)

	r.setState(StateRelaying)
	res.Submitted = len(rows)
	ok, relayErr := r.submit(ctx, rows)
	res.RelayOK = ok
	if ok {
		res.Relayed = len(rows)
	}
	r.mirrorRows(rows, ok, relayErr)
	return res
}

// fetchNew returns the records whose identity is not yet in the ledger, and
// adds each admitted identity before anything is relayed. A crash after this
// point loses those records rather than sending them twice.
func (r *Runner) fetchNew(ctx context.Context, res *CycleResult) []RawRecord {
	recs, err := r.source.Fetch(ctx)
	if err != nil {
		r.logger.Error("fetch failed; treating cycle as empty", "source", r.source.Name(), "error", err)
		res.Err = err
	}
	res.Fetched = len(recs)

	fresh := make([]RawRecord, 0, len(recs))
	for _, rec := range recs {
		id := Identity(rec)
		if r.ledger.Contains(id) {
			res.Duplicates++
			continue
		}
		if err := r.ledger.Add(id); err != nil {
			r.logger.Error("ledger add failed; record left for next cycle", "identity", id, "error", err)
			continue
		}
		fresh = append(fresh, rec)
	}
	res.New = len(fresh)
	return fresh
}

// submit sends rows as one batch and reports whether the store accepted all
// of them. Cancelling ctx does not abort a submission already issued.
func (r *Runner) submit(ctx context.Context, rows []NormalizedRow) (bool, error) {
	start := time.Now()
	err := r.sink.Submit(context.WithoutCancel(ctx), rows)
	r.metrics.RelayDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if !IsInert(r.sink) {
			r.logger.Error("relay failed; batch will not be retried",
				"sink", r.sink.Name(),
				"rows", len(rows),
				"first_identity", rows[0].Identity,
				"error", err,
			)
		}
		return false, err
	}
	return true, nil
}

func (r *Runner) mirrorRows(rows []NormalizedRow, relayed bool, relayErr error) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Write(rows, relayed, relayErr); err != nil {
		r.logger.Warn("mirror write failed", "rows", len(rows), "error", err)
	}
}

func (r *Runner) finish(ctx context.Context, res *CycleResult) {
	r.setState(StateReporting)

	r.totals.Cycles++
	r.totals.Fetched += res.Fetched
	r.totals.New += res.New
	r.totals.Duplicates += res.Duplicates
	r.totals.Relayed += res.Relayed
	if res.Submitted > 0 && !res.RelayOK {
		r.totals.FailedBatches++
	}
	if res.Err != nil {
		r.totals.CycleErrors++
	}

	m := r.metrics
	m.RecordsFetched.Add(float64(res.Fetched))
	m.RecordsNew.Add(float64(res.New))
	m.RecordsSkipped.Add(float64(res.Duplicates))
	m.RowsRelayed.Add(float64(res.Relayed))
	m.LedgerSize.Set(float64(r.ledger.Len()))
	m.LastCycleUnixTS.SetToCurrentTime()
	outcome := "empty"
	switch {
	case res.Err != nil && res.Submitted == 0:
		outcome = "error"
	case res.Submitted > 0 && !res.RelayOK:
		outcome = "failed"
		m.BatchesFailed.Inc()
	case res.Submitted > 0:
		outcome = "relayed"
	}
	m.Cycles.WithLabelValues(outcome).Inc()

	rejected := 0
	if r.rejects != nil {
		rejected = r.rejects.Total()
	}
	r.reporter.Report(ctx, *res, r.totals, rejected)

	r.setState(StateIdle)
}

// Close releases the sink, mirror and ledger.
func (r *Runner) Close() error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(r.sink.Close())
	if r.mirror != nil {
		keep(r.mirror.Close())
	}
	keep(r.ledger.Close())
	return first
}
