package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/franksops/pcp/logctx"
	"github.com/franksops/pcp/provider"
	"github.com/franksops/pcp/store"
)

// Orchestrator runs transfer jobs: enumeration, the parallel pass per
// destination, verification retry rounds, purge, progress teardown and
// move semantics.
type Orchestrator struct {
	src      provider.Provider
	dst      provider.Provider
	observer Observer
	journal  store.Journal
	scaler   *Scaler
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithObserver sets the progress observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithJournal records every unit outcome in j.
func WithJournal(j store.Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithScaler lets s resize the worker pools of running passes.
func WithScaler(s *Scaler) Option {
	return func(o *Orchestrator) { o.scaler = s }
}

// WithProviders replaces the local filesystem providers.
func WithProviders(src, dst provider.Provider) Option {
	return func(o *Orchestrator) {
		o.src = src
		o.dst = dst
	}
}

// NewOrchestrator creates an Orchestrator working on the local filesystem.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		src:      provider.NewLocalProvider(""),
		dst:      provider.NewLocalProvider(""),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Report summarizes one job.
type Report struct {
	Source  string
	Renamed bool

	// Files is the number of source files enumerated.
	Files int
	// Outcomes counts the final outcome of every file at every destination.
	// Files already in a completed log are not counted.
	Outcomes map[Outcome]int
	// Bytes written across all destinations and passes.
	Bytes int64

	Purged         int
	SourcesRemoved int

	// Errors collects per-file and per-destination failures. They do not
	// stop the job.
	Errors *multierror.Error
}

// Err returns the collected per-file errors, or nil.
func (r *Report) Err() error {
	return r.Errors.ErrorOrNil()
}

// Run executes job. The returned error is reserved for conditions that stop
// the job as a whole: an *InputError, a *RetriesExhaustedError, a failure to
// enumerate the source, or cancellation. Per-file failures land in
// Report.Errors.
func (o *Orchestrator) Run(ctx context.Context, job TransferJob) (*Report, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	job, err := job.normalized()
	if err != nil {
		return nil, &InputError{Reason: "cannot resolve paths", Err: err}
	}

	logger := logctx.LoggerFromContext(ctx).With("source", job.displayPath(job.Source))
	ctx = logctx.WithLogger(ctx, logger)

	report := &Report{Source: job.Source, Outcomes: make(map[Outcome]int)}

	info, err := o.src.Stat(ctx, job.Source)
	if err != nil {
		return nil, &InputError{Reason: "cannot read source " + job.Source, Err: err}
	}

	single := !info.IsDir()
	if single {
		job.Destinations = o.fileTargets(ctx, job.Source, job.Destinations)
		for _, dest := range job.Destinations {
			if dest == job.Source {
				return nil, &InputError{Reason: "destination is the source: " + dest}
			}
		}
	}

	if job.Move && len(job.Destinations) == 1 {
		renamed, err := o.tryRename(ctx, job.Source, job.Destinations[0])
		if renamed {
			logger.Info("moved by rename", "destination", job.displayPath(job.Destinations[0]))
			report.Renamed = true
			return report, nil
		}
		if err != nil {
			logger.Debug("rename failed, copying instead", "err", err)
		}
	}

	var files []FileRecord
	if single {
		files = []FileRecord{{Path: job.Source, Rel: filepath.Base(job.Source), Size: info.Size()}}
	} else {
		files, err = Enumerate(ctx, job.Source)
		if err != nil {
			return report, err
		}
	}
	report.Files = len(files)
	logger.Info("enumerated source", "files", len(files), "size", humanize.IBytes(uint64(totalBytes(files))))

	// confirmed counts, per source path, the destinations holding a
	// confirmed copy.
	confirmed := make(map[string]int, len(files))
	for _, dest := range job.Destinations {
		ok, err := o.runDestination(ctx, job, dest, files, single, report)
		if err != nil {
			var exhausted *RetriesExhaustedError
			if errors.As(err, &exhausted) || ctx.Err() != nil {
				return report, err
			}
			logger.Error("destination failed", "destination", job.displayPath(dest), "err", err)
			report.Errors = multierror.Append(report.Errors, err)
			continue
		}
		for path := range ok {
			confirmed[path]++
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	if job.Move {
		removed, err := o.removeSources(ctx, files, confirmed, len(job.Destinations))
		report.SourcesRemoved = removed
		if err != nil {
			report.Errors = multierror.Append(report.Errors, err)
		}
		if !single {
			if err := pruneEmptyDirs(job.Source); err != nil {
				logger.Warn("failed to prune source directories", "err", err)
			}
		}
		logger.Info("removed moved sources", "files", removed, "kept", len(files)-removed)
	}

	return report, nil
}

// fileTargets maps each destination of a single-file source to the file it
// names. An existing directory receives the source under its own name.
func (o *Orchestrator) fileTargets(ctx context.Context, source string, dests []string) []string {
	out := make([]string, len(dests))
	for i, dest := range dests {
		out[i] = dest
		if info, err := o.dst.Stat(ctx, dest); err == nil && info.IsDir() {
			out[i] = filepath.Join(dest, filepath.Base(source))
		}
	}
	return out
}

// passResult is what one parallel pass over a file list produced.
type passResult struct {
	results map[string]Result
	bytes   int64
	errs    *multierror.Error
}

// runDestination transfers files to dest and returns the set of source
// paths dest now holds confirmed copies of.
func (o *Orchestrator) runDestination(ctx context.Context, job TransferJob, dest string, files []FileRecord, single bool, report *Report) (map[string]struct{}, error) {
	logger := logctx.LoggerFromContext(ctx).With("destination", job.displayPath(dest))
	ctx = logctx.WithLogger(ctx, logger)

	root := dest
	if single {
		root = filepath.Dir(dest)
		files = []FileRecord{{Path: files[0].Path, Rel: filepath.Base(dest), Size: files[0].Size}}
	}

	if err := o.dst.MkdirAll(ctx, root); err != nil {
		return nil, fmt.Errorf("failed to create destination %s: %w", root, err)
	}

	progress, err := store.OpenProgressStore(root, job.UseProgress)
	if err != nil {
		return nil, err
	}
	defer progress.Close()

	completed, err := progress.LoadCompleted()
	if err != nil {
		return nil, err
	}

	confirmed := make(map[string]struct{}, len(files))
	pending := make([]FileRecord, 0, len(files))
	for _, f := range files {
		if _, done := completed[f.Rel]; done {
			confirmed[f.Path] = struct{}{}
			continue
		}
		pending = append(pending, f)
	}
	logger.Info("starting pass",
		"files", len(pending),
		"already_completed", len(files)-len(pending),
		"size", humanize.IBytes(uint64(totalBytes(pending))))

	ledger := NewRetryLedger()
	pass := o.runPass(ctx, job, root, pending, progress, ledger)
	results := pass.results
	report.Bytes += pass.bytes
	errs := pass.errs

	if job.Verify {
		retryJob := job.withOverwrite(OverwriteAlways)
		for round := 1; ledger.Len() > 0 && round <= int(job.VerifyRetries); round++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			var retry []FileRecord
			for _, f := range pending {
				if ledger.Contains(f.Path) {
					retry = append(retry, f)
				}
			}
			logger.Warn("retrying failed verifications", "round", round, "files", len(retry))

			ledger.Reset()
			pass := o.runPass(ctx, retryJob, root, retry, progress, ledger)
			for path, r := range pass.results {
				results[path] = r
			}
			report.Bytes += pass.bytes
			if pass.errs != nil {
				errs = multierror.Append(errs, pass.errs.Errors...)
			}
		}

		if ledger.Len() > 0 {
			for _, path := range ledger.Paths() {
				logger.Error("verification failed", "path", path)
			}
			return nil, &RetriesExhaustedError{Destination: dest, Retries: job.VerifyRetries, Paths: ledger.Paths()}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	counts := make(map[Outcome]int)
	for path, r := range results {
		counts[r.Outcome]++
		report.Outcomes[r.Outcome]++
		if r.Confirmed() && !ledger.Contains(path) {
			confirmed[path] = struct{}{}
		}
	}
	if errs.ErrorOrNil() != nil {
		report.Errors = multierror.Append(report.Errors, errs.Errors...)
	}

	if job.Purge && !single {
		removed, err := Purge(ctx, root, files)
		report.Purged += len(removed)
		for _, path := range removed {
			logger.Debug("purged", "path", path)
		}
		if err != nil {
			report.Errors = multierror.Append(report.Errors, err)
		}
	}

	// Durable state survives failures so the next run can resume.
	if errs.ErrorOrNil() == nil {
		if err := progress.Teardown(); err != nil {
			logger.Warn("failed to remove completed log", "err", err)
		} else if err := progress.RemoveReservedDir(); err != nil {
			logger.Warn("failed to remove progress directory", "err", err)
		}
	}

	logger.Info("destination done",
		"copied", counts[OutcomeCopied],
		"verified", counts[OutcomeCopiedAndVerified],
		"skipped", counts[OutcomeSkipped],
		"errors", counts[OutcomeError])

	return confirmed, nil
}

// runPass fans files out over a worker pool and joins before returning.
func (o *Orchestrator) runPass(ctx context.Context, job TransferJob, root string, files []FileRecord, progress ProgressTracker, ledger *RetryLedger) passResult {
	res := passResult{results: make(map[string]Result, len(files))}
	if len(files) == 0 {
		return res
	}

	o.observer.PassStarted(job.displayPath(root), len(files), totalBytes(files))

	buffers := NewBufferPool(job.BufferSize)
	unit := NewUnit(o.src, o.dst, buffers, o.observer, o.journal)
	logger := logctx.LoggerFromContext(ctx)

	workers := o.scaler.size(min(job.Workers(), len(files)))
	logger.Debug("pass started", "files", len(files), "workers", workers, "buffer", humanize.IBytes(uint64(buffers.Size())))

	var mu sync.Mutex
	pool := NewWorkerPool(ctx, workers, func(ctx context.Context, rec FileRecord) {
		r, err := o.transferOne(ctx, logger, unit, job, rec, root, progress, ledger)

		mu.Lock()
		defer mu.Unlock()
		res.results[rec.Path] = r
		res.bytes += r.Bytes
		if err != nil {
			res.errs = multierror.Append(res.errs, err)
		}
	})

	o.scaler.attach(pool)

	for _, rec := range files {
		if err := pool.Submit(ctx, rec); err != nil {
			mu.Lock()
			res.errs = multierror.Append(res.errs, err)
			mu.Unlock()
			break
		}
	}

	o.scaler.detach(pool)
	if ctx.Err() != nil {
		pool.Stop()
	} else {
		pool.Close()
	}

	return res
}

// transferOne runs a single unit, turning a panic into an error for that
// file only.
func (o *Orchestrator) transferOne(ctx context.Context, logger *slog.Logger, unit *Unit, job TransferJob, rec FileRecord, root string, progress ProgressTracker, ledger *RetryLedger) (res Result, err error) {
	logger = logger.With("path", rec.Rel)

	defer func() {
		if v := recover(); v != nil {
			res = Result{Outcome: OutcomeError}
			err = &UnitPanicError{Path: rec.Path, Value: v}
			logger.Error("transfer aborted", "err", err)
		}
	}()

	res, err = unit.Transfer(ctx, job, rec, filepath.Join(root, rec.Rel), progress, ledger)
	switch {
	case err != nil:
		logger.Error("transfer failed", "outcome", res.Outcome, "err", err)
		return res, fmt.Errorf("%s: %w", rec.Path, err)
	case res.Outcome == OutcomeFailedVerification:
		logger.Warn("verification mismatch", "bytes", res.Bytes)
	case res.Outcome == OutcomeSkipped:
		logger.Debug("skipped")
	default:
		logger.Debug("transferred", "outcome", res.Outcome, "bytes", res.Bytes, "size", humanize.IBytes(uint64(res.Bytes)))
	}
	return res, nil
}
