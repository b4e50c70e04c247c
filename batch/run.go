package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/franksops/pcp/engine"
	"github.com/franksops/pcp/logctx"
)

// Runner runs one transfer job. *engine.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, job engine.TransferJob) (*engine.Report, error)
}

var _ Runner = (*engine.Orchestrator)(nil)

// Result pairs a batch job with what running it produced.
type Result struct {
	Job    Job
	Report *engine.Report
	Err    error
}

// TransferJob applies the batch line's paths to the shared options in base.
func (j Job) TransferJob(base engine.TransferJob) engine.TransferJob {
	tj := base
	tj.Source = j.Source
	tj.Destinations = append([]string(nil), j.Destinations...)
	return tj
}

// Validate checks every job against base before anything runs.
func Validate(jobs []Job, base engine.TransferJob) error {
	var result *multierror.Error
	for _, j := range jobs {
		if err := j.TransferJob(base).Validate(); err != nil {
			result = multierror.Append(result, &LineError{Line: j.Line, Err: err})
		}
	}
	return result.ErrorOrNil()
}

// Run executes jobs in parallel, at most limit at a time when limit is
// positive. Each job gets its own orchestration. A failed job does not stop
// the others, except for exhausted verification retries, which cancel the
// whole batch. Results are returned in input order.
func Run(ctx context.Context, jobs []Job, base engine.TransferJob, runner Runner, limit int) ([]Result, error) {
	results := make([]Result, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	var (
		mu     sync.Mutex
		result *multierror.Error
	)

	for i, job := range jobs {
		g.Go(func() error {
			logger := logctx.LoggerFromContext(gctx).With("line", job.Line)
			report, err := runner.Run(logctx.WithLogger(gctx, logger), job.TransferJob(base))
			results[i] = Result{Job: job, Report: report, Err: err}

			if err == nil {
				return nil
			}
			var exhausted *engine.RetriesExhaustedError
			if errors.As(err, &exhausted) {
				return err
			}

			logger.Error("batch job failed", "source", job.Source, "err", err)
			mu.Lock()
			result = multierror.Append(result, fmt.Errorf("line %d: %w", job.Line, err))
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	return results, result.ErrorOrNil()
}
