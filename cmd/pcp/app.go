package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/franksops/pcp/batch"
	"github.com/franksops/pcp/config"
	"github.com/franksops/pcp/engine"
	"github.com/franksops/pcp/logctx"
	"github.com/franksops/pcp/store"
	"github.com/franksops/pcp/ui"
)

const appName = "pcp"

const (
	exitOK = iota
	exitInput
	exitVerification
)

// overwriteValue adapts engine.OverwritePolicy to cli.Generic.
type overwriteValue struct {
	policy engine.OverwritePolicy
}

func (v *overwriteValue) Set(s string) error {
	p, err := engine.ParseOverwritePolicy(s)
	if err != nil {
		return err
	}
	v.policy = p
	return nil
}

func (v *overwriteValue) String() string {
	return v.policy.String()
}

func newApp(cfg *config.Config) *cli.App {
	bufferSize := cfg.BufferSize
	overwrite := &overwriteValue{policy: engine.OverwriteSizeDiffers}

	return &cli.App{
		Name:      appName,
		Usage:     "parallel, resumable, verifying file copy",
		UsageText: "pcp [options] SOURCE DEST [DEST...]\n   pcp [options] --batch < jobs",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "purge",
				Usage: "delete destination files that do not exist in the source",
			},
			&cli.GenericFlag{
				Name:  "overwrite",
				Usage: "overwrite existing destination files: never, size-differs or always",
				Value: overwrite,
			},
			&cli.BoolFlag{
				Name:  "move",
				Usage: "remove sources once every destination holds a confirmed copy",
			},
			&cli.UintFlag{
				Name:    "threads",
				Aliases: []string{"j"},
				Value:   uint(cfg.Threads),
				Usage:   "worker threads per destination (0 uses one per CPU)",
			},
			&cli.GenericFlag{
				Name:    "buffer-size",
				Aliases: []string{"b"},
				Value:   &bufferSize,
				Usage:   "copy and verify chunk size, e.g. 512KiB, 4MB",
			},
			&cli.BoolFlag{
				Name:  "absolute-paths",
				Usage: "show absolute paths in output",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "compare every copied file with its source",
			},
			&cli.UintFlag{
				Name:  "verify-retries",
				Value: 1,
				Usage: "forced-overwrite rounds for files that fail verification",
			},
			&cli.BoolFlag{
				Name:  "progress",
				Usage: "track progress durably so an interrupted run can resume",
			},
			&cli.BoolFlag{
				Name:  "batch",
				Usage: "read jobs from standard input, one 'source:dest1:dest2' per line",
			},
			&cli.StringFlag{
				Name:  "journal",
				Value: cfg.Journal,
				Usage: "record every file outcome in this bbolt database",
			},
			&cli.BoolFlag{
				Name:  "tui",
				Value: cfg.TUI,
				Usage: "show an interactive progress view",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: cfg.LogLevel,
				Usage: "log level: DEBUG, INFO, WARN or ERROR",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: cfg.LogFormat,
				Usage: "log format: text or json",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, cfg, overwrite.policy, bufferSize)
		},
		HideHelpCommand: true,
		// Exit codes are decided by main.
		ExitErrHandler: func(*cli.Context, error) {},
	}
}

func run(c *cli.Context, cfg *config.Config, overwrite engine.OverwritePolicy, bufferSize config.ByteSize) error {
	retries := c.Uint("verify-retries")
	if retries > math.MaxUint8 {
		return &engine.InputError{Reason: fmt.Sprintf("verify-retries must be at most %d", math.MaxUint8)}
	}
	threads := c.Uint("threads")
	if threads > math.MaxUint32 {
		return &engine.InputError{Reason: "threads out of range"}
	}

	base := engine.TransferJob{
		Move:          c.Bool("move"),
		Purge:         c.Bool("purge"),
		Overwrite:     overwrite,
		BufferSize:    bufferSize.Bytes(),
		Verify:        c.Bool("verify"),
		VerifyRetries: uint8(retries),
		UseProgress:   c.Bool("progress"),
		ThreadLimit:   uint32(threads),
		AbsolutePaths: c.Bool("absolute-paths"),
	}

	jobs, err := readJobs(c)
	if err != nil {
		return err
	}
	if err := batch.Validate(jobs, base); err != nil {
		return err
	}

	logCfg := *cfg
	logCfg.LogLevel = c.String("log-level")
	logCfg.LogFormat = c.String("log-format")

	tui := c.Bool("tui")
	logOut := c.App.ErrWriter
	if tui {
		// The progress view owns the terminal.
		logOut = io.Discard
	}
	logger := logCfg.NewLogger(logOut)

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	ctx = logctx.WithLogger(ctx, logger)

	scaler := engine.NewScaler()
	opts := []engine.Option{engine.WithScaler(scaler)}
	started := time.Now().UTC()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)
	go scaleOnSignals(ctx, sigs, scaler)

	var journal *store.BoltJournal
	if path := c.String("journal"); path != "" {
		journal, err = store.OpenBoltJournal(path)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer journal.Close()
		opts = append(opts, engine.WithJournal(journal))
	}

	var (
		board   *ui.Board
		program *tea.Program
		wg      sync.WaitGroup
	)
	if tui {
		board = ui.NewBoard(base.Workers())
		opts = append(opts, engine.WithObserver(board))
		model := ui.NewTUIModel(board, cancel).WithScaler(scaler)
		program = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				logger.Warn("progress view stopped", "err", err)
			}
		}()
	}

	results, runErr := batch.Run(ctx, jobs, base, engine.NewOrchestrator(opts...), 0)

	if tui {
		board.MarkDone()
		wg.Wait()
	}

	for _, r := range results {
		summarize(logger, r)
	}
	if journal != nil {
		summarizeJournal(logger, journal, started)
	}
	return runErr
}

func readJobs(c *cli.Context) ([]batch.Job, error) {
	if c.Bool("batch") {
		if c.NArg() > 0 {
			return nil, &engine.InputError{Reason: "paths cannot be combined with --batch"}
		}
		jobs, err := batch.Read(c.App.Reader)
		if err != nil {
			return nil, err
		}
		if len(jobs) == 0 {
			return nil, &engine.InputError{Reason: "no jobs on standard input"}
		}
		return jobs, nil
	}

	switch c.NArg() {
	case 0:
		return nil, &engine.InputError{Reason: "no source given"}
	case 1:
		return nil, &engine.InputError{Reason: "no destination given"}
	}
	return []batch.Job{{Source: c.Args().First(), Destinations: c.Args().Tail()}}, nil
}

func summarize(logger *slog.Logger, r batch.Result) {
	if r.Report == nil {
		return
	}
	rep := r.Report
	if rep.Renamed {
		logger.Info("job finished", "source", rep.Source, "renamed", true)
		return
	}

	failures := 0
	if rep.Errors != nil {
		failures = len(rep.Errors.Errors)
	}
	logger.Info("job finished",
		"source", rep.Source,
		"files", rep.Files,
		"copied", rep.Outcomes[engine.OutcomeCopied],
		"verified", rep.Outcomes[engine.OutcomeCopiedAndVerified],
		"skipped", rep.Outcomes[engine.OutcomeSkipped],
		"failed", failures,
		"purged", rep.Purged,
		"removed", rep.SourcesRemoved,
		"size", humanize.IBytes(uint64(rep.Bytes)))
}

// scaleOnSignals adds a worker to the running passes on SIGUSR1 and removes
// one on SIGUSR2.
func scaleOnSignals(ctx context.Context, sigs <-chan os.Signal, scaler ui.WorkerScaler) {
	logger := logctx.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			delta := 1
			if sig == syscall.SIGUSR2 {
				delta = -1
			}
			if n := scaler.Adjust(delta); n > 0 {
				logger.Info("worker count changed", "workers", n)
			}
		}
	}
}

func summarizeJournal(logger *slog.Logger, journal *store.BoltJournal, since time.Time) {
	counts, err := journal.Tally(since)
	if err != nil {
		logger.Warn("failed to read journal", "err", err)
		return
	}
	logger.Info("journal updated",
		"verified", counts[store.StateVerified],
		"copied", counts[store.StateCopied],
		"skipped", counts[store.StateSkipped],
		"failed_verification", counts[store.StateFailedVerification],
		"failed", counts[store.StateFailed])
}

// exitCode maps a run error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var exhausted *engine.RetriesExhaustedError
	if errors.As(err, &exhausted) {
		return exitVerification
	}
	return exitInput
}
