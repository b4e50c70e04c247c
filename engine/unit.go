package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/franksops/pcp/logctx"
	"github.com/franksops/pcp/provider"
	"github.com/franksops/pcp/store"
)

// Unit transfers exactly one source file to one destination path: overwrite
// gate, resumable chunked copy, timestamp propagation and optional
// verification. A Unit is safe for concurrent use by the workers of a pass.
type Unit struct {
	src      provider.Provider
	dst      provider.Provider
	buffers  *BufferPool
	observer Observer
	journal  store.Journal
}

// NewUnit creates a Unit. observer and journal may be nil.
func NewUnit(src, dst provider.Provider, buffers *BufferPool, observer Observer, journal store.Journal) *Unit {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Unit{
		src:      src,
		dst:      dst,
		buffers:  buffers,
		observer: observer,
		journal:  journal,
	}
}

// Result is what a unit reports for one file.
type Result struct {
	Outcome Outcome
	// Bytes is how many bytes this call wrote to the destination.
	Bytes int64
	// Checksum is the CRC-64 of a verified destination, zero otherwise.
	Checksum uint64
	// Verified is set for a skipped destination whose bytes were compared
	// with the source and found equal.
	Verified bool
}

// Confirmed reports whether the destination is known to hold a complete copy.
func (r Result) Confirmed() bool {
	return r.Outcome.Confirmed() || r.Verified
}

// Transfer copies file to destPath. A verification divergence adds the
// source path to ledger and returns OutcomeFailedVerification with a nil
// error; the destination is left as written for the next pass to overwrite.
func (u *Unit) Transfer(ctx context.Context, job TransferJob, file FileRecord, destPath string, progress ProgressTracker, ledger *RetryLedger) (Result, error) {
	res, err := u.transfer(ctx, job, file, destPath, progress, ledger)

	u.observer.FileFinished(job.displayPath(destPath), res.Outcome)
	u.record(ctx, file, destPath, res, err)

	return res, err
}

func failed(copied int64, err error) (Result, error) {
	return Result{Outcome: OutcomeError, Bytes: copied}, err
}

func (u *Unit) transfer(ctx context.Context, job TransferJob, file FileRecord, destPath string, progress ProgressTracker, ledger *RetryLedger) (Result, error) {
	src, err := u.src.OpenRead(ctx, file.Path)
	if err != nil {
		return failed(0, fmt.Errorf("failed to open source: %w", err))
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return failed(0, fmt.Errorf("failed to stat source: %w", err))
	}
	total := info.Size()

	// Read before copying: reading the source may bump its access time.
	times, err := u.src.Times(ctx, file.Path)
	if err != nil {
		return failed(0, fmt.Errorf("failed to read source timestamps: %w", err))
	}

	// An in-flight file is always re-entered; everything else goes through
	// the overwrite gate.
	prior, err := progress.Lookup(file.Rel)
	if err != nil {
		return failed(0, err)
	}
	if prior == nil {
		skip, err := u.shouldSkip(ctx, job.Overwrite, destPath, total)
		if err != nil {
			return failed(0, err)
		}
		if skip {
			return u.checkSkipped(ctx, job, file, destPath, total)
		}
	}

	copied, err := u.copy(ctx, job, file, destPath, src, total, progress)
	if err != nil {
		return failed(copied, err)
	}

	if err := u.dst.Chtimes(ctx, destPath, times); err != nil {
		return failed(copied, fmt.Errorf("failed to set destination timestamps: %w", err))
	}

	if !job.Verify {
		if err := complete(file.Rel, progress); err != nil {
			return failed(copied, err)
		}
		return Result{Outcome: OutcomeCopied, Bytes: copied}, nil
	}

	ok, sum, err := u.verify(ctx, file.Path, destPath, total)
	if err != nil {
		return failed(copied, fmt.Errorf("failed to verify: %w", err))
	}
	if !ok {
		ledger.Add(file.Path)
		// The retry pass must start over rather than resume at the end.
		res := Result{Outcome: OutcomeFailedVerification, Bytes: copied}
		if err := progress.FinishProgress(file.Rel); err != nil {
			return res, err
		}
		return res, nil
	}

	// Reading the copy back may have moved its access time.
	if err := u.dst.Chtimes(ctx, destPath, times); err != nil {
		return failed(copied, fmt.Errorf("failed to set destination timestamps: %w", err))
	}
	if err := complete(file.Rel, progress); err != nil {
		return failed(copied, err)
	}
	return Result{Outcome: OutcomeCopiedAndVerified, Bytes: copied, Checksum: sum}, nil
}

func (u *Unit) shouldSkip(ctx context.Context, policy OverwritePolicy, destPath string, total int64) (bool, error) {
	info, err := u.dst.Stat(ctx, destPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat destination: %w", err)
	}

	switch policy {
	case OverwriteNever:
		return true, nil
	case OverwriteSizeDiffers:
		return info.Size() == total, nil
	default:
		return false, nil
	}
}

// checkSkipped reports a skipped destination. When verification is on, the
// existing bytes are compared with the source so a copy left by an earlier
// run can still confirm the file. A mismatch leaves the file skipped.
func (u *Unit) checkSkipped(ctx context.Context, job TransferJob, file FileRecord, destPath string, total int64) (Result, error) {
	res := Result{Outcome: OutcomeSkipped}
	if !job.Verify {
		return res, nil
	}

	ok, sum, err := u.verify(ctx, file.Path, destPath, total)
	if err != nil {
		return failed(0, fmt.Errorf("failed to verify skipped destination: %w", err))
	}
	if ok {
		res.Verified = true
		res.Checksum = sum
	}
	return res, nil
}

// copy streams the bytes not yet confirmed for file into destPath and
// returns how many it wrote.
func (u *Unit) copy(ctx context.Context, job TransferJob, file FileRecord, destPath string, src provider.File, total int64, progress ProgressTracker) (int64, error) {
	dst, err := u.dst.OpenReadWrite(ctx, destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination: %w", err)
	}
	closed := false
	defer func() {
		if !closed {
			dst.Close()
		}
	}()

	resume, err := progress.BeginProgress(file.Rel, total)
	if errors.Is(err, store.ErrTotalMismatch) {
		return 0, &ResumeMismatchError{Path: file.Rel, Reason: "source size changed since the transfer started", Err: err}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to begin progress: %w", err)
	}

	var offset int64
	if resume != nil {
		offset = resume.Current

		dinfo, err := dst.Stat()
		if err != nil {
			return 0, fmt.Errorf("failed to stat destination: %w", err)
		}
		if dinfo.Size() < offset {
			return 0, &ResumeMismatchError{
				Path:   file.Rel,
				Reason: fmt.Sprintf("destination holds %d bytes but %d were confirmed", dinfo.Size(), offset),
			}
		}
	}

	// Anything past the confirmed offset was never confirmed.
	if err := dst.Truncate(offset); err != nil {
		return 0, fmt.Errorf("failed to truncate destination: %w", err)
	}
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek source: %w", err)
	}
	if _, err := dst.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek destination: %w", err)
	}

	dstLabel := job.displayPath(destPath)
	u.observer.FileStarted(job.displayPath(file.Path), dstLabel, offset, total)

	buf := u.buffers.Get()
	defer u.buffers.Put(buf)

	tw := NewTrackedWriter(dst, progress, file.Rel, offset, func(n int64) {
		u.observer.FileProgress(dstLabel, n, total)
	})

	for tw.BytesWritten() < total {
		if err := ctx.Err(); err != nil {
			return tw.BytesWritten() - offset, err
		}

		chunk := *buf
		if remaining := total - tw.BytesWritten(); remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}

		n, rerr := io.ReadFull(src, chunk)
		if n > 0 {
			if _, err := tw.Write(chunk[:n]); err != nil {
				return tw.BytesWritten() - offset, fmt.Errorf("failed to write destination: %w", err)
			}
		}
		if rerr != nil {
			if isEndOfStream(rerr) {
				return tw.BytesWritten() - offset, fmt.Errorf("source ended after %d of %d bytes", tw.BytesWritten(), total)
			}
			return tw.BytesWritten() - offset, fmt.Errorf("failed to read source: %w", rerr)
		}
	}

	closed = true
	if err := dst.Close(); err != nil {
		return tw.BytesWritten() - offset, fmt.Errorf("failed to close destination: %w", err)
	}
	return tw.BytesWritten() - offset, nil
}

// verify re-reads both files from the start and compares them chunk by
// chunk. The destination must also hold exactly total bytes. It returns the
// CRC-64 of the destination bytes read.
func (u *Unit) verify(ctx context.Context, srcPath, destPath string, total int64) (bool, uint64, error) {
	src, err := u.src.OpenRead(ctx, srcPath)
	if err != nil {
		return false, 0, err
	}
	defer src.Close()

	dst, err := u.dst.OpenRead(ctx, destPath)
	if err != nil {
		return false, 0, err
	}
	defer dst.Close()

	bufA, bufB := u.buffers.Get(), u.buffers.Get()
	defer u.buffers.Put(bufA)
	defer u.buffers.Put(bufB)

	dstSum := NewChecksumReader(dst)
	ok, err := compareStreams(src, dstSum, *bufA, *bufB)
	if err != nil {
		return false, 0, err
	}
	return ok && dstSum.BytesRead() == total, dstSum.Checksum(), nil
}

// complete moves rel from the live progress table to the completed log.
func complete(rel string, progress ProgressTracker) error {
	if err := progress.FinishProgress(rel); err != nil {
		return err
	}
	return progress.RecordCompleted(rel)
}

func (u *Unit) record(ctx context.Context, file FileRecord, destPath string, res Result, err error) {
	if u.journal == nil {
		return
	}

	entry := &store.Entry{
		Destination: destPath,
		Source:      file.Path,
		State:       entryState(res.Outcome),
		Bytes:       res.Bytes,
		Checksum:    res.Checksum,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	if jerr := u.journal.SaveEntry(entry); jerr != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to journal outcome", "destination", destPath, "err", jerr)
	}
}

func entryState(o Outcome) store.EntryState {
	switch o {
	case OutcomeSkipped:
		return store.StateSkipped
	case OutcomeCopied:
		return store.StateCopied
	case OutcomeCopiedAndVerified:
		return store.StateVerified
	case OutcomeFailedVerification:
		return store.StateFailedVerification
	default:
		return store.StateFailed
	}
}
