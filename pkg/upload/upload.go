// Package upload executes a single artifact upload: optional compression,
// signed URL request, transfer, and local deletion on confirmed success.
package upload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/segmentoor/pkg/compress"
	"github.com/ethpandaops/segmentoor/pkg/credential"
	"github.com/ethpandaops/segmentoor/pkg/fsutil"
	"github.com/ethpandaops/segmentoor/pkg/metrics"
	"github.com/ethpandaops/segmentoor/pkg/segment"
	"github.com/ethpandaops/segmentoor/pkg/transfer"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Failure kinds carried by Result.Err.
var (
	ErrCompression = errors.New("compression failed")
	ErrStat        = errors.New("stat failed")
	ErrCredential  = errors.New("credential request failed")
	ErrTransfer    = errors.New("transfer failed")
	ErrCleanup     = errors.New("removing artifact failed")
)

// Outcome labels.
const (
	OutcomeSuccess     = "success"
	OutcomeEmpty       = "empty"
	OutcomeCompression = "compression_failed"
	OutcomeStat        = "stat_failed"
	OutcomeCredential  = "credential_failed"
	OutcomeTransfer    = "transfer_failed"
	OutcomeAborted     = "aborted"
	OutcomeCleanup     = "cleanup_failed"
)

// Tree is the part of the segment tree the executor needs.
type Tree interface {
	IsUncompressedLog(name string) bool
	CleanEmpty() int
}

// Ensure the scanner satisfies Tree.
var _ Tree = (*segment.Scanner)(nil)

// Result describes one upload attempt.
type Result struct {
	AttemptID string       `json:"attempt_id"`
	Task      segment.Task `json:"task"`
	Success   bool         `json:"success"`
	Outcome   string       `json:"outcome"`
	Size      int64        `json:"size"`

	// StatusCode is the object store response status, zero if no
	// response was received.
	StatusCode int `json:"status_code,omitempty"`

	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
	Finished time.Time     `json:"finished"`
}

// Error returns the failure message, empty on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}

	return r.Err.Error()
}

// Options configures an Executor.
type Options struct {
	// Compressor compresses raw log artifacts. Nil uploads them as is.
	Compressor compress.Compressor

	// CompressedSuffix is appended to key and path after compression.
	CompressedSuffix string

	// Metrics receives per-attempt observations. Nil disables them.
	Metrics metrics.Metrics
}

// Executor uploads artifacts one at a time.
type Executor struct {
	log        logrus.FieldLogger
	tree       Tree
	signer     credential.Signer
	putter     transfer.Putter
	compressor compress.Compressor
	suffix     string
	metrics    metrics.Metrics

	mu      sync.Mutex
	current *segment.Task
	started time.Time
	last    *Result
}

// NewExecutor creates an executor.
func NewExecutor(
	log logrus.FieldLogger,
	tree Tree,
	signer credential.Signer,
	putter transfer.Putter,
	opts Options,
) *Executor {
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop{}
	}

	return &Executor{
		log:        log.WithField("component", "executor"),
		tree:       tree,
		signer:     signer,
		putter:     putter,
		compressor: opts.Compressor,
		suffix:     opts.CompressedSuffix,
		metrics:    m,
	}
}

// Upload runs one attempt for task. A failed attempt leaves the artifact
// in place so the next scan finds it again. Empty segment directories are
// pruned whatever the outcome.
func (e *Executor) Upload(ctx context.Context, task segment.Task) Result {
	start := time.Now()

	e.setCurrent(&task, start)
	defer e.setCurrent(nil, time.Time{})

	res := e.upload(ctx, task, uuid.NewString())

	if removed := e.tree.CleanEmpty(); removed > 0 {
		e.metrics.AddSegmentsRemoved(removed)
	}

	res.Outcome = outcomeOf(res)
	res.Duration = time.Since(start)
	res.Finished = time.Now()

	e.metrics.ObserveUpload(task.Priority.String(), res.Outcome, res.Size, res.Duration.Seconds())

	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()

	return res
}

func (e *Executor) upload(ctx context.Context, task segment.Task, attemptID string) Result {
	res := Result{AttemptID: attemptID, Task: task}
	log := e.log.WithField("attempt", attemptID)

	if e.compressor != nil && e.tree.IsUncompressedLog(task.Name()) {
		compressed := task.WithSuffix(e.suffix)

		if err := e.compressor.Compress(ctx, task.Path, compressed.Path); err != nil {
			log.WithError(err).WithField("path", task.Path).Error("Compression failed")

			res.Err = fmt.Errorf("%w: %w", ErrCompression, err)

			return res
		}

		task = compressed
		res.Task = task
	}

	size, err := fsutil.FileSize(task.Path)
	if err != nil {
		log.WithError(err).WithField("path", task.Path).Error("Failed to stat artifact")

		res.Err = fmt.Errorf("%w: %w", ErrStat, err)

		return res
	}

	res.Size = size
	log = log.WithFields(logrus.Fields{
		"key":      task.Key,
		"path":     task.Path,
		"size":     units.HumanSize(float64(size)),
		"priority": task.Priority.String(),
	})

	log.Info("Checking artifact")

	// Empty placeholders cannot be uploaded; drop them without a request.
	if size == 0 {
		if err := fsutil.RemoveFile(task.Path); err != nil {
			log.WithError(err).Error("Failed to remove empty artifact")

			res.Err = fmt.Errorf("%w: %w", ErrCleanup, err)

			return res
		}

		log.Debug("Removed empty artifact")

		res.Success = true

		return res
	}

	signed, err := e.signer.SignUpload(ctx, task.Key)
	if err != nil {
		log.WithError(err).Warn("Failed to obtain upload url")

		res.Err = fmt.Errorf("%w: %w", ErrCredential, err)

		return res
	}

	log.Info("Uploading")

	status, err := e.putter.Put(ctx, signed, task.Path)
	res.StatusCode = status

	if err != nil || status != http.StatusOK {
		if err == nil {
			err = &transfer.StatusError{Code: status}
		}

		log.WithError(err).WithField("status", status).Warn("Upload failed")

		res.Err = fmt.Errorf("%w: %w", ErrTransfer, err)

		return res
	}

	if err := fsutil.RemoveFile(task.Path); err != nil {
		log.WithError(err).Error("Uploaded artifact could not be removed")

		res.Err = fmt.Errorf("%w: %w", ErrCleanup, err)

		return res
	}

	log.Info("Upload succeeded")

	res.Success = true

	return res
}

func (e *Executor) setCurrent(task *segment.Task, started time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.current = task
	e.started = started
}

// Current returns the task being uploaded and when it started, or nil.
func (e *Executor) Current() (*segment.Task, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return nil, time.Time{}
	}

	task := *e.current

	return &task, e.started
}

// LastResult returns the most recent attempt, kept for diagnostics.
func (e *Executor) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last == nil {
		return Result{}, false
	}

	return *e.last, true
}

func outcomeOf(res Result) string {
	switch {
	case res.Err == nil && res.Success && res.StatusCode == 0:
		return OutcomeEmpty
	case res.Err == nil && res.Success:
		return OutcomeSuccess
	case errors.Is(res.Err, ErrCompression):
		return OutcomeCompression
	case errors.Is(res.Err, ErrStat):
		return OutcomeStat
	case errors.Is(res.Err, ErrCredential):
		return OutcomeCredential
	case errors.Is(res.Err, transfer.ErrAborted):
		return OutcomeAborted
	case errors.Is(res.Err, ErrTransfer):
		return OutcomeTransfer
	default:
		return OutcomeCleanup
	}
}
